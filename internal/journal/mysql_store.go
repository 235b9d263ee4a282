package journal

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 持久化流水记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS settlement_journal (
        id VARCHAR(64) PRIMARY KEY,
        session_id VARCHAR(64) NOT NULL,
        kind VARCHAR(16) NOT NULL,
        network VARCHAR(32) NOT NULL,
        amount VARCHAR(80) DEFAULT '',
        destination VARCHAR(128) DEFAULT '',
        reference VARCHAR(128) DEFAULT '',
        status VARCHAR(16) NOT NULL,
        reason TEXT,
        last_error TEXT,
        created_at BIGINT NOT NULL,
        INDEX idx_journal_session (session_id),
        INDEX idx_journal_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 settlement_journal 表失败")
	}
	return nil
}

// Append 实现 Store。
func (s *MySQLStore) Append(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水缺少会话 ID")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO settlement_journal
        (id, session_id, kind, network, amount, destination, reference, status, reason, last_error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.SessionID,
		string(entry.Kind),
		entry.Network,
		entry.Amount,
		entry.Destination,
		entry.Reference,
		string(entry.Status),
		entry.Reason,
		entry.LastError,
		entry.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入流水失败")
	}
	return nil
}

// ListBySession 实现 Store。
func (s *MySQLStore) ListBySession(ctx context.Context, sessionID string) ([]Entry, error) {
	const stmt = `SELECT id, session_id, kind, network, amount, destination, reference, status, reason, last_error, created_at
        FROM settlement_journal WHERE session_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流水失败")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var kind, status string
		var reason, lastError sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&kind,
			&entry.Network,
			&entry.Amount,
			&entry.Destination,
			&entry.Reference,
			&status,
			&reason,
			&lastError,
			&entry.CreatedAt,
		); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水记录失败")
		}
		entry.Kind = Kind(kind)
		entry.Status = Status(status)
		entry.Reason = reason.String
		entry.LastError = lastError.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历流水失败")
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
