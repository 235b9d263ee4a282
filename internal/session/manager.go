package session

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/pkg/logger"
)

// RefundFailure 描述单个网络的退款失败。
type RefundFailure struct {
	Network chain.Network
	Err     error
}

// Refunder 在会话撤销时把各网络会话密钥的剩余资金转回主钱包。
// 由退款引擎实现，逐网络返回失败明细。
type Refunder interface {
	Refund(ctx context.Context, sess *Session) []RefundFailure
}

// Manager 管理会话的完整生命周期：创建、持久化、恢复与撤销。
// 同一时刻最多存在一个会话。
type Manager struct {
	registry *chain.Registry
	store    Store
	refunder Refunder
	events   events.Publisher
	alerts   alerting.Dispatcher
	now      func() time.Time

	mu      sync.RWMutex
	current *Session

	// revokeMu 在整个撤销流程期间持有，退款完成前不清除会话记录。
	revokeMu sync.Mutex
}

// Option 配置 Manager 的可选依赖。
type Option func(*Manager)

// WithRefunder 注入退款引擎。
func WithRefunder(r Refunder) Option {
	return func(m *Manager) { m.refunder = r }
}

// WithEvents 注入事件发布器。
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithAlerts 注入告警分发器，退款失败时通知人工介入。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建会话管理器。
func NewManager(registry *chain.Registry, store Store, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "registry 不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "store 不能为空")
	}
	m := &Manager{
		registry: registry,
		store:    store,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Current 返回当前会话，不存在时返回 nil。
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Create 为每个已配置网络铸造一把新的会话密钥并启动会话。
// 密钥生成或持久化任一步失败都会整体失败，不会产生部分会话。
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.State() != StateClosed {
		return nil, xerrors.New(xerrors.CodeConfiguration, "已存在活跃会话，请先撤销")
	}

	keys := make(map[chain.Network]chain.Keypair)
	for _, network := range m.registry.Networks() {
		exec, err := m.registry.Executor(network)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取执行器失败")
		}
		key, err := exec.GenerateKeypair()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成会话密钥失败: "+string(network))
		}
		keys[network] = key
	}

	id := uuid.NewString()
	expiresAt := m.now().Add(cfg.Duration)
	ledger := NewLedger(cfg.MaxSpend, cfg.PerTxCap)
	sess := newSession(id, keys, expiresAt, cfg, ledger, StateActive)

	if err := m.store.Save(ctx, recordFromSession(sess, cfg.Duration)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话记录失败")
	}
	m.current = sess

	logger.L().Info("会话已创建",
		"session_id", id,
		"expires_at", expiresAt,
		"networks", len(keys),
	)
	logger.Audit().Info("session_created", "session_id", id, "expires_at_ms", expiresAt.UnixMilli())
	m.publish(ctx, events.New(events.TypeSessionCreated, id, map[string]any{
		"expires_at_ms": expiresAt.UnixMilli(),
	}))
	return sess, nil
}

// Restore 从存储恢复会话。记录不存在或不完整时返回 (nil, nil)：
// 宁可没有会话也不恢复出一个限额状态可疑的会话。
func (m *Manager) Restore(ctx context.Context) (*Session, error) {
	record, err := m.store.Load(ctx)
	if err != nil {
		if err == ErrNoSession {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话记录失败")
	}
	if !record.Complete() {
		logger.L().Warn("会话记录不完整，放弃恢复", "session_id", record.ID, "version", record.Version)
		return nil, nil
	}
	sess, err := sessionFromRecord(record)
	if err != nil {
		logger.L().Warn("会话记录解析失败，放弃恢复", "session_id", record.ID, "error", err)
		return nil, nil
	}
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	logger.L().Info("会话已恢复",
		"session_id", sess.ID,
		"expires_at", sess.ExpiresAt,
		"expired", sess.Expired(m.now()),
	)
	return sess, nil
}

// Persist 把当前会话的最新花费写回存储，结算记账后调用。
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.RLock()
	sess := m.current
	m.mu.RUnlock()
	if sess == nil {
		return xerrors.New(xerrors.CodeSessionNotFound, "当前没有会话")
	}
	duration := time.Duration(0)
	if record, err := m.store.Load(ctx); err == nil && record != nil {
		duration = time.Duration(record.DurationMs) * time.Millisecond
	}
	if duration <= 0 {
		duration = sess.Config.Duration
	}
	if err := m.store.Save(ctx, recordFromSession(sess, duration)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话记录失败")
	}
	return nil
}

// Revoke 撤销会话：退款、清除持久化记录、擦除密钥。
// 通过 CAS 保证并发触发（到期监视器与用户手工撤销同时发生）只执行一次，
// 后到者直接返回 nil。
func (m *Manager) Revoke(ctx context.Context, auto bool) error {
	m.mu.RLock()
	sess := m.current
	m.mu.RUnlock()
	if sess == nil {
		return xerrors.New(xerrors.CodeSessionNotFound, "当前没有会话")
	}
	if !sess.CompareAndSwapState(StateActive, StateRevoking) {
		return nil
	}

	m.revokeMu.Lock()
	defer m.revokeMu.Unlock()

	reason := "manual"
	if auto {
		reason = "expiry"
	}
	logger.L().Info("开始撤销会话", "session_id", sess.ID, "reason", reason)
	logger.Audit().Info("session_revoking", "session_id", sess.ID, "reason", reason)
	m.publish(ctx, events.New(events.TypeSessionRevoking, sess.ID, map[string]any{
		"reason": reason,
	}))

	var failures []RefundFailure
	if m.refunder != nil {
		failures = m.refunder.Refund(ctx, sess)
	}
	if len(failures) > 0 {
		// 退款失败的网络保留最小恢复材料，再清除会话记录，
		// 保证资金在任何失败路径下都可被人工找回。
		networks := make([]string, 0, len(failures))
		for _, failure := range failures {
			networks = append(networks, string(failure.Network))
			logger.L().Error("退款失败",
				"session_id", sess.ID,
				"network", failure.Network,
				"error", failure.Err,
			)
			m.publish(ctx, events.New(events.TypeRefundFailed, sess.ID, map[string]any{
				"network": string(failure.Network),
				"error":   failure.Err.Error(),
			}))
			if m.alerts != nil {
				alertErr := m.alerts.Notify(ctx, alerting.Event{
					Code:       xerrors.CodeOf(failure.Err),
					Message:    failure.Err.Error(),
					Severity:   xerrors.SeverityOf(failure.Err),
					SessionID:  sess.ID,
					Network:    string(failure.Network),
					OccurredAt: m.now(),
				})
				if alertErr != nil {
					logger.L().Warn("发送退款告警失败", "session_id", sess.ID, "error", alertErr)
				}
			}
		}
		recovery := recoveryFromSession(sess, networks, m.now())
		if err := m.store.SaveRecovery(ctx, recovery); err != nil {
			logger.L().Error("保存恢复记录失败", "session_id", sess.ID, "error", err)
		}
	}

	if err := m.store.Clear(ctx); err != nil {
		logger.L().Error("清除会话记录失败", "session_id", sess.ID, "error", err)
	}
	sess.CompareAndSwapState(StateRevoking, StateClosed)
	sess.eraseSecrets()

	m.mu.Lock()
	if m.current == sess {
		m.current = nil
	}
	m.mu.Unlock()

	logger.L().Info("会话已关闭", "session_id", sess.ID, "refund_failures", len(failures))
	logger.Audit().Info("session_closed", "session_id", sess.ID, "reason", reason, "refund_failures", len(failures))
	m.publish(ctx, events.New(events.TypeSessionClosed, sess.ID, map[string]any{
		"reason":          reason,
		"refund_failures": len(failures),
	}))

	if len(failures) > 0 {
		return xerrors.New(xerrors.CodeRefundFailure, "部分网络退款失败，已保留恢复记录")
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, event); err != nil {
		logger.L().Warn("事件发布失败", "type", event.Type, "error", err)
	}
}

// recordFromSession 把会话序列化为持久化记录。
func recordFromSession(sess *Session, duration time.Duration) *Record {
	keys := make(map[string]KeyRecord, len(sess.Keys))
	for network, key := range sess.Keys {
		keys[string(network)] = KeyRecord{Address: key.Address, Secret: key.Secret}
	}
	primary := make(map[string]string, len(sess.Config.PrimaryAddresses))
	for network, address := range sess.Config.PrimaryAddresses {
		primary[string(network)] = address
	}
	return &Record{
		Version:          RecordVersion,
		ID:               sess.ID,
		Keys:             keys,
		ExpiresAtMs:      sess.ExpiresAt.UnixMilli(),
		DurationMs:       duration.Milliseconds(),
		MaxSpend:         amountsToStrings(sess.Config.MaxSpend),
		PerTxCap:         amountsToStrings(sess.Config.PerTxCap),
		Spent:            amountsToStrings(sess.Ledger.SpentSnapshot()),
		PrimaryAddresses: primary,
	}
}

// sessionFromRecord 从持久化记录重建会话。
func sessionFromRecord(record *Record) (*Session, error) {
	maxSpend, err := amountsFromStrings(record.MaxSpend)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "总限额记录非法")
	}
	perTxCap, err := amountsFromStrings(record.PerTxCap)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "单笔限额记录非法")
	}
	spent, err := amountsFromStrings(record.Spent)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "花费记录非法")
	}

	keys := make(map[chain.Network]chain.Keypair, len(record.Keys))
	for name, key := range record.Keys {
		network := chain.Network(name)
		if !network.Valid() {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "记录包含未知网络: "+name)
		}
		keys[network] = chain.Keypair{Network: network, Address: key.Address, Secret: key.Secret}
	}
	primary := make(map[chain.Network]string, len(record.PrimaryAddresses))
	for name, address := range record.PrimaryAddresses {
		primary[chain.Network(name)] = address
	}

	cfg := Config{
		MaxSpend:         maxSpend,
		PerTxCap:         perTxCap,
		Duration:         time.Duration(record.DurationMs) * time.Millisecond,
		PrimaryAddresses: primary,
	}
	ledger := NewLedger(maxSpend, perTxCap)
	if err := ledger.restoreSpent(spent); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复花费记录失败")
	}
	expiresAt := time.UnixMilli(record.ExpiresAtMs)
	return newSession(record.ID, keys, expiresAt, cfg, ledger, StateActive), nil
}

// recoveryFromSession 提取退款失败后仍需保留的最小恢复材料。
func recoveryFromSession(sess *Session, failedNetworks []string, now time.Time) *RecoveryRecord {
	keys := make(map[string]KeyRecord, len(sess.Keys))
	for network, key := range sess.Keys {
		keys[string(network)] = KeyRecord{Address: key.Address, Secret: key.Secret}
	}
	primary := make(map[string]string, len(sess.Config.PrimaryAddresses))
	for network, address := range sess.Config.PrimaryAddresses {
		primary[string(network)] = address
	}
	return &RecoveryRecord{
		SessionID:        sess.ID,
		Keys:             keys,
		PrimaryAddresses: primary,
		FailedNetworks:   failedNetworks,
		CreatedAt:        now.UnixMilli(),
	}
}

func amountsToStrings(amounts map[chain.Network]*big.Int) map[string]string {
	out := make(map[string]string, len(amounts))
	for network, value := range amounts {
		if value == nil {
			value = new(big.Int)
		}
		out[string(network)] = value.String()
	}
	return out
}

func amountsFromStrings(values map[string]string) (map[chain.Network]*big.Int, error) {
	out := make(map[chain.Network]*big.Int, len(values))
	for name, value := range values {
		network := chain.Network(name)
		if !network.Valid() {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "未知网络: "+name)
		}
		parsed, ok := new(big.Int).SetString(value, 10)
		if !ok || parsed.Sign() < 0 {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "金额字符串非法: "+value)
		}
		out[network] = parsed
	}
	return out, nil
}
