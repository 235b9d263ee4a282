package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/session"
)

// Server 负责暴露 REST 接口，供前端驱动会话与对话。
type Server struct {
	addr            string
	manager         *session.Manager
	orchestrator    *agent.Orchestrator
	defaultDuration time.Duration
}

// ServerOption 配置 Server 的可选参数。
type ServerOption func(*Server)

// WithDefaultDuration 设置创建会话时未指定时长的默认值。
func WithDefaultDuration(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.defaultDuration = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, manager *session.Manager, orchestrator *agent.Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		addr:            addr,
		manager:         manager,
		orchestrator:    orchestrator,
		defaultDuration: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回路由后的处理器，测试用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session", s.handleSession)
	mux.HandleFunc("/api/v1/messages", s.handleMessages)
	return mux
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	case http.MethodGet:
		s.handleSessionStatus(w, r)
	case http.MethodDelete:
		s.handleRevokeSession(w, r)
	default:
		http.Error(w, "仅支持 GET/POST/DELETE", http.StatusMethodNotAllowed)
	}
}

// networkLimits 是创建会话时单个网络的限额配置，金额为十进制字符串。
type networkLimits struct {
	MaxSpend       string `json:"max_spend"`
	PerTxCap       string `json:"per_tx_cap"`
	PrimaryAddress string `json:"primary_address"`
}

type createSessionRequest struct {
	DurationMs int64                    `json:"duration_ms"`
	Networks   map[string]networkLimits `json:"networks"`
}

type sessionKeyView struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

type createSessionResponse struct {
	SessionID   string           `json:"session_id"`
	ExpiresAtMs int64            `json:"expires_at_ms"`
	Keys        []sessionKeyView `json:"keys"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	duration := time.Duration(req.DurationMs) * time.Millisecond
	if duration <= 0 {
		duration = s.defaultDuration
	}
	cfg := session.Config{
		MaxSpend:         make(map[chain.Network]*big.Int),
		PerTxCap:         make(map[chain.Network]*big.Int),
		Duration:         duration,
		PrimaryAddresses: make(map[chain.Network]string),
	}
	for name, limits := range req.Networks {
		network := chain.Network(name)
		if !network.Valid() {
			http.Error(w, "不支持的网络: "+name, http.StatusBadRequest)
			return
		}
		maxSpend, err := chain.ParseDecimal(limits.MaxSpend, network.Decimals())
		if err != nil {
			http.Error(w, "无法解析 max_spend: "+err.Error(), http.StatusBadRequest)
			return
		}
		perTxCap, err := chain.ParseDecimal(limits.PerTxCap, network.Decimals())
		if err != nil {
			http.Error(w, "无法解析 per_tx_cap: "+err.Error(), http.StatusBadRequest)
			return
		}
		cfg.MaxSpend[network] = maxSpend
		cfg.PerTxCap[network] = perTxCap
		if limits.PrimaryAddress != "" {
			cfg.PrimaryAddresses[network] = limits.PrimaryAddress
		}
	}

	sess, err := s.manager.Create(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := createSessionResponse{
		SessionID:   sess.ID,
		ExpiresAtMs: sess.ExpiresAt.UnixMilli(),
	}
	for _, network := range chain.Networks() {
		if key, ok := sess.Key(network); ok {
			resp.Keys = append(resp.Keys, sessionKeyView{Network: string(network), Address: key.Address})
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

type networkStatus struct {
	Address   string `json:"address"`
	MaxSpend  string `json:"max_spend"`
	PerTxCap  string `json:"per_tx_cap"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
	Balance   string `json:"balance,omitempty"`
}

type sessionStatusResponse struct {
	SessionID   string                   `json:"session_id"`
	State       string                   `json:"state"`
	ExpiresAtMs int64                    `json:"expires_at_ms"`
	Networks    map[string]networkStatus `json:"networks"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.Current()
	if sess == nil {
		http.Error(w, "当前没有会话", http.StatusNotFound)
		return
	}

	resp := sessionStatusResponse{
		SessionID:   sess.ID,
		State:       sess.State().String(),
		ExpiresAtMs: sess.ExpiresAt.UnixMilli(),
		Networks:    make(map[string]networkStatus),
	}
	for _, network := range chain.Networks() {
		key, ok := sess.Key(network)
		if !ok {
			continue
		}
		decimals := network.Decimals()
		status := networkStatus{
			Address:   key.Address,
			MaxSpend:  chain.FormatAtomic(sess.Ledger.MaxSpend(network), decimals),
			PerTxCap:  chain.FormatAtomic(sess.Ledger.PerTxCap(network), decimals),
			Spent:     chain.FormatAtomic(sess.Ledger.Spent(network), decimals),
			Remaining: chain.FormatAtomic(sess.Ledger.Remaining(network), decimals),
		}
		if balance := sess.Balance(network); balance != nil {
			status.Balance = chain.FormatAtomic(balance, decimals)
		}
		resp.Networks[string(network)] = status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Revoke(r.Context(), false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.orchestrator == nil {
		http.Error(w, "Orchestrator 未初始化", http.StatusServiceUnavailable)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message 不能为空", http.StatusBadRequest)
		return
	}

	reply, err := s.orchestrator.HandleMessage(r.Context(), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把结构化错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeConfiguration:
		status = http.StatusBadRequest
	case xerrors.CodeSessionNotFound:
		status = http.StatusNotFound
	case xerrors.CodeSessionExpired:
		status = http.StatusConflict
	}
	http.Error(w, xerrors.MessageOf(err), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
