package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/chain/ethereum"
	"AgentPay-Chain/internal/chain/solana"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/gate"
	"AgentPay-Chain/internal/journal"
	"AgentPay-Chain/internal/llm"
	"AgentPay-Chain/internal/llm/gemini"
	"AgentPay-Chain/internal/refund"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/swap"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	defs, err := chain.LoadDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(ctx, defs)
	if err != nil {
		return err
	}
	defer registry.Close()

	allowlist, err := session.LoadAllowlist(cfg.Merchants.Path)
	if err != nil {
		return err
	}

	store, err := buildSessionStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	journalStore, err := buildJournal(cfg)
	if err != nil {
		return err
	}
	defer journalStore.Close()

	publisher, err := buildEvents(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	refundEngine := refund.NewEngine(registry, defs, journalStore)
	manager, err := session.NewManager(registry, store,
		session.WithRefunder(refundEngine),
		session.WithEvents(publisher),
	)
	if err != nil {
		return err
	}

	// 进程重启后优先恢复上一个会话，到期的恢复会话由监视器立即撤销退款。
	if _, err := manager.Restore(ctx); err != nil {
		return err
	}

	aggregator := swap.NewClient(swap.Config{
		BaseURL:     cfg.Swap.BaseURL,
		SlippageBps: cfg.Swap.SlippageBps,
		Timeout:     time.Duration(cfg.Swap.TimeoutMs) * time.Millisecond,
	})
	spendGate := gate.New(manager, allowlist, registry,
		gate.WithAggregator(aggregator),
		gate.WithJournal(journalStore),
		gate.WithEvents(publisher),
	)

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		return err
	}
	orchestrator, err := agent.New(llmClient, spendGate, manager,
		agent.WithLLMTimeout(time.Duration(cfg.LLM.Gemini.TimeoutMs)*time.Millisecond),
	)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		session.NewExpiryMonitor(manager, time.Duration(cfg.Monitor.ExpiryIntervalMs)*time.Millisecond).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		session.NewBalancePoller(manager, registry, time.Duration(cfg.Monitor.BalanceIntervalMs)*time.Millisecond).Run(ctx)
	}()

	logger.L().Info("agentpayd 已启动", "address", cfg.Server.Address)
	server := api.NewServer(cfg.Server.Address, manager, orchestrator,
		api.WithDefaultDuration(time.Duration(cfg.Session.DefaultDurationMs)*time.Millisecond),
	)
	err = server.Start(ctx)
	wg.Wait()

	// 退出前撤销仍在活动的会话，避免资金滞留在会话密钥上。
	if sess := manager.Current(); sess != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if revokeErr := manager.Revoke(shutdownCtx, false); revokeErr != nil {
			logger.L().Error("退出时撤销会话失败", "error", revokeErr)
		}
	}
	return err
}

func buildRegistry(ctx context.Context, defs chain.Definitions) (*chain.Registry, error) {
	var executors []chain.Executor

	if def, ok := defs.For(chain.NetworkSolana); ok {
		exec, err := solana.NewExecutor(solana.Config{
			RPCURL:     def.RPCURL,
			Commitment: def.Commitment,
		})
		if err != nil {
			return nil, err
		}
		executors = append(executors, exec)
	}
	if def, ok := defs.For(chain.NetworkEthereum); ok {
		exec, err := ethereum.NewExecutor(ctx, ethereum.Config{
			RPCURL:  def.RPCURL,
			ChainID: def.ChainID,
		})
		if err != nil {
			return nil, err
		}
		executors = append(executors, exec)
	}
	return chain.NewRegistry(executors...)
}

func buildSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Storage.SessionStore.Driver {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Address:  cfg.Storage.SessionStore.Address,
			Password: cfg.Storage.SessionStore.Password,
			DB:       cfg.Storage.SessionStore.DB,
			Prefix:   cfg.Storage.SessionStore.Prefix,
		})
	}
	return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.SessionStore.Driver)
}

func buildJournal(cfg *config.Config) (journal.Store, error) {
	switch cfg.Storage.Journal.Driver {
	case "", "memory":
		return journal.NewMemoryStore(), nil
	case "mysql":
		return journal.NewMySQLStore(cfg.Storage.Journal.DSN)
	}
	return nil, fmt.Errorf("未知的流水存储驱动: %s", cfg.Storage.Journal.Driver)
}

func buildEvents(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryPublisher(), nil
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:     cfg.Events.URL,
			Queue:   cfg.Events.Queue,
			Durable: true,
		})
	}
	return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "gemini":
		apiKey := os.Getenv(cfg.LLM.Gemini.APIKeyEnv)
		return gemini.NewClient(gemini.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.Gemini.BaseURL,
			Model:   cfg.LLM.Gemini.Model,
			Timeout: time.Duration(cfg.LLM.Gemini.TimeoutMs) * time.Millisecond,
		})
	}
	return nil, fmt.Errorf("未知的大模型提供方: %s", cfg.LLM.Provider)
}
