package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/auditbus"
	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/adapter/llm"
	"github.com/xiaot623/gogo/scenarios/internal/condition"
	"github.com/xiaot623/gogo/scenarios/internal/config"
	"github.com/xiaot623/gogo/scenarios/internal/lease"
	"github.com/xiaot623/gogo/scenarios/internal/policy"
	"github.com/xiaot623/gogo/scenarios/internal/registry"
	"github.com/xiaot623/gogo/scenarios/internal/repository"
	"github.com/xiaot623/gogo/scenarios/internal/schema"
	"github.com/xiaot623/gogo/scenarios/internal/service"
	handler "github.com/xiaot623/gogo/scenarios/internal/transport/http"
	"github.com/xiaot623/gogo/scenarios/internal/transport/rpc"
)

func main() {
	// Load configuration
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.Info("starting scenariod",
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"rpc_port", cfg.RPCPort,
		"database", cfg.DatabaseURL,
		"llm_base_url", cfg.LLMBaseURL,
	)

	if err := run(cfg); err != nil {
		slog.Error("scenariod stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("scenariod stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Generation: persona backend plus remote agents, behind one limiter
	chat := llm.NewChatClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.GenerationTimeout)
	gen := generation.NewRouter(
		generation.NewLLMBackend(chat, cfg.LLMModel),
		generation.NewRemoteClient(cfg.RemoteAgentTimeout),
		generation.NewLimiter(cfg.GenerationRPS, cfg.GenerationBurst),
	)

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to initialize condition evaluator: %w", err)
	}
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	validator, err := schema.New()
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	// Leases are process-local unless Redis is configured
	var locker lease.Locker = lease.NewMemory()
	if cfg.RedisAddr != "" {
		rl := lease.NewRedis(cfg.RedisAddr, cfg.LeaseTTL)
		if err := rl.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		defer rl.Close()
		locker = rl
		slog.Info("using redis leases", "addr", cfg.RedisAddr)
	}

	var bus auditbus.Publisher = auditbus.Nop{}
	if cfg.AuditNATSURL != "" {
		nb, err := auditbus.Connect(cfg.AuditNATSURL, cfg.AuditSubject)
		if err != nil {
			return err
		}
		defer nb.Close()
		bus = nb
		slog.Info("mirroring audit log to nats", "url", cfg.AuditNATSURL, "subject", cfg.AuditSubject)
	}

	// Initialize service
	svc := service.New(db, registry.New(db), evaluator, gen, policyEngine, locker, bus)

	externalServer := handler.NewExternalServer(svc, validator)
	internalServer := handler.NewInternalServer(svc, cfg.WorkerBatch)

	errc := make(chan error, 3)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("external server: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("internal server: %w", err)
		}
	}()

	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(svc)
		if err != nil {
			return err
		}
		go func() {
			if err := rpcServer.Start(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
				errc <- fmt.Errorf("rpc server: %w", err)
			}
		}()
	}

	// Suite runs progress in the background until shutdown
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		svc.RunSuiteWorker(ctx, cfg.WorkerInterval, cfg.WorkerBatch)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down scenariod")
	case runErr = <-errc:
		stop()
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown external server gracefully", "error", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown internal server gracefully", "error", err)
	}
	if rpcServer != nil {
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("failed to shutdown rpc server gracefully", "error", err)
		}
	}
	<-workerDone
	return runErr
}
