// Gateway — точка входа шлюза: сборка зависимостей, запуск консоли
// и фоновых контуров, мягкая остановка по сигналу.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/browsergate/internal/approval"
	"github.com/xela07ax/browsergate/internal/audit"
	"github.com/xela07ax/browsergate/internal/bridge"
	"github.com/xela07ax/browsergate/internal/console"
	"github.com/xela07ax/browsergate/internal/engine"
	"github.com/xela07ax/browsergate/internal/infra"
	"github.com/xela07ax/browsergate/internal/infra/auth"
	"github.com/xela07ax/browsergate/internal/policy"
	"github.com/xela07ax/browsergate/internal/ratelimit"
	"github.com/xela07ax/browsergate/internal/redact"
	"github.com/xela07ax/browsergate/internal/repository/postgres"
	"github.com/xela07ax/browsergate/internal/tools"
)

const cleanupInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "путь к файлу конфигурации (yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := infra.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Телеметрия: собственный Registry + системные коллекторы
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(registry)

	// Redis опционален: без него рубильник работает локально
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, kill switch runs locally", zap.Error(err))
			_ = rdb.Close()
			rdb = nil
		} else {
			defer func() { _ = rdb.Close() }()
		}
	}

	kill := engine.NewKillSwitch(rdb, logger)
	go kill.Listen(ctx)

	// Аудит: Postgres, если настроен, иначе структурированный лог
	var auditStore audit.Store
	var auditRead console.AuditReader
	var db *sql.DB
	if cfg.Postgres.Enabled {
		db, err = postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		repo := postgres.NewAuditRepo(db, logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		auditStore = repo
		auditRead = repo
	} else {
		auditStore = audit.NewLogStore(logger)
	}
	auditor := audit.New(auditStore, audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, metrics, logger)
	defer auditor.Stop()

	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL,
		cfg.Auth.OperatorID, cfg.Auth.OperatorPasswordHash)

	redactor := redact.New(cfg.Policy.SensitivePatterns)
	eng := policy.NewEngine(policy.Config{
		Allowlist:  cfg.Policy.Allowlist,
		StepBudget: cfg.Policy.StepBudget,
		RateLimit: ratelimit.Config{
			PerMinute:        cfg.Policy.RatePerMinute,
			PerHour:          cfg.Policy.RatePerHour,
			FailureThreshold: cfg.Policy.FailureThreshold,
		},
		Enforcement: policy.EnforcementMode(cfg.Policy.Enforcement),
	}, redactor, logger)

	hub := bridge.NewHub(bridge.HubConfig{
		CommandTimeout: cfg.Bridge.CommandTimeout,
		Authorize: func(r *http.Request) error {
			if !authSvc.Enabled() {
				return nil
			}
			_, err := authSvc.AuthorizeRequest(r, "executor")
			return err
		},
	}, logger)
	defer hub.Close()

	approvals := approval.NewStore(rdb, cfg.Approval.DecisionTimeout, metrics, logger)

	registryTools, err := tools.NewRegistry()
	if err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(registryTools, eng, hub, approvals, kill, auditor, metrics,
		tools.DispatcherConfig{ToolTimeout: cfg.Bridge.CommandTimeout}, logger)

	server := console.NewServer(cfg.Server, dispatcher, eng, kill, approvals, hub,
		authSvc, auditRead, registry, logger)

	// Фоновая уборка: лимитер, бюджеты доменов, решенные апрувы,
	// подвисшие команды; попутно обновляем gauges.
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eng.Cleanup()
				approvals.Cleanup()
				hub.SweepStale()
				metrics.SetConnectedExecutors(hub.ConnectedCount())
				metrics.SetPendingCommands(hub.PendingCount())
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("browsergate started",
		zap.String("addr", cfg.Server.Addr),
		zap.String("enforcement", cfg.Policy.Enforcement),
		zap.Bool("redis", rdb != nil),
		zap.Bool("postgres", cfg.Postgres.Enabled),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return server.Shutdown(context.Background())
}
