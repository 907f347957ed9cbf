package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"msgrelay/internal/agent"
	"msgrelay/internal/bus"
	"msgrelay/internal/channel"
	"msgrelay/internal/config"
	"msgrelay/internal/dedup"
	"msgrelay/internal/domain"
	"msgrelay/internal/ingress"
	"msgrelay/internal/pool"
	"msgrelay/internal/processor"
	"msgrelay/internal/security"
	"msgrelay/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook relay",
		Long:  "Starts the HTTP ingress, the agent client pool and the background processor. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapters := channel.FromConfig(cfg.Channels, logger)
	if len(adapters) == 0 {
		return errors.New("no channels enabled")
	}

	var db *sql.DB
	if cfg.Security.DBPath != "" {
		db, err = store.Open(cfg.Security.DBPath, logger)
		if err != nil {
			return fmt.Errorf("allow-list store: %w", err)
		}
		defer db.Close()
	}
	allow := security.NewAllowList(security.AllowListConfig{
		Policies: senderPolicies(cfg.Channels),
		DB:       db,
		Logger:   logger,
	})

	agentPool := pool.New(pool.Config{
		Size:           cfg.Pool.Size,
		AcquireTimeout: cfg.Pool.AcquireTimeout(),
		Logger:         logger,
	}, func(int) agent.Client {
		return agent.NewHTTPClient(agent.HTTPConfig{
			APIBase:      cfg.Agent.APIBase,
			APIKey:       cfg.Agent.APIKey,
			Model:        cfg.Agent.Model,
			SystemPrompt: cfg.Agent.SystemPrompt,
			MaxTokens:    cfg.Agent.MaxTokens,
			Timeout:      time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
			Logger:       logger,
		})
	})
	connectCtx, cancelConnect := context.WithTimeout(ctx, time.Duration(cfg.Pool.ConnectTimeoutSeconds)*time.Second)
	err = agentPool.Initialize(connectCtx)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("initialize agent pool: %w", err)
	}

	queue := bus.New[processor.Task](cfg.Processor.QueueSize, logger)
	proc := processor.New(processor.Config{
		Queue:       queue,
		Pool:        agentPool,
		Workers:     cfg.Processor.Workers,
		BusyMessage: cfg.Processor.BusyMessage,
		ErrorReply:  cfg.Processor.ErrorReply,
		Logger:      logger,
	})

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	router := ingress.NewRouter(ingress.Config{
		Adapters:     adapters,
		Dedup:        dedup.New(time.Duration(cfg.Dedup.TTLSeconds)*time.Second, cfg.Dedup.MaxEntries),
		AllowList:    allow,
		Scheduler:    proc,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		PoolStats:    agentPool.Stats,
		MetricsPath:  metricsPath,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Workers outlive the signal context so queued tasks drain on shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	procDone := make(chan struct{})
	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(procDone)
		return proc.Run(workCtx)
	})
	g.Go(func() error {
		logger.Info("relay listening", "addr", srv.Addr, "platforms", len(adapters), "pool_size", cfg.Pool.Size)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down relay...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "err", err)
		}

		queue.Close()
		select {
		case <-procDone:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timed out, abandoning queued tasks", "queued", queue.Len())
			cancelWork()
		}
		return nil
	})
	err = g.Wait()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelCleanup()
	agentPool.Cleanup(cleanupCtx)

	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// senderPolicies maps the per-channel config onto allow-list policies.
func senderPolicies(cfg config.ChannelsConfig) map[domain.Platform]security.PlatformPolicy {
	toPolicy := func(p config.SenderPolicy) security.PlatformPolicy {
		mode := security.PolicyOpen
		if p.Policy == string(security.PolicyAllowlist) {
			mode = security.PolicyAllowlist
		}
		return security.PlatformPolicy{Mode: mode, Static: p.AllowFrom}
	}
	return map[domain.Platform]security.PlatformPolicy{
		domain.PlatformWhatsApp: toPolicy(cfg.WhatsApp.SenderPolicy),
		domain.PlatformTelegram: toPolicy(cfg.Telegram.SenderPolicy),
		domain.PlatformIMessage: toPolicy(cfg.IMessage.SenderPolicy),
	}
}
