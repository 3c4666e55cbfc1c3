// Command server runs seigen as an HTTP admission service.
//
// Usage:
//
//	server serve --rules rules.yaml
//	server validate rules.yaml
//
// Process settings come from SEIGEN_* environment variables and .env files;
// rules come from the YAML rules file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/KanavDutta/seigen/core"
	"github.com/KanavDutta/seigen/internal/config"
	"github.com/KanavDutta/seigen/metrics"
	"github.com/KanavDutta/seigen/middleware"
	"github.com/KanavDutta/seigen/pkg/seigen"
	"github.com/KanavDutta/seigen/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Start the admission service."`
	Validate ValidateCmd `cmd:"" help:"Validate a rules file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("seigen server %s\n", version)
	return nil
}

// ValidateCmd loads a rules file and reports problems.
type ValidateCmd struct {
	Rules string `arg:"" help:"Rules file to check." type:"path"`
}

func (c *ValidateCmd) Run() error {
	cfg, err := seigen.LoadConfigFromFile(c.Rules)
	if err != nil {
		return err
	}
	if _, err := seigen.New(seigen.WithConfig(cfg)); err != nil {
		return err
	}
	fmt.Printf("%s: %d rule(s), key extractor %q, empty keys %s\n",
		c.Rules, len(cfg.Rules), cfg.KeyExtractor, cfg.EmptyKey)
	return nil
}

// ServeCmd starts the HTTP service.
type ServeCmd struct {
	Addr  string `help:"Listen address (overrides SEIGEN_ADDR)."`
	Rules string `short:"r" help:"Rules file (overrides SEIGEN_RULES_FILE)." type:"path"`
}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}
	if c.Rules != "" {
		cfg.RulesFile = c.Rules
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	rules := seigen.NewConfig()
	if cfg.RulesFile != "" {
		loaded, err := seigen.LoadConfigFromFile(cfg.RulesFile)
		if err != nil {
			return err
		}
		rules = loaded
	}

	m := metrics.NewMetrics()
	m.SetMaxClients(cfg.ClientStatsMax)
	opts := []seigen.Option{
		seigen.WithConfig(rules),
		seigen.WithLogger(logger),
		seigen.WithObserver(m),
		seigen.WithSweepHook(func(removed int) {
			pruned := m.PruneIdle(time.Now().Add(-cfg.ClientStatsIdle))
			if removed > 0 || pruned > 0 {
				logger.Debug("swept idle state", slog.Int("removed", removed), slog.Int("client_stats_pruned", pruned))
			}
		}),
	}
	if cfg.SweepInterval > 0 {
		opts = append(opts, seigen.WithSweepInterval(cfg.SweepInterval))
	}

	srv := &server{metrics: m, logger: logger}

	if cfg.RedisAddr != "" {
		banLog := store.NewRedisBanLog(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
			OnError: func(err error) {
				logger.Warn("ban feed write failed", slog.Any("error", err))
			},
		})
		defer banLog.Close()

		if err := banLog.Ping(ctx); err != nil {
			// Bans are still enforced; only the feed is missing
			logger.Warn("redis unreachable, ban feed degraded", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
		} else {
			logger.Info("ban feed enabled", slog.String("addr", cfg.RedisAddr), slog.String("channel", cfg.RedisChannel))
		}

		opts = append(opts, seigen.WithObserver(seigen.ObserverFuncs{Ban: banLog.OnBan}))
		srv.pingBanLog = banLog.Ping
	}

	engine, err := seigen.New(opts...)
	if err != nil {
		return err
	}
	if err := m.WatchEngine(engine); err != nil {
		return err
	}

	extractor, err := rules.Extractor()
	if err != nil {
		return err
	}
	limiter, err := middleware.NewRateLimiter(middleware.Config{
		Engine:  engine,
		KeyFunc: extractor,
		Logger:  logger,
		OnDecision: func(_ *http.Request, d core.Decision) {
			m.RecordDecision(d)
		},
	})
	if err != nil {
		return err
	}

	srv.engine = engine
	srv.limiter = limiter

	stopCleanup := engine.StartBackgroundCleanup()
	defer stopCleanup()

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("seigen listening",
		slog.String("addr", cfg.Addr),
		slog.Int("rules", engine.Rules().Len()),
		slog.String("rules_file", cfg.RulesFile),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("seigen"),
		kong.Description("Rule-based request admission with bans."),
		kong.UsageOnError(),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
