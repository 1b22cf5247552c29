package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dic/gateway/internal/config"
	"github.com/dic/gateway/internal/domain/datarequest"
	"github.com/dic/gateway/internal/fhirclient"
	"github.com/dic/gateway/internal/platform/auth"
	"github.com/dic/gateway/internal/platform/db"
	"github.com/dic/gateway/internal/platform/metrics"
	"github.com/dic/gateway/internal/platform/middleware"
	"github.com/dic/gateway/internal/sync"
	"github.com/dic/gateway/internal/ttp"
)

const version = "0.1.0"

const (
	ttpVerifyAttempts = 10
	ttpVerifyDelay    = 3 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway-server",
		Short: "Data exchange gateway between a data integration center and its trusted third party",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().Str("version", version).Str("config", cfg.Redacted()).Msg("starting gateway")

	// Database
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Shared HTTP plumbing for all outbound endpoints. One token cache
	// serves every OAuth client, keyed by client id.
	httpClient := &http.Client{Timeout: 30 * time.Second}
	tokens := gocache.New(gocache.NoExpiration, 5*time.Minute)
	provider := auth.NewProvider(tokens, httpClient, logger)

	// FHIR endpoints
	requestMethod, err := cfg.Request.Method()
	if err != nil {
		logger.Fatal().Err(err).Msg("request endpoint auth")
	}
	inputMethod, err := cfg.Input.Method()
	if err != nil {
		logger.Fatal().Err(err).Msg("input endpoint auth")
	}
	outputMethod, err := cfg.Output.Method()
	if err != nil {
		logger.Fatal().Err(err).Msg("output endpoint auth")
	}
	requests := fhirclient.New(cfg.Request.URL, requestMethod, provider, httpClient, logger)
	input := fhirclient.New(cfg.Input.URL, inputMethod, provider, httpClient, logger)
	output := fhirclient.New(cfg.Output.URL, outputMethod, provider, httpClient, logger)

	// Pseudonymization backend, when configured
	var ttpClient ttp.Client
	if cfg.TTPEnabled() {
		ttpCfg, err := cfg.TTP.ClientConfig(cfg.ExchangeIDSystem)
		if err != nil {
			logger.Fatal().Err(err).Msg("ttp config")
		}
		ttpClient, err = ttpCfg.NewClient(provider, httpClient, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("ttp client")
		}
		if cfg.TTP.VerifyStartup {
			verifyTTP(ctx, ttpClient, logger)
		}
	} else {
		logger.Warn().Msg("no pseudonymization backend configured, records pass through unlinked")
	}

	// Repositories, service, sync engine
	m := metrics.New()
	repo := datarequest.NewRepoPG(pool)
	syncState := datarequest.NewSyncStateRepoPG(pool)
	svc := datarequest.NewService(repo, ttpClient, requests,
		cfg.ExchangeIDSystem, cfg.TTP.ProjectIDSystem, m, logger)

	engine := sync.NewEngine(repo, syncState, input, output,
		cfg.ExchangeIDSystem, cfg.TTP.ProjectIDSystem, cfg.SyncInterval(), m, logger)
	go engine.Run(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	handler := datarequest.NewHandler(svc, logger)
	handler.Register(apiV1)

	// Graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info().Msg("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("port", cfg.Port).Msg("listening")
	if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}
	return nil
}

// verifyTTP blocks until the backend answers its availability probe, giving
// up after a bounded number of attempts.
func verifyTTP(ctx context.Context, client ttp.Client, logger zerolog.Logger) {
	for attempt := 1; attempt <= ttpVerifyAttempts; attempt++ {
		if client.CheckAvailability(ctx) {
			logger.Info().Msg("ttp backend reachable")
			return
		}
		logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", ttpVerifyAttempts).
			Msg("ttp backend not reachable, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(ttpVerifyDelay):
		}
	}
	logger.Error().Msg("ttp backend unreachable, giving up")
	os.Exit(3)
}
