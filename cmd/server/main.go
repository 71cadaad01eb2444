// Package main implements the entry point for the taskhorn server, which
// tracks long-running tool calls as durable tasks. It serves the task API
// over HTTP by default and over MCP stdio with -mcp.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/phrazzld/taskhorn/internal/api"
	"github.com/phrazzld/taskhorn/internal/config"
	"github.com/phrazzld/taskhorn/internal/dispatch"
	"github.com/phrazzld/taskhorn/internal/platform/dynamo"
	"github.com/phrazzld/taskhorn/internal/platform/logger"
	"github.com/phrazzld/taskhorn/internal/platform/postgres"
	"github.com/phrazzld/taskhorn/internal/platform/sqlite"
	"github.com/phrazzld/taskhorn/internal/serverless"
	"github.com/phrazzld/taskhorn/internal/task"
)

func main() {
	mcpMode := flag.Bool("mcp", false, "serve the task API over MCP stdio instead of HTTP")
	flag.Parse()

	if err := run(*mcpMode); err != nil {
		log.Fatalf("taskhorn: %v", err)
	}
}

func run(mcpMode bool) error {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logg := logger.Setup(cfg.Server.LogLevel)
	logg.Info("configuration loaded",
		"driver", cfg.Storage.Driver,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logg.Error("closing store", "error", cerr)
		}
	}()

	runtime := task.NewRuntime(
		task.WithStore(store),
		task.WithLogger(logg),
		task.WithPollInterval(cfg.Task.PollInterval),
		task.WithAwaitTimeout(cfg.Task.AwaitTimeout),
		task.WithStuckAge(cfg.Task.StuckAge),
		task.WithTTL(cfg.Task.TTL),
	)

	boot := serverless.New(runtime, logg)
	if err := boot.EnsureRecovered(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	sweeper := startSweeper(ctx, runtime, store, cfg.Task.SweepInterval, logg)
	defer func() { <-sweeper.Stop().Done() }()

	if mcpMode {
		return dispatch.NewServer(runtime, logg).Run()
	}
	return serveHTTP(ctx, cfg.Server.Port, runtime, logg)
}

// startSweeper schedules the periodic maintenance jobs: stuck-task recovery
// and TTL expiry.
func startSweeper(ctx context.Context, runtime *task.Runtime, store task.Store, every time.Duration, logg *slog.Logger) *cron.Cron {
	c := cron.New()
	schedule := fmt.Sprintf("@every %s", every)
	_, err := c.AddFunc(schedule, func() {
		if n, err := runtime.RecoverStuck(ctx); err != nil {
			logg.Error("recovery sweep failed", "error", err)
		} else if n > 0 {
			logg.Warn("recovery sweep failed stuck tasks", "count", n)
		}
		if n, err := store.DeleteExpired(ctx); err != nil {
			logg.Error("expiry sweep failed", "error", err)
		} else if n > 0 {
			logg.Info("expiry sweep removed tasks", "count", n)
		}
	})
	if err != nil {
		// The schedule string is built from a validated duration.
		panic(fmt.Sprintf("invalid sweep schedule %q: %v", schedule, err))
	}
	c.Start()
	logg.Info("maintenance sweeper started", "interval", every.String())
	return c
}

func serveHTTP(ctx context.Context, port int, runtime *task.Runtime, logg *slog.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	api.NewTaskHandler(runtime, logg).Routes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info("HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logg.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

// openStore builds the storage backend named by the configuration.
func openStore(ctx context.Context, cfg config.StorageConfig) (task.Store, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresURL)
	case "dynamo":
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.DynamoRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.DynamoRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
			}
		})
		return dynamo.New(client, cfg.DynamoTable), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
