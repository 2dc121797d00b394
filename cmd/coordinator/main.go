// Command coordinator runs the cluster control plane: the worker-facing
// TCP listener, the scheduler and the operator REST API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/retire-cluster/coordinator/internal/api"
	"github.com/retire-cluster/coordinator/internal/config"
	"github.com/retire-cluster/coordinator/internal/database"
	"github.com/retire-cluster/coordinator/internal/eventlog"
	"github.com/retire-cluster/coordinator/internal/monitor"
	"github.com/retire-cluster/coordinator/internal/queue"
	"github.com/retire-cluster/coordinator/internal/registry"
	"github.com/retire-cluster/coordinator/internal/repository"
	"github.com/retire-cluster/coordinator/internal/results"
	"github.com/retire-cluster/coordinator/internal/scheduler"
	"github.com/retire-cluster/coordinator/internal/server"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("coordinator exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, cleanup, err := buildRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	var events *eventlog.Log
	if cfg.Storage.EventLogPath != "" {
		events, err = eventlog.Open(cfg.Storage.EventLogPath, 0, 0, log)
		if err != nil {
			return err
		}
		defer events.Close()
	}

	reg := registry.New(repo, log)
	reg.Restore()

	res := results.New(cfg.Results.RetentionCount, cfg.Results.Retention())
	sched := scheduler.New(reg, queue.New(cfg.Scheduler.QueueCapacity), res, events, log)
	go sched.Run(ctx)

	mon := monitor.New(cfg.Heartbeat, cfg.Results, reg, sched, res, log)
	go mon.Run(ctx)

	tcpSrv := server.New(cfg.Server, reg, sched, log)
	tcpDone := make(chan error, 1)
	go func() { tcpDone <- tcpSrv.Serve(ctx) }()

	opts := api.Options{}
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = api.Options{RateLimiter: rdb, RateLimit: 100, RateWindow: time.Minute}
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      api.NewRouter(cfg.Scheduler, reg, sched, log, opts),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	httpDone := make(chan error, 1)
	go func() {
		log.Info("api server started", slog.String("addr", cfg.HTTP.Addr()))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpDone <- err
			return
		}
		httpDone <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-tcpDone:
		return err
	case err := <-httpDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("api shutdown failed", slog.Any("error", err))
	}
	<-tcpDone
	return nil
}

// buildRepository wires the configured persistence driver.
func buildRepository(ctx context.Context, cfg *config.Config, log *slog.Logger) (registry.DeviceRepository, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		if err := database.Migrate(cfg.Storage.Postgres); err != nil {
			return nil, nil, err
		}
		pool, err := database.NewPostgres(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, err
		}
		log.Info("registry persistence: postgres",
			slog.String("host", cfg.Storage.Postgres.Host))
		return repository.NewPostgresDeviceRepository(pool), pool.Close, nil

	default:
		db, err := database.NewSQLite(cfg.Storage.RegistryPath)
		if err != nil {
			return nil, nil, err
		}
		repo, err := repository.NewSQLiteDeviceRepository(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("registry persistence: sqlite",
			slog.String("path", cfg.Storage.RegistryPath))
		return repo, func() { db.Close() }, nil
	}
}
