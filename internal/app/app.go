package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/edwardaux/fmdb/internal/adapter/httpapi"
	"github.com/edwardaux/fmdb/internal/adapter/scheduler"
	"github.com/edwardaux/fmdb/internal/config"
	"github.com/edwardaux/fmdb/internal/platform/logger"
	"github.com/edwardaux/fmdb/internal/store"
	"github.com/edwardaux/fmdb/pkg/fmdb"
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "fmdbd",
	})
	return &App{cfg: cfg, log: log}, nil
}

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	a.log.Info("starting", slog.String("db", a.cfg.DB.Path))
	defer func() { _ = logger.Close(a.log) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fmdb.ApplyMigrations(a.cfg.DB.Path, a.cfg.DB.MigrationsURL); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if version, dirty, err := fmdb.MigrationVersion(a.cfg.DB.Path, a.cfg.DB.MigrationsURL); err == nil {
		a.log.Info("schema ready", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}

	opts := fmdb.DefaultOptions()
	opts.Logger = a.log.With("component", "fmdb")
	queue, err := fmdb.NewWithOptions(a.cfg.DB.Path, opts)
	if err != nil {
		return err
	}

	st := store.New(queue)

	sched := scheduler.New(a.log)
	if spec := a.cfg.Maintenance.CheckpointSpec; spec != "" {
		if _, err := sched.AddJob(spec, "wal-checkpoint", a.checkpointJob(queue)); err != nil {
			return fmt.Errorf("schedule checkpoint: %w", err)
		}
	}
	sched.Start()

	srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: httpapi.Router(a.log, st)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server", slog.Any("err", err))
			stop()
		}
	}()

	a.log.Info("listening", slog.String("addr", a.cfg.HTTP.Addr))
	<-ctx.Done()
	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	sched.Stop(shutdownCtx)
	if qErr := queue.Shutdown(shutdownCtx); qErr != nil && err == nil {
		err = qErr
	}
	return err
}

// checkpointJob truncates the WAL and refreshes planner statistics through
// the queue, so maintenance never interleaves with request units of work.
func (a *App) checkpointJob(queue *fmdb.Queue) scheduler.JobFunc {
	return func(ctx context.Context) error {
		return queue.Within(ctx, func(ctx context.Context, db *fmdb.DB) {
			if _, err := db.Exec(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				return
			}
			_, _ = db.Exec(ctx, "PRAGMA optimize")
		})
	}
}
