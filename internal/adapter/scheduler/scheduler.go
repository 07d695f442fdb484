// Package scheduler runs the daemon's periodic database maintenance jobs
// on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc представляет функцию задачи планировщика.
type JobFunc func(ctx context.Context) error

// cronLogger адаптер для интеграции cron logger с slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]any{slog.Any("error", err)}, keysAndValues...)
	l.logger.Error(msg, args...)
}

// Scheduler управляет периодическими задачами поверх robfig/cron.
// Задачи не перекрываются: запуск пропускается, пока предыдущий не завершён.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New создает планировщик. Расписания указываются с секундами,
// например "0 0 * * * *" - раз в час.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger.With("component", "cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// AddJob добавляет задачу по cron-расписанию.
func (s *Scheduler) AddJob(spec, name string, job JobFunc) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(context.Background()); err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job", name),
				slog.Duration("duration", time.Since(start)),
				slog.Any("err", err),
			)
			return
		}
		s.logger.Debug("scheduled job finished",
			slog.String("job", name),
			slog.Duration("duration", time.Since(start)),
		)
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("cron job added", slog.String("job", name), slog.String("spec", spec))
	return id, nil
}

// Start запускает планировщик в фоне.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop останавливает планировщик и ждёт завершения запущенных задач
// либо истечения ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}
