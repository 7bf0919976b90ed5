// Package sweeper expires overdue tasks on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/you-humble/fileflow/internal/domain"
	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
	"github.com/you-humble/fileflow/internal/upload"
)

type TaskStore interface {
	ExpireDue(ctx context.Context, now time.Time) ([]domain.Task, error)
}

type ChangeListener interface {
	Changed(id string)
}

type Notifier interface {
	PublishFailed(ctx context.Context, ev domain.FailedEvent) error
}

type Sweeper struct {
	store    TaskStore
	files    filestore.MultipartBackend
	changes  ChangeListener
	notifier Notifier
	now      func() time.Time

	cron *cron.Cron
}

func New(store TaskStore, files filestore.MultipartBackend, changes ChangeListener, notifier Notifier) *Sweeper {
	return &Sweeper{
		store:    store,
		files:    files,
		changes:  changes,
		notifier: notifier,
		now:      time.Now,
	}
}

// Start schedules Sweep with a standard cron spec such as "@every 1m".
// Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	logger := cronLogger{}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := s.cron.AddFunc(spec, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			slog.Warn("sweeper", slog.String("error", err.Error()))
		}
		if n > 0 {
			slog.Info("sweeper: tasks expired", slog.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", spec, err)
	}

	s.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep expires every overdue task, releases upload sessions still open
// and announces the expiry.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireDue(ctx, s.now())

	for _, t := range expired {
		s.changes.Changed(t.ID)

		if t.Status.AcceptsUpload() && t.UploadSessionID != "" {
			session := upload.Resume(s.files, t.Request.TargetPath, t.UploadSessionID)
			if err := session.Abort(ctx); err != nil {
				slog.Warn("sweeper: abort upload session",
					slog.String("task_id", t.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		t.Status = domain.StatusExpired
		t.FailureReason = "task expired"
		t.CompletedAt = s.now()
		if err := s.notifier.PublishFailed(ctx, domain.NewFailedEvent(t)); err != nil {
			slog.Warn("sweeper: publish expiry",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return len(expired), err
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
