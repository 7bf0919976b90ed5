package app

import (
	"context"
	"log/slog"
)

type workerApp struct {
	di *dependencyInjector
}

// NewWorker builds the dispatch consumer that runs callback chains.
func NewWorker(ctx context.Context) *workerApp {
	di := newDI()
	di.Logger()
	// The relay must exist before the task store so checkpoints reach it.
	di.Relay()
	return &workerApp{di: di}
}

func (a *workerApp) Run(ctx context.Context) error {
	defer a.di.Close()

	relay := a.di.Relay()
	relay.Start(context.Background())

	d := a.di.Distributor(ctx)
	slog.Info("distributor starting...",
		slog.Any("plugins", a.di.Registry(ctx).Names()),
	)
	if err := d.Run(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("worker shutting down...")

	d.Stop()

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.di.Config().ShutdownTimeout,
	)
	defer cancel()

	if err := relay.Stop(shutdownCtx); err != nil {
		slog.Warn("hooks relay stop", slog.String("error", err.Error()))
	}
	slog.Info("worker stopped")
	return nil
}
