package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/you-humble/fileflow/internal/transport"
)

type apiApp struct {
	di  *dependencyInjector
	srv *http.Server
}

// NewAPI builds the HTTP front: task creation, uploads and status reads.
// The expiry sweeper runs alongside it since this process owns upload
// sessions and the task cache.
func NewAPI(ctx context.Context) *apiApp {
	di := newDI()
	di.Logger()
	mux := http.NewServeMux()
	return &apiApp{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.WithRecover(
				transport.LogMiddleware(
					di.Router(ctx).MountRoutes(mux),
				),
			),
		},
	}
}

func (a *apiApp) Run(ctx context.Context) error {
	defer a.di.Close()

	sw := a.di.Sweeper(ctx)
	if err := sw.Start(ctx, a.di.Config().Sweeper.Spec); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.di.Config().ShutdownTimeout,
		)
		defer cancel()

		sw.Stop()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", slog.String("error", err.Error()))
			return err
		}

		slog.Info("server gracefully stopped")
		return nil
	})

	return g.Wait()
}
