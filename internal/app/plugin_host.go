package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"

	"github.com/you-humble/fileflow/internal/plugin/remote"
)

type pluginHostApp struct {
	di   *dependencyInjector
	addr string
	srv  *grpc.Server
}

// NewPluginHost serves this node's builtin steps to remote workers.
func NewPluginHost(ctx context.Context) *pluginHostApp {
	di := newDI()
	l := di.Logger()

	workDir := filepath.Join(di.Config().BaseDir, "plugin-work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		l.Error("create plugin work dir", slog.String("error", err.Error()))
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			remote.RecoveryUnaryInterceptor(l),
			remote.UnaryLoggingInterceptor(l),
		),
	)
	remote.RegisterStepRuntimeServer(grpcServer, remote.NewServer(di.Builtins(ctx), workDir, l))

	return &pluginHostApp{
		di:   di,
		addr: di.Config().Plugins.HostAddr,
		srv:  grpcServer,
	}
}

func (a *pluginHostApp) Run(ctx context.Context) error {
	defer a.di.Close()
	l := a.di.Logger()
	errCh := make(chan error, 1)

	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}

	go func() {
		l.Info("plugin host listening",
			slog.String("addr", a.addr),
			slog.Any("plugins", a.di.Builtins(ctx).Names()),
		)
		if err := a.srv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		l.Info("shutdown signal received, starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.di.Config().ShutdownTimeout)
		defer cancel()

		if err := a.shutdown(shutdownCtx); err != nil {
			l.Error("graceful shutdown failed", slog.String("error", err.Error()))
		} else {
			l.Info("graceful shutdown completed")
		}

	case err := <-errCh:
		l.Error("server exited with error", slog.String("error", err.Error()))
		return err
	}

	return nil
}

func (a *pluginHostApp) shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.srv.GracefulStop()
		close(done)
	}()

	select {
	case <-ctx.Done():
		a.srv.Stop()
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	case <-done:
		return nil
	}
}
