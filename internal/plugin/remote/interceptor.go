package remote

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// UnaryLoggingInterceptor logs each step invocation with its outcome.
func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()

		resp, err = handler(ctx, req)

		attrs := []any{
			slog.String("method", info.FullMethod),
			slog.Duration("duration", time.Since(start)),
			slog.String("code", status.Code(err).String()),
		}
		if in, ok := req.(*structpb.Struct); ok {
			attrs = append(attrs, slog.String("step", in.GetFields()["step"].GetStringValue()))
			if task := in.GetFields()["task"].GetStructValue(); task != nil {
				attrs = append(attrs, slog.String("task_id", task.GetFields()["id"].GetStringValue()))
			}
		}
		if err != nil {
			logger.Warn("step call failed", append(attrs, slog.Any("err", err))...)
			return resp, err
		}
		logger.Info("step call", attrs...)
		return resp, err
	}
}

// RecoveryUnaryInterceptor turns a plugin panic into codes.Internal.
func RecoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in plugin host",
					slog.String("method", info.FullMethod),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = status.Errorf(codes.Internal, "plugin panicked")
			}
		}()

		return handler(ctx, req)
	}
}
