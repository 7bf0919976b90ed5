package remote

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/you-humble/fileflow/internal/domain"
	"github.com/you-humble/fileflow/internal/plugin"
)

// Server exposes a plugin registry to remote workers.
type Server struct {
	registry *plugin.Registry
	workDir  string
	logger   *slog.Logger
}

// NewServer serves plugins from registry. Each call gets a fresh scratch
// directory under workDir, or the OS temp dir when workDir is empty.
func NewServer(registry *plugin.Registry, workDir string, logger *slog.Logger) *Server {
	return &Server{registry: registry, workDir: workDir, logger: logger}
}

func (s *Server) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	p, err := s.registry.Lookup(req.Step)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownPlugin) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	dir, err := os.MkdirTemp(s.workDir, "step-*")
	if err != nil {
		return nil, status.Errorf(codes.ResourceExhausted, "scratch dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("remove scratch dir", slog.String("dir", dir), slog.Any("err", err))
		}
	}()
	req.WorkDir = dir

	res := p.Execute(ctx, req)
	if ctx.Err() != nil && res.Err != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	out, err := encodeResult(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}
