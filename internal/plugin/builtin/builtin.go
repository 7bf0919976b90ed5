// Package builtin holds the steps shipped with the worker.
package builtin

import (
	"context"
	"errors"
	"io"
	"time"

	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
	"github.com/you-humble/fileflow/internal/plugin"
)

// Output keys with a meaning outside the step that wrote them.
const (
	OutputStoragePath = "storage_path"
	OutputContentHash = "content_hash"
)

type Storage interface {
	Upload(ctx context.Context, path string, content io.Reader, size int64, contentType string) (filestore.UploadResult, error)
	Download(ctx context.Context, path string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	PresignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// All returns every builtin step bound to storage.
func All(storage Storage) []plugin.Plugin {
	return []plugin.Plugin{
		&Hash{storage: storage},
		&Rename{storage: storage},
		&Copy{storage: storage},
		&Presign{storage: storage},
	}
}

// storageFailure classifies a storage error: a missing object will not
// appear by retrying, anything else might be transient.
func storageFailure(op string, err error) plugin.Result {
	return plugin.Failed(!errors.Is(err, filestore.ErrNotFound), "%s: %v", op, err)
}

func sourcePath(req plugin.Request) string {
	if p := req.Outputs[OutputStoragePath]; p != "" {
		return p
	}
	return req.Task.StoragePath
}
