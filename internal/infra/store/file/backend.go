package filestore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")

type UploadResult struct {
	Path     string
	Checksum string
	Size     int64
}

// Part is the backend view of one uploaded multipart part.
type Part struct {
	Number       int
	Tag          string
	Size         int64
	LastModified time.Time
}

// Backend is the object storage contract used by the core and by plugins.
type Backend interface {
	Upload(ctx context.Context, path string, content io.Reader, size int64, contentType string) (UploadResult, error)
	Download(ctx context.Context, path string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	PresignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// MultipartBackend is the part level API a multipart session drives.
type MultipartBackend interface {
	NewMultipart(ctx context.Context, path, contentType string) (string, error)
	PutPart(ctx context.Context, path, uploadID string, number int, data io.Reader, size int64) (Part, error)
	ListParts(ctx context.Context, path, uploadID string) ([]Part, error)
	CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) (UploadResult, error)
	AbortMultipart(ctx context.Context, path, uploadID string) error
}

type Storage interface {
	Backend
	MultipartBackend
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.Trim(tag, `"`))
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
