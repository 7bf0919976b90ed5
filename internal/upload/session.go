// Package upload drives resumable multipart uploads against a storage
// backend.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/you-humble/fileflow/internal/domain"
	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
)

type state int

const (
	stateOpen state = iota
	stateCompleted
	stateAborted
)

var ErrSessionClosed = errors.New("upload session is closed")

// Session is one multipart upload. It can be created with Begin or recovered
// from its persisted id with Resume after a restart.
type Session struct {
	backend filestore.MultipartBackend
	path    string
	id      string

	mu    sync.Mutex
	state state
}

func Begin(ctx context.Context, backend filestore.MultipartBackend, path, contentType string) (*Session, error) {
	id, err := backend.NewMultipart(ctx, path, contentType)
	if err != nil {
		return nil, fmt.Errorf("begin upload %s: %w", path, err)
	}
	return &Session{backend: backend, path: path, id: id}, nil
}

func Resume(backend filestore.MultipartBackend, path, sessionID string) *Session {
	return &Session{backend: backend, path: path, id: sessionID}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Path() string { return s.path }

// UploadPart stores one part and returns its verification tag. Sending the
// same number again replaces the previous content.
func (s *Session) UploadPart(ctx context.Context, number int, data io.Reader, size int64) (filestore.Part, error) {
	if number < 1 {
		return filestore.Part{}, fmt.Errorf("%w: part number %d", domain.ErrInvalidPart, number)
	}
	if err := s.ensureOpen(); err != nil {
		return filestore.Part{}, err
	}

	p, err := s.backend.PutPart(ctx, s.path, s.id, number, data, size)
	if err != nil {
		return filestore.Part{}, fmt.Errorf("upload part %d: %w", number, err)
	}
	return p, nil
}

// Complete finalizes the object. The client part list must be exactly
// 1..expected; a malformed list is rejected without touching the backend.
// Any failure after that point aborts the backend upload, so a tag mismatch
// leaves nothing behind.
func (s *Session) Complete(ctx context.Context, expected int, parts []domain.CompletedPart) (filestore.UploadResult, error) {
	if err := checkContiguous(expected, parts); err != nil {
		return filestore.UploadResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return filestore.UploadResult{}, ErrSessionClosed
	}

	res, err := s.complete(ctx, parts)
	if err != nil {
		s.abortLocked(ctx)
		return filestore.UploadResult{}, err
	}

	s.state = stateCompleted
	return res, nil
}

func (s *Session) complete(ctx context.Context, parts []domain.CompletedPart) (filestore.UploadResult, error) {
	recorded, err := s.backend.ListParts(ctx, s.path, s.id)
	if err != nil {
		return filestore.UploadResult{}, fmt.Errorf("list parts: %w", err)
	}

	byNumber := make(map[int]filestore.Part, len(recorded))
	for _, p := range recorded {
		byNumber[p.Number] = p
	}

	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, b domain.CompletedPart) int { return a.Number - b.Number })

	final := make([]filestore.Part, 0, len(sorted))
	for _, cp := range sorted {
		bp, ok := byNumber[cp.Number]
		if !ok {
			return filestore.UploadResult{}, fmt.Errorf("%w: part %d missing on backend", domain.ErrPartMismatch, cp.Number)
		}
		if !sameTag(bp.Tag, cp.Tag) {
			return filestore.UploadResult{}, fmt.Errorf("%w: part %d tag %q, backend recorded %q",
				domain.ErrPartMismatch, cp.Number, cp.Tag, bp.Tag)
		}
		final = append(final, bp)
	}

	res, err := s.backend.CompleteMultipart(ctx, s.path, s.id, final)
	if err != nil {
		return filestore.UploadResult{}, fmt.Errorf("complete upload: %w", err)
	}
	return res, nil
}

// Abort releases the backend upload. It is safe to call more than once and
// after Complete, where it does nothing.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return nil
	}
	return s.abortLocked(ctx)
}

func (s *Session) abortLocked(ctx context.Context) error {
	s.state = stateAborted
	// the caller's context may already be done on error paths
	err := s.backend.AbortMultipart(context.WithoutCancel(ctx), s.path, s.id)
	if err != nil {
		slog.Warn("abort multipart upload",
			slog.String("path", s.path),
			slog.String("upload_id", s.id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("abort upload: %w", err)
	}
	return nil
}

func (s *Session) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return ErrSessionClosed
	}
	return nil
}

func checkContiguous(expected int, parts []domain.CompletedPart) error {
	if expected < 1 || len(parts) != expected {
		return fmt.Errorf("%w: got %d parts, expected %d", domain.ErrInvalidPart, len(parts), expected)
	}

	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, b domain.CompletedPart) int { return a.Number - b.Number })
	for i, p := range sorted {
		if p.Number != i+1 {
			return fmt.Errorf("%w: part set is not contiguous at %d", domain.ErrInvalidPart, i+1)
		}
		if p.Tag == "" {
			return fmt.Errorf("%w: part %d has no tag", domain.ErrInvalidPart, p.Number)
		}
	}
	return nil
}

func sameTag(a, b string) bool {
	return strings.EqualFold(strings.Trim(a, `"`), strings.Trim(b, `"`))
}
