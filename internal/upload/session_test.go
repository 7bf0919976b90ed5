package upload

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/fileflow/internal/domain"
	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
)

func newStore(t *testing.T) filestore.Storage {
	t.Helper()
	s, err := filestore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func uploadAll(t *testing.T, s *Session, chunks ...string) []domain.CompletedPart {
	t.Helper()
	parts := make([]domain.CompletedPart, 0, len(chunks))
	for i, c := range chunks {
		p, err := s.UploadPart(context.Background(), i+1, strings.NewReader(c), int64(len(c)))
		require.NoError(t, err)
		parts = append(parts, domain.CompletedPart{Number: p.Number, Tag: p.Tag})
	}
	return parts
}

func TestSessionCompleteAfterResume(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	s, err := Begin(ctx, store, "out/file.txt", "text/plain")
	require.NoError(t, err)
	parts := uploadAll(t, s, "ab", "cd")

	// a new process only knows the persisted session id
	resumed := Resume(store, "out/file.txt", s.ID())
	p3, err := resumed.UploadPart(ctx, 3, strings.NewReader("ef"), 2)
	require.NoError(t, err)
	parts = append([]domain.CompletedPart{{Number: 3, Tag: `"` + strings.ToUpper(p3.Tag) + `"`}}, parts...)

	res, err := resumed.Complete(ctx, 3, parts)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Size)

	rc, _, err := store.Download(ctx, "out/file.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "abcdef", string(data))

	_, err = resumed.UploadPart(ctx, 1, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NoError(t, resumed.Abort(ctx))
}

func TestSessionRejectsNonContiguous(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	s, err := Begin(ctx, store, "f.bin", "")
	require.NoError(t, err)
	parts := uploadAll(t, s, "a", "b", "c")

	cases := map[string][]domain.CompletedPart{
		"gap":       {parts[0], parts[2], {Number: 4, Tag: "x"}},
		"duplicate": {parts[0], parts[0], parts[1]},
		"short":     parts[:2],
		"no tag":    {parts[0], parts[1], {Number: 3}},
	}
	for name, set := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Complete(ctx, 3, set)
			assert.ErrorIs(t, err, domain.ErrInvalidPart)
		})
	}

	// still usable after rejected input
	_, err = s.Complete(ctx, 3, parts)
	assert.NoError(t, err)
}

func TestSessionTagMismatchAborts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	s, err := Begin(ctx, store, "f.bin", "")
	require.NoError(t, err)
	parts := uploadAll(t, s, "a", "b")
	parts[1].Tag = "deadbeef"

	_, err = s.Complete(ctx, 2, parts)
	assert.ErrorIs(t, err, domain.ErrPartMismatch)

	_, err = store.ListParts(ctx, "f.bin", s.ID())
	assert.ErrorIs(t, err, filestore.ErrNotFound)

	_, err = s.Complete(ctx, 2, parts)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionRejectsBadPartNumber(t *testing.T) {
	store := newStore(t)
	s, err := Begin(context.Background(), store, "f.bin", "")
	require.NoError(t, err)

	_, err = s.UploadPart(context.Background(), 0, strings.NewReader("a"), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidPart)
}
