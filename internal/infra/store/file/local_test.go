package filestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestLocalStoreUploadDownload(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	res, err := s.Upload(ctx, "docs/a.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", res.Checksum)

	ok, err := s.Exists(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, size, err := s.Download(ctx, "docs/a.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, "docs/a.txt"))
	require.NoError(t, s.Delete(ctx, "docs/a.txt"))

	_, _, err = s.Download(ctx, "docs/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Upload(ctx, "../escape", strings.NewReader("x"), 1, "")
	assert.Error(t, err)
}

func TestLocalStoreMultipart(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	id, err := s.NewMultipart(ctx, "big.bin", "application/octet-stream")
	require.NoError(t, err)

	p2, err := s.PutPart(ctx, "big.bin", id, 2, strings.NewReader("world"), 5)
	require.NoError(t, err)
	p1, err := s.PutPart(ctx, "big.bin", id, 1, strings.NewReader("hello "), 6)
	require.NoError(t, err)
	assert.Equal(t, md5hex("hello "), p1.Tag)

	// overwrite keeps a single record
	p2, err = s.PutPart(ctx, "big.bin", id, 2, strings.NewReader("there"), 5)
	require.NoError(t, err)

	parts, err := s.ListParts(ctx, "big.bin", id)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 1, parts[0].Number)
	assert.Equal(t, p2.Tag, parts[1].Tag)

	res, err := s.CompleteMultipart(ctx, "big.bin", id, parts)
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Size)

	rc, _, err := s.Download(ctx, "big.bin")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello there", string(data))

	_, err = s.ListParts(ctx, "big.bin", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreAbortMultipart(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	id, err := s.NewMultipart(ctx, "x.bin", "")
	require.NoError(t, err)
	_, err = s.PutPart(ctx, "x.bin", id, 1, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	require.NoError(t, s.AbortMultipart(ctx, "x.bin", id))
	_, err = s.PutPart(ctx, "x.bin", id, 2, strings.NewReader("abc"), 3)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.AbortMultipart(ctx, "x.bin", "../../etc"))
}
