package filestore

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const multipartDir = ".multipart"

type localStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) (*localStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is empty")
	}

	if err := os.MkdirAll(filepath.Join(baseDir, multipartDir), 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	return &localStore{baseDir: baseDir}, nil
}

func (s *localStore) Upload(
	ctx context.Context,
	path string,
	content io.Reader,
	_ int64,
	_ string,
) (UploadResult, error) {
	if err := checkCtx(ctx); err != nil {
		return UploadResult{}, err
	}

	fullPath, err := s.fullFilePath(path)
	if err != nil {
		return UploadResult{}, err
	}

	written, hash, err := writeAtomic(fullPath, content)
	if err != nil {
		return UploadResult{}, err
	}

	return UploadResult{Path: path, Checksum: hash, Size: written}, nil
}

func (s *localStore) Download(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, 0, err
	}

	fullPath, err := s.fullFilePath(path)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat file: %w", err)
	}

	return f, info.Size(), nil
}

func (s *localStore) Delete(ctx context.Context, path string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	fullPath, err := s.fullFilePath(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *localStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}

	fullPath, err := s.fullFilePath(path)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat file: %w", err)
	}
}

// PresignedURL has no signing on disk; it returns a file URL that is only
// meaningful to processes sharing the filesystem.
func (s *localStore) PresignedURL(ctx context.Context, path string, _ time.Duration) (string, error) {
	fullPath, err := s.fullFilePath(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *localStore) NewMultipart(ctx context.Context, path, _ string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	if _, err := s.fullFilePath(path); err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	if err := os.MkdirAll(s.sessionDir(uploadID), 0o755); err != nil {
		return "", fmt.Errorf("create multipart dir: %w", err)
	}
	return uploadID, nil
}

func (s *localStore) PutPart(
	ctx context.Context,
	_ string,
	uploadID string,
	number int,
	data io.Reader,
	size int64,
) (Part, error) {
	if err := checkCtx(ctx); err != nil {
		return Part{}, err
	}

	dir, err := s.openSession(uploadID)
	if err != nil {
		return Part{}, err
	}

	hasher := md5.New()
	written, _, err := writeAtomic(filepath.Join(dir, partName(number)), io.TeeReader(data, hasher))
	if err != nil {
		return Part{}, err
	}
	if size > 0 && written != size {
		return Part{}, fmt.Errorf("part %d: wrote %d bytes, expected %d", number, written, size)
	}

	return Part{
		Number:       number,
		Tag:          hex.EncodeToString(hasher.Sum(nil)),
		Size:         written,
		LastModified: time.Now(),
	}, nil
}

func (s *localStore) ListParts(ctx context.Context, _ string, uploadID string) ([]Part, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	dir, err := s.openSession(uploadID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read multipart dir: %w", err)
	}

	parts := make([]Part, 0, len(entries))
	for _, e := range entries {
		n, ok := parsePartName(e.Name())
		if !ok {
			continue
		}
		p, err := describePart(filepath.Join(dir, e.Name()), n)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}

	slices.SortFunc(parts, func(a, b Part) int { return a.Number - b.Number })
	return parts, nil
}

func (s *localStore) CompleteMultipart(
	ctx context.Context,
	path, uploadID string,
	parts []Part,
) (UploadResult, error) {
	if err := checkCtx(ctx); err != nil {
		return UploadResult{}, err
	}

	dir, err := s.openSession(uploadID)
	if err != nil {
		return UploadResult{}, err
	}
	fullPath, err := s.fullFilePath(path)
	if err != nil {
		return UploadResult{}, err
	}

	readers := make([]io.Reader, 0, len(parts))
	closers := make([]io.Closer, 0, len(parts))
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for _, p := range parts {
		f, err := os.Open(filepath.Join(dir, partName(p.Number)))
		if err != nil {
			return UploadResult{}, fmt.Errorf("open part %d: %w", p.Number, err)
		}
		readers = append(readers, f)
		closers = append(closers, f)
	}

	written, hash, err := writeAtomic(fullPath, io.MultiReader(readers...))
	if err != nil {
		return UploadResult{}, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return UploadResult{}, fmt.Errorf("remove multipart dir: %w", err)
	}

	return UploadResult{Path: path, Checksum: hash, Size: written}, nil
}

func (s *localStore) AbortMultipart(ctx context.Context, _ string, uploadID string) error {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\.`) {
		return fmt.Errorf("invalid upload id %q", uploadID)
	}
	if err := os.RemoveAll(s.sessionDir(uploadID)); err != nil {
		return fmt.Errorf("remove multipart dir: %w", err)
	}
	return nil
}

func (s *localStore) sessionDir(uploadID string) string {
	return filepath.Join(s.baseDir, multipartDir, uploadID)
}

func (s *localStore) openSession(uploadID string) (string, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\.`) {
		return "", fmt.Errorf("invalid upload id %q", uploadID)
	}
	dir := s.sessionDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("multipart upload %s: %w", uploadID, ErrNotFound)
		}
		return "", fmt.Errorf("stat multipart dir: %w", err)
	}
	return dir, nil
}

func (s *localStore) fullFilePath(filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("empty filename")
	}

	clean := filepath.Clean(filename)
	if strings.HasPrefix(clean, "..") || strings.HasPrefix(clean, multipartDir) {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}

	return filepath.Join(s.baseDir, clean), nil
}

// writeAtomic streams r into a temp file next to fullPath and renames it in
// place, returning the byte count and sha256 of the content.
func writeAtomic(fullPath string, r io.Reader) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("mkdir: %w", err)
	}

	tempPath := fullPath + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	f, err := os.Create(tempPath)
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tempPath)
	}()

	hasher := sha256.New()
	written, err := io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		return 0, "", fmt.Errorf("write file: %w", err)
	}

	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		return 0, "", fmt.Errorf("rename temp file: %w", err)
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

func partName(n int) string {
	return fmt.Sprintf("%05d.part", n)
}

func parsePartName(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, ".part")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(base)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func describePart(path string, n int) (Part, error) {
	f, err := os.Open(path)
	if err != nil {
		return Part{}, fmt.Errorf("open part %d: %w", n, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Part{}, fmt.Errorf("stat part %d: %w", n, err)
	}

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return Part{}, fmt.Errorf("hash part %d: %w", n, err)
	}

	return Part{
		Number:       n,
		Tag:          hex.EncodeToString(hasher.Sum(nil)),
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}
