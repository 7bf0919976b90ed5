package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	mio "github.com/you-humble/fileflow/internal/libs/minio"

	"github.com/minio/minio-go/v7"
)

const listPartsPage = 1000

type minioStore struct {
	db       *minio.Core
	bucket   string
	basePath string
}

func NewMinIOStore(ctx context.Context, cfg mio.Config, basePath string) (*minioStore, error) {
	core, err := mio.NewCore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	basePath = strings.Trim(basePath, "/")
	if basePath != "" {
		basePath += "/"
	}

	return &minioStore{
		db:       core,
		bucket:   cfg.Bucket,
		basePath: basePath,
	}, nil
}

func (s *minioStore) Upload(
	ctx context.Context,
	filename string,
	content io.Reader,
	size int64,
	contentType string,
) (UploadResult, error) {
	if err := checkCtx(ctx); err != nil {
		return UploadResult{}, err
	}

	objectName, err := s.objectName(filename)
	if err != nil {
		return UploadResult{}, err
	}

	hasher := sha256.New()
	hashingReader := io.TeeReader(content, hasher)

	putSize := size
	if putSize <= 0 {
		putSize = -1
	}

	info, err := s.db.Client.PutObject(ctx, s.bucket, objectName, hashingReader, putSize, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("put object: %w", err)
	}

	return UploadResult{
		Path:     filename,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
		Size:     info.Size,
	}, nil
}

func (s *minioStore) Download(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, 0, err
	}

	objectName, err := s.objectName(filename)
	if err != nil {
		return nil, 0, err
	}

	obj, err := s.db.Client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object: %w", err)
	}

	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, 0, fmt.Errorf("%s: %w", filename, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}

	return obj, st.Size, nil
}

func (s *minioStore) Delete(ctx context.Context, filename string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	objectName, err := s.objectName(filename)
	if err != nil {
		return err
	}

	err = s.db.Client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("remove object: %w", err)
	}

	return nil
}

func (s *minioStore) Exists(ctx context.Context, filename string) (bool, error) {
	objectName, err := s.objectName(filename)
	if err != nil {
		return false, err
	}

	_, err = s.db.Client.StatObject(ctx, s.bucket, objectName, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case isNoSuchKey(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat object: %w", err)
	}
}

func (s *minioStore) PresignedURL(ctx context.Context, filename string, ttl time.Duration) (string, error) {
	objectName, err := s.objectName(filename)
	if err != nil {
		return "", err
	}

	u, err := s.db.Client.PresignedGetObject(ctx, s.bucket, objectName, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}

func (s *minioStore) NewMultipart(ctx context.Context, filename, contentType string) (string, error) {
	objectName, err := s.objectName(filename)
	if err != nil {
		return "", err
	}

	uploadID, err := s.db.NewMultipartUpload(ctx, s.bucket, objectName, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("new multipart upload: %w", err)
	}
	return uploadID, nil
}

func (s *minioStore) PutPart(
	ctx context.Context,
	filename, uploadID string,
	number int,
	data io.Reader,
	size int64,
) (Part, error) {
	objectName, err := s.objectName(filename)
	if err != nil {
		return Part{}, err
	}

	p, err := s.db.PutObjectPart(ctx, s.bucket, objectName, uploadID, number, data, size, minio.PutObjectPartOptions{})
	if err != nil {
		return Part{}, fmt.Errorf("put part %d: %w", number, err)
	}

	return Part{
		Number:       p.PartNumber,
		Tag:          normalizeTag(p.ETag),
		Size:         p.Size,
		LastModified: p.LastModified,
	}, nil
}

func (s *minioStore) ListParts(ctx context.Context, filename, uploadID string) ([]Part, error) {
	objectName, err := s.objectName(filename)
	if err != nil {
		return nil, err
	}

	var (
		parts  []Part
		marker int
	)
	for {
		res, err := s.db.ListObjectParts(ctx, s.bucket, objectName, uploadID, marker, listPartsPage)
		if err != nil {
			if isNoSuchUpload(err) {
				return nil, fmt.Errorf("multipart upload %s: %w", uploadID, ErrNotFound)
			}
			return nil, fmt.Errorf("list parts: %w", err)
		}

		for _, p := range res.ObjectParts {
			parts = append(parts, Part{
				Number:       p.PartNumber,
				Tag:          normalizeTag(p.ETag),
				Size:         p.Size,
				LastModified: p.LastModified,
			})
		}

		if !res.IsTruncated {
			return parts, nil
		}
		marker = res.NextPartNumberMarker
	}
}

func (s *minioStore) CompleteMultipart(
	ctx context.Context,
	filename, uploadID string,
	parts []Part,
) (UploadResult, error) {
	objectName, err := s.objectName(filename)
	if err != nil {
		return UploadResult{}, err
	}

	complete := make([]minio.CompletePart, len(parts))
	var size int64
	for i, p := range parts {
		complete[i] = minio.CompletePart{PartNumber: p.Number, ETag: p.Tag}
		size += p.Size
	}

	info, err := s.db.CompleteMultipartUpload(ctx, s.bucket, objectName, uploadID, complete, minio.PutObjectOptions{})
	if err != nil {
		return UploadResult{}, fmt.Errorf("complete multipart upload: %w", err)
	}

	return UploadResult{
		Path:     filename,
		Checksum: normalizeTag(info.ETag),
		Size:     size,
	}, nil
}

func (s *minioStore) AbortMultipart(ctx context.Context, filename, uploadID string) error {
	objectName, err := s.objectName(filename)
	if err != nil {
		return err
	}

	if err := s.db.AbortMultipartUpload(ctx, s.bucket, objectName, uploadID); err != nil && !isNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

func (s *minioStore) objectName(filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("empty filename")
	}

	clean := path.Clean(filename)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}

	clean = strings.TrimLeft(clean, "/")

	return s.basePath + clean, nil
}

func isNoSuchKey(err error) bool {
	var merr minio.ErrorResponse
	if errors.As(err, &merr) {
		return merr.Code == minio.NoSuchKey
	}
	return minio.ToErrorResponse(err).Code == minio.NoSuchKey
}

func isNoSuchUpload(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchUpload"
}
