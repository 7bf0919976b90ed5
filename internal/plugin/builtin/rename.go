package builtin

import (
	"context"
	"path"

	"github.com/you-humble/fileflow/internal/domain"
	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
	"github.com/you-humble/fileflow/internal/plugin"
)

// Rename moves the object to params["target"]. A retry after a partial
// move finds the target in place and succeeds.
type Rename struct {
	storage Storage
}

func (r *Rename) Name() string { return "rename" }

func (r *Rename) Execute(ctx context.Context, req plugin.Request) plugin.Result {
	target := req.Params["target"]
	if target == "" {
		return plugin.Failed(false, "rename: target param is required")
	}
	src := sourcePath(req)
	if src == target {
		return plugin.Succeeded(map[string]string{OutputStoragePath: target})
	}

	if _, err := copyObject(ctx, r.storage, src, target, req.Task.ContentType); err != nil {
		done, existsErr := r.storage.Exists(ctx, target)
		if existsErr != nil || !done {
			return storageFailure("rename", err)
		}
	}

	if err := r.storage.Delete(ctx, src); err != nil {
		return storageFailure("delete source", err)
	}

	return plugin.Succeeded(map[string]string{
		OutputStoragePath: target,
		"rename.from":     src,
	})
}

// Copy writes a second copy of the object, reported as a derived file.
type Copy struct {
	storage Storage
}

func (c *Copy) Name() string { return "copy" }

func (c *Copy) Execute(ctx context.Context, req plugin.Request) plugin.Result {
	target := req.Params["target"]
	if target == "" {
		return plugin.Failed(false, "copy: target param is required")
	}
	relation := req.Params["relation"]
	if relation == "" {
		relation = "copy"
	}

	src := sourcePath(req)
	stored, err := copyObject(ctx, c.storage, src, target, req.Task.ContentType)
	if err != nil {
		return storageFailure("copy", err)
	}

	key := req.Params["key"]
	if key == "" {
		key = path.Base(target)
	}
	return plugin.Succeeded(
		map[string]string{"copy." + key: target},
		domain.DerivedFile{
			Key:         key,
			Path:        target,
			Size:        stored.Size,
			ContentType: req.Task.ContentType,
			Relation:    relation,
		},
	)
}

func copyObject(ctx context.Context, s Storage, src, dst, contentType string) (filestore.UploadResult, error) {
	rc, size, err := s.Download(ctx, src)
	if err != nil {
		return filestore.UploadResult{}, err
	}
	defer rc.Close()

	return s.Upload(ctx, dst, rc, size, contentType)
}
