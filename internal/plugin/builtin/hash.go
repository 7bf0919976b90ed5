package builtin

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/you-humble/fileflow/internal/plugin"
)

// Hash computes sha256 and md5 of the stored object. With verify=true it
// fails permanently when the client declared a different checksum.
type Hash struct {
	storage Storage
}

func (h *Hash) Name() string { return "hash" }

func (h *Hash) Execute(ctx context.Context, req plugin.Request) plugin.Result {
	rc, _, err := h.storage.Download(ctx, sourcePath(req))
	if err != nil {
		return storageFailure("download", err)
	}
	defer rc.Close()

	sha, md := sha256.New(), md5.New()
	if _, err := io.Copy(io.MultiWriter(sha, md), rc); err != nil {
		return plugin.Failed(true, "read object: %v", err)
	}

	sum := hex.EncodeToString(sha.Sum(nil))
	mdSum := hex.EncodeToString(md.Sum(nil))

	if req.Params["verify"] == "true" && req.Task.Checksum != "" {
		declared := strings.ToLower(req.Task.Checksum)
		if declared != sum && declared != mdSum {
			return plugin.Failed(false, "checksum mismatch: declared %s, computed sha256 %s", declared, sum)
		}
	}

	return plugin.Succeeded(map[string]string{
		"hash.sha256":     sum,
		"hash.md5":        mdSum,
		OutputContentHash: sum,
	})
}
