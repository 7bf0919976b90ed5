package builtin

import (
	"context"
	"time"

	"github.com/you-humble/fileflow/internal/plugin"
)

const defaultPresignTTL = 24 * time.Hour

// Presign publishes a time limited download URL as "presign.url".
type Presign struct {
	storage Storage
}

func (p *Presign) Name() string { return "presign" }

func (p *Presign) Execute(ctx context.Context, req plugin.Request) plugin.Result {
	ttl := defaultPresignTTL
	if v := req.Params["ttl"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return plugin.Failed(false, "presign: invalid ttl %q", v)
		}
		ttl = d
	}

	url, err := p.storage.PresignedURL(ctx, sourcePath(req), ttl)
	if err != nil {
		return storageFailure("presign", err)
	}
	return plugin.Succeeded(map[string]string{
		"presign.url":        url,
		"presign.expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}
