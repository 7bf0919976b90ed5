package taskstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/you-humble/fileflow/internal/domain"
)

func encodeTask(t domain.Task) (map[string]any, error) {
	req, err := json.Marshal(t.Request)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	chain, err := json.Marshal(nonNil(t.CallbackChain))
	if err != nil {
		return nil, fmt.Errorf("encode callback chain: %w", err)
	}
	outputs, err := json.Marshal(t.PluginOutputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	derived, err := json.Marshal(nonNil(t.DerivedFiles))
	if err != nil {
		return nil, fmt.Errorf("encode derived files: %w", err)
	}

	return map[string]any{
		"id":                     t.ID,
		"status":                 string(t.Status),
		"current_callback_index": t.CurrentCallbackIndex,
		"upload_session_id":      t.UploadSessionID,
		"request":                req,
		"declared_size":          t.Request.Size,
		"callback_chain":         chain,
		"plugin_outputs":         outputs,
		"derived_files":          derived,
		"storage_path":           t.StoragePath,
		"content_hash":           t.ContentHash,
		"stored_size":            t.StoredSize,
		"failure_reason":         t.FailureReason,
		"failed_callback_index":  t.FailedCallbackIndex,
		"created_at":             t.CreatedAt.UnixNano(),
		"updated_at":             t.UpdatedAt.UnixNano(),
		"expires_at":             t.ExpiresAt.UnixNano(),
		"completed_at":           unixNano(t.CompletedAt),
	}, nil
}

func decodeTask(id string, res map[string]string) (domain.Task, error) {
	t := domain.Task{
		ID:              id,
		Status:          domain.TaskStatus(res["status"]),
		UploadSessionID: res["upload_session_id"],
		StoragePath:     res["storage_path"],
		ContentHash:     res["content_hash"],
		FailureReason:   res["failure_reason"],
	}

	t.CurrentCallbackIndex = int(parseInt(res["current_callback_index"], 0))
	t.FailedCallbackIndex = int(parseInt(res["failed_callback_index"], -1))
	t.StoredSize = parseInt(res["stored_size"], 0)
	t.CreatedAt = parseTime(res["created_at"])
	t.UpdatedAt = parseTime(res["updated_at"])
	t.ExpiresAt = parseTime(res["expires_at"])
	t.CompletedAt = parseTime(res["completed_at"])

	if err := unmarshalField(res, "request", &t.Request); err != nil {
		return domain.Task{}, err
	}
	if err := unmarshalField(res, "callback_chain", &t.CallbackChain); err != nil {
		return domain.Task{}, err
	}
	if err := unmarshalField(res, "plugin_outputs", &t.PluginOutputs); err != nil {
		return domain.Task{}, err
	}
	if err := unmarshalField(res, "derived_files", &t.DerivedFiles); err != nil {
		return domain.Task{}, err
	}
	if t.PluginOutputs == nil {
		t.PluginOutputs = map[string]string{}
	}

	return t, nil
}

func unmarshalField(res map[string]string, field string, dst any) error {
	raw, ok := res[field]
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	return nil
}

func parseInt(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseTime(v string) time.Time {
	n := parseInt(v, 0)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
