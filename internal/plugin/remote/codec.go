package remote

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/you-humble/fileflow/internal/domain"
	"github.com/you-humble/fileflow/internal/plugin"
)

// Requests and results travel as google.protobuf.Struct so plugin hosts in
// any language can serve the method without generated stubs.

func encodeRequest(req plugin.Request) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"task": map[string]any{
			"id":           req.Task.ID,
			"filename":     req.Task.Filename,
			"content_type": req.Task.ContentType,
			"size":         float64(req.Task.Size),
			"checksum":     req.Task.Checksum,
			"storage_path": req.Task.StoragePath,
			"content_hash": req.Task.ContentHash,
			"created_at":   req.Task.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		"step":    req.Step,
		"index":   float64(req.Index),
		"params":  stringMap(req.Params),
		"outputs": stringMap(req.Outputs),
	})
}

func decodeRequest(s *structpb.Struct) (plugin.Request, error) {
	m := s.AsMap()
	task, _ := m["task"].(map[string]any)
	if task == nil {
		return plugin.Request{}, fmt.Errorf("request without task")
	}
	step, _ := m["step"].(string)
	if step == "" {
		return plugin.Request{}, fmt.Errorf("request without step")
	}

	created, _ := time.Parse(time.RFC3339Nano, str(task, "created_at"))
	index, _ := m["index"].(float64)
	size, _ := task["size"].(float64)

	return plugin.Request{
		Task: plugin.TaskInfo{
			ID:          str(task, "id"),
			Filename:    str(task, "filename"),
			ContentType: str(task, "content_type"),
			Size:        int64(size),
			Checksum:    str(task, "checksum"),
			StoragePath: str(task, "storage_path"),
			ContentHash: str(task, "content_hash"),
			CreatedAt:   created,
		},
		Step:    step,
		Index:   int(index),
		Params:  fromAnyMap(m["params"]),
		Outputs: fromAnyMap(m["outputs"]),
	}, nil
}

func encodeResult(res plugin.Result) (*structpb.Struct, error) {
	out := map[string]any{"outputs": stringMap(res.Outputs)}

	derived := make([]any, 0, len(res.DerivedFiles))
	for _, f := range res.DerivedFiles {
		derived = append(derived, map[string]any{
			"key":          f.Key,
			"path":         f.Path,
			"size":         float64(f.Size),
			"content_type": f.ContentType,
			"relation":     f.Relation,
		})
	}
	out["derived_files"] = derived

	if res.Err != nil {
		out["error"] = map[string]any{
			"message":   res.Err.Message,
			"retryable": res.Err.Retryable,
		}
	}
	return structpb.NewStruct(out)
}

func decodeResult(s *structpb.Struct) plugin.Result {
	m := s.AsMap()
	res := plugin.Result{Outputs: fromAnyMap(m["outputs"])}

	if list, ok := m["derived_files"].([]any); ok {
		for _, item := range list {
			f, ok := item.(map[string]any)
			if !ok {
				continue
			}
			size, _ := f["size"].(float64)
			res.DerivedFiles = append(res.DerivedFiles, domain.DerivedFile{
				Key:         str(f, "key"),
				Path:        str(f, "path"),
				Size:        int64(size),
				ContentType: str(f, "content_type"),
				Relation:    str(f, "relation"),
			})
		}
	}

	if e, ok := m["error"].(map[string]any); ok {
		retryable, _ := e["retryable"].(bool)
		res.Err = &plugin.Failure{Message: str(e, "message"), Retryable: retryable}
	}
	return res
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func fromAnyMap(v any) map[string]string {
	m, _ := v.(map[string]any)
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
