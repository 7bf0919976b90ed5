package plugin

import (
	"fmt"
	"regexp"
	"strconv"
)

var placeholder = regexp.MustCompile(`\$\{(outputs|task)\.([A-Za-z0-9_.\-]+)\}`)

// ResolveParams expands ${outputs.<key>} and ${task.<field>} references in
// the declared step parameters. A reference that cannot be satisfied is an
// error: the step would run with missing input.
func ResolveParams(params map[string]string, info TaskInfo, outputs map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(params))
	for k, v := range params {
		var missing string
		out := placeholder.ReplaceAllStringFunc(v, func(ref string) string {
			m := placeholder.FindStringSubmatch(ref)
			val, ok := lookupRef(m[1], m[2], info, outputs)
			if !ok && missing == "" {
				missing = ref
			}
			return val
		})
		if missing != "" {
			return nil, fmt.Errorf("param %q: unresolved reference %s", k, missing)
		}
		resolved[k] = out
	}
	return resolved, nil
}

func lookupRef(scope, key string, info TaskInfo, outputs map[string]string) (string, bool) {
	if scope == "outputs" {
		v, ok := outputs[key]
		return v, ok
	}

	switch key {
	case "id":
		return info.ID, true
	case "filename":
		return info.Filename, true
	case "content_type":
		return info.ContentType, true
	case "size":
		return strconv.FormatInt(info.Size, 10), true
	case "storage_path":
		return info.StoragePath, true
	case "content_hash":
		return info.ContentHash, info.ContentHash != ""
	}
	return "", false
}
