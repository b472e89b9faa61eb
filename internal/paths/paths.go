// Package paths extracts values from opaque JSON documents using gjson
// dot-notation paths (e.g. "data.createZone.id", "items.0.code").
// Both output extraction from adapter responses and placeholder path
// traversal over recorded snapshots go through here.
package paths

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Extract returns the value at path within raw JSON, decoded into its
// natural Go representation. The second return is false when the path does
// not resolve.
func Extract(raw []byte, path string) (any, bool) {
	if len(raw) == 0 || path == "" {
		return nil, false
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return decode(res), true
}

// ExtractFrom marshals an arbitrary value once and extracts path from it.
func ExtractFrom(value any, path string) (any, bool) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	return Extract(raw, path)
}

// decode converts a gjson result into plain Go values, preserving nested
// structure. gjson's Value() already does this for scalars and objects;
// arrays need recursion so elements keep their structure.
func decode(res gjson.Result) any {
	switch {
	case res.IsArray():
		arr := res.Array()
		out := make([]any, 0, len(arr))
		for _, el := range arr {
			out = append(out, decode(el))
		}
		return out
	case res.IsObject():
		m := make(map[string]any)
		res.ForEach(func(key, value gjson.Result) bool {
			m[key.String()] = decode(value)
			return true
		})
		return m
	default:
		return res.Value()
	}
}
