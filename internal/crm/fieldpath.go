package crm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lookup resolves a dotted field path with optional array indices, such as
// "PHONE[0].VALUE" or "UF_CRM_ITEMS[2]", against a decoded CRM record.
func Lookup(record map[string]any, path string) (string, bool) {
	var current any = record
	for _, segment := range strings.Split(path, ".") {
		name, indices, err := parseSegment(segment)
		if err != nil {
			return "", false
		}

		if name != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return "", false
			}
			if current, ok = obj[name]; !ok {
				return "", false
			}
		}

		for _, idx := range indices {
			list, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(list) {
				return "", false
			}
			current = list[idx]
		}
	}
	return stringify(current)
}

func parseSegment(segment string) (string, []int, error) {
	name := segment
	var indices []int
	if open := strings.IndexByte(segment, '['); open >= 0 {
		name = segment[:open]
		rest := segment[open:]
		for rest != "" {
			if rest[0] != '[' {
				return "", nil, fmt.Errorf("invalid segment %q", segment)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return "", nil, fmt.Errorf("unterminated index in %q", segment)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil {
				return "", nil, fmt.Errorf("invalid index in %q: %w", segment, err)
			}
			indices = append(indices, idx)
			rest = rest[end+1:]
		}
	}
	return name, indices, nil
}

func stringify(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}
