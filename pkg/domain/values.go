package domain

// CopyMap deep-copies nested map[string]any and []any values. Other values are shared.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = CopyValue(value)
	}
	return out
}

// CopyValue is CopyMap for a single value.
func CopyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CopyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = CopyValue(item)
		}
		return out
	default:
		return v
	}
}
