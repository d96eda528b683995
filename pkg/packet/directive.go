package packet

import (
	"context"
	"strings"
)

// DirectiveMarker is the first character of a directive key.
const DirectiveMarker = "$"

// MessageKey is the directive substituting a payload field: {"$msg": "field"}.
const MessageKey = DirectiveMarker + "msg"

// Lookup reads a top-level field of the payload a packet was resolved against.
type Lookup func(key string) (any, bool)

// Resolver replaces a directive node (or, under Transform, a scalar leaf).
type Resolver func(ctx context.Context, value any, lookup Lookup) (any, error)

// SyncResolver is the synchronous form of Resolver.
type SyncResolver func(value any, lookup Lookup) any

// IsDirective reports whether v is an object with exactly one key starting with the
// directive marker.
func IsDirective(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	for key := range m {
		return strings.HasPrefix(key, DirectiveMarker)
	}
	return false
}

// MessageDirective resolves {"$msg": "field"} to the payload's field. Other values,
// including unknown directives, are returned untouched.
func MessageDirective(value any, lookup Lookup) any {
	m, ok := value.(map[string]any)
	if !ok || !IsDirective(m) {
		return value
	}
	field, ok := m[MessageKey].(string)
	if !ok {
		return value
	}
	resolved, _ := lookup(field)
	return resolved
}

// walk returns a rewritten copy of v. Containers are copied so a property tree shared
// with static node configuration is never mutated.
func walk(ctx context.Context, v any, lookup Lookup, resolve Resolver, scalars bool) (any, error) {
	if IsDirective(v) {
		return resolve(ctx, v, lookup)
	}

	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			next, err := walk(ctx, child, lookup, resolve, scalars)
			if err != nil {
				return nil, err
			}
			out[key] = next
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			next, err := walk(ctx, child, lookup, resolve, scalars)
			if err != nil {
				return nil, err
			}
			out[i] = next
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		if !scalars {
			return v, nil
		}
		return resolve(ctx, v, lookup)
	}
}

func walkSync(v any, lookup Lookup, resolve SyncResolver) any {
	if IsDirective(v) {
		return resolve(v, lookup)
	}

	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			out[key] = walkSync(child, lookup, resolve)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = walkSync(child, lookup, resolve)
		}
		return out
	default:
		return v
	}
}
