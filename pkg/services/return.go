package services

import (
	"fmt"
	"sync"

	"dario.cat/mergo"

	"github.com/polisai/packetflow/pkg/domain"
)

// Return accumulates the result a trigger resolves with. Safe for concurrent use.
type Return struct {
	mu   sync.Mutex
	data map[string]any
}

// NewReturn creates an empty accumulator.
func NewReturn() *Return {
	return &Return{data: map[string]any{}}
}

// Set replaces the accumulated result.
func (r *Return) Set(data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = domain.CopyMap(data)
	if r.data == nil {
		r.data = map[string]any{}
	}
}

// Merge deep-merges data into the result. Scalars in data override, nested objects
// are merged and slices are appended.
func (r *Return) Merge(data map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	src := domain.CopyMap(data)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := mergo.Merge(&r.data, src, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return fmt.Errorf("merge result: %w", err)
	}
	return nil
}

// Data returns a deep copy of the accumulated result.
func (r *Return) Data() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.CopyMap(r.data)
}

// Reset clears the accumulated result.
func (r *Return) Reset() {
	r.mu.Lock()
	r.data = map[string]any{}
	r.mu.Unlock()
}
