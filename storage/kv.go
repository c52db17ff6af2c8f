// Package storage defines the durable key-value boundary a session is persisted through,
// and the change channel sibling contexts use to observe each other's writes.
package storage

import "context"

// Change describes a write made through another handle to a watched key.
type Change struct {
	Key     string
	Value   string
	Present bool // False when the key was removed
}

// Batch is a set of writes applied atomically: readers observe all of it or none of it.
type Batch struct {
	Set    map[string]string
	Remove []string
}

// Keys returns every key the batch touches.
func (b Batch) Keys() []string {
	keys := make([]string, 0, len(b.Set)+len(b.Remove))
	for k := range b.Set {
		keys = append(keys, k)
	}
	return append(keys, b.Remove...)
}

// KV is one execution context's handle on shared durable storage.
//
// GetMany reads keys in one step, so it never mixes values from two different writes.
// Absent keys are missing from the result.
//
// Watch callbacks fire only for writes made through other handles, never for the
// handle's own writes, mirroring the browser storage event.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	Apply(ctx context.Context, batch Batch) error
	Watch(key string, fn func(Change)) (cancel func())
	Close() error
}
