// Package kv provides a tuple-keyed key-value store abstraction with
// in-memory, redis and etcd backends, plus a typed adapter for the
// gateway's persisted state.
package kv

import (
	"context"
	"strings"
)

// Key is a structured key, e.g. ("proxy", "rules", "<id>").
type Key []string

// String joins the key components with "/".
func (k Key) String() string {
	return strings.Join(k, "/")
}

// Entry is a key with its stored value.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the minimal contract the gateway requires from a key-value store.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	// Set stores a value for key, overwriting any previous value.
	Set(ctx context.Context, key Key, value []byte) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key Key) (bool, error)
	// List returns all entries whose key starts with prefix, in key order.
	List(ctx context.Context, prefix Key) ([]Entry, error)
	// Close releases backend resources.
	Close() error
}

// parseKey splits a joined key string back into its components.
func parseKey(s string) Key {
	return Key(strings.Split(s, "/"))
}
