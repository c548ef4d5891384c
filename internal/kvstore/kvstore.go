// Package kvstore provides the session-scoped key-value store that backs view
// state and user preferences.
//
// Values are opaque strings, usually JSON documents. Stores are
// last-write-wins and safe for concurrent use.
package kvstore

import (
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Store is a session-scoped string key-value store.
type Store interface {
	// Get returns the value stored under key.
	Get(key string) (string, bool)
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Memory is an in-memory Store. Its content is lost with the process.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: map[string]string{}}
}

// Get implements Store.
func (s *Memory) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Set implements Store.
func (s *Memory) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

// Delete implements Store.
func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Keys returns the stored keys in sorted order.
func (s *Memory) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.m))
}

// GetJSON decodes the JSON value stored under key into a T. A missing or
// malformed value yields def; malformed values are logged at debug level.
func GetJSON[T any](s Store, key string, def T) T {
	raw, ok := s.Get(key)
	if !ok || raw == "" {
		return def
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		slog.Debug("Ignoring malformed session value", "key", key, "err", err)
		return def
	}
	return v
}

// SetJSON stores v under key as JSON.
func SetJSON(s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, string(b))
}
