// Package state provides the persistent per-brick state exposed to
// transforms. Values are JSON documents kept in a pluggable key/value Store
// and scoped by flow and brick identity.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
)

// Store is a byte-oriented key/value store.
type Store interface {
	// Get returns ErrStateNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// State is the scoped state capability handed to a transform.
type State interface {
	// Get returns nil when nothing has been stored.
	Get(ctx context.Context) (any, error)
	Set(ctx context.Context, value any) error
	Reset(ctx context.Context) error
}

// Key builds the composite storage key of a brick instance.
func Key(flowID, brickID string) string {
	return flowID + "/" + brickID
}

// Scoped binds a Store to one (flow, brick) key.
type Scoped struct {
	store Store
	key   string
}

// NewScoped returns the state of brickID inside flowID.
func NewScoped(store Store, flowID, brickID string) *Scoped {
	return &Scoped{store: store, key: Key(flowID, brickID)}
}

// Get decodes the stored value.
func (s *Scoped) Get(ctx context.Context) (any, error) {
	data, err := s.store.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, sdkerrors.ErrStateNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode state %s: %w", s.key, err)
	}
	return value, nil
}

// Set replaces the stored value.
func (s *Scoped) Set(ctx context.Context, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode state %s: %w", s.key, err)
	}
	return s.store.Put(ctx, s.key, data)
}

// Reset removes the stored value.
func (s *Scoped) Reset(ctx context.Context) error {
	err := s.store.Delete(ctx, s.key)
	if errors.Is(err, sdkerrors.ErrStateNotFound) {
		return nil
	}
	return err
}

// MemoryStore keeps state in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, sdkerrors.ErrStateNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
