// Package store defines the persistent-store interface the engine treats as
// an external collaborator (spec §6) and provides a thin in-memory reference
// implementation that starts empty and is not backed by a real database.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Store is the persistent-store interface consumed by the engine: provider
// records and API keys, plus the usage counters used for billing/quota
// enforcement. Implementations are expected to be serializable; callers
// tolerate eventual read consistency.
type Store interface {
	GetProvider(ctx context.Context, id string) (*providers.Provider, bool, error)
	ListEnabledProviders(ctx context.Context) ([]*providers.Provider, error)
	PutProvider(ctx context.Context, p *providers.Provider) error
	DeleteProvider(ctx context.Context, id string) error
	GetApiKeyByHash(ctx context.Context, hash string) (*providers.ApiKey, bool, error)
	IncrementUsage(ctx context.Context, keyID string, requests, tokens uint64, lastUsed time.Time) error
}

// UsageSink receives usage deltas alongside the in-memory counter update,
// e.g. to append an audit row to a durable ledger. Optional: MemoryStore
// works with a nil sink.
type UsageSink interface {
	RecordUsage(ctx context.Context, keyID string, requests, tokens uint64, at time.Time) error
}

// MemoryStore is the reference Store implementation: an in-process map
// guarded by a mutex. It starts empty; records are added through
// PutProvider and PutApiKey. It is not shared across replicas — a real deployment wires a
// transactional document/KV store behind the same interface.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*providers.Provider
	keysByID  map[string]*providers.ApiKey
	keysByHash map[string]string // hash -> key id

	sink UsageSink
}

// NewMemoryStore returns an empty store. sink may be nil.
func NewMemoryStore(sink UsageSink) *MemoryStore {
	return &MemoryStore{
		providers:  make(map[string]*providers.Provider),
		keysByID:   make(map[string]*providers.ApiKey),
		keysByHash: make(map[string]string),
		sink:       sink,
	}
}

func (s *MemoryStore) GetProvider(_ context.Context, id string) (*providers.Provider, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok, nil
}

func (s *MemoryStore) ListEnabledProviders(_ context.Context) ([]*providers.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*providers.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutProvider(_ context.Context, p *providers.Provider) error {
	if p.ID == "" {
		return fmt.Errorf("store: provider id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
	return nil
}

func (s *MemoryStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, id)
	return nil
}

// PutApiKey registers a key for lookup by both id and hash. Not part of the
// Store interface proper (it's a seeding/admin operation, not an engine
// runtime call), but kept on the concrete type for test and bootstrap use.
func (s *MemoryStore) PutApiKey(k *providers.ApiKey) error {
	if k.ID == "" || k.HashedKey == "" {
		return fmt.Errorf("store: api key requires id and hashed key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysByID[k.ID] = k
	s.keysByHash[k.HashedKey] = k.ID
	return nil
}

func (s *MemoryStore) GetApiKeyByHash(_ context.Context, hash string) (*providers.ApiKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keysByHash[hash]
	if !ok {
		return nil, false, nil
	}
	k, ok := s.keysByID[id]
	return k, ok, nil
}

// GetByHash adapts MemoryStore to proxy.ApiKeyStore (the narrower interface
// the gateway's authentication path actually depends on).
func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*providers.ApiKey, bool) {
	k, ok, err := s.GetApiKeyByHash(ctx, hash)
	if err != nil || !ok {
		return nil, false
	}
	return k, true
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, keyID string, requests, tokens uint64, lastUsed time.Time) error {
	s.mu.RLock()
	k, ok := s.keysByID[keyID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("store: unknown api key %q", keyID)
	}
	k.RecordUsage(requests, tokens, lastUsed)

	if s.sink != nil {
		return s.sink.RecordUsage(ctx, keyID, requests, tokens, lastUsed)
	}
	return nil
}
