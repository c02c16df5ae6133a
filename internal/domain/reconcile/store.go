package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
)

var ErrSessionNotFound = errors.New("reconcile: session not found")

// SessionStore persists sessions between requests. Get returns a copy; callers
// Save after mutating it.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// memoryStore keeps encoded sessions in process memory with a TTL.
type memoryStore struct {
	items *cache.Cache
	ttl   time.Duration
}

// NewMemoryStore returns a process-local store. Sessions expire after ttl;
// a non-positive ttl keeps them until deleted.
func NewMemoryStore(ttl time.Duration) SessionStore {
	if ttl <= 0 {
		return &memoryStore{items: cache.New(cache.NoExpiration, 0), ttl: cache.NoExpiration}
	}
	return &memoryStore{items: cache.New(ttl, ttl), ttl: ttl}
}

func (m *memoryStore) Save(_ context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	m.items.Set(s.ID, data, m.ttl)
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*Session, error) {
	v, ok := m.items.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return decodeSession(v.([]byte))
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.items.Delete(id)
	return nil
}

func decodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Selection == nil {
		s.Selection = NewSelection()
	}
	return &s, nil
}
