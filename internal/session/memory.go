package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps sessions in-process. Suitable for tests and
// single-node runs; production uses the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.JobID] = b
	return nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (*Session, error) {
	m.mu.RLock()
	b, ok := m.sessions[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStore) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, jobID)
	return nil
}

func (m *MemoryStore) OpenOffers(_ context.Context, olderThan time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, b := range m.sessions {
		var s Session
		if err := json.Unmarshal(b, &s); err != nil {
			continue
		}
		cur, ok := s.Current()
		if !ok || s.Closed || cur.State != StateOffered {
			continue
		}
		if cur.OfferedAt != nil && cur.OfferedAt.Before(olderThan) {
			out = append(out, &s)
		}
	}
	return out, nil
}
