package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LocalStore is a mutex-guarded in-process LRU with TTL, used when no Redis
// address is configured. Expired entries are dropped lazily on access.
type LocalStore struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recently used
	m    map[string]*list.Element // fingerprint -> element
}

type localEntry struct {
	fingerprint string
	payload     []byte
	hits        int64
	exp         time.Time
}

// NewLocalStore creates a local store holding at most capacity live entries.
func NewLocalStore(capacity int) *LocalStore {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LocalStore{
		cap:  capacity,
		list: list.New(),
		m:    make(map[string]*list.Element, capacity),
	}
}

func (s *LocalStore) Get(_ context.Context, fingerprint string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.m[fingerprint]
	if !ok {
		return nil, ErrMiss
	}
	ent := el.Value.(*localEntry)
	if !ent.exp.After(time.Now()) {
		s.list.Remove(el)
		delete(s.m, fingerprint)
		return nil, ErrMiss
	}
	ent.hits++
	s.list.MoveToFront(el)
	return ent.payload, nil
}

func (s *LocalStore) Put(_ context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := time.Now().Add(ttl)
	if el, ok := s.m[fingerprint]; ok {
		ent := el.Value.(*localEntry)
		ent.payload = payload
		ent.exp = exp
		s.list.MoveToFront(el)
		return nil
	}
	el := s.list.PushFront(&localEntry{fingerprint: fingerprint, payload: payload, exp: exp})
	s.m[fingerprint] = el
	if s.list.Len() > s.cap {
		oldest := s.list.Back()
		if oldest != nil {
			delete(s.m, oldest.Value.(*localEntry).fingerprint)
			s.list.Remove(oldest)
		}
	}
	return nil
}

func (s *LocalStore) Hits(_ context.Context, fingerprint string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.m[fingerprint]; ok {
		return el.Value.(*localEntry).hits, nil
	}
	return 0, nil
}
