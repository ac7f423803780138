package resources

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// DefaultCapacity bounds the default memory store
const DefaultCapacity = 100

// Entry is one cached read
type Entry struct {
	Result    *protocol.ReadResourceResult `json:"result"`
	Expiry    time.Time                    `json:"expiry"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// Expired reports whether the entry is no longer valid at now
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.Expiry)
}

// Store holds cache entries keyed by qualified URI. When a Set takes the
// store over its capacity, the least recently updated entries are evicted.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// MemoryStore is an in-process Store. Entries are kept in update order.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is the most recently updated
	items    map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry *Entry
}

// NewMemoryStore creates a store holding at most capacity entries. A
// capacity of zero or less means unbounded.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the entry for key. Reads do not change eviction order.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return el.Value.(*memoryItem).entry, true, nil
}

// Set stores entry and evicts the oldest updates beyond capacity
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*memoryItem).entry = entry
		s.order.MoveToFront(el)
	} else {
		s.items[key] = s.order.PushFront(&memoryItem{key: key, entry: entry})
	}

	for s.capacity > 0 && s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*memoryItem).key)
	}
	return nil
}

// Delete removes key
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, el := range s.items {
		if strings.HasPrefix(key, prefix) {
			s.order.Remove(el)
			delete(s.items, key)
		}
	}
	return nil
}

// Clear removes everything
func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.items = make(map[string]*list.Element)
	return nil
}

// Len returns the number of entries
func (s *MemoryStore) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), nil
}
