package item

import (
	"context"
	"sync"
	"time"
)

// Store is the persistence interface injected into every component that
// reads or writes response items. Writes are append-only; there is no update
// or delete path.
type Store interface {
	// Put writes an item, allocating an id when it has none, and returns the
	// id to embed in the item's marker.
	Put(ctx context.Context, it *Item) (string, error)

	// Get returns the item with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Item, error)

	// GetByMessage returns every item owned by a message, in insertion order.
	GetByMessage(ctx context.Context, messageID string) ([]*Item, error)

	// GetByModel returns every item in a chat produced by the given model,
	// in insertion order. Used to exclude provider-opaque payloads (such as
	// encrypted reasoning) from requests against an incompatible model.
	GetByModel(ctx context.Context, chatID, model string) ([]*Item, error)

	// GetByChat returns every item in a chat, in insertion order. Feeds
	// snapshots and audit listings; reconstruction uses the narrower lookups.
	GetByChat(ctx context.Context, chatID string) ([]*Item, error)

	// Continuation returns the provider-side continuation handle recorded
	// for a chat, or empty when none exists.
	Continuation(ctx context.Context, chatID string) (string, error)

	// SetContinuation records the provider-side continuation handle for a
	// chat. An empty handle clears it.
	SetContinuation(ctx context.Context, chatID, handle string) error

	Close() error
}

// MemoryStore is an in-process Store for tests and hosts that carry the
// side-store inside their own conversation record (see sidestore.go).
type MemoryStore struct {
	mu            sync.RWMutex
	items         map[string]*Item
	order         []string // ids in insertion order
	continuations map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:         make(map[string]*Item),
		continuations: make(map[string]string),
	}
}

func (s *MemoryStore) Put(ctx context.Context, it *Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.ID == "" {
		it.ID = NewID()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.items[it.ID]; !exists {
		s.order = append(s.order, it.ID)
	}
	cp := *it
	s.items[it.ID] = &cp
	return it.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *MemoryStore) GetByMessage(ctx context.Context, messageID string) ([]*Item, error) {
	return s.filter(func(it *Item) bool { return it.MessageID == messageID }), nil
}

func (s *MemoryStore) GetByModel(ctx context.Context, chatID, model string) ([]*Item, error) {
	return s.filter(func(it *Item) bool { return it.ChatID == chatID && it.Model == model }), nil
}

func (s *MemoryStore) GetByChat(ctx context.Context, chatID string) ([]*Item, error) {
	return s.filter(func(it *Item) bool { return it.ChatID == chatID }), nil
}

func (s *MemoryStore) filter(keep func(*Item) bool) []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Item
	for _, id := range s.order {
		if it := s.items[id]; keep(it) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out
}

func (s *MemoryStore) Continuation(ctx context.Context, chatID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.continuations[chatID], nil
}

func (s *MemoryStore) SetContinuation(ctx context.Context, chatID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle == "" {
		delete(s.continuations, chatID)
		return nil
	}
	s.continuations[chatID] = handle
	return nil
}

func (s *MemoryStore) Close() error { return nil }
