package host

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps chats in memory. Used by tests and one-shot CLI runs.
type MemoryStore struct {
	mu    sync.Mutex
	chats map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chats: make(map[string][]Message)}
}

func (s *MemoryStore) Messages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.chats[chatID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, chatID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID] = append(s.chats[chatID], msg)
	return nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, chatID, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.chats[chatID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Content = content
			return nil
		}
	}
	return fmt.Errorf("message %s not found in chat %s", messageID, chatID)
}

// Recorder captures published events for inspection.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
