package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function to the Stream interface. The
// producer runs in its own goroutine, sending events to the channel; when it
// returns, the stream drains and surfaces the producer's error (if any) to
// the consumer, then io.EOF.
type eventStream struct {
	events chan Event
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

// newEventStream starts producer in a goroutine and returns the consuming
// side. The producer must stop promptly when its context is cancelled.
func newEventStream(ctx context.Context, producer func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		err := producer(ctx, s.events)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	event, ok := <-s.events
	if ok {
		return event, nil
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *eventStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// Drain so the producer is never blocked on send after cancellation.
	go func() {
		for range s.events {
		}
	}()
	<-s.done
	return nil
}

// sliceStream replays a fixed event sequence. Used by the non-streaming
// client path and throughout tests.
type sliceStream struct {
	events []Event
	index  int
}

func (s *sliceStream) Recv() (Event, error) {
	if s.index >= len(s.events) {
		return Event{}, io.EOF
	}
	event := s.events[s.index]
	s.index++
	return event, nil
}

func (s *sliceStream) Close() error { return nil }
