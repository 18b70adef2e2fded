// Package host abstracts the chat application the pipe runs inside: its
// message history and its UI event channel. The pipe only ever sees plain
// role/content messages; everything richer travels through markers and the
// item store.
package host

import "context"

// Message is a chat message as the host stores it. Content may contain
// invisible item markers alongside the visible text.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageStore is the host's conversation storage.
type MessageStore interface {
	// Messages returns the chat's messages in conversation order.
	Messages(ctx context.Context, chatID string) ([]Message, error)
	// Append adds a message to the chat.
	Append(ctx context.Context, chatID string, msg Message) error
	// UpdateContent replaces a message's content. Used to finalize the
	// assistant message once a turn completes or aborts.
	UpdateContent(ctx context.Context, chatID, messageID, content string) error
}

// Event is a UI-facing event. Type follows the host's vocabulary:
// "status", "source", and the terminal "chat:completion".
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// EventPublisher delivers events to the host UI.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// StatusEvent reports transient progress, e.g. a running tool or a retry.
func StatusEvent(description string, done bool) Event {
	return Event{Type: "status", Data: map[string]any{
		"description": description,
		"done":        done,
	}}
}

// DeltaEvent streams an incremental piece of assistant text.
func DeltaEvent(content string) Event {
	return Event{Type: "chat:message:delta", Data: map[string]any{
		"content": content,
	}}
}

// SourceEvent attaches a citation to the current response.
func SourceEvent(title, url string) Event {
	if title == "" {
		title = url
	}
	return Event{Type: "source", Data: map[string]any{
		"source": map[string]any{"name": title, "url": url},
	}}
}

// CompletionEvent is the terminal event for a turn. Usage may be nil;
// errDescription is empty on success.
func CompletionEvent(content string, usage map[string]any, errDescription string) Event {
	data := map[string]any{
		"done":    true,
		"content": content,
	}
	if usage != nil {
		data["usage"] = usage
	}
	if errDescription != "" {
		data["error"] = map[string]any{"detail": errDescription}
	}
	return Event{Type: "chat:completion", Data: data}
}
