// Package item persists provider-emitted response items (tool calls, tool
// outputs, reasoning payloads) so later turns can replay them. Items are
// append-only and immutable once written: messages reference them through
// markers, and a stale item is simply never referenced again.
package item

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Well-known item types. The payload stays opaque to this package; the type
// is only used for marker emission and model-compatibility filtering.
const (
	TypeReasoning          = "reasoning"
	TypeFunctionCall       = "function_call"
	TypeFunctionCallOutput = "function_call_output"
	TypeWebSearchCall      = "web_search_call"
)

// ErrNotFound is returned when an id resolves to no stored item.
var ErrNotFound = errors.New("item not found")

// Item is one unit of non-text provider output.
type Item struct {
	ID        string          // ULID, allocated by the store on Put when empty
	ChatID    string          // owning conversation
	MessageID string          // owning host message
	Type      string          // e.g. "reasoning", "function_call"
	Model     string          // originating model identifier
	Payload   json.RawMessage // provider-native structure, opaque
	CreatedAt time.Time
}

// idMu guards the monotonic entropy source: ULIDs generated within the same
// millisecond stay ordered by allocation, which is what gives ids their
// tie-breaking property.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID allocates a fixed-length, URL-safe, lexicographically sortable id.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), idEntropy).String()
}
