// Package llm implements the provider-facing half of the pipe: the wire
// client for the stateful Responses contract, the streaming event model, and
// the tool-call orchestration loop.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Provider streams model output events for a request.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Capabilities describe optional provider features.
type Capabilities struct {
	ToolCalls     bool
	NativeSearch  bool // provider-side web_search tool type
	ServerState   bool // previous_response_id continuation
	ParallelCalls bool
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents one provider call. Input always carries the full
// reconstructed history; a client using server-state continuation trims it
// to the new tail itself so it can fall back to full replay on rejection.
type Request struct {
	Model              string
	Instructions       string
	Input              []Message
	Tools              []ToolSpec
	ToolChoice         ToolChoice
	ParallelToolCalls  bool
	MaxOutputTokens    int
	Temperature        *float64
	TopP               *float64
	ReasoningEffort    string
	Truncation         string // "auto" or "disabled" (empty = provider default)
	Stream             bool
	PreviousResponseID string
	MaxTurns           int // tool-loop cap (0 = default)
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText     PartType = "text"
	PartToolCall PartType = "tool_call"
	PartRawItem  PartType = "raw_item" // replayed provider-native item
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part. Raw parts carry a provider-native
// item verbatim (reasoning, function_call, function_call_output, ...) for
// replay; the wire encoder passes them through untouched apart from
// stripping transient fields.
type Part struct {
	Type     PartType
	Text     string
	ToolCall *ToolCall
	Raw      json.RawMessage
}

// ToolSpec describes a tool offered to the model. Function tools carry a
// name and JSON schema; non-function tools (e.g. web_search) are identified
// by type alone.
type ToolSpec struct {
	Type        string // "function" when empty
	Name        string
	Description string
	Parameters  map[string]any
	Strict      bool
}

// Identity is the merge key for tool deduplication: function tools collide
// on name, other tool types collide on type.
func (t ToolSpec) Identity() string {
	typ := t.Type
	if typ == "" {
		typ = "function"
	}
	if typ == "function" {
		return "function:" + t.Name
	}
	return typ
}

// ToolChoiceMode controls tool selection behavior.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceName     ToolChoiceMode = "name"
)

// ToolChoice configures which tool the model should call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string // provider call id (call_xxx), echoed back in the output
	Name      string
	Arguments json.RawMessage
}

// RawItem is a finalized non-text output item, carried with its full
// provider-native payload so it can be persisted and replayed verbatim.
type RawItem struct {
	Type    string          // "reasoning", "function_call", "function_call_output", ...
	ID      string          // provider item id, may be empty
	CallID  string          // for function_call / function_call_output items
	Payload json.RawMessage // the complete item JSON
	IsError bool            // set on error-flagged function_call_output items
}

// Citation is an inline source reference attached to output text.
type Citation struct {
	Title string
	URL   string
}

// EventType describes streaming events.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta" // reasoning summary text
	EventItemDone       EventType = "item_done"       // finalized non-text item
	EventToolCall       EventType = "tool_call"       // engine-internal orchestration signal
	EventToolExecStart  EventType = "tool_exec_start"
	EventToolExecEnd    EventType = "tool_exec_end"
	EventCitation       EventType = "citation"
	EventUsage          EventType = "usage"
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventRetry          EventType = "retry"
)

// Event represents a streamed output update.
type Event struct {
	Type        EventType
	Text        string
	Item        *RawItem  // for EventItemDone
	Tool        *ToolCall // for EventToolCall
	ToolCallID  string    // for EventToolExecStart/End
	ToolName    string    // for EventToolExecStart/End
	ToolSuccess bool      // for EventToolExecEnd
	Citation    *Citation // for EventCitation
	Use         *Usage    // for EventUsage
	Err         error     // for EventError
	ResponseID  string    // for EventDone: provider continuation handle

	// Retry fields (for EventRetry)
	RetryAttempt     int
	RetryMaxAttempts int
	RetryWaitSecs    float64
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
}

// Add merges another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedInputTokens += other.CachedInputTokens
}

// ErrToolLoopExceeded terminates a turn whose provider/tool round trips hit
// the configured cap. The turn reports it to the user; it is not a crash.
var ErrToolLoopExceeded = errors.New("tool loop exceeded maximum turns")

// ErrContextOverflow is returned when the provider rejects a request for
// exceeding its context window and the truncation strategy is "disabled".
var ErrContextOverflow = errors.New("request exceeds provider context window")

func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Type: PartText, Text: text}}}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

// RawItemMessage wraps a replayed provider item in a message of the given
// role so reconstruction can interleave it with plain text.
func RawItemMessage(role Role, payload json.RawMessage) Message {
	return Message{Role: role, Parts: []Part{{Type: PartRawItem, Raw: payload}}}
}
