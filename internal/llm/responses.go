package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Minute}

// ResponsesClient makes raw HTTP calls to endpoints speaking the stateful
// Responses wire contract: instructions string, ordered input items, tool
// specs, a streaming flag, and an optional previous_response_id
// continuation handle.
type ResponsesClient struct {
	BaseURL            string            // full URL of the responses endpoint
	GetAuthHeader      func() string     // dynamic auth (allows token refresh)
	ExtraHeaders       map[string]string // provider-specific headers
	HTTPClient         *http.Client
	Include            []string // extra response fields, e.g. reasoning.encrypted_content
	DisableServerState bool     // never sends previous_response_id
	Log                zerolog.Logger
}

func (c *ResponsesClient) Name() string { return "responses" }

func (c *ResponsesClient) Capabilities() Capabilities {
	return Capabilities{
		ToolCalls:     true,
		NativeSearch:  true,
		ServerState:   !c.DisableServerState,
		ParallelCalls: true,
	}
}

// responsesRequest is the outbound wire body.
type responsesRequest struct {
	Model              string              `json:"model"`
	Instructions       string              `json:"instructions,omitempty"`
	Input              []any               `json:"input"`
	Tools              []any               `json:"tools,omitempty"`
	ToolChoice         any                 `json:"tool_choice,omitempty"`
	ParallelToolCalls  *bool               `json:"parallel_tool_calls,omitempty"`
	MaxOutputTokens    int                 `json:"max_output_tokens,omitempty"`
	Temperature        *float64            `json:"temperature,omitempty"`
	TopP               *float64            `json:"top_p,omitempty"`
	Reasoning          *responsesReasoning `json:"reasoning,omitempty"`
	Truncation         string              `json:"truncation,omitempty"`
	Include            []string            `json:"include,omitempty"`
	Store              bool                `json:"store"`
	Stream             bool                `json:"stream"`
	PreviousResponseID string              `json:"previous_response_id,omitempty"`
}

type responsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// responsesMessageItem is a plain role/content input item.
type responsesMessageItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responsesFunctionCallItem replays a tool invocation the model made.
type responsesFunctionCallItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responsesFunctionTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict,omitempty"`
}

type responsesTypedTool struct {
	Type string `json:"type"`
}

// responsesOutputItem carries just the fields the stream loop needs; the
// full item JSON travels alongside it for persistence.
type responsesOutputItem struct {
	Type      string                   `json:"type"`
	ID        string                   `json:"id,omitempty"`
	CallID    string                   `json:"call_id,omitempty"`
	Name      string                   `json:"name,omitempty"`
	Arguments string                   `json:"arguments,omitempty"`
	Content   []responsesOutputContent `json:"content,omitempty"`
}

type responsesOutputContent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

type responsesError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responsesAPIResponse struct {
	ID     string            `json:"id"`
	Status string            `json:"status"`
	Output []json.RawMessage `json:"output"`
	Usage  *responsesUsage   `json:"usage,omitempty"`
	Error  *responsesError   `json:"error,omitempty"`
}

// BuildInput converts reconstructed messages to wire input items. Raw parts
// pass through verbatim apart from transient-field stripping; text parts
// merge into role messages; tool-call parts become function_call items.
func BuildInput(messages []Message) []any {
	var items []any
	for _, msg := range messages {
		role := wireRole(msg.Role)
		var textBuf strings.Builder
		flushText := func() {
			if textBuf.Len() == 0 {
				return
			}
			items = append(items, responsesMessageItem{Type: "message", Role: role, Content: textBuf.String()})
			textBuf.Reset()
		}
		for _, part := range msg.Parts {
			switch part.Type {
			case PartText:
				if part.Text != "" {
					textBuf.WriteString(part.Text)
				}
			case PartToolCall:
				if part.ToolCall == nil || strings.TrimSpace(part.ToolCall.ID) == "" {
					continue
				}
				flushText()
				args := strings.TrimSpace(string(part.ToolCall.Arguments))
				if args == "" {
					args = "{}"
				}
				items = append(items, responsesFunctionCallItem{
					Type:      "function_call",
					CallID:    part.ToolCall.ID,
					Name:      part.ToolCall.Name,
					Arguments: args,
				})
			case PartRawItem:
				if len(part.Raw) == 0 {
					continue
				}
				flushText()
				items = append(items, sanitizeReplayItem(part.Raw))
			}
		}
		flushText()
	}
	return items
}

func wireRole(role Role) string {
	switch role {
	case RoleSystem:
		// The Responses contract expects developer for system-level text.
		return "developer"
	case RoleTool:
		// Tool output travels as standalone function_call_output items; a
		// stray text part on a tool message is attributed to the user.
		return "user"
	default:
		return string(role)
	}
}

// sanitizeReplayItem strips response-lifecycle fields that must not be sent
// back as input. The payload otherwise stays byte-for-byte what the provider
// emitted, including opaque fields like encrypted_content.
func sanitizeReplayItem(raw json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	delete(m, "status")
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

// BuildTools converts tool specs to wire format.
func BuildTools(specs []ToolSpec) []any {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]any, 0, len(specs))
	for _, spec := range specs {
		typ := spec.Type
		if typ == "" {
			typ = "function"
		}
		if typ != "function" {
			tools = append(tools, responsesTypedTool{Type: typ})
			continue
		}
		tools = append(tools, responsesFunctionTool{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
			Strict:      spec.Strict,
		})
	}
	return tools
}

func buildToolChoice(choice ToolChoice) any {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceName:
		return map[string]any{"type": "function", "name": choice.Name}
	default:
		return nil
	}
}

func (c *ResponsesClient) buildWireRequest(req Request) responsesRequest {
	wire := responsesRequest{
		Model:              req.Model,
		Instructions:       req.Instructions,
		Input:              BuildInput(req.Input),
		Tools:              BuildTools(req.Tools),
		ToolChoice:         buildToolChoice(req.ToolChoice),
		MaxOutputTokens:    req.MaxOutputTokens,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		Truncation:         req.Truncation,
		Include:            c.Include,
		Stream:             req.Stream,
		PreviousResponseID: req.PreviousResponseID,
	}
	if req.ParallelToolCalls {
		v := true
		wire.ParallelToolCalls = &v
	}
	if req.ReasoningEffort != "" {
		wire.Reasoning = &responsesReasoning{Effort: req.ReasoningEffort, Summary: "auto"}
	}
	// Server-retained state is required for the continuation handle to be
	// usable on the next turn.
	wire.Store = !c.DisableServerState
	if c.DisableServerState {
		wire.PreviousResponseID = ""
	}
	return wire
}

// trimToNewInput keeps the last user message and everything after it.
func trimToNewInput(input []any) []any {
	for i := len(input) - 1; i >= 0; i-- {
		if msg, ok := input[i].(responsesMessageItem); ok && msg.Role == "user" {
			return input[i:]
		}
	}
	return input
}

// Stream makes a request and returns its events. Streaming and
// non-streaming requests run the same item handling, so the final events
// and their order are identical either way.
func (c *ResponsesClient) Stream(ctx context.Context, req Request) (Stream, error) {
	wire := c.buildWireRequest(req)

	resp, err := c.send(ctx, wire)
	if err != nil {
		return nil, err
	}

	if !req.Stream {
		defer resp.Body.Close()
		return c.consumeComplete(resp.Body)
	}
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		defer resp.Body.Close()
		return c.consumeSSE(resp.Body, events)
	}), nil
}

// send performs the HTTP exchange, including the continuation-handle
// fallback: a provider that no longer remembers previous_response_id gets
// one retry with the full input replayed.
func (c *ResponsesClient) send(ctx context.Context, wire responsesRequest) (*http.Response, error) {
	fullInput := wire.Input
	if wire.PreviousResponseID != "" {
		// The server already holds everything before the newest user turn.
		wire.Input = trimToNewInput(fullInput)
	}
	resp, err := c.doRequest(ctx, wire)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && wire.PreviousResponseID != "" {
		c.Log.Warn().Str("previous_response_id", wire.PreviousResponseID).
			Msg("continuation handle rejected, replaying full history")
		wire.PreviousResponseID = ""
		wire.Input = fullInput
		retry, err := c.doRequest(ctx, wire)
		if err != nil {
			return nil, err
		}
		if retry.StatusCode != http.StatusOK {
			retryBody, _ := io.ReadAll(retry.Body)
			retry.Body.Close()
			return nil, c.statusError(retry.StatusCode, retryBody)
		}
		return retry, nil
	}
	return nil, c.statusError(resp.StatusCode, body)
}

func (c *ResponsesClient) doRequest(ctx context.Context, wire responsesRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if wire.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.GetAuthHeader != nil {
		httpReq.Header.Set("Authorization", c.GetAuthHeader())
	}
	for key, value := range c.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}

	client := c.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("responses request failed: %w", err)
	}
	return resp, nil
}

func (c *ResponsesClient) statusError(status int, body []byte) error {
	if status == http.StatusBadRequest && looksLikeContextOverflow(body) {
		return fmt.Errorf("%w: %s", ErrContextOverflow, truncateForError(body))
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("responses authentication failed (status %d): token may be invalid or expired", status)
	}
	return fmt.Errorf("responses error (status %d): %s", status, truncateForError(body))
}

func looksLikeContextOverflow(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "context window") ||
		strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context length")
}

func truncateForError(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// streamState accumulates per-turn stream state shared by the SSE and
// non-streaming paths.
type streamState struct {
	toolState    *toolCallState
	usage        *Usage
	responseID   string
	sawTextDelta bool
	completed    bool
}

func newStreamState() *streamState {
	return &streamState{toolState: newToolCallState()}
}

// consumeSSE drives the turn off incremental provider events.
func (c *ResponsesClient) consumeSSE(body io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	state := newStreamState()
	var lastEventType string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			lastEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		if err := c.handleSSEEvent(lastEventType, []byte(data), state, events); err != nil {
			return err
		}
		lastEventType = ""
	}
	if err := scanner.Err(); err != nil {
		c.finish(state, events)
		return fmt.Errorf("responses streaming error: %w", err)
	}
	if !state.completed {
		// Disconnect or malformed terminal frame: surface what we have,
		// then report the turn as errored so the caller finalizes with an
		// error flag instead of hanging.
		c.finish(state, events)
		return fmt.Errorf("responses stream ended without completion")
	}
	c.finish(state, events)
	events <- Event{Type: EventDone, ResponseID: state.responseID}
	return nil
}

// finish flushes accumulated tool calls and usage. Done is emitted by the
// caller only on a clean terminal event.
func (c *ResponsesClient) finish(state *streamState, events chan<- Event) {
	for _, call := range state.toolState.Calls() {
		call := call
		events <- Event{Type: EventToolCall, Tool: &call}
	}
	if state.usage != nil {
		events <- Event{Type: EventUsage, Use: state.usage}
	}
}

func (c *ResponsesClient) handleSSEEvent(eventType string, data []byte, state *streamState, events chan<- Event) error {
	switch eventType {
	case "response.output_text.delta":
		var delta struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &delta); err == nil && delta.Delta != "" {
			state.sawTextDelta = true
			events <- Event{Type: EventTextDelta, Text: delta.Delta}
		}

	case "response.output_text.annotation.added":
		var ann struct {
			Annotation struct {
				Type  string `json:"type"`
				Title string `json:"title"`
				URL   string `json:"url"`
			} `json:"annotation"`
		}
		if err := json.Unmarshal(data, &ann); err == nil && ann.Annotation.Type == "url_citation" && ann.Annotation.URL != "" {
			events <- Event{Type: EventCitation, Citation: &Citation{Title: ann.Annotation.Title, URL: ann.Annotation.URL}}
		}

	case "response.output_item.added":
		var added struct {
			Item        responsesOutputItem `json:"item"`
			OutputIndex int                 `json:"output_index"`
		}
		if err := json.Unmarshal(data, &added); err == nil && added.Item.Type == "function_call" {
			state.toolState.Start(added.OutputIndex, added.Item.CallID, added.Item.Name)
		}

	case "response.function_call_arguments.delta":
		var argDelta struct {
			OutputIndex int    `json:"output_index"`
			Delta       string `json:"delta"`
		}
		if err := json.Unmarshal(data, &argDelta); err == nil {
			state.toolState.AppendArguments(argDelta.OutputIndex, argDelta.Delta)
		}

	case "response.reasoning_summary_text.delta":
		var delta struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &delta); err == nil && delta.Delta != "" {
			events <- Event{Type: EventReasoningDelta, Text: delta.Delta}
		}

	case "response.output_item.done":
		var done struct {
			Item        json.RawMessage `json:"item"`
			OutputIndex int             `json:"output_index"`
		}
		if err := json.Unmarshal(data, &done); err == nil {
			c.handleOutputItem(done.Item, done.OutputIndex, state, events)
		}

	case "response.completed":
		var completed struct {
			Response struct {
				ID    string          `json:"id"`
				Usage *responsesUsage `json:"usage,omitempty"`
			} `json:"response"`
		}
		if err := json.Unmarshal(data, &completed); err == nil {
			state.completed = true
			state.responseID = completed.Response.ID
			if completed.Response.Usage != nil {
				state.usage = convertUsage(completed.Response.Usage)
			}
		}

	case "response.failed", "error":
		var failure struct {
			Error *responsesError `json:"error"`
		}
		if err := json.Unmarshal(data, &failure); err == nil && failure.Error != nil {
			if looksLikeContextOverflow([]byte(failure.Error.Message)) {
				return fmt.Errorf("%w: %s", ErrContextOverflow, failure.Error.Message)
			}
			return fmt.Errorf("responses error: %s", failure.Error.Message)
		}
		return fmt.Errorf("responses error: unknown error")
	}
	return nil
}

// handleOutputItem finalizes one output item. Every non-text item is
// surfaced as EventItemDone with its complete payload, in emission order,
// before any later visible text — that ordering is what makes the marker
// sequence reconstructible.
func (c *ResponsesClient) handleOutputItem(raw json.RawMessage, outputIndex int, state *streamState, events chan<- Event) {
	var meta responsesOutputItem
	if err := json.Unmarshal(raw, &meta); err != nil {
		return
	}
	switch meta.Type {
	case "message":
		// Text is normally streamed via deltas. Fall back to emitting the
		// final content here if no deltas were seen (provider quirk), and
		// always surface refusals since those may not stream.
		for _, content := range meta.Content {
			if content.Type == "output_text" && content.Text != "" && !state.sawTextDelta {
				events <- Event{Type: EventTextDelta, Text: content.Text}
			} else if content.Type == "refusal" && content.Refusal != "" {
				events <- Event{Type: EventTextDelta, Text: content.Refusal}
			}
		}
	case "function_call":
		state.toolState.Finish(outputIndex, meta.CallID, meta.Name, meta.Arguments)
		events <- Event{Type: EventItemDone, Item: &RawItem{
			Type:    meta.Type,
			ID:      meta.ID,
			CallID:  meta.CallID,
			Payload: raw,
		}}
	default:
		// reasoning, web_search_call, and anything the provider adds later:
		// persist-and-replay without understanding the payload.
		events <- Event{Type: EventItemDone, Item: &RawItem{
			Type:    meta.Type,
			ID:      meta.ID,
			Payload: raw,
		}}
	}
}

// consumeComplete runs the same state machine against one complete payload.
func (c *ResponsesClient) consumeComplete(body io.Reader) (Stream, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp responsesAPIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		if looksLikeContextOverflow([]byte(resp.Error.Message)) {
			return nil, fmt.Errorf("%w: %s", ErrContextOverflow, resp.Error.Message)
		}
		return nil, fmt.Errorf("responses error: %s", resp.Error.Message)
	}

	state := newStreamState()
	collector := make(chan Event, 4+2*len(resp.Output))
	for i, raw := range resp.Output {
		c.handleOutputItem(raw, i, state, collector)
	}
	if resp.Usage != nil {
		state.usage = convertUsage(resp.Usage)
	}
	c.finish(state, collector)
	collector <- Event{Type: EventDone, ResponseID: resp.ID}
	close(collector)

	var events []Event
	for ev := range collector {
		events = append(events, ev)
	}
	return &sliceStream{events: events}, nil
}

func convertUsage(u *responsesUsage) *Usage {
	return &Usage{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CachedInputTokens: u.InputTokensDetails.CachedTokens,
	}
}

// toolCallState tracks streaming tool calls keyed by output_index, which is
// the only identifier stable across added/delta/done events.
type toolCallState struct {
	calls map[int]*pendingToolCall
	order []int
}

type pendingToolCall struct {
	callID   string
	name     string
	args     strings.Builder
	finished bool
}

func newToolCallState() *toolCallState {
	return &toolCallState{calls: make(map[int]*pendingToolCall)}
}

func (s *toolCallState) Start(outputIndex int, callID, name string) {
	if _, exists := s.calls[outputIndex]; exists {
		return
	}
	s.calls[outputIndex] = &pendingToolCall{callID: callID, name: name}
	s.order = append(s.order, outputIndex)
}

func (s *toolCallState) AppendArguments(outputIndex int, args string) {
	if call, ok := s.calls[outputIndex]; ok && !call.finished {
		call.args.WriteString(args)
	}
}

func (s *toolCallState) Finish(outputIndex int, callID, name, finalArgs string) {
	call, ok := s.calls[outputIndex]
	if !ok {
		s.Start(outputIndex, callID, name)
		call = s.calls[outputIndex]
	}
	if finalArgs != "" {
		call.args.Reset()
		call.args.WriteString(finalArgs)
	}
	if callID != "" {
		call.callID = callID
	}
	if name != "" && call.name == "" {
		call.name = name
	}
	call.finished = true
}

func (s *toolCallState) Calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(s.order))
	for i, outputIndex := range s.order {
		call := s.calls[outputIndex]
		if call == nil {
			continue
		}
		args := call.args.String()
		if args == "" {
			args = "{}"
		}
		id := call.callID
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		calls = append(calls, ToolCall{ID: id, Name: call.name, Arguments: json.RawMessage(args)})
	}
	return calls
}
