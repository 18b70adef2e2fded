package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func sseBody(events ...[2]string) string {
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev[0], ev[1])
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func serveSSE(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(server *httptest.Server) *ResponsesClient {
	return &ResponsesClient{
		BaseURL:       server.URL,
		GetAuthHeader: func() string { return "Bearer test" },
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return body
}

func TestResponsesStreamEvents(t *testing.T) {
	body := sseBody(
		[2]string{"response.output_item.added", `{"output_index":0,"item":{"type":"reasoning","id":"rs_1"}}`},
		[2]string{"response.reasoning_summary_text.delta", `{"delta":"thinking"}`},
		[2]string{"response.output_item.done", `{"output_index":0,"item":{"type":"reasoning","id":"rs_1","summary":[{"type":"summary_text","text":"thinking"}],"encrypted_content":"opaque"}}`},
		[2]string{"response.output_text.delta", `{"delta":"The answer "}`},
		[2]string{"response.output_text.delta", `{"delta":"is 4."}`},
		[2]string{"response.output_item.done", `{"output_index":1,"item":{"type":"message","id":"msg_1","content":[{"type":"output_text","text":"The answer is 4."}]}}`},
		[2]string{"response.completed", `{"response":{"id":"resp_abc","usage":{"input_tokens":10,"output_tokens":5,"input_tokens_details":{"cached_tokens":3}}}}`},
	)
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	})

	client := newTestClient(server)
	stream, err := client.Stream(context.Background(), Request{
		Model: "gpt-test", Input: []Message{UserText("what is 2+2?")}, Stream: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, stream)

	if got := joinedText(events); got != "The answer is 4." {
		t.Errorf("text = %q", got)
	}
	var reasoning strings.Builder
	for _, ev := range eventsOfType(events, EventReasoningDelta) {
		reasoning.WriteString(ev.Text)
	}
	if reasoning.String() != "thinking" {
		t.Errorf("reasoning = %q", reasoning.String())
	}

	items := eventsOfType(events, EventItemDone)
	if len(items) != 1 {
		t.Fatalf("item done events = %d, want 1 (message items are not raw items)", len(items))
	}
	if items[0].Item.Type != "reasoning" || items[0].Item.ID != "rs_1" {
		t.Errorf("item = %+v", items[0].Item)
	}
	if !strings.Contains(string(items[0].Item.Payload), "encrypted_content") {
		t.Error("reasoning payload lost opaque fields")
	}

	usage := eventsOfType(events, EventUsage)
	if len(usage) != 1 || usage[0].Use.InputTokens != 10 || usage[0].Use.CachedInputTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
	done := eventsOfType(events, EventDone)
	if len(done) != 1 || done[0].ResponseID != "resp_abc" {
		t.Errorf("done = %+v", done)
	}
}

func TestResponsesStreamToolCall(t *testing.T) {
	body := sseBody(
		[2]string{"response.output_item.added", `{"output_index":0,"item":{"type":"function_call","call_id":"call_9","name":"get_weather"}}`},
		[2]string{"response.function_call_arguments.delta", `{"output_index":0,"delta":"{\"city\":"}`},
		[2]string{"response.function_call_arguments.delta", `{"output_index":0,"delta":"\"Paris\"}"}`},
		[2]string{"response.output_item.done", `{"output_index":0,"item":{"type":"function_call","id":"fc_1","call_id":"call_9","name":"get_weather","arguments":"{\"city\":\"Paris\"}","status":"completed"}}`},
		[2]string{"response.completed", `{"response":{"id":"resp_tool"}}`},
	)
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	})

	client := newTestClient(server)
	stream, err := client.Stream(context.Background(), Request{
		Model: "gpt-test", Input: []Message{UserText("weather?")}, Stream: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, stream)

	calls := eventsOfType(events, EventToolCall)
	if len(calls) != 1 {
		t.Fatalf("tool call events = %d, want 1", len(calls))
	}
	call := calls[0].Tool
	if call.ID != "call_9" || call.Name != "get_weather" {
		t.Errorf("call = %+v", call)
	}
	if string(call.Arguments) != `{"city":"Paris"}` {
		t.Errorf("arguments = %s", call.Arguments)
	}

	items := eventsOfType(events, EventItemDone)
	if len(items) != 1 || items[0].Item.Type != "function_call" || items[0].Item.CallID != "call_9" {
		t.Fatalf("items = %+v", items)
	}
}

func TestResponsesCitation(t *testing.T) {
	body := sseBody(
		[2]string{"response.output_item.done", `{"output_index":0,"item":{"type":"web_search_call","id":"ws_1","status":"completed"}}`},
		[2]string{"response.output_text.delta", `{"delta":"According to the docs"}`},
		[2]string{"response.output_text.annotation.added", `{"annotation":{"type":"url_citation","title":"Docs","url":"https://example.com/docs"}}`},
		[2]string{"response.completed", `{"response":{"id":"resp_ws"}}`},
	)
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	})

	client := newTestClient(server)
	stream, err := client.Stream(context.Background(), Request{Model: "m", Input: []Message{UserText("q")}, Stream: true})
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, stream)

	citations := eventsOfType(events, EventCitation)
	if len(citations) != 1 || citations[0].Citation.URL != "https://example.com/docs" {
		t.Errorf("citations = %+v", citations)
	}
	items := eventsOfType(events, EventItemDone)
	if len(items) != 1 || items[0].Item.Type != "web_search_call" {
		t.Errorf("items = %+v", items)
	}
}

func TestResponsesContinuationFallback(t *testing.T) {
	var requests int32
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		body := decodeBody(t, r)
		if n == 1 {
			if body["previous_response_id"] != "resp_gone" {
				t.Errorf("first request handle = %v", body["previous_response_id"])
			}
			http.Error(w, `{"error":{"message":"response not found"}}`, http.StatusNotFound)
			return
		}
		if _, present := body["previous_response_id"]; present {
			t.Error("retry still carries continuation handle")
		}
		if got := len(body["input"].([]any)); got != 3 {
			t.Errorf("retry input items = %d, want full history of 3", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			[2]string{"response.output_text.delta", `{"delta":"recovered"}`},
			[2]string{"response.completed", `{"response":{"id":"resp_new"}}`},
		))
	})

	client := newTestClient(server)
	stream, err := client.Stream(context.Background(), Request{
		Model: "m",
		Input: []Message{
			UserText("earlier question"),
			AssistantText("earlier answer"),
			UserText("new question"),
		},
		Stream:             true,
		PreviousResponseID: "resp_gone",
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, stream)

	if atomic.LoadInt32(&requests) != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	if got := joinedText(events); got != "recovered" {
		t.Errorf("text = %q", got)
	}
	done := eventsOfType(events, EventDone)
	if len(done) != 1 || done[0].ResponseID != "resp_new" {
		t.Errorf("done = %+v", done)
	}
}

func TestResponsesContinuationTrimsInput(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		input := body["input"].([]any)
		if len(input) != 1 {
			t.Errorf("input items = %d, want 1 (tail from last user message)", len(input))
		}
		first := input[0].(map[string]any)
		if first["content"] != "new question" {
			t.Errorf("first item = %v", first)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody([2]string{"response.completed", `{"response":{"id":"resp_ok"}}`}))
	})

	client := newTestClient(server)
	stream, err := client.Stream(context.Background(), Request{
		Model: "m",
		Input: []Message{
			UserText("earlier question"),
			AssistantText("earlier answer"),
			UserText("new question"),
		},
		Stream:             true,
		PreviousResponseID: "resp_live",
	})
	if err != nil {
		t.Fatal(err)
	}
	collectEvents(t, stream)
}

func TestResponsesContextOverflow(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"This model's maximum context length is 128000 tokens"}}`, http.StatusBadRequest)
	})

	client := newTestClient(server)
	_, err := client.Stream(context.Background(), Request{Model: "m", Input: []Message{UserText("q")}, Stream: true})
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("err = %v, want ErrContextOverflow", err)
	}
}

func TestResponsesTruncatedStreamSurfacesError(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Connection drops before response.completed.
		fmt.Fprint(w, "event: response.output_text.delta\ndata: {\"delta\":\"partial\"}\n\n")
	})

	client := newTestClient(server)
	stream, err := client.Stream(context.Background(), Request{Model: "m", Input: []Message{UserText("q")}, Stream: true})
	if err != nil {
		t.Fatal(err)
	}
	var text string
	var streamErr error
	for {
		ev, err := stream.Recv()
		if err != nil {
			streamErr = err
			break
		}
		if ev.Type == EventTextDelta {
			text += ev.Text
		}
	}
	if text != "partial" {
		t.Errorf("text = %q, partial output must be delivered before the error", text)
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "without completion") {
		t.Errorf("err = %v", streamErr)
	}
}

func TestResponsesNonStreamingParity(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["stream"] != false {
			t.Errorf("stream flag = %v", body["stream"])
		}
		payload := map[string]any{
			"id":     "resp_full",
			"status": "completed",
			"output": []any{
				map[string]any{"type": "reasoning", "id": "rs_1", "encrypted_content": "opaque"},
				map[string]any{"type": "message", "id": "msg_1", "content": []any{
					map[string]any{"type": "output_text", "text": "full answer"},
				}},
			},
			"usage": map[string]any{"input_tokens": 7, "output_tokens": 2},
		}
		json.NewEncoder(w).Encode(payload)
	})

	client := newTestClient(server)
	stream, err := client.Stream(context.Background(), Request{Model: "m", Input: []Message{UserText("q")}})
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, stream)

	if got := joinedText(events); got != "full answer" {
		t.Errorf("text = %q", got)
	}
	items := eventsOfType(events, EventItemDone)
	if len(items) != 1 || items[0].Item.Type != "reasoning" {
		t.Errorf("items = %+v", items)
	}
	done := eventsOfType(events, EventDone)
	if len(done) != 1 || done[0].ResponseID != "resp_full" {
		t.Errorf("done = %+v", done)
	}
}

func TestBuildInputRoundTrip(t *testing.T) {
	input := BuildInput([]Message{
		SystemText("be helpful"),
		UserText("question"),
		{Role: RoleAssistant, Parts: []Part{
			{Type: PartRawItem, Raw: json.RawMessage(`{"type":"reasoning","id":"rs_1","status":"completed","encrypted_content":"x"}`)},
			{Type: PartToolCall, ToolCall: &ToolCall{ID: "call_1", Name: "f", Arguments: json.RawMessage(`{"a":1}`)}},
			{Type: PartText, Text: "answer"},
		}},
		RawItemMessage(RoleTool, json.RawMessage(`{"type":"function_call_output","call_id":"call_1","output":"ok"}`)),
	})

	encoded, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	var items []map[string]any
	if err := json.Unmarshal(encoded, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 6 {
		t.Fatalf("items = %d, want 6", len(items))
	}
	if items[0]["role"] != "developer" {
		t.Errorf("system role = %v, want developer", items[0]["role"])
	}
	if items[2]["type"] != "reasoning" {
		t.Errorf("item 2 = %v", items[2])
	}
	if _, present := items[2]["status"]; present {
		t.Error("replayed item still carries status field")
	}
	if items[2]["encrypted_content"] != "x" {
		t.Error("opaque field dropped from replayed item")
	}
	if items[3]["type"] != "function_call" || items[3]["call_id"] != "call_1" {
		t.Errorf("item 3 = %v", items[3])
	}
	if items[4]["type"] != "message" || items[4]["content"] != "answer" {
		t.Errorf("item 4 = %v", items[4])
	}
	if items[5]["type"] != "function_call_output" {
		t.Errorf("item 5 = %v", items[5])
	}
}

func TestRetryProviderTransient(t *testing.T) {
	var calls int32
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			[2]string{"response.output_text.delta", `{"delta":"ok"}`},
			[2]string{"response.completed", `{"response":{"id":"resp_retry"}}`},
		))
	})

	var retryEvents []Event
	provider := &RetryProvider{
		Provider:    newTestClient(server),
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(ev Event) { retryEvents = append(retryEvents, ev) },
	}
	stream, err := provider.Stream(context.Background(), Request{Model: "m", Input: []Message{UserText("q")}, Stream: true})
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, stream)

	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(retryEvents) != 1 || retryEvents[0].RetryAttempt != 1 {
		t.Errorf("retry events = %+v", retryEvents)
	}
	if got := joinedText(events); got != "ok" {
		t.Errorf("text = %q", got)
	}
}

func TestRetryProviderPermanentError(t *testing.T) {
	server := serveSSE(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})
	provider := &RetryProvider{Provider: newTestClient(server), MaxAttempts: 3, BaseDelay: time.Millisecond}
	_, err := provider.Stream(context.Background(), Request{Model: "m", Input: []Message{UserText("q")}, Stream: true})
	if err == nil || !strings.Contains(err.Error(), "authentication") {
		t.Fatalf("err = %v", err)
	}
}
