package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const (
	defaultMaxTurns    = 25
	defaultMaxParallel = 4
	defaultToolTimeout = 2 * time.Minute
)

// Engine drives a full conversational turn: it streams provider output,
// executes requested tool calls, feeds the results back, and repeats until
// the model stops asking for tools or the turn cap is hit.
type Engine struct {
	Provider    Provider
	Tools       *ToolRegistry
	Log         zerolog.Logger
	MaxParallel int           // concurrent tool executions per round (0 = default)
	ToolTimeout time.Duration // per-call execution budget (0 = default)

	allowed []glob.Glob
}

// SetAllowedTools restricts which registered tools are exposed and run.
// Patterns are glob-matched against tool names; no patterns means all tools
// are allowed.
func (e *Engine) SetAllowedTools(patterns []string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, g)
	}
	e.allowed = compiled
	return nil
}

func (e *Engine) toolAllowed(name string) bool {
	if len(e.allowed) == 0 {
		return true
	}
	for _, g := range e.allowed {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// availableSpecs merges the engine's executable tools with the request's
// own specs. Request specs win on identity collisions so the caller can
// override a registered tool's schema.
func (e *Engine) availableSpecs(req Request) []ToolSpec {
	var specs []ToolSpec
	if e.Tools != nil {
		for _, spec := range e.Tools.AllSpecs() {
			if e.toolAllowed(spec.Name) {
				specs = append(specs, spec)
			}
		}
	}
	for _, spec := range req.Tools {
		replaced := false
		for i, existing := range specs {
			if existing.Identity() == spec.Identity() {
				specs[i] = spec
				replaced = true
				break
			}
		}
		if !replaced {
			specs = append(specs, spec)
		}
	}
	return specs
}

// Run executes one turn. Tool-call events are consumed internally; the
// returned stream carries text, reasoning, finalized items (including
// synthesized tool outputs), citations, usage per provider round, and a
// terminal Done with the last continuation handle.
func (e *Engine) Run(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		return e.runLoop(ctx, req, events)
	}), nil
}

func (e *Engine) runLoop(ctx context.Context, req Request, events chan<- Event) error {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	caps := e.Provider.Capabilities()
	history := make([]Message, len(req.Input))
	copy(history, req.Input)

	sub := req
	sub.Tools = e.availableSpecs(req)
	lastResponseID := req.PreviousResponseID

	for turn := 0; turn < maxTurns; turn++ {
		sub.Input = history
		if turn == 0 {
			sub.PreviousResponseID = req.PreviousResponseID
		}

		stream, err := e.Provider.Stream(ctx, sub)
		if err != nil {
			return err
		}
		result, err := e.consumeTurn(stream, events)
		if err != nil {
			return err
		}
		if result.responseID != "" {
			lastResponseID = result.responseID
		}

		if len(result.toolCalls) == 0 {
			events <- Event{Type: EventDone, ResponseID: lastResponseID}
			return nil
		}

		e.Log.Debug().Int("turn", turn+1).Int("calls", len(result.toolCalls)).
			Msg("executing tool calls")
		outputs := e.executeToolCalls(ctx, result.toolCalls, sub.ParallelToolCalls, events)

		history = append(history, Message{Role: RoleAssistant, Parts: result.parts})
		for _, out := range outputs {
			events <- Event{Type: EventItemDone, Item: out}
			history = append(history, Message{Role: RoleTool, Parts: []Part{{Type: PartRawItem, Raw: out.Payload}}})
		}

		if caps.ServerState && lastResponseID != "" {
			// The provider already holds this round's output. Continue from
			// the handle and send only the tool results.
			sub.PreviousResponseID = lastResponseID
			history = nil
			for _, out := range outputs {
				history = append(history, Message{Role: RoleTool, Parts: []Part{{Type: PartRawItem, Raw: out.Payload}}})
			}
		} else {
			sub.PreviousResponseID = ""
		}
	}
	return ErrToolLoopExceeded
}

// turnResult is the distilled outcome of a single provider round.
type turnResult struct {
	toolCalls  []ToolCall
	parts      []Part // assistant output in emission order, for local replay
	responseID string
}

// consumeTurn drains one provider stream, forwarding user-visible events
// and collecting orchestration state. Done events are swallowed: the loop
// emits its own once the turn truly ends.
func (e *Engine) consumeTurn(stream Stream, events chan<- Event) (*turnResult, error) {
	defer stream.Close()
	result := &turnResult{}
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return result, err
		}
		switch ev.Type {
		case EventToolCall:
			if ev.Tool != nil {
				result.toolCalls = append(result.toolCalls, *ev.Tool)
			}
		case EventDone:
			result.responseID = ev.ResponseID
		case EventTextDelta:
			result.appendText(ev.Text)
			events <- ev
		case EventItemDone:
			if ev.Item != nil {
				result.parts = append(result.parts, Part{Type: PartRawItem, Raw: ev.Item.Payload})
			}
			events <- ev
		default:
			events <- ev
		}
	}
}

func (r *turnResult) appendText(text string) {
	if n := len(r.parts); n > 0 && r.parts[n-1].Type == PartText {
		r.parts[n-1].Text += text
		return
	}
	r.parts = append(r.parts, Part{Type: PartText, Text: text})
}

// executeToolCalls runs the round's calls with bounded parallelism and
// returns one function_call_output item per call, in call order. A failed
// call becomes an error-flagged output so the model can react; it never
// aborts the other calls or the turn.
func (e *Engine) executeToolCalls(ctx context.Context, calls []ToolCall, parallel bool, events chan<- Event) []*RawItem {
	maxParallel := e.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	if !parallel {
		maxParallel = 1
	}

	outputs := make([]*RawItem, len(calls))
	p := pool.New().WithMaxGoroutines(maxParallel)
	for i, call := range calls {
		i, call := i, call
		p.Go(func() {
			events <- Event{Type: EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name}
			output, execErr := e.executeOne(ctx, call)
			events <- Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolSuccess: execErr == nil}

			isError := execErr != nil
			if isError {
				e.Log.Warn().Err(execErr).Str("tool", call.Name).Msg("tool execution failed")
				output = fmt.Sprintf("Error: %s", execErr.Error())
			}
			outputs[i] = newFunctionCallOutput(call.ID, output, isError)
		})
	}
	p.Wait()
	return outputs
}

func (e *Engine) executeOne(ctx context.Context, call ToolCall) (string, error) {
	if !e.toolAllowed(call.Name) {
		return "", fmt.Errorf("tool %q is not permitted", call.Name)
	}
	if e.Tools == nil {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	tool, ok := e.Tools.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	timeout := e.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := call.Arguments
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage("{}")
	}
	return tool.Execute(execCtx, args)
}

// newFunctionCallOutput builds the provider-native output item for a tool
// result so it persists and replays like any other item.
func newFunctionCallOutput(callID, output string, isError bool) *RawItem {
	payload, _ := json.Marshal(map[string]any{
		"type":    "function_call_output",
		"call_id": callID,
		"output":  output,
	})
	return &RawItem{
		Type:    "function_call_output",
		CallID:  callID,
		Payload: payload,
		IsError: isError,
	}
}
