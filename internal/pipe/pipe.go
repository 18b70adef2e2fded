// Package pipe connects a marker-free chat host to a stateful Responses
// provider. Each turn it rebuilds provider state from the host's plain
// messages, runs the model with tool support, and writes back visible text
// interleaved with invisible markers for everything else.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/owui-pipes/responses/internal/history"
	"github.com/owui-pipes/responses/internal/host"
	"github.com/owui-pipes/responses/internal/item"
	"github.com/owui-pipes/responses/internal/llm"
	"github.com/owui-pipes/responses/internal/marker"
)

// Runner abstracts the engine so tests can script turns.
type Runner interface {
	Run(ctx context.Context, req llm.Request) (llm.Stream, error)
	Capabilities() llm.Capabilities
}

// engineRunner adapts llm.Engine to Runner.
type engineRunner struct{ *llm.Engine }

func (r engineRunner) Capabilities() llm.Capabilities { return r.Engine.Provider.Capabilities() }

// NewRunner wraps an engine for use with a Pipe.
func NewRunner(engine *llm.Engine) Runner { return engineRunner{engine} }

// Pipe is one configured model endpoint inside the host.
type Pipe struct {
	Runner Runner
	Items  item.Store
	Host   host.MessageStore
	Events host.EventPublisher
	Opts   Options
	Log    zerolog.Logger
}

// Turn identifies one assistant response to produce.
type Turn struct {
	ChatID    string
	MessageID string // id of the assistant message being written
}

// Run produces one assistant turn. It always finalizes: whatever text and
// markers accumulated before an error or cancellation are written to the
// host message, and a terminal completion event is published. The returned
// error mirrors what the completion event reported.
func (p *Pipe) Run(ctx context.Context, turn Turn) error {
	tracker := newTurnTracker()
	recon := &history.Reconstructor{Store: p.Items, Log: p.Log}

	msgs, err := p.Host.Messages(ctx, turn.ChatID)
	if err != nil {
		return p.finalize(ctx, turn, tracker, "", nil, fmt.Errorf("load chat: %w", err))
	}
	msgs = dropPlaceholder(msgs, turn.MessageID)

	instructions, input, err := recon.Rebuild(ctx, msgs, history.Policy{Model: p.Opts.Model})
	if err != nil {
		return p.finalize(ctx, turn, tracker, "", nil, fmt.Errorf("rebuild history: %w", err))
	}

	var previousResponseID string
	if p.Opts.ServerState && p.Runner.Capabilities().ServerState {
		previousResponseID, err = p.Items.Continuation(ctx, p.continuationKey(turn.ChatID))
		if err != nil {
			p.Log.Warn().Err(err).Msg("continuation lookup failed, replaying full history")
			previousResponseID = ""
		}
	}

	req := buildRequest(p.Opts, instructions, input, previousResponseID)
	stream, err := p.Runner.Run(ctx, req)
	if err != nil {
		return p.finalize(ctx, turn, tracker, "", nil, err)
	}
	defer stream.Close()
	p.toState(tracker, StateInProgress)

	acc := newAccumulator()
	for {
		ev, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			return p.finalize(ctx, turn, tracker, acc.content(), acc, recvErr)
		}
		if err := p.handleEvent(ctx, turn, tracker, acc, ev); err != nil {
			return p.finalize(ctx, turn, tracker, acc.content(), acc, err)
		}
	}

	p.toState(tracker, StateCompleted)
	if acc.responseID != "" && p.Opts.ServerState {
		if err := p.Items.SetContinuation(ctx, p.continuationKey(turn.ChatID), acc.responseID); err != nil {
			p.Log.Warn().Err(err).Msg("failed to record continuation handle")
		}
	}
	return p.finalize(ctx, turn, tracker, acc.content(), acc, nil)
}

// continuationKey scopes handles per model: a handle produced by one model
// must never seed a request to another.
func (p *Pipe) continuationKey(chatID string) string {
	return chatID + "|" + p.Opts.Model
}

func dropPlaceholder(msgs []host.Message, messageID string) []host.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID == messageID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// accumulator gathers the turn's output.
type accumulator struct {
	text       strings.Builder
	usage      llm.Usage
	sawUsage   bool
	responseID string
	citations  map[string]bool
	reasoning  bool
}

func newAccumulator() *accumulator {
	return &accumulator{citations: make(map[string]bool)}
}

func (a *accumulator) content() string { return a.text.String() }

func (p *Pipe) handleEvent(ctx context.Context, turn Turn, tracker *turnTracker, acc *accumulator, ev llm.Event) error {
	switch ev.Type {
	case llm.EventTextDelta:
		p.toState(tracker, StateInProgress)
		acc.text.WriteString(ev.Text)
		p.publish(ctx, host.DeltaEvent(ev.Text))

	case llm.EventReasoningDelta:
		if !acc.reasoning {
			acc.reasoning = true
			p.publish(ctx, host.StatusEvent("Thinking", false))
		}

	case llm.EventItemDone:
		if ev.Item == nil {
			return nil
		}
		id, err := p.Items.Put(ctx, &item.Item{
			ChatID:    turn.ChatID,
			MessageID: turn.MessageID,
			Type:      ev.Item.Type,
			Model:     p.Opts.Model,
			Payload:   ev.Item.Payload,
		})
		if err != nil {
			return fmt.Errorf("persist %s item: %w", ev.Item.Type, err)
		}
		acc.text.WriteString(marker.Encode(marker.Marker{
			Type:  ev.Item.Type,
			ID:    id,
			Model: p.Opts.Model,
		}))

	case llm.EventToolExecStart:
		p.toState(tracker, StateRunningTools)
		p.publish(ctx, host.StatusEvent(fmt.Sprintf("Running %s", ev.ToolName), false))

	case llm.EventToolExecEnd:
		desc := fmt.Sprintf("Finished %s", ev.ToolName)
		if !ev.ToolSuccess {
			desc = fmt.Sprintf("%s failed", ev.ToolName)
		}
		p.publish(ctx, host.StatusEvent(desc, true))

	case llm.EventCitation:
		if ev.Citation == nil || acc.citations[ev.Citation.URL] {
			return nil
		}
		acc.citations[ev.Citation.URL] = true
		p.publish(ctx, host.SourceEvent(ev.Citation.Title, ev.Citation.URL))

	case llm.EventUsage:
		if ev.Use != nil {
			acc.usage.Add(*ev.Use)
			acc.sawUsage = true
		}

	case llm.EventRetry:
		p.publish(ctx, host.StatusEvent(
			fmt.Sprintf("Provider busy, retrying (%d/%d)", ev.RetryAttempt, ev.RetryMaxAttempts), false))

	case llm.EventDone:
		acc.responseID = ev.ResponseID
	}
	return nil
}

// toState advances the turn tracker, logging a rejected transition instead
// of dropping it so a stuck state machine is visible.
func (p *Pipe) toState(tracker *turnTracker, next TurnState) {
	if err := tracker.To(next); err != nil {
		p.Log.Warn().Err(err).Msg("turn state transition rejected")
	}
}

func (p *Pipe) publish(ctx context.Context, ev host.Event) {
	if p.Events == nil {
		return
	}
	if err := p.Events.Publish(ctx, ev); err != nil {
		p.Log.Warn().Err(err).Str("event", ev.Type).Msg("event publish failed")
	}
}

// finalize writes the accumulated content to the host message and publishes
// the terminal completion event. It runs exactly once per turn, on every
// exit path, so partial output survives errors and cancellation.
func (p *Pipe) finalize(ctx context.Context, turn Turn, tracker *turnTracker, content string, acc *accumulator, runErr error) error {
	// A cancelled parent context must not block finalization.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
	}

	if !tracker.Terminal() {
		switch {
		case errors.Is(runErr, context.Canceled):
			p.toState(tracker, StateCancelled)
		case runErr != nil:
			p.toState(tracker, StateErrored)
		default:
			p.toState(tracker, StateCompleted)
		}
	}

	if err := p.Host.UpdateContent(ctx, turn.ChatID, turn.MessageID, content); err != nil {
		// The placeholder may not exist yet, e.g. for headless hosts.
		if appendErr := p.Host.Append(ctx, turn.ChatID, host.Message{
			ID: turn.MessageID, Role: "assistant", Content: content,
		}); appendErr != nil {
			p.Log.Error().Err(err).Msg("failed to write assistant message")
		}
	}

	var usageData map[string]any
	if acc != nil && acc.sawUsage {
		usageData = map[string]any{
			"input_tokens":  acc.usage.InputTokens,
			"output_tokens": acc.usage.OutputTokens,
			"cached_tokens": acc.usage.CachedInputTokens,
		}
	}
	p.publish(ctx, host.CompletionEvent(content, usageData, errorDescription(runErr)))

	if runErr != nil {
		p.Log.Error().Err(runErr).Str("chat_id", turn.ChatID).Str("state", string(tracker.State())).
			Msg("turn finished with error")
	} else {
		p.Log.Debug().Str("chat_id", turn.ChatID).Msg("turn completed")
	}
	return runErr
}

const finalizeTimeout = 5 * time.Second

// errorDescription maps turn errors to user-facing descriptions.
func errorDescription(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "Generation stopped."
	case errors.Is(err, llm.ErrContextOverflow):
		return "The conversation no longer fits the model's context window. Start a new chat or enable truncation."
	case errors.Is(err, llm.ErrToolLoopExceeded):
		return "The model kept requesting tools past the configured limit and was stopped."
	default:
		return err.Error()
	}
}
