// Package history rebuilds provider conversation state from plain host
// messages. Assistant messages carry invisible markers pointing into the
// item store; resolving those markers in document order restores tool
// calls, tool outputs, and reasoning exactly where they happened.
package history

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/owui-pipes/responses/internal/host"
	"github.com/owui-pipes/responses/internal/item"
	"github.com/owui-pipes/responses/internal/llm"
	"github.com/owui-pipes/responses/internal/marker"
)

// Policy controls reconstruction for one turn.
type Policy struct {
	// Model being targeted. Items recorded under a different model are
	// skipped so switching models mid-chat never replays foreign state.
	Model string
}

// Reconstructor resolves markers against an item store.
type Reconstructor struct {
	Store item.Store
	Log   zerolog.Logger
}

// Rebuild converts host messages to provider input. System messages merge
// into the returned instructions; assistant messages expand into raw item
// parts plus visible text; tool outputs become standalone tool messages.
// Markers whose items are missing resolve to nothing: the visible text
// still makes a valid, if degraded, conversation.
//
// Rebuild is read-only and deterministic for a given store state, so
// running it on every turn over the same history yields identical input.
func (r *Reconstructor) Rebuild(ctx context.Context, msgs []host.Message, policy Policy) (string, []llm.Message, error) {
	var instructions strings.Builder
	var input []llm.Message

	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			if instructions.Len() > 0 {
				instructions.WriteString("\n\n")
			}
			instructions.WriteString(msg.Content)
		case "user":
			input = append(input, llm.UserText(msg.Content))
		case "assistant":
			expanded, err := r.expandAssistant(ctx, msg, policy)
			if err != nil {
				return "", nil, err
			}
			input = append(input, expanded...)
		default:
			r.Log.Debug().Str("role", msg.Role).Str("message_id", msg.ID).
				Msg("skipping message with unknown role")
		}
	}
	return instructions.String(), input, nil
}

// expandAssistant splits one assistant message into alternating text and
// resolved items. A function_call_output item closes the current assistant
// message and travels as its own tool message, matching how it was sent.
func (r *Reconstructor) expandAssistant(ctx context.Context, msg host.Message, policy Policy) ([]llm.Message, error) {
	matches := marker.Decode(msg.Content)
	if len(matches) == 0 {
		if strings.TrimSpace(msg.Content) == "" {
			return nil, nil
		}
		return []llm.Message{llm.AssistantText(msg.Content)}, nil
	}

	var out []llm.Message
	var parts []llm.Part
	flush := func() {
		if len(parts) > 0 {
			out = append(out, llm.Message{Role: llm.RoleAssistant, Parts: parts})
			parts = nil
		}
	}
	appendText := func(text string) {
		if text == "" {
			return
		}
		if n := len(parts); n > 0 && parts[n-1].Type == llm.PartText {
			parts[n-1].Text += text
			return
		}
		parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	}

	cursor := 0
	for _, m := range matches {
		appendText(msg.Content[cursor:m.Start])
		cursor = m.End

		it, err := r.Store.Get(ctx, m.Marker.ID)
		if errors.Is(err, item.ErrNotFound) {
			r.Log.Debug().Str("item_id", m.Marker.ID).Str("message_id", msg.ID).
				Msg("marker references missing item, dropping")
			continue
		}
		if err != nil {
			return nil, err
		}
		if policy.Model != "" && it.Model != "" && it.Model != policy.Model {
			r.Log.Debug().Str("item_id", m.Marker.ID).Str("item_model", it.Model).
				Str("target_model", policy.Model).Msg("skipping foreign-model item")
			continue
		}

		if it.Type == item.TypeFunctionCallOutput {
			flush()
			out = append(out, llm.RawItemMessage(llm.RoleTool, it.Payload))
			continue
		}
		parts = append(parts, llm.Part{Type: llm.PartRawItem, Raw: it.Payload})
	}
	appendText(msg.Content[cursor:])
	flush()
	return out, nil
}
