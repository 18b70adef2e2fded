package pipe

import (
	"github.com/owui-pipes/responses/internal/llm"
)

// Options configures a pipe instance. Values come from the host's config
// layer; zero values mean provider defaults.
type Options struct {
	Model           string
	Instructions    string // prepended to any system messages in the chat
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens int
	ReasoningEffort string
	Truncation      string // "auto" or "disabled"
	MaxToolTurns    int
	ParallelTools   bool
	ServerState     bool // use provider-side continuation handles
	WebSearch       bool // expose the provider's native search tool

	// ExtraTools are request-level specs merged after everything else, so
	// a host filter can override any tool's schema.
	ExtraTools []llm.ToolSpec
}

// buildRequest assembles the provider request for one turn. Tool specs
// merge by identity in ascending precedence: native provider tools, then
// extras, so later sources override earlier ones.
func buildRequest(opts Options, instructions string, input []llm.Message, previousResponseID string) llm.Request {
	if opts.Instructions != "" {
		if instructions != "" {
			instructions = opts.Instructions + "\n\n" + instructions
		} else {
			instructions = opts.Instructions
		}
	}

	var tools []llm.ToolSpec
	if opts.WebSearch {
		tools = append(tools, llm.ToolSpec{Type: "web_search"})
	}
	tools = mergeSpecs(tools, opts.ExtraTools)

	return llm.Request{
		Model:              opts.Model,
		Instructions:       instructions,
		Input:              input,
		Tools:              tools,
		ParallelToolCalls:  opts.ParallelTools,
		MaxOutputTokens:    opts.MaxOutputTokens,
		Temperature:        opts.Temperature,
		TopP:               opts.TopP,
		ReasoningEffort:    opts.ReasoningEffort,
		Truncation:         opts.Truncation,
		Stream:             true,
		PreviousResponseID: previousResponseID,
		MaxTurns:           opts.MaxToolTurns,
	}
}

// mergeSpecs overlays later specs onto earlier ones by identity.
func mergeSpecs(base, overlay []llm.ToolSpec) []llm.ToolSpec {
	merged := make([]llm.ToolSpec, len(base))
	copy(merged, base)
	for _, spec := range overlay {
		replaced := false
		for i, existing := range merged {
			if existing.Identity() == spec.Identity() {
				merged[i] = spec
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, spec)
		}
	}
	return merged
}
