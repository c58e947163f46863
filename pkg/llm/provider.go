package llm

import (
	"context"
	"fmt"

	"github.com/leadfoundry/enrich/pkg/models"
)

// Request is the provider-level call descriptor. The service resolves
// prompts, temperature, and model before handing it to a provider.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	IsJSON       bool
	Temperature  float32

	// ThinkingBudget is nil when the caller expressed no preference.
	ThinkingBudget *models.ThinkingBudget

	// Search-grounded calls.
	Search            bool
	SearchContextSize models.SearchContextSize
	UserLocation      string

	// Structured search-grounded calls carry a JSON schema for the answer.
	ResponseSchema map[string]any
}

// Source is one web reference extracted from a search-grounded response.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Response is a provider's raw answer before caching and JSON extraction.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int

	// Grounding data, present only on search-grounded calls when the
	// provider exposes it.
	Sources        []Source
	SegmentSources map[string]string
}

// Provider is one LLM backend. Implementations are long-lived and safe
// for concurrent use; per-call configuration is immutable to the call.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// thinkingBudgetTokens maps the budget hint to a provider token limit.
// Zero disables internal reasoning entirely.
func thinkingBudgetTokens(b models.ThinkingBudget) int {
	switch b {
	case models.ThinkingBudgetZero:
		return 0
	case models.ThinkingBudgetLow:
		return 1024
	case models.ThinkingBudgetMedium:
		return 4096
	case models.ThinkingBudgetHigh:
		return 16384
	default:
		return 0
	}
}

// SourcesMarkdown renders extracted sources as a markdown list.
func SourcesMarkdown(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}
	out := "## Sources\n"
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		out += fmt.Sprintf("%d. [%s](%s)", i+1, title, s.URL)
		if s.Snippet != "" {
			out += " — " + s.Snippet
		}
		out += "\n"
	}
	return out
}
