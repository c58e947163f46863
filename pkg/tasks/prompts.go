package tasks

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/models"
)

const structuredColumnSystem = `You are a B2B research analyst answering one question about one company or person.
Base every claim on the provided context. When web search is available, verify time-sensitive facts instead of guessing; never fabricate a search you did not run.
Respond with a single JSON object of the form {"analysis": string, "rationale": string, "value": <answer>, "confidence_score": number between 0 and 1}.
"value" must conform exactly to the required response format. If the context is insufficient, still answer with your best estimate and a low confidence_score.`

const unstructuredColumnSystem = `You are a B2B research analyst answering one question about one company or person.
Base every claim on the provided context. When web search is available, verify time-sensitive facts instead of guessing; never fabricate a search you did not run.
Write a concise markdown answer. End with a "Rationale:" line explaining your reasoning and, when you used external evidence, a "Sources:" line listing URLs.
State your confidence explicitly as high confidence, medium confidence, or low confidence.`

// buildColumnPrompt assembles the prompt pair for one (column, entity)
// pair. activity is non-nil when LinkedIn activity was attached.
func buildColumnPrompt(column *models.Column, entityCtx map[string]any, activity map[string]any, unstructured bool) llm.Prompt {
	var b strings.Builder

	contextJSON, err := json.MarshalIndent(entityCtx, "", "  ")
	if err != nil {
		contextJSON = []byte("{}")
	}
	fmt.Fprintf(&b, "ENTITY CONTEXT:\n%s\n\n", contextJSON)

	if len(activity) > 0 {
		if raw, err := json.MarshalIndent(activity, "", "  "); err == nil {
			fmt.Fprintf(&b, "RECENT LINKEDIN ACTIVITY:\n%s\n\n", raw)
		}
	}

	fmt.Fprintf(&b, "QUESTION:\n%s\n", column.Question)
	if column.Description != "" {
		fmt.Fprintf(&b, "\nADDITIONAL GUIDANCE:\n%s\n", column.Description)
	}

	fmt.Fprintf(&b, "\nREQUIRED RESPONSE FORMAT:\n%s\n", responseFormat(column))

	if cfg := column.ResponseConfig; cfg != nil {
		if len(cfg.Examples) > 0 {
			b.WriteString("\nEXAMPLES OF VALID ANSWERS:\n")
			for _, example := range cfg.Examples {
				fmt.Fprintf(&b, "- %s\n", example)
			}
		}
		if len(cfg.ValidationRules) > 0 {
			b.WriteString("\nVALIDATION RULES:\n")
			for _, rule := range cfg.ValidationRules {
				fmt.Fprintf(&b, "- %s\n", rule)
			}
		}
	}

	system := structuredColumnSystem
	if unstructured {
		system = unstructuredColumnSystem
	}
	return llm.Prompt{System: system, User: b.String()}
}

// responseFormat describes the expected "value" shape for the prompt.
func responseFormat(column *models.Column) string {
	switch column.ResponseType {
	case models.ResponseTypeString:
		return "A plain text string."
	case models.ResponseTypeJSONObject:
		return "A JSON object or array."
	case models.ResponseTypeBoolean:
		return "A boolean: true or false."
	case models.ResponseTypeNumber:
		return "A number, without units or thousands separators."
	case models.ResponseTypeEnum:
		if column.ResponseConfig != nil && len(column.ResponseConfig.AllowedValues) > 0 {
			return "Exactly one of: " + strings.Join(column.ResponseConfig.AllowedValues, ", ")
		}
		return "A single categorical value."
	default:
		return "A plain text string."
	}
}

var (
	rationaleRe  = regexp.MustCompile(`(?im)^\s*(?:\*\*)?rationale(?:\*\*)?\s*:\s*(.+)$`)
	sourcesRe    = regexp.MustCompile(`(?im)^\s*(?:\*\*)?sources?(?:\*\*)?\s*:\s*(.+)$`)
	urlRe        = regexp.MustCompile(`https?://[^\s,)\]]+`)
	confidenceRe = regexp.MustCompile(`(?i)\b(high|medium|low)\s+confidence\b`)
)

// unstructuredAnswer is the parsed form of a markdown reply.
type unstructuredAnswer struct {
	Value      string
	Rationale  string
	Sources    []string
	Confidence float64
}

// parseUnstructured heuristically splits a markdown answer into value,
// rationale, and sources, and infers confidence from explicit cues.
func parseUnstructured(text string) unstructuredAnswer {
	answer := unstructuredAnswer{Confidence: 0.5}

	if m := confidenceRe.FindStringSubmatch(text); m != nil {
		switch strings.ToLower(m[1]) {
		case "high":
			answer.Confidence = 0.9
		case "medium":
			answer.Confidence = 0.6
		case "low":
			answer.Confidence = 0.3
		}
	}

	value := text
	if m := rationaleRe.FindStringSubmatchIndex(text); m != nil {
		answer.Rationale = strings.TrimSpace(text[m[2]:m[3]])
		if m[0] < len(value) {
			value = text[:m[0]]
		}
	}
	if m := sourcesRe.FindStringSubmatchIndex(text); m != nil {
		answer.Sources = urlRe.FindAllString(text[m[2]:], -1)
		if m[0] < len(value) {
			value = value[:min(m[0], len(value))]
		}
	}
	answer.Value = strings.TrimSpace(value)
	return answer
}
