package llm

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"golang.org/x/sync/semaphore"
)

// parserPool bounds concurrent JSON extraction so large malformed
// responses do not stall the schedulable goroutines serving I/O.
type parserPool struct {
	sem *semaphore.Weighted
}

func newParserPool(size int64) *parserPool {
	if size <= 0 {
		size = 4
	}
	return &parserPool{sem: semaphore.NewWeighted(size)}
}

// extract runs ExtractJSON behind the pool's semaphore.
func (p *parserPool) extract(ctx context.Context, text string) (map[string]any, bool) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return map[string]any{}, false
	}
	defer p.sem.Release(1)
	return ExtractJSON(text)
}

// ExtractJSON extracts a JSON object from LLM output permissively:
// markdown fences are stripped, prose prefixes trimmed, the outer {...}
// taken, the largest object element pulled from a returned list, and a
// repair pass applied to malformed output. On total failure it returns an
// empty object and ok=false.
func ExtractJSON(text string) (map[string]any, bool) {
	text = strings.TrimSpace(stripFences(text))
	if text == "" {
		return map[string]any{}, false
	}

	// Direct parse first: object, or a list we pick the largest object from.
	if obj, ok := parseValue(text); ok {
		return obj, true
	}

	// Trim any prose prefix/suffix around the outermost object.
	if inner := outerObject(text); inner != "" {
		if obj, ok := parseValue(inner); ok {
			return obj, true
		}
		if repaired, ok := parseValue(repairJSON(inner)); ok {
			return repaired, true
		}
	}

	if repaired, ok := parseValue(repairJSON(text)); ok {
		return repaired, true
	}
	return map[string]any{}, false
}

// stripFences removes a markdown code fence (``` or ```json) wrapper.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		first := strings.TrimSpace(trimmed[:idx])
		// Drop a language tag such as "json" on the fence line.
		if first == "" || isIdentifier(first) {
			trimmed = trimmed[idx+1:]
		}
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func isIdentifier(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// parseValue parses text as a JSON object, or as a list from which the
// largest object element is returned.
func parseValue(text string) (map[string]any, bool) {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, false
	}
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case []any:
		var best map[string]any
		for _, el := range v {
			if obj, ok := el.(map[string]any); ok {
				if best == nil || len(obj) > len(best) {
					best = obj
				}
			}
		}
		if best != nil {
			return best, true
		}
	}
	return nil, false
}

// outerObject returns the substring spanning the outermost balanced {...},
// respecting strings and escapes, or "" when no object is present.
func outerObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// Unterminated object: return the tail for the repair pass.
	return text[start:]
}

// repairJSON applies cheap mechanical fixes to almost-JSON: single quotes
// around keys/values, trailing commas, Python-style literals, and
// unbalanced braces/brackets.
func repairJSON(text string) string {
	var b strings.Builder
	inString := false
	escaped := false
	var quote byte
	depthBraces := 0
	depthBrackets := 0

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == quote {
				inString = false
				ch = '"'
			}
			if !inString && text[i] == quote && quote == '\'' {
				b.WriteByte('"')
				continue
			}
			b.WriteByte(ch)
			continue
		}

		switch ch {
		case '"', '\'':
			inString = true
			quote = ch
			b.WriteByte('"')
			continue
		case '{':
			depthBraces++
		case '}':
			depthBraces--
		case '[':
			depthBrackets++
		case ']':
			depthBrackets--
		case ',':
			// Drop a trailing comma before a closer.
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\n' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}

	out := b.String()
	out = strings.ReplaceAll(out, ": True", ": true")
	out = strings.ReplaceAll(out, ": False", ": false")
	out = strings.ReplaceAll(out, ": None", ": null")

	for ; depthBrackets > 0; depthBrackets-- {
		out += "]"
	}
	for ; depthBraces > 0; depthBraces-- {
		out += "}"
	}
	return out
}
