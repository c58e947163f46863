package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/models"
)

// applyValue validates raw against the column's response type and sets
// the matching Value* field. Unstructured mode relaxes the enum rule.
func applyValue(value *models.CustomColumnValue, column *models.Column, raw any, unstructured bool) error {
	switch column.ResponseType {
	case models.ResponseTypeString:
		s := stringify(raw)
		value.ValueString = &s
	case models.ResponseTypeJSONObject:
		parsed, err := coerceJSON(raw)
		if err != nil {
			return err
		}
		value.ValueJSON = parsed
	case models.ResponseTypeBoolean:
		b, err := coerceBool(raw)
		if err != nil {
			return err
		}
		value.ValueBoolean = &b
	case models.ResponseTypeNumber:
		n, err := coerceNumber(raw)
		if err != nil {
			return err
		}
		value.ValueNumber = &n
	case models.ResponseTypeEnum:
		e := coerceEnum(column, raw, unstructured)
		value.ValueEnum = &e
	default:
		return fmt.Errorf("unknown response type %q", column.ResponseType)
	}
	return nil
}

func stringify(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

// coerceJSON accepts objects and arrays directly and runs string answers
// through the permissive JSON extractor.
func coerceJSON(raw any) (any, error) {
	switch v := raw.(type) {
	case map[string]any, []any:
		return v, nil
	case string:
		var direct any
		if err := json.Unmarshal([]byte(v), &direct); err == nil {
			switch direct.(type) {
			case map[string]any, []any:
				return direct, nil
			}
		}
		if repaired, ok := llm.ExtractJSON(v); ok {
			return repaired, nil
		}
		return nil, fmt.Errorf("answer is not valid JSON")
	default:
		return nil, fmt.Errorf("answer has type %T, expected object or array", raw)
	}
}

func coerceBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0":
			return false, nil
		}
		return false, fmt.Errorf("answer %q is not a boolean", v)
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("answer has type %T, expected boolean", raw)
	}
}

func coerceNumber(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("answer %q is not numeric", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("answer has type %T, expected number", raw)
	}
}

// coerceEnum matches case-insensitively against allowed_values. An
// unmatched answer keeps the raw value with a warning; in unstructured
// mode it falls back to the first allowed value instead.
func coerceEnum(column *models.Column, raw any, unstructured bool) string {
	answer := strings.TrimSpace(stringify(raw))
	var allowed []string
	if column.ResponseConfig != nil {
		allowed = column.ResponseConfig.AllowedValues
	}
	if len(allowed) == 0 {
		return answer
	}
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, answer) {
			return candidate
		}
	}
	if unstructured {
		slog.Warn("Enum answer outside allowed values, using first allowed",
			"column_id", column.ID, "answer", answer)
		return allowed[0]
	}
	slog.Warn("Enum answer outside allowed values, keeping raw value",
		"column_id", column.ID, "answer", answer)
	return answer
}

// clampConfidence bounds a confidence score to [0, 1].
func clampConfidence(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
