package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadfoundry/enrich/pkg/models"
)

func columnOf(responseType models.ResponseType, allowed ...string) *models.Column {
	column := &models.Column{ID: "col-1", ResponseType: responseType}
	if len(allowed) > 0 {
		column.ResponseConfig = &models.ResponseConfig{AllowedValues: allowed}
	}
	return column
}

func TestApplyValue_String(t *testing.T) {
	value := &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, columnOf(models.ResponseTypeString), "enterprise SaaS", false))
	require.NotNil(t, value.ValueString)
	assert.Equal(t, "enterprise SaaS", *value.ValueString)

	// Non-string answers are serialized rather than rejected.
	value = &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, columnOf(models.ResponseTypeString), map[string]any{"a": 1}, false))
	assert.JSONEq(t, `{"a":1}`, *value.ValueString)
}

func TestApplyValue_JSONObject(t *testing.T) {
	value := &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, columnOf(models.ResponseTypeJSONObject),
		map[string]any{"tier": "mid"}, false))
	assert.Equal(t, map[string]any{"tier": "mid"}, value.ValueJSON)

	// Fenced JSON strings are repaired.
	value = &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, columnOf(models.ResponseTypeJSONObject),
		"```json\n{\"tier\": \"mid\"}\n```", false))
	assert.Equal(t, map[string]any{"tier": "mid"}, value.ValueJSON)

	err := applyValue(&models.CustomColumnValue{}, columnOf(models.ResponseTypeJSONObject), "not json at all", false)
	assert.Error(t, err)
}

func TestApplyValue_Boolean(t *testing.T) {
	cases := []struct {
		raw  any
		want bool
	}{
		{true, true},
		{false, false},
		{"yes", true},
		{"No", false},
		{"1", true},
		{"0", false},
		{float64(2), true},
		{float64(0), false},
	}
	for _, tc := range cases {
		value := &models.CustomColumnValue{}
		require.NoError(t, applyValue(value, columnOf(models.ResponseTypeBoolean), tc.raw, false), "raw=%v", tc.raw)
		require.NotNil(t, value.ValueBoolean)
		assert.Equal(t, tc.want, *value.ValueBoolean, "raw=%v", tc.raw)
	}

	err := applyValue(&models.CustomColumnValue{}, columnOf(models.ResponseTypeBoolean), "maybe", false)
	assert.Error(t, err)
}

func TestApplyValue_Number(t *testing.T) {
	value := &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, columnOf(models.ResponseTypeNumber), float64(42.5), false))
	assert.Equal(t, 42.5, *value.ValueNumber)

	value = &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, columnOf(models.ResponseTypeNumber), " 1200 ", false))
	assert.Equal(t, float64(1200), *value.ValueNumber)

	err := applyValue(&models.CustomColumnValue{}, columnOf(models.ResponseTypeNumber), "a few hundred", false)
	assert.Error(t, err)
}

func TestApplyValue_Enum(t *testing.T) {
	column := columnOf(models.ResponseTypeEnum, "Low", "Medium", "High")

	// Case-insensitive match returns the canonical casing.
	value := &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, column, "medium", false))
	assert.Equal(t, "Medium", *value.ValueEnum)

	// Structured mode keeps an unmatched raw value.
	value = &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, column, "Critical", false))
	assert.Equal(t, "Critical", *value.ValueEnum)

	// Unstructured mode falls back to the first allowed value.
	value = &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, column, "Critical", true))
	assert.Equal(t, "Low", *value.ValueEnum)

	// No allowed values declared: pass through.
	value = &models.CustomColumnValue{}
	require.NoError(t, applyValue(value, columnOf(models.ResponseTypeEnum), "anything", false))
	assert.Equal(t, "anything", *value.ValueEnum)
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, clampConfidence(-3))
	assert.Equal(t, 0.42, clampConfidence(0.42))
	assert.Equal(t, 1.0, clampConfidence(7))
}

func TestParseUnstructured(t *testing.T) {
	text := `Acme targets mid-market logistics companies.

Rationale: Their case studies all feature 200-1000 employee shippers.
Sources: https://acme.example/customers, https://news.example/acme-funding

I state this with high confidence.`

	answer := parseUnstructured(text)
	assert.Equal(t, "Acme targets mid-market logistics companies.", answer.Value)
	assert.Equal(t, "Their case studies all feature 200-1000 employee shippers.", answer.Rationale)
	assert.Equal(t, []string{"https://acme.example/customers", "https://news.example/acme-funding"}, answer.Sources)
	assert.Equal(t, 0.9, answer.Confidence)
}

func TestParseUnstructured_Defaults(t *testing.T) {
	answer := parseUnstructured("Just a bare answer with no sections.")
	assert.Equal(t, "Just a bare answer with no sections.", answer.Value)
	assert.Empty(t, answer.Rationale)
	assert.Empty(t, answer.Sources)
	assert.Equal(t, 0.5, answer.Confidence)
}

func TestParseUnstructured_ConfidenceCues(t *testing.T) {
	assert.Equal(t, 0.6, parseUnstructured("Medium confidence: the data is a year old.").Confidence)
	assert.Equal(t, 0.3, parseUnstructured("Only low confidence here.").Confidence)
}
