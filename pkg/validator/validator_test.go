package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestValidateNilRecordIsParseFailure(t *testing.T) {
	result := Validate(nil, nil, nil, nil)
	assert.False(t, result.OK)
	assert.Equal(t, StageParse, result.Stage)
}

func TestSchemaRequiredFields(t *testing.T) {
	schema := &Schema{Required: []string{"text", "score"}}
	result := Validate(map[string]any{"text": "hi"}, schema, nil, nil)
	require.False(t, result.OK)
	assert.Equal(t, StageSchema, result.Stage)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "score", result.Errors[0].Path)
}

func TestSchemaTypeChecks(t *testing.T) {
	schema := &Schema{Fields: map[string]FieldSpec{
		"score":  {Type: "integer"},
		"text":   {Type: "string"},
		"tags":   {Type: "array"},
		"extra":  {Type: "object"},
		"active": {Type: "boolean"},
	}}

	tests := []struct {
		name   string
		record map[string]any
		ok     bool
	}{
		{"all valid", map[string]any{"score": float64(4), "text": "x", "tags": []any{}, "extra": map[string]any{}, "active": true}, true},
		{"whole float is integer", map[string]any{"score": float64(3)}, true},
		{"fractional float is not integer", map[string]any{"score": 3.5}, false},
		{"string for integer", map[string]any{"score": "4"}, false},
		{"number for string", map[string]any{"text": float64(1)}, false},
		{"absent optional fields pass", map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.record, schema, nil, nil)
			assert.Equal(t, tt.ok, result.OK)
			if !tt.ok {
				assert.Equal(t, StageSchema, result.Stage)
			}
		})
	}
}

func TestSchemaNumericRanges(t *testing.T) {
	schema := &Schema{Fields: map[string]FieldSpec{
		"score": {Type: "number", Min: floatPtr(1), Max: floatPtr(10)},
	}}

	assert.True(t, Validate(map[string]any{"score": float64(5)}, schema, nil, nil).OK)
	assert.True(t, Validate(map[string]any{"score": float64(1)}, schema, nil, nil).OK)
	assert.True(t, Validate(map[string]any{"score": float64(10)}, schema, nil, nil).OK)
	assert.False(t, Validate(map[string]any{"score": float64(0)}, schema, nil, nil).OK)
	assert.False(t, Validate(map[string]any{"score": float64(11)}, schema, nil, nil).OK)
}

func TestRules(t *testing.T) {
	rules := []Rule{
		{Name: "nonempty", Expr: "len(text) > 0", Message: "text must not be empty"},
	}

	result := Validate(map[string]any{"text": "hello"}, nil, rules, nil)
	assert.True(t, result.OK)

	result = Validate(map[string]any{"text": ""}, nil, rules, nil)
	require.False(t, result.OK)
	assert.Equal(t, StageValidation, result.Stage)
	assert.Equal(t, "nonempty", result.Errors[0].Rule)
	assert.Equal(t, "text must not be empty", result.Errors[0].Message)
}

func TestRuleWhenGate(t *testing.T) {
	rules := []Rule{
		{Name: "scored high", Expr: "score >= 8", When: "category == 'strict'"},
	}

	// Gate closed: the rule never fires.
	result := Validate(map[string]any{"category": "lenient", "score": 1}, nil, rules, nil)
	assert.True(t, result.OK)

	// Gate open: the rule applies.
	result = Validate(map[string]any{"category": "strict", "score": 1}, nil, rules, nil)
	assert.False(t, result.OK)
}

func TestRuleErrorIsValidationFailure(t *testing.T) {
	rules := []Rule{{Name: "broken", Expr: "len(missing_field) > 0"}}
	result := Validate(map[string]any{"text": "x"}, nil, rules, nil)
	require.False(t, result.OK)
	assert.Equal(t, StageValidation, result.Stage)
	assert.Contains(t, result.Errors[0].Message, "rule error")
}

func TestSchemaFailureShortCircuitsRules(t *testing.T) {
	schema := &Schema{Required: []string{"text"}}
	rules := []Rule{{Name: "nonempty", Expr: "len(text) > 0"}}
	result := Validate(map[string]any{}, schema, rules, nil)
	assert.Equal(t, StageSchema, result.Stage)
}

func TestRetryableStage(t *testing.T) {
	assert.True(t, RetryableStage(StageSchema))
	assert.True(t, RetryableStage(StageValidation))
	assert.True(t, RetryableStage(StageParse))
	assert.False(t, RetryableStage(StageAPI))
	assert.False(t, RetryableStage(StageOther))
}
