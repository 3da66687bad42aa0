// Package validator decides whether a parsed LLM response is acceptable:
// a schema check (required fields, types, numeric ranges) followed by rule
// evaluation over the record's fields. Failures are categorised into the
// stages that drive retry policy.
package validator

import (
	"fmt"
	"math"

	"github.com/chunkflow/chunkflow/pkg/exprs"
)

// Failure stages. Stages schema_validation, validation and parse are
// retry-eligible; api and other hard-fail the unit.
const (
	StageSchema     = "schema_validation"
	StageValidation = "validation"
	StageParse      = "parse"
	StageAPI        = "api"
	StageOther      = "other"
)

// RetryableStage reports whether a failure stage is eligible for a
// validation retry.
func RetryableStage(stage string) bool {
	return stage == StageSchema || stage == StageValidation || stage == StageParse
}

// FieldSpec types a single schema field, with an optional inclusive range
// for numeric types.
type FieldSpec struct {
	Type string   `json:"type" yaml:"type"`
	Min  *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max  *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Schema is a step's output contract.
type Schema struct {
	Required []string             `json:"required" yaml:"required"`
	Fields   map[string]FieldSpec `json:"fields" yaml:"fields"`
}

// Rule is one validation rule. Expr must evaluate truthy for the record to
// pass; When, if set, gates whether the rule applies at all.
type Rule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	When    string `yaml:"when,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// Error is one structured validation error.
type Error struct {
	Path    string `json:"path,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Expr    string `json:"expr,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of validating one record.
type Result struct {
	OK     bool
	Stage  string
	Errors []Error
}

// Validate runs the schema check and then the rules. The first failing
// phase determines the stage: schema errors short-circuit rule evaluation
// so that rules never see malformed records.
func Validate(record map[string]any, schema *Schema, rules []Rule, rng *exprs.SeededRandom) Result {
	if record == nil {
		return Result{Stage: StageParse, Errors: []Error{{Message: "response could not be parsed as JSON"}}}
	}

	if schema != nil {
		if errs := checkSchema(record, schema); len(errs) > 0 {
			return Result{Stage: StageSchema, Errors: errs}
		}
	}

	if errs := checkRules(record, rules, rng); len(errs) > 0 {
		return Result{Stage: StageValidation, Errors: errs}
	}

	return Result{OK: true}
}

func checkSchema(record map[string]any, schema *Schema) []Error {
	var errs []Error
	for _, field := range schema.Required {
		if _, present := record[field]; !present {
			errs = append(errs, Error{Path: field, Message: fmt.Sprintf("required field %q is missing", field)})
		}
	}
	for field, spec := range schema.Fields {
		value, present := record[field]
		if !present {
			continue
		}
		if spec.Type != "" && !matchesType(value, spec.Type) {
			errs = append(errs, Error{
				Path:    field,
				Message: fmt.Sprintf("field %q has type %s, expected %s", field, typeName(value), spec.Type),
			})
			continue
		}
		if spec.Min != nil || spec.Max != nil {
			n, numeric := asFloat(value)
			if !numeric {
				continue
			}
			if spec.Min != nil && n < *spec.Min {
				errs = append(errs, Error{Path: field, Message: fmt.Sprintf("field %q value %v below minimum %v", field, value, *spec.Min)})
			}
			if spec.Max != nil && n > *spec.Max {
				errs = append(errs, Error{Path: field, Message: fmt.Sprintf("field %q value %v above maximum %v", field, value, *spec.Max)})
			}
		}
	}
	return errs
}

func checkRules(record map[string]any, rules []Rule, rng *exprs.SeededRandom) []Error {
	var errs []Error
	for _, rule := range rules {
		if rule.When != "" {
			applies, err := exprs.EvaluateBool(rule.When, record, rng)
			if err != nil {
				errs = append(errs, Error{Rule: rule.Name, Expr: rule.When, Message: fmt.Sprintf("when clause error: %v", err)})
				continue
			}
			if !applies {
				continue
			}
		}
		passed, err := exprs.EvaluateBool(rule.Expr, record, rng)
		if err != nil {
			errs = append(errs, Error{Rule: rule.Name, Expr: rule.Expr, Message: fmt.Sprintf("rule error: %v", err)})
			continue
		}
		if !passed {
			message := rule.Message
			if message == "" {
				message = fmt.Sprintf("rule %q failed", rule.Name)
			}
			errs = append(errs, Error{Rule: rule.Name, Expr: rule.Expr, Message: message})
		}
	}
	return errs
}

// matchesType checks a decoded JSON value against a declared schema type.
// JSON numbers decode as float64; "integer" additionally requires a whole
// value.
func matchesType(value any, declared string) bool {
	switch declared {
	case "integer":
		switch n := value.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case "number":
		switch value.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		// Unknown declared types pass; config pre-flight rejects them.
		return true
	}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int64:
		return "integer"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// ValidTypes is the set of declared types the schema pre-flight accepts.
var ValidTypes = []string{"integer", "number", "string", "boolean", "array", "object"}

// KnownType reports whether a declared type name is valid.
func KnownType(name string) bool {
	for _, t := range ValidTypes {
		if t == name {
			return true
		}
	}
	return false
}
