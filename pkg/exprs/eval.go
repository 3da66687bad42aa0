package exprs

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Entry is one named expression. Blocks preserve config declaration order,
// which drives the sequential namespace rule.
type Entry struct {
	Name string
	Expr string
}

// builtin names shadowed by the safe function set so that every expression
// sees the same semantics regardless of the underlying VM version.
var shadowedBuiltins = []string{"len", "abs", "min", "max", "sum", "all", "any", "round"}

func compileOptions() []expr.Option {
	opts := make([]expr.Option, 0, len(shadowedBuiltins)+1)
	for _, name := range shadowedBuiltins {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	opts = append(opts, expr.AllowUndefinedVariables())
	return opts
}

// Check compiles an expression without running it. Used by config
// pre-flight so syntax errors surface before a run starts.
func Check(expression string) error {
	if _, err := expr.Compile(expression, compileOptions()...); err != nil {
		return fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	return nil
}

// buildEnv layers the namespace over the safe function set and the seeded
// random namespace. Namespace entries win over functions of the same name.
func buildEnv(namespace map[string]any, rng *SeededRandom) map[string]any {
	env := make(map[string]any, len(namespace)+16)
	for name, fn := range safeFunctions() {
		env[name] = fn
	}
	if rng != nil {
		env["random"] = rng.namespace()
	}
	for name, value := range namespace {
		env[name] = value
	}
	return env
}

// Evaluate runs a single expression against the namespace. Identifiers
// resolve to namespace values; the fixed safe-function set and the seeded
// `random` namespace are always available. There is no attribute access to
// host objects, no imports, and no I/O.
func Evaluate(expression string, namespace map[string]any, rng *SeededRandom) (any, error) {
	program, err := expr.Compile(expression, compileOptions()...)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	return run(program, expression, namespace, rng)
}

// EvaluateBool evaluates an expression and coerces the result to
// truthiness.
func EvaluateBool(expression string, namespace map[string]any, rng *SeededRandom) (bool, error) {
	result, err := Evaluate(expression, namespace, rng)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// EvaluateSequence evaluates entries in declared order, binding each result
// back into the namespace under its name so later entries can reference it.
// The namespace is mutated in place. On error the already-bound prefix
// remains.
func EvaluateSequence(entries []Entry, namespace map[string]any, rng *SeededRandom) error {
	for _, entry := range entries {
		result, err := Evaluate(entry.Expr, namespace, rng)
		if err != nil {
			return fmt.Errorf("expression %q: %w", entry.Name, err)
		}
		namespace[entry.Name] = result
	}
	return nil
}

func run(program *vm.Program, expression string, namespace map[string]any, rng *SeededRandom) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluate %q: %v", expression, r)
		}
	}()
	result, err = expr.Run(program, buildEnv(namespace, rng))
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return result, nil
}
