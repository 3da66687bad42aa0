package exprs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateArithmetic(t *testing.T) {
	tests := []struct {
		name string
		expr string
		ns   map[string]any
		want any
	}{
		{"addition", "x + 1", map[string]any{"x": 2}, 3},
		{"comparison", "x >= 3", map[string]any{"x": 3}, true},
		{"conditional", "x > 0 ? 'pos' : 'neg'", map[string]any{"x": -1}, "neg"},
		{"boolean", "a and not b", map[string]any{"a": true, "b": false}, true},
		{"string concat", "name + '!'", map[string]any{"name": "unit"}, "unit!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, tt.ns, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeFunctions(t *testing.T) {
	ns := map[string]any{
		"text":   "hello",
		"values": []any{3, 1, 2},
		"flags":  []any{true, true},
		"empty":  []any{},
	}
	tests := []struct {
		name string
		expr string
		want any
	}{
		{"len string", "len(text)", 5},
		{"len list", "len(values)", 3},
		{"sum ints stays int", "sum(values)", 6},
		{"min", "min(values)", 1},
		{"max variadic", "max(1, 9, 4)", 9},
		{"abs", "abs(-4)", 4},
		{"round", "round(2.6)", 3},
		{"round digits", "round(1.25, 1)", 1.3},
		{"all truthy", "all(flags)", true},
		{"any empty", "any(empty)", false},
		{"sorted", "sorted(values)", []any{1, 2, 3}},
		{"sqrt", "sqrt(9.0)", 3.0},
		{"exp zero", "exp(0.0)", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, ns, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSumPromotesToFloat(t *testing.T) {
	got, err := Evaluate("sum(values)", map[string]any{"values": []any{1, 2.5}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.5, got)
}

func TestEvaluateRuntimeError(t *testing.T) {
	_, err := Evaluate("len(42)", map[string]any{}, nil)
	assert.Error(t, err)

	_, err = Evaluate("sqrt(-1.0)", map[string]any{}, nil)
	assert.Error(t, err)
}

func TestCheckSyntax(t *testing.T) {
	assert.NoError(t, Check("x + 1"))
	assert.NoError(t, Check("len(text) > 0 and score <= 10"))
	assert.Error(t, Check("x +"))
	assert.Error(t, Check("((x)"))
}

func TestSeededRandomDeterministic(t *testing.T) {
	a := NewSeededRandom(42)
	b := NewSeededRandom(42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Random(), b.Random())
	}

	c := NewSeededRandom(7)
	assert.NotEqual(t, NewSeededRandom(42).Random(), c.Random())
}

func TestRandomNamespace(t *testing.T) {
	rng := NewSeededRandom(42)
	got, err := Evaluate("random.randint(1, 6)", map[string]any{}, rng)
	require.NoError(t, err)
	n, ok := got.(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 6)

	// Same seed, same draw sequence.
	rng2 := NewSeededRandom(42)
	got2, err := Evaluate("random.randint(1, 6)", map[string]any{}, rng2)
	require.NoError(t, err)
	assert.Equal(t, got, got2)
}

func TestRandomChoice(t *testing.T) {
	rng := NewSeededRandom(1)
	got, err := Evaluate("random.choice(options)", map[string]any{"options": []any{"a", "b", "c"}}, rng)
	require.NoError(t, err)
	assert.Contains(t, []any{"a", "b", "c"}, got)
}

func TestEvaluateSequenceBindsInOrder(t *testing.T) {
	ns := map[string]any{"base": 10}
	entries := []Entry{
		{Name: "doubled", Expr: "base * 2"},
		{Name: "tripled", Expr: "doubled + base"},
	}
	require.NoError(t, EvaluateSequence(entries, ns, nil))
	assert.Equal(t, 20, ns["doubled"])
	assert.Equal(t, 30, ns["tripled"])
}

func TestEvaluateSequenceStopsOnError(t *testing.T) {
	ns := map[string]any{}
	entries := []Entry{
		{Name: "ok", Expr: "1 + 1"},
		{Name: "bad", Expr: "len(2)"},
		{Name: "never", Expr: "ok + 1"},
	}
	err := EvaluateSequence(entries, ns, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
	assert.Equal(t, 2, ns["ok"])
	assert.NotContains(t, ns, "never")
}

func TestRunLoopCountsToCondition(t *testing.T) {
	ns := map[string]any{}
	spec := LoopSpec{
		Init:          []Entry{{Name: "x", Expr: "0"}},
		Body:          []Entry{{Name: "x", Expr: "x + 1"}},
		Until:         "x >= 3",
		MaxIterations: 10,
	}
	iterations, err := RunLoop(spec, ns, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, iterations)
	assert.Equal(t, 3, ns["x"])
}

func TestRunLoopHonoursCap(t *testing.T) {
	ns := map[string]any{}
	spec := LoopSpec{
		Init:          []Entry{{Name: "x", Expr: "0"}},
		Body:          []Entry{{Name: "x", Expr: "x + 1"}},
		Until:         "x >= 1000",
		MaxIterations: 5,
	}
	iterations, err := RunLoop(spec, ns, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, iterations)
	assert.Equal(t, 5, ns["x"])
}

func TestRunLoopSinglePassWithoutCondition(t *testing.T) {
	ns := map[string]any{"y": 1}
	spec := LoopSpec{Body: []Entry{{Name: "y", Expr: "y * 10"}}}
	iterations, err := RunLoop(spec, ns, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, iterations)
	assert.Equal(t, 10, ns["y"])
}
