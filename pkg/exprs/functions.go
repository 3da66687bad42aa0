package exprs

import (
	"fmt"
	"math"
	"sort"
)

// safeFunctions is the fixed set of callables available to every
// expression, mirroring a dynamic language's numeric tower: integer inputs
// keep integer results where the operation allows it, any float input
// promotes the result to float.
func safeFunctions() map[string]any {
	return map[string]any{
		"len":    fnLen,
		"sum":    fnSum,
		"min":    fnMin,
		"max":    fnMax,
		"abs":    fnAbs,
		"round":  fnRound,
		"all":    fnAll,
		"any":    fnAny,
		"sorted": fnSorted,
		"sqrt": func(x float64) (float64, error) {
			if x < 0 {
				return 0, fmt.Errorf("sqrt: negative argument %v", x)
			}
			return math.Sqrt(x), nil
		},
		"log": func(x float64) (float64, error) {
			if x <= 0 {
				return 0, fmt.Errorf("log: non-positive argument %v", x)
			}
			return math.Log(x), nil
		},
		"log10": func(x float64) (float64, error) {
			if x <= 0 {
				return 0, fmt.Errorf("log10: non-positive argument %v", x)
			}
			return math.Log10(x), nil
		},
		"exp": func(x float64) float64 { return math.Exp(x) },
	}
}

func fnLen(v any) (int, error) {
	switch x := v.(type) {
	case string:
		return len([]rune(x)), nil
	case []any:
		return len(x), nil
	case map[string]any:
		return len(x), nil
	case nil:
		return 0, fmt.Errorf("len: nil has no length")
	default:
		return 0, fmt.Errorf("len: unsupported type %T", v)
	}
}

func fnSum(v any) (any, error) {
	items, err := toSlice(v)
	if err != nil {
		return nil, fmt.Errorf("sum: %w", err)
	}
	intTotal := int64(0)
	floatTotal := 0.0
	isFloat := false
	for _, item := range items {
		switch n := item.(type) {
		case int:
			intTotal += int64(n)
			floatTotal += float64(n)
		case int64:
			intTotal += n
			floatTotal += float64(n)
		case float64:
			isFloat = true
			floatTotal += n
		default:
			return nil, fmt.Errorf("sum: non-numeric element %T", item)
		}
	}
	if isFloat {
		return floatTotal, nil
	}
	return int(intTotal), nil
}

func fnMin(args ...any) (any, error) { return extreme("min", args, func(cmp int) bool { return cmp < 0 }) }

func fnMax(args ...any) (any, error) { return extreme("max", args, func(cmp int) bool { return cmp > 0 }) }

func extreme(name string, args []any, better func(int) bool) (any, error) {
	items := args
	if len(args) == 1 {
		var err error
		items, err = toSlice(args[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: empty sequence", name)
	}
	best := items[0]
	for _, item := range items[1:] {
		cmp, err := compareValues(item, best)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if better(cmp) {
			best = item
		}
	}
	return best, nil
}

func fnAbs(v any) (any, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return -n, nil
		}
		return n, nil
	case int64:
		if n < 0 {
			return -n, nil
		}
		return n, nil
	case float64:
		return math.Abs(n), nil
	default:
		return nil, fmt.Errorf("abs: non-numeric argument %T", v)
	}
}

// fnRound rounds half away from zero; with a second argument it rounds to
// that many decimal places.
func fnRound(args ...any) (any, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("round: expected 1 or 2 arguments, got %d", len(args))
	}
	x, err := toFloat(args[0])
	if err != nil {
		return nil, fmt.Errorf("round: %w", err)
	}
	if len(args) == 1 {
		return int(math.Round(x)), nil
	}
	digits, err := toInt(args[1])
	if err != nil {
		return nil, fmt.Errorf("round: %w", err)
	}
	scale := math.Pow(10, float64(digits))
	return math.Round(x*scale) / scale, nil
}

func fnAll(v any) (bool, error) {
	items, err := toSlice(v)
	if err != nil {
		return false, fmt.Errorf("all: %w", err)
	}
	for _, item := range items {
		if !truthy(item) {
			return false, nil
		}
	}
	return true, nil
}

func fnAny(v any) (bool, error) {
	items, err := toSlice(v)
	if err != nil {
		return false, fmt.Errorf("any: %w", err)
	}
	for _, item := range items {
		if truthy(item) {
			return true, nil
		}
	}
	return false, nil
}

func fnSorted(v any) ([]any, error) {
	items, err := toSlice(v)
	if err != nil {
		return nil, fmt.Errorf("sorted: %w", err)
	}
	out := make([]any, len(items))
	copy(out, items)
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		cmp, err := compareValues(out[i], out[j])
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return cmp < 0
	})
	if sortErr != nil {
		return nil, fmt.Errorf("sorted: %w", sortErr)
	}
	return out, nil
}

// toSlice accepts []any or typed numeric/string slices from decoded JSON.
func toSlice(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, nil
	case []float64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a sequence, got %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

// truthy follows dynamic-language truthiness: zero, empty, and nil are
// false, everything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// compareValues orders two primitives of compatible type. Numbers compare
// numerically across int/float; strings lexically; booleans false<true.
func compareValues(a, b any) (int, error) {
	af, aerr := toFloat(a)
	bf, berr := toFloat(b)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, nil
		case as > bs:
			return 1, nil
		default:
			return 0, nil
		}
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0, nil
		case bb:
			return -1, nil
		default:
			return 1, nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}
