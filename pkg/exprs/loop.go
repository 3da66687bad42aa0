package exprs

import "fmt"

// LoopSpec describes an expression step's iteration structure.
type LoopSpec struct {
	// Init runs once, in order, before the first iteration.
	Init []Entry
	// Body runs once per iteration, in order.
	Body []Entry
	// Until is evaluated after each body pass; a truthy result ends the
	// loop. Empty means a single pass.
	Until string
	// MaxIterations caps the loop. Zero or negative falls back to
	// DefaultMaxIterations.
	MaxIterations int
}

// DefaultMaxIterations bounds loops whose config omits a cap.
const DefaultMaxIterations = 100

// RunLoop executes init once and then the body until the loop condition is
// truthy or the iteration cap is reached. Returns the number of body passes
// executed. The namespace is mutated in place.
func RunLoop(spec LoopSpec, namespace map[string]any, rng *SeededRandom) (int, error) {
	if err := EvaluateSequence(spec.Init, namespace, rng); err != nil {
		return 0, fmt.Errorf("init block: %w", err)
	}
	maxIter := spec.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	iterations := 0
	for iterations < maxIter {
		if err := EvaluateSequence(spec.Body, namespace, rng); err != nil {
			return iterations, err
		}
		iterations++
		if spec.Until == "" {
			break
		}
		done, err := EvaluateBool(spec.Until, namespace, rng)
		if err != nil {
			return iterations, fmt.Errorf("loop_until: %w", err)
		}
		if done {
			break
		}
	}
	return iterations, nil
}
