// Package tasks implements the handful of native sample tasks
// cmd/exampleworker registers and executes locally (add, range,
// less_than) so the scenario tests of §8 have real queue plumbing to
// run against. Real task execution lives in external worker processes
// speaking the §6 protocol; this package is that external process's
// task body, not part of the core.
package tasks

import (
	"fmt"

	"github.com/lyzr/flowengine/internal/value"
)

// Func is the shape every sample task implements: positional inputs
// in, one packed output value out.
type Func func(inputs []value.Value) (value.Value, error)

// Registry maps a task_id to its local implementation.
var Registry = map[string]Func{
	"add":       Add,
	"less_than": LessThan,
	"range":     Range,
}

// Add implements the 2-input/1-output task used by scenario S1.
func Add(inputs []value.Value) (value.Value, error) {
	a, b, err := twoInts(inputs)
	if err != nil {
		return value.Value{}, fmt.Errorf("add: %w", err)
	}
	return value.Int(a + b), nil
}

// LessThan implements the predicate S2's Fibonacci loop branches on.
func LessThan(inputs []value.Value) (value.Value, error) {
	a, b, err := twoInts(inputs)
	if err != nil {
		return value.Value{}, fmt.Errorf("less_than: %w", err)
	}
	return value.Bool(a < b), nil
}

// Range implements the stream generator of scenario S3: given [start,
// end), returns the array of intermediate integers for the kernel to
// fan out over.
func Range(inputs []value.Value) (value.Value, error) {
	start, end, err := twoInts(inputs)
	if err != nil {
		return value.Value{}, fmt.Errorf("range: %w", err)
	}
	if end < start {
		return value.Value{}, fmt.Errorf("range: end %d before start %d", end, start)
	}
	out := make([]value.Value, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, value.Int(i))
	}
	return value.Array(out), nil
}

func twoInts(inputs []value.Value) (int32, int32, error) {
	if len(inputs) != 2 {
		return 0, 0, fmt.Errorf("expected 2 inputs, got %d", len(inputs))
	}
	a, ok := inputs[0].AsInt()
	if !ok {
		return 0, 0, fmt.Errorf("input 0 is not an int")
	}
	b, ok := inputs[1].AsInt()
	if !ok {
		return 0, 0, fmt.Errorf("input 1 is not an int")
	}
	return a, b, nil
}
