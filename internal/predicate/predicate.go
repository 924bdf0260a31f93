// Package predicate implements kernel.PredicateEvaluator with CEL
// (Common Expression Language): a branch condition whose bound value is
// a string, rather than a plain boolean, is compiled and evaluated as a
// CEL expression over the other variables visible in the same context.
//
// Grounded on the teacher's cmd/workflow-runner/condition/evaluator.go
// (compile-and-cache-by-expression Evaluator over google/cel-go),
// adapted from its flat output/ctx map variables to this engine's
// binding-by-ValueID store: a condition expression names its operands
// as v<id> (e.g. "v3 > v1 + 10"), and the evaluator resolves exactly
// the v<id> references an expression makes before compiling it, rather
// than the teacher's fixed {output, ctx} pair.
package predicate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/flowengine/internal/store"
)

var varRef = regexp.MustCompile(`\bv(\d+)\b`)

// program is a compiled expression plus the first-seen, de-duplicated list
// of v<id> variable names its environment declared, so Evaluate can
// fetch exactly those bindings on every call without re-parsing expr.
type program struct {
	prg  cel.Program
	vars []string
	ids  []int
}

// Evaluator implements kernel.PredicateEvaluator against an
// internal/store.Store, caching compiled programs by expression text.
type Evaluator struct {
	st store.Store

	mu    sync.RWMutex
	cache map[string]*program
}

func New(st store.Store) *Evaluator {
	return &Evaluator{st: st, cache: make(map[string]*program)}
}

// Evaluate compiles (or reuses) expr as a CEL boolean expression,
// resolves its v<id> operands from ctxID, and evaluates it.
func (e *Evaluator) Evaluate(goCtx context.Context, runID string, ctxID store.ContextID, expr string) (bool, error) {
	p, err := e.programFor(expr)
	if err != nil {
		return false, err
	}

	vars := make(map[string]any, len(p.vars))
	if len(p.ids) > 0 {
		vals, err := e.st.GetMany(goCtx, runID, ctxID, p.ids)
		if err != nil {
			return false, fmt.Errorf("predicate: resolve operands of %q: %w", expr, err)
		}
		for i, name := range p.vars {
			native, err := vals[i].Native()
			if err != nil {
				return false, fmt.Errorf("predicate: operand %s: %w", name, err)
			}
			vars[name] = native
		}
	}

	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("predicate: evaluate %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate: %q did not evaluate to a bool (got %T)", expr, out.Value())
	}
	return b, nil
}

func (e *Evaluator) programFor(expr string) (*program, error) {
	e.mu.RLock()
	p, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = p
	e.mu.Unlock()
	return p, nil
}

func compile(expr string) (*program, error) {
	names := operandNames(expr)
	opts := make([]cel.EnvOption, 0, len(names))
	ids := make([]int, 0, len(names))
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DynType))
		id, _ := strconv.Atoi(name[1:])
		ids = append(ids, id)
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("predicate: build CEL env for %q: %w", expr, err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("predicate: compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("predicate: build program for %q: %w", expr, err)
	}
	return &program{prg: prg, vars: names, ids: ids}, nil
}

// operandNames returns the distinct v<id> identifiers expr references,
// in first-seen order, so repeated compiles produce a stable variable
// list (and so GetMany's result slice lines up with p.vars positionally).
func operandNames(expr string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range varRef.FindAllString(expr, -1) {
		if !seen[m] {
			seen[m] = true
			names = append(names, m)
		}
	}
	return names
}
