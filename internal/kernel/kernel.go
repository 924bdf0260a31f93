// Package kernel implements the SSA kernel (C5): it advances a
// context through literals, φ-resolution, a call, and a terminator,
// producing a Plan for the coordinator to act on.
package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/lyzr/flowengine/internal/ir"
	"github.com/lyzr/flowengine/internal/store"
	"github.com/lyzr/flowengine/internal/value"
)

var (
	ErrPhiWithoutPredecessor = errors.New("kernel: phi op reached with no predecessor")
	ErrPhiMissingEdge        = errors.New("kernel: phi has no source for the given predecessor")
	ErrMalformedIR           = errors.New("kernel: malformed ir")
)

// PlanKind discriminates the two Plan variants the kernel can produce.
type PlanKind uint8

const (
	PlanDispatch PlanKind = iota
	PlanReturn
)

// CallSpec is the resolved call the coordinator must dispatch.
type CallSpec struct {
	TaskID  string
	Inputs  []ir.ValueID
	Outputs []ir.ValueID
}

// Plan is the kernel's advance() result: either a dispatch request or
// a terminal return.
type Plan struct {
	Kind PlanKind

	// PlanDispatch
	OpID ir.OpID
	Call CallSpec

	// PlanReturn
	ReturnVar *ir.ValueID

	CtxID store.ContextID
}

// Kernel drives workflows through the §4.5 algorithm against a Store.
type Kernel struct {
	codec      value.Codec
	predicates PredicateEvaluator // optional CEL extension, may be nil
}

// PredicateEvaluator is the optional domain-stack extension (grounded
// in the teacher's condition.Evaluator) allowing a branch condition to
// be computed by a cached CEL program over the context's bindings,
// instead of only reading a plain boolean literal. Nil disables the
// extension; kernel.New without this option is a fully spec-literal
// kernel.
type PredicateEvaluator interface {
	// Evaluate returns the truthiness of a named predicate expression
	// given the bound values visible from ctx.
	Evaluate(goCtx context.Context, runID string, ctxID store.ContextID, expr string) (bool, error)
}

type Option func(*Kernel)

func WithPredicateEvaluator(p PredicateEvaluator) Option {
	return func(k *Kernel) { k.predicates = p }
}

func New(opts ...Option) *Kernel {
	k := &Kernel{}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// AdvanceState is the mutable loop state threaded through Advance's
// literal/phi/terminator steps.
type AdvanceState struct {
	RunID   string
	Ctx     store.ContextID
	Op      ir.OpID
	PredOp  *ir.OpID
}

// Advance implements §4.5's algorithm: apply literals, resolve φs
// (requiring a predecessor op), dispatch on a non-empty call, or
// follow the terminator.
func (k *Kernel) Advance(goCtx context.Context, wf *ir.Workflow, st store.Store, state AdvanceState) (Plan, error) {
	op := state.Op
	pred := state.PredOp
	ctx := state.Ctx

	for {
		operation, err := wf.Op(op)
		if err != nil {
			return Plan{}, err
		}

		for _, lit := range operation.Literals {
			v, perr := k.codec.Parse(lit.Value)
			if perr != nil {
				return Plan{}, fmt.Errorf("kernel: op %d literal %d: %w", op, lit.Output, perr)
			}
			ctx, err = st.Bind(goCtx, state.RunID, ctx, int(lit.Output), v)
			if err != nil {
				return Plan{}, fmt.Errorf("kernel: op %d bind literal %d: %w", op, lit.Output, err)
			}
		}

		if len(operation.Phis) > 0 {
			if pred == nil {
				return Plan{}, fmt.Errorf("op %d: %w", op, ErrPhiWithoutPredecessor)
			}
			for _, phi := range operation.Phis {
				var source *ir.ValueID
				for _, s := range phi.Sources {
					if s.PredOpID == *pred {
						src := s.Source
						source = &src
						break
					}
				}
				if source == nil {
					return Plan{}, fmt.Errorf("op %d phi %d: %w", op, phi.Output, ErrPhiMissingEdge)
				}
				v, gerr := st.Get(goCtx, state.RunID, ctx, int(*source))
				if gerr != nil {
					return Plan{}, fmt.Errorf("kernel: op %d phi %d lookup: %w", op, phi.Output, gerr)
				}
				ctx, err = st.Bind(goCtx, state.RunID, ctx, int(phi.Output), v)
				if err != nil {
					return Plan{}, fmt.Errorf("kernel: op %d bind phi %d: %w", op, phi.Output, err)
				}
			}
		}

		if operation.Call != nil {
			return Plan{
				Kind: PlanDispatch,
				OpID: op,
				Call: CallSpec{
					TaskID:  operation.Call.TaskID,
					Inputs:  operation.Call.Inputs,
					Outputs: operation.Call.Outputs,
				},
				CtxID: ctx,
			}, nil
		}

		switch operation.Next.Kind {
		case ir.NextJump:
			p := op
			pred = &p
			op = operation.Next.Target
		case ir.NextBranch:
			truthy, berr := k.resolveBranch(goCtx, st, state.RunID, ctx, operation.Next.Cond)
			if berr != nil {
				return Plan{}, fmt.Errorf("kernel: op %d branch: %w", op, berr)
			}
			p := op
			pred = &p
			if truthy {
				op = operation.Next.IfTrue
			} else {
				op = operation.Next.IfFalse
			}
		case ir.NextReturn:
			return Plan{Kind: PlanReturn, ReturnVar: operation.Next.ReturnVar, CtxID: ctx}, nil
		default:
			return Plan{}, fmt.Errorf("op %d: %w: unknown terminator", op, ErrMalformedIR)
		}
	}
}

// ResumeAfterCall continues execution of an operation whose literals,
// φs, and call have already run (the coordinator just applied the
// task's result into state.Ctx): it evaluates only that operation's
// terminator and, for Jump/Branch, hands off into the ordinary
// literal/φ/call/terminator loop at the resulting target. Branch still
// requires a value read, so — per §4.6.3 — that read stays inside the
// kernel rather than leaking codec/predicate knowledge to the
// coordinator.
func (k *Kernel) ResumeAfterCall(goCtx context.Context, wf *ir.Workflow, st store.Store, state AdvanceState) (Plan, error) {
	operation, err := wf.Op(state.Op)
	if err != nil {
		return Plan{}, err
	}
	switch operation.Next.Kind {
	case ir.NextJump:
		pred := state.Op
		return k.Advance(goCtx, wf, st, AdvanceState{RunID: state.RunID, Ctx: state.Ctx, Op: operation.Next.Target, PredOp: &pred})
	case ir.NextBranch:
		truthy, berr := k.resolveBranch(goCtx, st, state.RunID, state.Ctx, operation.Next.Cond)
		if berr != nil {
			return Plan{}, fmt.Errorf("kernel: op %d branch: %w", state.Op, berr)
		}
		pred := state.Op
		target := operation.Next.IfFalse
		if truthy {
			target = operation.Next.IfTrue
		}
		return k.Advance(goCtx, wf, st, AdvanceState{RunID: state.RunID, Ctx: state.Ctx, Op: target, PredOp: &pred})
	case ir.NextReturn:
		return Plan{Kind: PlanReturn, ReturnVar: operation.Next.ReturnVar, CtxID: state.Ctx}, nil
	default:
		return Plan{}, fmt.Errorf("op %d: %w: unknown terminator", state.Op, ErrMalformedIR)
	}
}

func (k *Kernel) resolveBranch(goCtx context.Context, st store.Store, runID string, ctx store.ContextID, cond ir.ValueID) (bool, error) {
	v, err := st.Get(goCtx, runID, ctx, int(cond))
	if err != nil {
		return false, err
	}
	truthy, terr := k.codec.IsTruthy(v)
	if terr == nil {
		return truthy, nil
	}
	// Domain-stack extension: a string-valued condition may name a
	// registered CEL predicate expression, evaluated over the bindings
	// visible from ctx, rather than only accepting a literal boolean.
	if k.predicates != nil {
		if expr, ok := v.AsString(); ok {
			return k.predicates.Evaluate(goCtx, runID, ctx, expr)
		}
	}
	return false, terr
}
