package ir

import "fmt"

// ErrInvalidIR is returned by Validate; Reason is one of the specific
// violation kinds documented in §4.1/§7.
type ErrInvalidIR struct {
	Reason string
}

func (e *ErrInvalidIR) Error() string { return fmt.Sprintf("invalid ir: %s", e.Reason) }

func invalid(format string, args ...any) error {
	return &ErrInvalidIR{Reason: fmt.Sprintf(format, args...)}
}

// TaskArityLookup is the thin slice of the task registry the validator
// needs: arity for a named task. Defined here (not imported from
// internal/registry) to keep C1 free of a dependency on C8.
type TaskArityLookup interface {
	Arity(taskID string) (inputArity, outputArity int, ok bool)
}

// Validate implements §4.1: every reference resolves, every value_id
// has exactly one definition whose execution dominates every read,
// phi edges enumerate exactly the merge op's predecessors, call arity
// matches the task manifest, and no cycle exists without a φ-merging
// loop header.
func Validate(w *Workflow, tasks TaskArityLookup) error {
	n := len(w.Operations)
	if n == 0 {
		return invalid("workflow has no operations")
	}

	// 1. Existence of every op reference.
	checkOp := func(id OpID, where string) error {
		if int(id) < 0 || int(id) >= n {
			return invalid("%s references nonexistent op %d", where, id)
		}
		return nil
	}
	for i, op := range w.Operations {
		switch op.Next.Kind {
		case NextJump:
			if err := checkOp(op.Next.Target, fmt.Sprintf("op %d jump", i)); err != nil {
				return err
			}
		case NextBranch:
			if err := checkOp(op.Next.IfTrue, fmt.Sprintf("op %d branch true", i)); err != nil {
				return err
			}
			if err := checkOp(op.Next.IfFalse, fmt.Sprintf("op %d branch false", i)); err != nil {
				return err
			}
		case NextReturn:
		default:
			return invalid("op %d has unknown terminator kind %d", i, op.Next.Kind)
		}
		for _, phi := range op.Phis {
			for _, src := range phi.Sources {
				if err := checkOp(src.PredOpID, fmt.Sprintf("op %d phi", i)); err != nil {
					return err
				}
			}
		}
	}

	// 2. Single definition site per value_id; build def-site map and
	// predecessor edges for dominance + cycle analysis.
	defSite := map[ValueID]OpID{}
	defineOnce := func(id ValueID, op OpID) error {
		if existing, ok := defSite[id]; ok {
			return invalid("value %d defined by both op %d and op %d", id, existing, op)
		}
		defSite[id] = op
		return nil
	}
	preds := make([][]OpID, n)
	addEdge := func(from, to OpID) { preds[to] = append(preds[to], from) }
	for i, op := range w.Operations {
		opID := OpID(i)
		for _, lit := range op.Literals {
			if err := defineOnce(lit.Output, opID); err != nil {
				return err
			}
		}
		for _, phi := range op.Phis {
			if err := defineOnce(phi.Output, opID); err != nil {
				return err
			}
		}
		if op.Call != nil {
			for _, out := range op.Call.Outputs {
				if err := defineOnce(out, opID); err != nil {
					return err
				}
			}
		}
		switch op.Next.Kind {
		case NextJump:
			addEdge(opID, op.Next.Target)
		case NextBranch:
			addEdge(opID, op.Next.IfTrue)
			addEdge(opID, op.Next.IfFalse)
		}
	}

	dom := computeDominators(n, preds)

	dominates := func(defOp, useOp OpID) bool {
		if defOp == useOp {
			return true
		}
		cur := useOp
		for {
			p, ok := dom[cur]
			if !ok {
				return false
			}
			if p == defOp {
				return true
			}
			if p == cur {
				return false
			}
			cur = p
		}
	}

	checkUse := func(v ValueID, useOp OpID, where string) error {
		def, ok := defSite[v]
		if !ok {
			return invalid("%s reads undefined value %d", where, v)
		}
		if !dominates(def, useOp) {
			return invalid("%s reads value %d whose definition (op %d) does not dominate op %d", where, v, def, useOp)
		}
		return nil
	}

	for i, op := range w.Operations {
		opID := OpID(i)

		// 3. Phi edges must enumerate exactly the merge op's
		// predecessors, each exactly once, and each source must be
		// defined by an op dominating that specific predecessor edge.
		for _, phi := range op.Phis {
			expected := map[OpID]bool{}
			for _, p := range preds[opID] {
				expected[p] = true
			}
			seen := map[OpID]bool{}
			for _, src := range phi.Sources {
				if seen[src.PredOpID] {
					return invalid("op %d phi has duplicate predecessor edge %d", i, src.PredOpID)
				}
				seen[src.PredOpID] = true
				if !expected[src.PredOpID] {
					return invalid("op %d phi source references non-predecessor op %d", i, src.PredOpID)
				}
				if err := checkUse(src.Source, src.PredOpID, fmt.Sprintf("op %d phi from pred %d", i, src.PredOpID)); err != nil {
					return err
				}
			}
			for p := range expected {
				if !seen[p] {
					return invalid("op %d phi missing edge from predecessor %d", i, p)
				}
			}
		}

		if op.Call != nil {
			for _, in := range op.Call.Inputs {
				if err := checkUse(in, opID, fmt.Sprintf("op %d call", i)); err != nil {
					return err
				}
			}
			if tasks != nil {
				inArity, outArity, ok := tasks.Arity(op.Call.TaskID)
				if !ok {
					return invalid("op %d calls unknown task %q", i, op.Call.TaskID)
				}
				if len(op.Call.Inputs) != inArity {
					return invalid("op %d call to %q has %d inputs, manifest declares input_arity %d", i, op.Call.TaskID, len(op.Call.Inputs), inArity)
				}
				if len(op.Call.Outputs) != outArity {
					return invalid("op %d call to %q has %d outputs, manifest declares output_arity %d", i, op.Call.TaskID, len(op.Call.Outputs), outArity)
				}
			}
		}

		switch op.Next.Kind {
		case NextBranch:
			if err := checkUse(op.Next.Cond, opID, fmt.Sprintf("op %d branch condition", i)); err != nil {
				return err
			}
		case NextReturn:
			if op.Next.ReturnVar != nil {
				if err := checkUse(*op.Next.ReturnVar, opID, fmt.Sprintf("op %d return", i)); err != nil {
					return err
				}
			}
		}
	}

	// 4. No cycle without a φ-merging loop header: any back edge found
	// by DFS must target an op that declares phis.
	if err := checkLoopHeaders(n, w, preds); err != nil {
		return err
	}

	return nil
}

// computeDominators runs the standard iterative dominator algorithm
// over the op graph (entry = op 0), returning each op's immediate
// dominator. Unreachable ops have no entry.
func computeDominators(n int, preds [][]OpID) map[OpID]OpID {
	order, rpo := reversePostorder(n, preds)
	idom := map[OpID]OpID{0: 0}

	changed := true
	for changed {
		changed = false
		for _, opID := range order {
			if opID == 0 {
				continue
			}
			var newIdom OpID
			set := false
			for _, p := range preds[opID] {
				if _, ok := idom[p]; !ok {
					continue
				}
				if !set {
					newIdom = p
					set = true
					continue
				}
				newIdom = intersect(newIdom, p, idom, rpo)
			}
			if !set {
				continue
			}
			if old, ok := idom[opID]; !ok || old != newIdom {
				idom[opID] = newIdom
				changed = true
			}
		}
	}
	return idom
}

func intersect(a, b OpID, idom map[OpID]OpID, rpo map[OpID]int) OpID {
	for a != b {
		for rpo[a] > rpo[b] {
			a = idom[a]
		}
		for rpo[b] > rpo[a] {
			b = idom[b]
		}
	}
	return a
}

// reversePostorder returns a DFS-based ordering from op 0 suitable for
// the dominator fixpoint, plus a position index for intersect().
func reversePostorder(n int, preds [][]OpID) ([]OpID, map[OpID]int) {
	succs := make([][]OpID, n)
	for to, ps := range preds {
		for _, from := range ps {
			succs[from] = append(succs[from], OpID(to))
		}
	}
	visited := make([]bool, n)
	var post []OpID
	var visit func(OpID)
	visit = func(op OpID) {
		if visited[op] {
			return
		}
		visited[op] = true
		for _, s := range succs[op] {
			visit(s)
		}
		post = append(post, op)
	}
	visit(0)
	// reverse
	order := make([]OpID, len(post))
	rpo := make(map[OpID]int, len(post))
	for i, op := range post {
		order[len(post)-1-i] = op
	}
	for i, op := range order {
		rpo[op] = i
	}
	return order, rpo
}

// checkLoopHeaders performs a DFS over the op graph and rejects any
// back edge whose target op does not declare phis (i.e. is not a loop
// header in merge form).
func checkLoopHeaders(n int, w *Workflow, preds [][]OpID) error {
	succs := make([][]OpID, n)
	for to, ps := range preds {
		for _, from := range ps {
			succs[from] = append(succs[from], OpID(to))
		}
	}
	const (
		white = iota
		gray
		black
	)
	color := make([]int, n)
	var walk func(OpID) error
	walk = func(op OpID) error {
		color[op] = gray
		for _, s := range succs[op] {
			switch color[s] {
			case white:
				if err := walk(s); err != nil {
					return err
				}
			case gray:
				if len(w.Operations[s].Phis) == 0 {
					return invalid("cycle through op %d has no φ-merging loop header", s)
				}
			}
		}
		color[op] = black
		return nil
	}
	return walk(0)
}
