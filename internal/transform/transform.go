// Package transform applies a specification's transformation chain (patch,
// process, insert) to a source value on its way to a derived entry.
package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentic-research/refract/internal/dsl"
	"github.com/agentic-research/refract/internal/pathmap"
	"github.com/agentic-research/refract/internal/pointer"
	"github.com/agentic-research/refract/internal/values"
)

// Lookup resolves the current value of a source entry for insert
// transformations. ok is false when no entry exists at the path.
type Lookup interface {
	Lookup(ctx context.Context, path string) (value any, ok bool, err error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, path string) (any, bool, error)

func (f LookupFunc) Lookup(ctx context.Context, path string) (any, bool, error) {
	return f(ctx, path)
}

// Result is the outcome of a chain application. Dropped means a stage
// declined the update: the derived entry is not written, but the view is
// healthy and later source updates are evaluated normally.
type Result struct {
	Value   any
	Dropped bool
}

// Apply runs the chain over a deep copy of value, threading the output of
// each stage into the next. An error is returned only for infrastructure
// failures (a lookup that errors); every value-shaped failure is a drop.
func Apply(ctx context.Context, chain []dsl.Transform, sourcePath string, value any, lk Lookup) (Result, error) {
	cur := values.DeepCopy(value)
	for _, tr := range chain {
		var (
			dropped bool
			err     error
		)
		switch tr.Kind {
		case dsl.TransformPatch:
			cur, dropped = applyPatch(tr.Patch, cur)
		case dsl.TransformProcess:
			cur, dropped = applyProcess(tr.Process, cur)
		case dsl.TransformInsert:
			cur, dropped, err = applyInsert(ctx, tr.Insert, sourcePath, cur, lk)
		}
		if err != nil {
			return Result{}, err
		}
		if dropped {
			return Result{Dropped: true}, nil
		}
	}
	return Result{Value: cur}, nil
}

// applyPatch applies the operation list atomically: the first failing
// operation drops the update and the input value is left untouched.
func applyPatch(ops []dsl.PatchOp, value any) (any, bool) {
	doc := values.DeepCopy(value)
	for _, op := range ops {
		next, ok := applyPatchOp(op, doc)
		if !ok {
			return value, true
		}
		doc = next
	}
	return doc, false
}

func applyPatchOp(op dsl.PatchOp, doc any) (any, bool) {
	switch op.Kind {
	case dsl.PatchAdd:
		if op.Path.IsRoot() {
			return values.DeepCopy(op.Value), true
		}
		next, err := op.Path.Add(doc, values.DeepCopy(op.Value))
		return next, err == nil
	case dsl.PatchReplace:
		if op.Path.IsRoot() {
			return values.DeepCopy(op.Value), true
		}
		next, err := op.Path.Replace(doc, values.DeepCopy(op.Value))
		return next, err == nil
	case dsl.PatchRemove:
		next, err := op.Path.Remove(doc)
		return next, err == nil
	case dsl.PatchMove:
		if descends(op.From, op.Path) {
			return doc, false
		}
		v, ok := op.From.Get(doc)
		if !ok {
			return doc, false
		}
		next, err := op.From.Remove(doc)
		if err != nil {
			return doc, false
		}
		next, err = op.Path.Add(next, v)
		return next, err == nil
	case dsl.PatchCopy:
		v, ok := op.From.Get(doc)
		if !ok {
			return doc, false
		}
		next, err := op.Path.Add(doc, values.DeepCopy(v))
		return next, err == nil
	case dsl.PatchTest:
		v, ok := op.Path.Get(doc)
		if !ok {
			return doc, false
		}
		// Comparison is over canonical encodings: member order and array
		// order both distinguish values.
		return doc, values.Equal(v, op.Value)
	}
	return doc, false
}

// descends reports whether child addresses a location strictly inside parent.
func descends(parent, child pointer.Pointer) bool {
	p, c := parent.String(), child.String()
	return c != p && strings.HasPrefix(c, p+"/")
}

// applyProcess evaluates the statement. A conditional statement in which no
// branch matches and no else is present drops the update.
func applyProcess(st *dsl.ProcessStatement, value any) (any, bool) {
	for _, br := range st.Branches {
		if br.Cond == nil || evalCond(br.Cond, value) {
			return runOps(br.Ops, value)
		}
	}
	if st.HasElse {
		return runOps(st.Else, value)
	}
	return value, true
}

func runOps(ops []dsl.ProcessOp, value any) (any, bool) {
	cur := value
	for _, op := range ops {
		switch op.Kind {
		case dsl.OpContinue:
			// Pass the value on unchanged.
		case dsl.OpRemove:
			// Removing an absent element is not an error.
			if cur != nil && op.Ptr.Exists(cur) {
				next, err := op.Ptr.Remove(cur)
				if err != nil {
					return cur, true
				}
				cur = next
			}
		case dsl.OpSet:
			next, err := op.Ptr.Set(cur, values.DeepCopy(op.Literal))
			if err != nil {
				return cur, true
			}
			cur = next
		case dsl.OpSetCalc:
			n, ok := evalCalc(op.Calc, cur)
			if !ok {
				return cur, true
			}
			next, err := op.Ptr.Set(cur, n)
			if err != nil {
				return cur, true
			}
			cur = next
		}
	}
	return cur, false
}

func evalCond(c *dsl.Cond, value any) bool {
	switch c.Kind {
	case dsl.CondAnd:
		return evalCond(c.Left, value) && evalCond(c.Right, value)
	case dsl.CondOr:
		return evalCond(c.Left, value) || evalCond(c.Right, value)
	case dsl.CondNot:
		return !evalCond(c.Inner, value)
	case dsl.CondCompare:
		return evalCompare(c, value)
	}
	return false
}

// evalCompare resolves both sides and compares. A side that does not resolve
// to a scalar makes the comparison false, never an error.
func evalCompare(c *dsl.Cond, value any) bool {
	lhs, ok := c.Ptr.Get(value)
	if !ok || !values.IsScalar(lhs) {
		return false
	}
	var rhs any
	if c.RHSIsPtr {
		rhs, ok = c.RHS.Get(value)
		if !ok || !values.IsScalar(rhs) {
			return false
		}
	} else {
		rhs = c.Value
	}

	switch c.Op {
	case dsl.CmpEq:
		return scalarEqual(lhs, rhs)
	case dsl.CmpNe:
		return !scalarEqual(lhs, rhs)
	}

	// Relational operators apply to integers only.
	l, lok := values.AsInt(lhs)
	r, rok := values.AsInt(rhs)
	if !lok || !rok {
		return false
	}
	switch c.Op {
	case dsl.CmpGt:
		return l > r
	case dsl.CmpLt:
		return l < r
	case dsl.CmpGe:
		return l >= r
	case dsl.CmpLe:
		return l <= r
	}
	return false
}

func scalarEqual(a, b any) bool {
	if ai, ok := values.AsInt(a); ok {
		bi, ok := values.AsInt(b)
		return ok && ai == bi
	}
	return values.Equal(a, b)
}

// evalCalc evaluates an integer expression. Any non-integer operand or a
// division by zero fails the calculation.
func evalCalc(e *dsl.CalcExpr, value any) (int64, bool) {
	switch e.Kind {
	case dsl.CalcLiteral:
		return e.Value, true
	case dsl.CalcPointer:
		v, ok := e.Ptr.Get(value)
		if !ok {
			return 0, false
		}
		return values.AsInt(v)
	case dsl.CalcBinary:
		l, ok := evalCalc(e.Left, value)
		if !ok {
			return 0, false
		}
		r, ok := evalCalc(e.Right, value)
		if !ok {
			return 0, false
		}
		switch e.Op {
		case '+':
			return l + r, true
		case '-':
			return l - r, true
		case '*':
			return l * r, true
		case '/':
			if r == 0 {
				return 0, false
			}
			return l / r, true
		}
	}
	return 0, false
}

// applyInsert resolves the insertion topic and writes the fetched value (or
// the default) into the current value. An unresolvable topic with no default
// leaves the value unchanged, and so does an insertion point that cannot be
// written: the derived entry still carries the un-inserted value.
func applyInsert(ctx context.Context, ins *dsl.InsertSpec, sourcePath string, value any, lk Lookup) (any, bool, error) {
	ingest, ok, err := fetchInsertValue(ctx, ins, sourcePath, value, lk)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		if !ins.HasDefault {
			return value, false, nil
		}
		ingest = values.DeepCopy(ins.Default)
	}
	next, serr := ins.At.Set(value, ingest)
	if serr != nil {
		return value, false, nil
	}
	return next, false, nil
}

func fetchInsertValue(ctx context.Context, ins *dsl.InsertSpec, sourcePath string, value any, lk Lookup) (any, bool, error) {
	path, ok := pathmap.TopicPath(ins.Topic, sourcePath, value)
	if !ok {
		return nil, false, nil
	}
	if lk == nil {
		return nil, false, fmt.Errorf("insert from %q: no lookup configured", path)
	}
	fetched, ok, err := lk.Lookup(ctx, path)
	if err != nil {
		return nil, false, fmt.Errorf("insert from %q: %w", path, err)
	}
	if !ok {
		return nil, false, nil
	}
	if ins.HasFromKey {
		part, ok := ins.FromKey.Get(fetched)
		if !ok {
			return nil, false, nil
		}
		fetched = part
	}
	return values.DeepCopy(fetched), true, nil
}
