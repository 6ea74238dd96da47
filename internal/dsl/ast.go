// Package dsl tokenizes and parses topic view specification text into a
// compiled program: a source selector, a path mapping template, an ordered
// transformation chain and an option set.
//
// The node kinds are closed sum types with kind tags; evaluators switch
// exhaustively over them.
package dsl

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/pointer"
)

// ParseError is a specification error with a byte offset into the text.
// A specification that fails to parse is never registered.
type ParseError struct {
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("specification error at offset %d: %s", e.Offset, e.Msg)
}

func errAt(offset int, format string, args ...any) *ParseError {
	return &ParseError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// ItemKind tags a path template item.
type ItemKind int

const (
	ItemLiteral ItemKind = iota
	ItemPath
	ItemScalar
	ItemExpand
)

// TemplateItem is one element of a path mapping template: a literal text
// fragment or a directive.
type TemplateItem struct {
	Kind ItemKind

	// ItemLiteral
	Text string

	// ItemPath: slice of '/'-separated source path segments.
	// Count < 0 means "to the end of the path".
	Start int
	Count int

	// ItemScalar: pointer into the current value.
	// ItemExpand: Ptr is the element to expand (root if IsRootPtr),
	// Label optionally locates the path fragment within each child.
	Ptr      pointer.Pointer
	Label    pointer.Pointer
	HasLabel bool
}

// Template is an ordered list of literal fragments and directives.
type Template []TemplateItem

// UsesValue reports whether any directive reads the current value,
// restricting the view to structured source types.
func (t Template) UsesValue() bool {
	for _, it := range t {
		if it.Kind == ItemScalar || it.Kind == ItemExpand {
			return true
		}
	}
	return false
}

// HasExpand reports whether the template fans out.
func (t Template) HasExpand() bool {
	for _, it := range t {
		if it.Kind == ItemExpand {
			return true
		}
	}
	return false
}

// Branch returns the mapping branch: the longest literal path prefix of the
// template, cut at the last complete segment before the first directive.
// It is the precedence key for conflicting views.
func (t Template) Branch() string {
	var b strings.Builder
	for _, it := range t {
		if it.Kind != ItemLiteral {
			break
		}
		b.WriteString(it.Text)
	}
	lit := b.String()
	if len(t) > 0 && t[0].Kind == ItemLiteral && len(t) > 1 {
		// A trailing partial segment (e.g. "value" in value<expand(...)>)
		// is not part of the branch.
		if i := strings.LastIndexByte(lit, '/'); i >= 0 {
			lit = lit[:i]
		} else if t[1].Kind != ItemLiteral {
			lit = ""
		}
	}
	return strings.Trim(lit, "/")
}

// TransformKind tags a transformation node.
type TransformKind int

const (
	TransformPatch TransformKind = iota
	TransformProcess
	TransformInsert
)

// Transform is one node of the transformation chain. Exactly one of the
// payload fields is set, selected by Kind.
type Transform struct {
	Kind    TransformKind
	Patch   []PatchOp
	Process *ProcessStatement
	Insert  *InsertSpec
}

// PatchOpKind enumerates the RFC 6902 operations carried by a patch
// transformation.
type PatchOpKind int

const (
	PatchAdd PatchOpKind = iota
	PatchRemove
	PatchReplace
	PatchMove
	PatchCopy
	PatchTest
)

// PatchOp is a single parsed JSON Patch operation.
type PatchOp struct {
	Kind     PatchOpKind
	Path     pointer.Pointer
	From     pointer.Pointer
	Value    any
	HasValue bool
}

// ProcessStatement is the body of a process transformation: either a single
// unconditional operation list, or an if/elseif/else chain.
type ProcessStatement struct {
	Branches []ProcessBranch
	Else     []ProcessOp
	HasElse  bool
}

// ProcessBranch pairs a condition with the operations applied when it is
// satisfied. A nil Cond marks the unconditional form.
type ProcessBranch struct {
	Cond *Cond
	Ops  []ProcessOp
}

// ProcessOpKind enumerates process operations.
type ProcessOpKind int

const (
	OpSet ProcessOpKind = iota
	OpSetCalc
	OpRemove
	OpContinue
)

// ProcessOp is one operation within a process statement.
type ProcessOp struct {
	Kind    ProcessOpKind
	Ptr     pointer.Pointer
	Literal any
	Calc    *CalcExpr
}

// CondKind tags a condition node.
type CondKind int

const (
	CondCompare CondKind = iota
	CondAnd
	CondOr
	CondNot
)

// CompareOp enumerates the relational operators. Relational comparisons are
// valid only on integers; equality on any scalar.
type CompareOp int

const (
	CmpEq CompareOp = iota
	CmpNe
	CmpGt
	CmpLt
	CmpGe
	CmpLe
)

// Cond is a condition tree node.
type Cond struct {
	Kind CondKind

	// CondCompare
	Ptr      pointer.Pointer
	Op       CompareOp
	Value    any             // literal right-hand side
	RHS      pointer.Pointer // pointer right-hand side
	RHSIsPtr bool

	// CondAnd / CondOr
	Left, Right *Cond
	// CondNot
	Inner *Cond
}

// CalcKind tags a calculation expression node.
type CalcKind int

const (
	CalcLiteral CalcKind = iota
	CalcPointer
	CalcBinary
)

// CalcExpr is an integer-only arithmetic expression over literals and
// pointers into the current value.
type CalcExpr struct {
	Kind        CalcKind
	Value       int64
	Ptr         pointer.Pointer
	Op          byte // '+', '-', '*', '/'
	Left, Right *CalcExpr
}

// InsertSpec describes an insert transformation: where the insertion value
// comes from and where it is written into the current value.
type InsertSpec struct {
	Topic      Template // path/scalar directives only
	FromKey    pointer.Pointer
	HasFromKey bool
	At         pointer.Pointer
	Default    any
	HasDefault bool
}

// ThrottleOption limits each derived path to Updates emissions per Period.
type ThrottleOption struct {
	Updates int
	Period  time.Duration
}

// Options is the resolved option set of a specification.
type Options struct {
	Type           api.TopicType
	HasType        bool
	Value          pointer.Pointer
	HasValue       bool
	Throttle       *ThrottleOption
	Delay          time.Duration
	Separator      string
	HasSeparator   bool
	PreserveTopics bool
	Properties     map[string]string
}

// Spec is an immutable compiled view specification.
type Spec struct {
	Text     string // original specification text, persisted verbatim
	Selector Selector
	Remote   string
	Template Template
	Branch   string
	Chain    []Transform
	Options  Options
}

// RequiresStructured reports whether the view only applies to structured
// (JSON-shaped) source entries: any value directive or transformation forces
// this.
func (s *Spec) RequiresStructured() bool {
	return s.Template.UsesValue() || len(s.Chain) > 0 || s.Options.HasValue
}

// SelectorKind tags a source topic selector.
type SelectorKind int

const (
	// SelectorExact matches a single literal path.
	SelectorExact SelectorKind = iota
	// SelectorChildren matches direct children of the prefix (`?a/`).
	SelectorChildren
	// SelectorDescendants matches the prefix and everything below (`?a//`).
	SelectorDescendants
)

// Selector identifies the source entries a view applies to.
type Selector struct {
	Kind   SelectorKind
	Prefix string // normalized, no leading/trailing separators
}

// Matches reports whether path is selected.
func (s Selector) Matches(path string) bool {
	path = strings.Trim(path, "/")
	switch s.Kind {
	case SelectorExact:
		return path == s.Prefix
	case SelectorChildren:
		rest, ok := strings.CutPrefix(path, s.Prefix+"/")
		return ok && !strings.Contains(rest, "/")
	case SelectorDescendants:
		return path == s.Prefix || strings.HasPrefix(path, s.Prefix+"/")
	}
	return false
}

// String renders the selector in specification syntax.
func (s Selector) String() string {
	switch s.Kind {
	case SelectorChildren:
		return "?" + s.Prefix + "/"
	case SelectorDescendants:
		return "?" + s.Prefix + "//"
	default:
		return s.Prefix
	}
}
