// Package pointer implements RFC 6901 JSON Pointers over decoded value trees
// (*values.Object, map[string]any, []any, scalars).
//
// Mutating operations return the updated document root: array growth and
// whole-document replacement cannot be expressed in place.
package pointer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentic-research/refract/internal/values"
)

var (
	ErrNotFound = errors.New("pointer: no such element")
	ErrNoParent = errors.New("pointer: parent does not exist")
	ErrBadIndex = errors.New("pointer: bad array index")
)

// Pointer is a parsed JSON Pointer. The zero value is the root pointer.
type Pointer struct {
	segs []string
}

// Parse parses an RFC 6901 pointer. The empty string is the root pointer;
// any other pointer must begin with '/'. The "-" array segment is kept
// verbatim and interpreted by the mutating operations.
func Parse(s string) (Pointer, error) {
	if s == "" {
		return Pointer{}, nil
	}
	if s[0] != '/' {
		return Pointer{}, fmt.Errorf("pointer %q must start with '/'", s)
	}
	raw := strings.Split(s[1:], "/")
	segs := make([]string, len(raw))
	for i, r := range raw {
		r = strings.ReplaceAll(r, "~1", "/")
		r = strings.ReplaceAll(r, "~0", "~")
		segs[i] = r
	}
	return Pointer{segs: segs}, nil
}

// MustParse is Parse for pointers known to be valid (tests, compiled specs).
func MustParse(s string) Pointer {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsRoot reports whether p addresses the whole document.
func (p Pointer) IsRoot() bool { return len(p.segs) == 0 }

// String re-serialises the pointer with RFC 6901 escaping.
func (p Pointer) String() string {
	if len(p.segs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range p.segs {
		b.WriteByte('/')
		s = strings.ReplaceAll(s, "~", "~0")
		s = strings.ReplaceAll(s, "/", "~1")
		b.WriteString(s)
	}
	return b.String()
}

// Parent returns the pointer with the final segment removed.
// Parent of the root is the root.
func (p Pointer) Parent() Pointer {
	if len(p.segs) == 0 {
		return p
	}
	return Pointer{segs: p.segs[:len(p.segs)-1]}
}

// Last returns the final segment, or "" for the root pointer.
func (p Pointer) Last() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[len(p.segs)-1]
}

// Get resolves the pointer against doc.
func (p Pointer) Get(doc any) (any, bool) {
	cur := doc
	for _, seg := range p.segs {
		switch c := cur.(type) {
		case *values.Object:
			v, ok := c.Get(seg)
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := arrayIndex(seg, len(c), false)
			if err != nil {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Exists reports whether the pointer resolves against doc.
func (p Pointer) Exists(doc any) bool {
	_, ok := p.Get(doc)
	return ok
}

// Add applies RFC 6902 "add" semantics: object members are inserted or
// replaced, array elements are inserted before the index, and "-" appends.
// The parent of the target must exist.
func (p Pointer) Add(doc, v any) (any, error) {
	return p.mutate(doc, func(parent any, seg string) (any, error) {
		switch c := parent.(type) {
		case *values.Object:
			c.Set(seg, v)
			return c, nil
		case map[string]any:
			c[seg] = v
			return c, nil
		case []any:
			i, err := arrayIndex(seg, len(c), true)
			if err != nil {
				return nil, err
			}
			c = append(c, nil)
			copy(c[i+1:], c[i:])
			c[i] = v
			return c, nil
		default:
			return nil, ErrNoParent
		}
	})
}

// Replace replaces an existing element. The target must exist.
func (p Pointer) Replace(doc, v any) (any, error) {
	if !p.Exists(doc) {
		return doc, ErrNotFound
	}
	return p.mutate(doc, func(parent any, seg string) (any, error) {
		switch c := parent.(type) {
		case *values.Object:
			c.Set(seg, v)
			return c, nil
		case map[string]any:
			c[seg] = v
			return c, nil
		case []any:
			i, err := arrayIndex(seg, len(c), false)
			if err != nil {
				return nil, err
			}
			c[i] = v
			return c, nil
		default:
			return nil, ErrNoParent
		}
	})
}

// Set inserts or replaces. Object members are set unconditionally; array
// elements may only replace an in-range index, append at exactly the
// past-the-end index, or append via "-".
func (p Pointer) Set(doc, v any) (any, error) {
	return p.mutate(doc, func(parent any, seg string) (any, error) {
		switch c := parent.(type) {
		case *values.Object:
			c.Set(seg, v)
			return c, nil
		case map[string]any:
			c[seg] = v
			return c, nil
		case []any:
			i, err := arrayIndex(seg, len(c), true)
			if err != nil {
				return nil, err
			}
			if i == len(c) {
				return append(c, v), nil
			}
			c[i] = v
			return c, nil
		default:
			return nil, ErrNoParent
		}
	})
}

// Remove removes the addressed element. The target must exist.
func (p Pointer) Remove(doc any) (any, error) {
	if !p.Exists(doc) {
		return doc, ErrNotFound
	}
	return p.mutate(doc, func(parent any, seg string) (any, error) {
		switch c := parent.(type) {
		case *values.Object:
			c.Delete(seg)
			return c, nil
		case map[string]any:
			delete(c, seg)
			return c, nil
		case []any:
			i, err := arrayIndex(seg, len(c), false)
			if err != nil {
				return nil, err
			}
			return append(c[:i], c[i+1:]...), nil
		default:
			return nil, ErrNoParent
		}
	})
}

// mutate walks to the parent of the target and applies op to it, rebuilding
// container references on the way back up.
func (p Pointer) mutate(doc any, op func(parent any, seg string) (any, error)) (any, error) {
	if len(p.segs) == 0 {
		return doc, errors.New("pointer: cannot mutate the document root")
	}
	return mutateAt(doc, p.segs, op)
}

func mutateAt(node any, segs []string, op func(parent any, seg string) (any, error)) (any, error) {
	if len(segs) == 1 {
		return op(node, segs[0])
	}
	seg := segs[0]
	switch c := node.(type) {
	case *values.Object:
		child, ok := c.Get(seg)
		if !ok {
			return nil, ErrNoParent
		}
		updated, err := mutateAt(child, segs[1:], op)
		if err != nil {
			return nil, err
		}
		c.Set(seg, updated)
		return c, nil
	case map[string]any:
		child, ok := c[seg]
		if !ok {
			return nil, ErrNoParent
		}
		updated, err := mutateAt(child, segs[1:], op)
		if err != nil {
			return nil, err
		}
		c[seg] = updated
		return c, nil
	case []any:
		i, err := arrayIndex(seg, len(c), false)
		if err != nil {
			return nil, ErrNoParent
		}
		updated, err := mutateAt(c[i], segs[1:], op)
		if err != nil {
			return nil, err
		}
		c[i] = updated
		return c, nil
	default:
		return nil, ErrNoParent
	}
}

// arrayIndex parses an array segment. Leading zeros are rejected per RFC
// 6901. When allowEnd is true, "-" and the past-the-end index are accepted.
func arrayIndex(seg string, n int, allowEnd bool) (int, error) {
	if seg == "-" {
		if !allowEnd {
			return 0, ErrBadIndex
		}
		return n, nil
	}
	if len(seg) > 1 && seg[0] == '0' {
		return 0, ErrBadIndex
	}
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 {
		return 0, ErrBadIndex
	}
	limit := n
	if allowEnd {
		limit = n + 1
	}
	if i >= limit {
		return 0, ErrBadIndex
	}
	return i, nil
}
