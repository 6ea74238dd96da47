// Package values holds the topic value model: JSON parsing, canonical
// encoding, scalar handling and the type conversion matrix.
//
// Structured values are decoded trees (*Object, []any) with int64 for whole
// numbers and float64 for decimals. Object preserves member order as written,
// so canonical encodings of reordered documents differ. A time series value
// is a []any of event values ordered oldest first; the event value type is
// the source entry's event value type.
package values

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/oj"
)

// Object is a JSON object that preserves member insertion order. Setting an
// existing key keeps its position; deleting and re-setting moves it to the
// end, as a wire re-serialisation would.
type Object struct {
	keys []string
	m    map[string]any
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{m: map[string]any{}}
}

// Get returns the member value for key.
func (o *Object) Get(key string) (any, bool) {
	v, ok := o.m[key]
	return v, ok
}

// Set inserts or replaces a member.
func (o *Object) Set(key string, v any) {
	if _, ok := o.m[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.m[key] = v
}

// Delete removes a member. Missing keys are a no-op.
func (o *Object) Delete(key string) {
	if _, ok := o.m[key]; !ok {
		return
	}
	delete(o.m, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the member keys in document order. The slice is shared; do
// not mutate it.
func (o *Object) Keys() []string { return o.keys }

// Len returns the member count.
func (o *Object) Len() int { return len(o.m) }

// MarshalJSON renders the object in member order, so serialised actions
// carry the same ordering the canonical encoding compares.
func (o *Object) MarshalJSON() ([]byte, error) {
	return []byte(Canonical(o)), nil
}

// ParseJSON decodes a JSON document into a value tree, preserving object
// member order.
func ParseJSON(text string) (any, error) {
	var b treeBuilder
	if err := oj.TokenizeString(text, &b); err != nil {
		return nil, err
	}
	return b.root, nil
}

// treeBuilder assembles a value tree from ojg's token stream.
type treeBuilder struct {
	frames []frame
	root   any
}

type frame struct {
	obj *Object
	arr []any
	key string
}

func (b *treeBuilder) value(v any) {
	if len(b.frames) == 0 {
		b.root = v
		return
	}
	f := &b.frames[len(b.frames)-1]
	if f.obj != nil {
		f.obj.Set(f.key, v)
		return
	}
	f.arr = append(f.arr, v)
}

func (b *treeBuilder) Null()           { b.value(nil) }
func (b *treeBuilder) Bool(v bool)     { b.value(v) }
func (b *treeBuilder) Int(v int64)     { b.value(v) }
func (b *treeBuilder) Float(v float64) { b.value(v) }
func (b *treeBuilder) String(v string) { b.value(v) }
func (b *treeBuilder) ObjectStart()    { b.frames = append(b.frames, frame{obj: NewObject()}) }
func (b *treeBuilder) ArrayStart()     { b.frames = append(b.frames, frame{arr: []any{}}) }
func (b *treeBuilder) Key(key string)  { b.frames[len(b.frames)-1].key = key }

// Number receives numbers too large for int64/float64; the raw text is kept.
func (b *treeBuilder) Number(v string) { b.value(v) }

func (b *treeBuilder) ObjectEnd() {
	f := b.frames[len(b.frames)-1]
	b.frames = b.frames[:len(b.frames)-1]
	b.value(f.obj)
}

func (b *treeBuilder) ArrayEnd() {
	f := b.frames[len(b.frames)-1]
	b.frames = b.frames[:len(b.frames)-1]
	b.value(f.arr)
}

// Canonical renders v as compact JSON. Parsed objects encode in member
// order, so two documents with the same members in different order have
// different canonical encodings. Plain map[string]any trees (built in code
// rather than parsed) encode with sorted keys for determinism.
func Canonical(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch c := v.(type) {
	case *Object:
		b.WriteByte('{')
		for i, k := range c.keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(oj.JSON(k))
			b.WriteByte(':')
			writeCanonical(b, c.m[k])
		}
		b.WriteByte('}')
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(oj.JSON(k))
			b.WriteByte(':')
			writeCanonical(b, c[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range c {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		b.WriteString(oj.JSON(c))
	}
}

// Equal reports byte equality of the canonical encodings.
func Equal(a, b any) bool {
	return Canonical(a) == Canonical(b)
}

// DeepCopy clones a value tree so mutating transformations cannot leak into
// the source entry or sibling branches.
func DeepCopy(v any) any {
	switch c := v.(type) {
	case *Object:
		out := &Object{
			keys: append([]string(nil), c.keys...),
			m:    make(map[string]any, len(c.m)),
		}
		for k, e := range c.m {
			out.m[k] = DeepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = DeepCopy(e)
		}
		return out
	case []byte:
		out := make([]byte, len(c))
		copy(out, c)
		return out
	default:
		return v
	}
}

// IsScalar reports whether v is a leaf value: string, number, boolean or
// null. Arrays and objects are composites.
func IsScalar(v any) bool {
	switch v.(type) {
	case *Object, map[string]any, []any, []byte:
		return false
	default:
		return true
	}
}

// ScalarString renders a scalar for use as a path fragment. Strings are used
// verbatim; null becomes the literal string "null". Composites have no
// fragment form.
func ScalarString(v any) (string, bool) {
	switch c := v.(type) {
	case nil:
		return "null", true
	case string:
		return c, true
	case bool:
		if c {
			return "true", true
		}
		return "false", true
	case int64:
		return strconv.FormatInt(c, 10), true
	case int:
		return strconv.Itoa(c), true
	case float64:
		return strconv.FormatFloat(c, 'g', -1, 64), true
	default:
		return "", false
	}
}

// AsInt extracts an integer. Floats are never integers here, even when
// whole: the calculation language is integer-only.
func AsInt(v any) (int64, bool) {
	switch c := v.(type) {
	case int64:
		return c, true
	case int:
		return int64(c), true
	default:
		return 0, false
	}
}
