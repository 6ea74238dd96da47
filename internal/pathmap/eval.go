// Package pathmap evaluates path mapping templates: literal fragments and
// path/scalar/expand directives folded left to right over a running current
// value, fanning out one branch per expanded child.
package pathmap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agentic-research/refract/internal/dsl"
	"github.com/agentic-research/refract/internal/values"
)

// Binding is one produced (derived path, current value) pair. The value is
// shared with the source tree; transformation stages copy before mutating.
type Binding struct {
	Path  string
	Value any
}

// Config carries the options that affect path construction.
type Config struct {
	// Separator, when set, replaces '/' characters in text produced by
	// scalar and expand directives.
	Separator    string
	HasSeparator bool

	// OnDrop, when set, observes every branch dropped by a directive
	// failure with a short detail string. Duplicate-path suppression is not
	// a failure and is not reported.
	OnDrop func(detail string)
}

func (cfg Config) drop(detail string) {
	if cfg.OnDrop != nil {
		cfg.OnDrop(detail)
	}
}

// Evaluate runs the template against a source path and value. It returns
// zero or more bindings; a directive failure silently drops only the branch
// it occurred on. Duplicate paths keep their first binding. The result is a
// pure function of the inputs.
func Evaluate(tmpl dsl.Template, sourcePath string, value any, cfg Config) []Binding {
	partials := []partial{{value: value}}
	for _, item := range tmpl {
		var next []partial
		for _, p := range partials {
			next = append(next, applyItem(item, sourcePath, p, cfg)...)
		}
		if len(next) == 0 {
			return nil
		}
		partials = next
	}

	out := make([]Binding, 0, len(partials))
	seen := make(map[string]bool, len(partials))
	for _, p := range partials {
		path, ok := normalize(p.path)
		if !ok {
			cfg.drop(fmt.Sprintf("derived path %q is not a valid topic path", p.path))
			continue
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, Binding{Path: path, Value: p.value})
	}
	return out
}

// TopicPath evaluates an insertion topic template (no expand directives) to
// a single path. Scalar directives read the current value; the separator
// option does not apply to topic lookups.
func TopicPath(tmpl dsl.Template, sourcePath string, value any) (string, bool) {
	bindings := Evaluate(tmpl, sourcePath, value, Config{})
	if len(bindings) != 1 {
		return "", false
	}
	return bindings[0].Path, true
}

type partial struct {
	path  string
	value any
}

func (p partial) clone(extra string, value any) partial {
	return partial{path: p.path + extra, value: value}
}

func applyItem(item dsl.TemplateItem, sourcePath string, p partial, cfg Config) []partial {
	switch item.Kind {
	case dsl.ItemLiteral:
		return []partial{p.clone(item.Text, p.value)}

	case dsl.ItemPath:
		segs := splitPath(sourcePath)
		if item.Start >= len(segs) {
			cfg.drop(fmt.Sprintf("path(%d) starts beyond source path %q", item.Start, sourcePath))
			return nil
		}
		end := len(segs)
		if item.Count >= 0 && item.Start+item.Count < end {
			end = item.Start + item.Count
		}
		return []partial{p.clone(strings.Join(segs[item.Start:end], "/"), p.value)}

	case dsl.ItemScalar:
		v, ok := item.Ptr.Get(p.value)
		if !ok || !values.IsScalar(v) {
			cfg.drop(fmt.Sprintf("scalar(%s) missing or not a scalar", item.Ptr))
			return nil
		}
		frag, ok := values.ScalarString(v)
		if !ok {
			cfg.drop(fmt.Sprintf("scalar(%s) has no path fragment form", item.Ptr))
			return nil
		}
		return []partial{p.clone(replaceSeparators(frag, cfg), p.value)}

	case dsl.ItemExpand:
		elem, ok := item.Ptr.Get(p.value)
		if !ok {
			cfg.drop(fmt.Sprintf("expand(%s) missing", item.Ptr))
			return nil
		}
		return expand(item, elem, p, cfg)
	}
	return nil
}

func expand(item dsl.TemplateItem, elem any, p partial, cfg Config) []partial {
	label := func(child any, fallback string) string {
		if item.HasLabel {
			if v, ok := item.Label.Get(child); ok && values.IsScalar(v) {
				if s, ok := values.ScalarString(v); ok {
					return replaceSeparators(s, cfg)
				}
			}
		}
		return replaceSeparators(fallback, cfg)
	}

	switch c := elem.(type) {
	case *values.Object:
		out := make([]partial, 0, c.Len())
		for _, k := range c.Keys() {
			child, _ := c.Get(k)
			out = append(out, p.clone(label(child, k), child))
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]partial, 0, len(keys))
		for _, k := range keys {
			out = append(out, p.clone(label(c[k], k), c[k]))
		}
		return out
	case []any:
		out := make([]partial, 0, len(c))
		for i, child := range c {
			out = append(out, p.clone(label(child, strconv.Itoa(i)), child))
		}
		return out
	default:
		// Expanding a scalar yields a single value and no path fragment.
		return []partial{p.clone("", elem)}
	}
}

func replaceSeparators(frag string, cfg Config) string {
	if cfg.HasSeparator {
		return strings.ReplaceAll(frag, "/", cfg.Separator)
	}
	return frag
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// normalize trims surrounding separators and rejects paths with empty
// segments or no segments at all.
func normalize(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", false
	}
	if strings.Contains(trimmed, "//") {
		return "", false
	}
	return trimmed, true
}
