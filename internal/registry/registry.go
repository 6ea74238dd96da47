// Package registry manages the set of named topic views: parse-on-create,
// replace and remove, persistence, and precedence between views that derive
// the same path.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/dsl"
)

// View is a named, compiled view specification. Views are immutable once
// registered; replacing a view installs a new *View under the same name and
// creation sequence number.
type View struct {
	Name     string
	Spec     *dsl.Spec
	Seq      uint64
	Security api.SecurityContext

	// Generation distinguishes successive specifications registered under
	// the same name, so in-flight evaluations of a replaced view can be
	// recognised as stale.
	Generation uint64
}

// Registry is the authoritative view set. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	views   map[string]*View
	nextSeq uint64
	nextGen uint64
	store   *Store
	log     *slog.Logger
}

// New builds a registry, loading any views persisted in store. A nil store
// keeps the registry purely in memory. Persisted specifications that no
// longer parse are skipped with a warning rather than failing startup.
func New(ctx context.Context, store *Store, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		views:   make(map[string]*View),
		nextSeq: 1,
		nextGen: 1,
		store:   store,
		log:     log,
	}
	if store == nil {
		return r, nil
	}
	rows, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load views: %w", err)
	}
	for _, row := range rows {
		spec, err := dsl.Parse(row.Spec)
		if err != nil {
			log.Warn("skipping persisted view", "view", row.Name, "err", err)
			continue
		}
		r.views[row.Name] = &View{
			Name:       row.Name,
			Spec:       spec,
			Seq:        row.Seq,
			Security:   api.SecurityContext{Principal: row.Principal, Roles: row.Roles},
			Generation: r.nextGen,
		}
		r.nextGen++
		if row.Seq >= r.nextSeq {
			r.nextSeq = row.Seq + 1
		}
	}
	return r, nil
}

// Put registers or replaces the named view. Replacing keeps the original
// creation sequence number, so the view's precedence standing is stable
// across specification changes. The parsed view and whether it replaced an
// existing one are returned.
func (r *Registry) Put(ctx context.Context, name, text string, sec api.SecurityContext) (*View, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("view name must not be empty")
	}
	spec, err := dsl.Parse(text)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.views[name]
	seq := r.nextSeq
	if replaced {
		seq = prev.Seq
	} else {
		r.nextSeq++
	}
	v := &View{
		Name:       name,
		Spec:       spec,
		Seq:        seq,
		Security:   sec,
		Generation: r.nextGen,
	}
	r.nextGen++

	if r.store != nil {
		if err := r.store.Save(ctx, v); err != nil {
			return nil, false, fmt.Errorf("persist view %q: %w", name, err)
		}
	}
	r.views[name] = v
	r.log.Info("view registered", "view", name, "seq", seq, "replaced", replaced)
	return v, replaced, nil
}

// Remove deletes the named view. It reports whether a view was present.
func (r *Registry) Remove(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.views[name]; !ok {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, name); err != nil {
			return false, fmt.Errorf("delete view %q: %w", name, err)
		}
	}
	delete(r.views, name)
	r.log.Info("view removed", "view", name)
	return true, nil
}

// Get returns the named view.
func (r *Registry) Get(name string) (*View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[name]
	return v, ok
}

// List returns all views in creation order.
func (r *Registry) List() []*View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Matching returns the views whose selector matches the source path, in
// creation order.
func (r *Registry) Matching(sourcePath string) []*View {
	var out []*View
	for _, v := range r.List() {
		if v.Spec.Selector.Matches(sourcePath) {
			out = append(out, v)
		}
	}
	return out
}

// Precedes reports whether view a outranks view b for a derived path: the
// longer matching mapping branch wins, and equal branches fall back to the
// earlier creation sequence number.
func Precedes(a, b *View, path string) bool {
	al, aok := branchMatch(a.Spec.Branch, path)
	bl, bok := branchMatch(b.Spec.Branch, path)
	if aok != bok {
		return aok
	}
	if al != bl {
		return al > bl
	}
	return a.Seq < b.Seq
}

// Winner picks the highest-precedence view for the derived path.
func Winner(path string, views []*View) *View {
	var best *View
	for _, v := range views {
		if best == nil || Precedes(v, best, path) {
			best = v
		}
	}
	return best
}

// branchMatch reports whether branch is a segment prefix of path and, if so,
// its segment count. The empty branch matches every path with length zero.
func branchMatch(branch, path string) (int, bool) {
	path = strings.Trim(path, "/")
	if branch == "" {
		return 0, true
	}
	if path != branch && !strings.HasPrefix(path, branch+"/") {
		return 0, false
	}
	return strings.Count(branch, "/") + 1, true
}
