// Package engine is the incremental evaluation core: it consumes source
// entry lifecycle events, drives the directive evaluator and transformation
// pipeline for every matching view, and diffs the resulting candidate sets
// into minimal create/update/remove actions on derived entries.
//
// Per-(view, source) candidate sets are the diffing unit. The derived entry
// table is the single authority on who owns a derived path; claims from
// lower-precedence views are remembered and promoted when the owner leaves.
package engine

import (
	"context"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/pathmap"
	"github.com/agentic-research/refract/internal/registry"
	"github.com/agentic-research/refract/internal/transform"
	"github.com/agentic-research/refract/internal/values"
)

// Sink receives outbound derived-entry actions. Implementations must not
// call back into the engine.
type Sink interface {
	Emit(api.Action)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(api.Action)

func (f SinkFunc) Emit(a api.Action) { f(a) }

// Permission is the yes/no oracle consulted before a derived entry is
// created. A false result drops the claim like any other branch failure.
type Permission interface {
	CanCreate(sec api.SecurityContext, sourcePath, derivedPath string) bool
}

// PermissionFunc adapts a function to the Permission interface.
type PermissionFunc func(sec api.SecurityContext, sourcePath, derivedPath string) bool

func (f PermissionFunc) CanCreate(sec api.SecurityContext, sourcePath, derivedPath string) bool {
	return f(sec, sourcePath, derivedPath)
}

// Config wires an Engine. Registry and Sink are required; everything else
// has a usable default.
type Config struct {
	Registry *registry.Registry
	Sink     Sink

	// Lookup resolves insertion topics. Defaults to the engine's own view
	// of the source tree and published derived entries.
	Lookup     transform.Lookup
	Permission Permission
	Clock      Clock
	Logger     *slog.Logger
	Metrics    *Metrics

	// LookupTimeout bounds a single insertion lookup so one slow backend
	// cannot stall unrelated source paths.
	LookupTimeout time.Duration
	Workers       int
	QueueDepth    int
}

type resultKey struct {
	view   string
	source string
}

// candidate is one (derived path, value) produced by evaluating a view
// against a source entry, after transformations and options.
type candidate struct {
	value any
	typ   api.TopicType
	props map[string]string
	// tsEvent marks a value that appends to a TIME_SERIES entry rather
	// than replacing it.
	tsEvent bool
}

func (c candidate) equal(o candidate) bool {
	return c.typ == o.typ && c.tsEvent == o.tsEvent &&
		maps.Equal(c.props, o.props) && values.Equal(c.value, o.value)
}

type sourceState struct {
	path  string
	value any
	typ   api.TopicType
	props map[string]string
}

// Engine is the incremental evaluator. All exported methods are safe for
// concurrent use; updates to a single source path must be submitted in
// order (Run's worker pump guarantees this for Submit).
type Engine struct {
	reg           *registry.Registry
	sink          Sink
	lookup        transform.Lookup
	perm          Permission
	clock         Clock
	log           *slog.Logger
	metrics       *Metrics
	lookupTimeout time.Duration
	queues        []chan api.SourceEvent

	mu        sync.Mutex
	sources   map[string]*sourceState
	results   map[resultKey]map[string]candidate
	preserved map[resultKey]map[string]bool
	claims    map[string]map[resultKey]struct{}
	owners    *ownership
	gates     map[string]*throttleGate
	holds     map[string]Timer // pending publish timers for delayed creates
}

// New builds an engine. It does not start the worker pump; call Run, or
// drive it synchronously with HandleSourceEvent.
func New(cfg Config) *Engine {
	e := &Engine{
		reg:           cfg.Registry,
		sink:          cfg.Sink,
		lookup:        cfg.Lookup,
		perm:          cfg.Permission,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		lookupTimeout: cfg.LookupTimeout,
		sources:       make(map[string]*sourceState),
		results:       make(map[resultKey]map[string]candidate),
		preserved:     make(map[resultKey]map[string]bool),
		claims:        make(map[string]map[resultKey]struct{}),
		owners:        newOwnership(),
		gates:         make(map[string]*throttleGate),
		holds:         make(map[string]Timer),
	}
	if e.lookup == nil {
		e.lookup = e
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.lookupTimeout <= 0 {
		e.lookupTimeout = 5 * time.Second
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	e.queues = make([]chan api.SourceEvent, workers)
	for i := range e.queues {
		e.queues[i] = make(chan api.SourceEvent, depth)
	}
	return e
}

// PutView registers or replaces a view and re-evaluates it against the
// current source tree.
func (e *Engine) PutView(ctx context.Context, name, text string, sec api.SecurityContext) (*registry.View, error) {
	v, _, err := e.reg.Put(ctx, name, text, sec)
	if err != nil {
		return nil, err
	}
	e.reevaluateView(ctx, v)
	return v, nil
}

// RemoveView removes a view and every derived entry it owns.
func (e *Engine) RemoveView(ctx context.Context, name string) (bool, error) {
	ok, err := e.reg.Remove(ctx, name)
	if err != nil || !ok {
		return ok, err
	}
	e.mu.Lock()
	for key, set := range e.results {
		if key.view != name {
			continue
		}
		for p := range set {
			e.removeClaimLocked(p, key)
		}
		delete(e.results, key)
	}
	for key := range e.preserved {
		if key.view == name {
			delete(e.preserved, key)
		}
	}
	for _, en := range e.owners.viewEntries(name) {
		e.dropEntryLocked(en, true)
		e.promoteLocked(en.path)
	}
	e.mu.Unlock()
	return true, nil
}

// HandleSourceEvent processes one source lifecycle event synchronously.
// Events for a single source path must be delivered in order.
func (e *Engine) HandleSourceEvent(ctx context.Context, ev api.SourceEvent) {
	path := strings.Trim(ev.Path, "/")
	if ev.Kind == api.EventRemove {
		e.handleSourceRemove(path)
		return
	}

	src := &sourceState{
		path:  path,
		value: values.DeepCopy(ev.Value),
		typ:   ev.Type,
		props: maps.Clone(ev.Properties),
	}
	e.mu.Lock()
	_, existed := e.sources[path]
	e.sources[path] = src
	if !existed {
		// A direct entry always outranks a derived one at the same path.
		if en := e.owners.get(path); en != nil {
			e.dropEntryLocked(en, true)
		}
	}
	e.mu.Unlock()

	for _, v := range e.reg.Matching(path) {
		cands := e.evaluateView(ctx, v, src)
		e.mu.Lock()
		e.commitLocked(v, path, cands)
		e.mu.Unlock()
	}
}

func (e *Engine) handleSourceRemove(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sources, path)

	for key, set := range e.results {
		if key.source != path {
			continue
		}
		for p := range set {
			e.removeClaimLocked(p, key)
		}
		delete(e.results, key)
	}
	for key := range e.preserved {
		if key.source == path {
			delete(e.preserved, key)
		}
	}
	// Preserved entries go with their source.
	for _, en := range e.owners.sourceEntries(path) {
		e.dropEntryLocked(en, true)
		e.promoteLocked(en.path)
	}
	// The direct entry is gone; a waiting derived claim may take the path.
	e.promoteLocked(path)
}

// reevaluateView recomputes a view's candidate sets for every source its
// selector matches, plus sources that have stale result sets from a previous
// specification of the same name.
func (e *Engine) reevaluateView(ctx context.Context, v *registry.View) {
	e.mu.Lock()
	targets := make(map[string]*sourceState)
	for p, s := range e.sources {
		if v.Spec.Selector.Matches(p) {
			targets[p] = s
		}
	}
	for key := range e.results {
		if key.view == v.Name {
			if _, ok := targets[key.source]; !ok {
				targets[key.source] = nil
			}
		}
	}
	e.mu.Unlock()

	for p, s := range targets {
		var cands map[string]candidate
		if s != nil {
			cands = e.evaluateView(ctx, v, s)
		}
		e.mu.Lock()
		e.commitLocked(v, p, cands)
		e.mu.Unlock()
	}
}

// evaluateView runs the pipeline for one (view, source) pair without holding
// the engine lock; insertion lookups may block up to the lookup timeout.
func (e *Engine) evaluateView(ctx context.Context, v *registry.View, src *sourceState) map[string]candidate {
	e.metrics.Evaluations.Inc()
	spec := v.Spec
	if spec.RequiresStructured() && !src.typ.Structured() {
		return nil
	}

	evalValue := src.value
	from := src.typ
	if spec.RequiresStructured() {
		if src.typ == api.TypeTimeSeries {
			events, ok := src.value.([]any)
			if !ok || len(events) == 0 {
				return nil
			}
			evalValue = events[len(events)-1]
		}
		from = api.TypeJSON
	}

	cfg := pathmap.Config{}
	if spec.Options.HasSeparator {
		cfg = pathmap.Config{Separator: spec.Options.Separator, HasSeparator: true}
	}
	cfg.OnDrop = func(detail string) {
		e.log.Debug("directive dropped branch", "view", v.Name, "source", src.path, "detail", detail)
		e.metrics.DroppedBranches.WithLabelValues(dropDirective).Inc()
	}
	bindings := pathmap.Evaluate(spec.Template, src.path, evalValue, cfg)

	out := make(map[string]candidate, len(bindings))
	for _, b := range bindings {
		lctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
		res, err := transform.Apply(lctx, spec.Chain, src.path, b.Value, e.lookup)
		cancel()
		if err != nil {
			e.log.Warn("transformation failed", "view", v.Name, "source", src.path, "derived", b.Path, "err", err)
			e.metrics.DroppedBranches.WithLabelValues(dropTransform).Inc()
			continue
		}
		if res.Dropped {
			e.metrics.DroppedBranches.WithLabelValues(dropTransform).Inc()
			continue
		}
		val := res.Value
		if spec.Options.HasValue {
			// A non-resolving value pointer yields null, not a drop.
			if sub, ok := spec.Options.Value.Get(val); ok {
				val = sub
			} else {
				val = nil
			}
		}

		target := src.typ
		if spec.Options.HasType {
			target = spec.Options.Type
		}
		cand := candidate{props: deriveProperties(src.props, spec.Options.Properties)}
		switch {
		case target == api.TypeTimeSeries && from == api.TypeTimeSeries:
			cand.value, cand.typ = val, api.TypeTimeSeries
		case target == api.TypeTimeSeries:
			cand.value, cand.typ, cand.tsEvent = val, api.TypeTimeSeries, true
		default:
			conv, err := values.Convert(val, from, target)
			if err != nil {
				e.log.Debug("conversion failed", "view", v.Name, "source", src.path, "derived", b.Path, "err", err)
				e.metrics.DroppedBranches.WithLabelValues(dropConversion).Inc()
				continue
			}
			cand.value, cand.typ = conv, target
		}
		out[b.Path] = cand
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// commitLocked diffs a freshly computed candidate set against the previous
// one for (view, source) and applies the difference to the entry table.
// Evaluations of a replaced or removed specification are discarded here.
func (e *Engine) commitLocked(v *registry.View, source string, next map[string]candidate) {
	cur, ok := e.reg.Get(v.Name)
	if !ok || cur.Generation != v.Generation {
		return
	}
	key := resultKey{view: v.Name, source: source}
	prev := e.results[key]
	// The fresh set must be visible before claims are touched: promotion
	// reads e.results to install a newly claimed path.
	if len(next) == 0 {
		delete(e.results, key)
	} else {
		e.results[key] = next
	}

	for path, cand := range next {
		if old, had := prev[path]; had {
			e.refreshOwnerLocked(v, key, path)
			if old.equal(cand) {
				continue
			}
			e.updateClaimLocked(v, key, path, cand)
		} else {
			e.addClaimLocked(v, key, path, cand)
		}
	}
	for path := range prev {
		if _, still := next[path]; still {
			continue
		}
		en := e.owners.get(path)
		ownedHere := en != nil && en.view.Name == key.view && en.sourcePath == key.source
		if v.Spec.Options.PreserveTopics && ownedHere && !en.preserved {
			en.preserved = true
			e.markPreservedLocked(key, path)
			e.removeClaimLocked(path, key)
			continue
		}
		e.removeClaimLocked(path, key)
		if ownedHere && !en.preserved {
			e.dropEntryLocked(en, true)
			e.promoteLocked(path)
		}
	}
}

// refreshOwnerLocked rebinds an owned entry to the current specification
// generation. A replaced specification may carry different throttle
// settings, so the path's gate is discarded with the old one.
func (e *Engine) refreshOwnerLocked(v *registry.View, key resultKey, path string) {
	en := e.owners.get(path)
	if en == nil || en.view.Name != key.view || en.sourcePath != key.source {
		return
	}
	if en.view.Generation != v.Generation {
		e.resetGateLocked(path)
		en.view = v
	}
}

func (e *Engine) addClaimLocked(v *registry.View, key resultKey, path string, cand candidate) {
	m := e.claims[path]
	if m == nil {
		m = make(map[resultKey]struct{})
		e.claims[path] = m
	}
	m[key] = struct{}{}

	if e.sources[path] != nil {
		return
	}
	en := e.owners.get(path)
	if en == nil {
		e.promoteLocked(path)
		return
	}
	if en.view.Name == key.view && en.sourcePath == key.source {
		if en.preserved {
			// The fragment came back: re-attach the preserved entry.
			en.preserved = false
			e.unmarkPreservedLocked(key, path)
			en.view = v
			e.applyCandidateLocked(v, en, cand, api.ActionUpdate)
		}
		return
	}
	if registry.Precedes(v, en.view, path) {
		if !e.allow(v, key.source, path) {
			e.metrics.DroppedBranches.WithLabelValues(dropPermission).Inc()
			delete(m, key)
			return
		}
		// The previous owner's throttle window and any deferred emissions
		// die with its ownership.
		e.resetGateLocked(path)
		e.owners.reown(en, v, key.source)
		en.gen = uuid.New()
		en.preserved = false
		e.applyCandidateLocked(v, en, cand, api.ActionUpdate)
	}
}

func (e *Engine) updateClaimLocked(v *registry.View, key resultKey, path string, cand candidate) {
	en := e.owners.get(path)
	if en == nil || en.view.Name != key.view || en.sourcePath != key.source || en.preserved {
		return
	}
	en.view = v
	e.applyCandidateLocked(v, en, cand, api.ActionUpdate)
}

// applyCandidateLocked writes a candidate into an entry and delivers the
// action when the entry actually changed.
func (e *Engine) applyCandidateLocked(v *registry.View, en *entry, cand candidate, kind api.ActionKind) {
	changed := cand.tsEvent || en.typ != cand.typ ||
		!maps.Equal(en.props, cand.props) || !values.Equal(en.value, cand.value)
	if cand.tsEvent {
		en.value = values.AppendEvent(en.value, cand.value, retainedLimit(cand.props))
		en.typ = api.TypeTimeSeries
	} else {
		en.value = cand.value
		en.typ = cand.typ
	}
	en.props = cand.props
	if changed {
		e.deliverLocked(v, en, kind)
	}
}

// promoteLocked installs the highest-precedence waiting claim at a path that
// has neither a direct entry nor a derived owner.
func (e *Engine) promoteLocked(path string) {
	if e.sources[path] != nil || e.owners.get(path) != nil {
		return
	}
	for {
		var (
			bestKey  resultKey
			bestView *registry.View
		)
		for key := range e.claims[path] {
			v, ok := e.reg.Get(key.view)
			if !ok {
				continue
			}
			switch {
			case bestView == nil:
				bestView, bestKey = v, key
			case registry.Precedes(v, bestView, path):
				bestView, bestKey = v, key
			case v.Name == bestView.Name && key.source < bestKey.source:
				bestKey = key
			}
		}
		if bestView == nil {
			return
		}
		cand, ok := e.results[bestKey][path]
		if !ok {
			e.removeClaimLocked(path, bestKey)
			continue
		}
		if !e.allow(bestView, bestKey.source, path) {
			e.metrics.DroppedBranches.WithLabelValues(dropPermission).Inc()
			e.removeClaimLocked(path, bestKey)
			continue
		}
		en := &entry{
			path:       path,
			view:       bestView,
			sourcePath: bestKey.source,
			gen:        uuid.New(),
		}
		if cand.tsEvent {
			en.value = values.AppendEvent(nil, cand.value, retainedLimit(cand.props))
			en.typ = api.TypeTimeSeries
		} else {
			en.value = cand.value
			en.typ = cand.typ
		}
		en.props = cand.props
		e.owners.put(en)
		e.deliverLocked(bestView, en, api.ActionCreate)
		return
	}
}

// dropEntryLocked removes a derived entry, cancelling its throttle and hold
// state. An unpublished entry disappears silently.
func (e *Engine) dropEntryLocked(en *entry, emit bool) {
	e.owners.remove(en)
	e.resetGateLocked(en.path)
	if en.unpublished {
		if t := e.holds[en.path]; t != nil {
			t.Stop()
			delete(e.holds, en.path)
		}
		return
	}
	if emit {
		e.deliverLocked(en.view, en, api.ActionRemove)
	}
}

func (e *Engine) removeClaimLocked(path string, key resultKey) {
	if m := e.claims[path]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(e.claims, path)
		}
	}
}

func (e *Engine) markPreservedLocked(key resultKey, path string) {
	m := e.preserved[key]
	if m == nil {
		m = make(map[string]bool)
		e.preserved[key] = m
	}
	m[path] = true
}

func (e *Engine) unmarkPreservedLocked(key resultKey, path string) {
	if m := e.preserved[key]; m != nil {
		delete(m, path)
		if len(m) == 0 {
			delete(e.preserved, key)
		}
	}
}

// deliverLocked routes an action through the view's throttle and delay
// policies.
func (e *Engine) deliverLocked(v *registry.View, en *entry, kind api.ActionKind) {
	d := v.Spec.Options.Delay
	switch kind {
	case api.ActionCreate:
		if d > 0 {
			en.unpublished = true
			path := en.path
			e.holds[path] = e.clock.AfterFunc(d, func() { e.publish(path) })
			return
		}
		e.emitAction(e.actionLocked(en, api.ActionCreate))
	case api.ActionUpdate:
		if en.unpublished {
			// The pending publish will carry the latest value.
			return
		}
		a := e.actionLocked(en, api.ActionUpdate)
		if t := v.Spec.Options.Throttle; t != nil && en.typ != api.TypeTimeSeries {
			e.gateLocked(v, en.path).offer(a)
			return
		}
		if d > 0 {
			path, gen := en.path, en.gen
			e.clock.AfterFunc(d, func() { e.emitIfCurrent(path, gen, a) })
			return
		}
		e.emitAction(a)
	case api.ActionRemove:
		a := e.actionLocked(en, api.ActionRemove)
		a.Value = nil
		e.emitMaybeDelayed(d, a)
	}
}

func (e *Engine) gateLocked(v *registry.View, path string) *throttleGate {
	if g := e.gates[path]; g != nil {
		return g
	}
	t := v.Spec.Options.Throttle
	d := v.Spec.Options.Delay
	g := newThrottleGate(t.Updates, t.Period, e.clock,
		func(a api.Action) { e.emitMaybeDelayed(d, a) },
		func() { e.metrics.ThrottleCoalesce.Inc() })
	e.gates[path] = g
	return g
}

// resetGateLocked discards the throttle gate for a path, cancelling any
// buffered trailing emission. The next owner starts a fresh window.
func (e *Engine) resetGateLocked(path string) {
	if g := e.gates[path]; g != nil {
		g.cancel()
		delete(e.gates, path)
	}
}

// emitIfCurrent delivers a deferred update only while gen still identifies
// the entry that produced it. Re-ownership or removal in the meantime
// invalidates the emission.
func (e *Engine) emitIfCurrent(path string, gen uuid.UUID, a api.Action) {
	e.mu.Lock()
	en := e.owners.get(path)
	current := en != nil && en.gen == gen
	e.mu.Unlock()
	if current {
		e.emitAction(a)
	}
}

// publish lifts a delayed entry out of its unpublished state.
func (e *Engine) publish(path string) {
	e.mu.Lock()
	en := e.owners.get(path)
	if en == nil || !en.unpublished {
		e.mu.Unlock()
		return
	}
	en.unpublished = false
	delete(e.holds, path)
	a := e.actionLocked(en, api.ActionPublish)
	e.mu.Unlock()
	e.emitAction(a)
}

func (e *Engine) emitMaybeDelayed(d time.Duration, a api.Action) {
	if d <= 0 {
		e.emitAction(a)
		return
	}
	e.clock.AfterFunc(d, func() { e.emitAction(a) })
}

func (e *Engine) emitAction(a api.Action) {
	e.metrics.Actions.WithLabelValues(string(a.Kind)).Inc()
	e.sink.Emit(a)
}

func (e *Engine) actionLocked(en *entry, kind api.ActionKind) api.Action {
	return api.Action{
		Kind:       kind,
		Path:       en.path,
		Value:      values.DeepCopy(en.value),
		Type:       en.typ,
		Properties: maps.Clone(en.props),
		View:       en.view.Name,
		SourcePath: en.sourcePath,
	}
}

func (e *Engine) allow(v *registry.View, sourcePath, derivedPath string) bool {
	if e.perm == nil {
		return true
	}
	return e.perm.CanCreate(v.Security, sourcePath, derivedPath)
}

// Resolve returns the value visible at a path: a published derived entry if
// one exists, else the direct source entry. Unclaimed paths resolve to their
// source, which is the identity mapping.
func (e *Engine) Resolve(path string) (any, api.TopicType, bool) {
	path = strings.Trim(path, "/")
	e.mu.Lock()
	defer e.mu.Unlock()
	if en := e.owners.get(path); en != nil && !en.unpublished {
		return values.DeepCopy(en.value), en.typ, true
	}
	if s := e.sources[path]; s != nil {
		return values.DeepCopy(s.value), s.typ, true
	}
	return nil, "", false
}

// Lookup implements transform.Lookup over the engine's own entries, making
// the engine the default insertion-topic collaborator.
func (e *Engine) Lookup(ctx context.Context, path string) (any, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}
	v, _, ok := e.Resolve(path)
	return v, ok, nil
}

// deriveProperties computes a derived entry's properties: inheritable ones
// are copied from the source, then the view's overrides are applied.
// TIME_SERIES_RETAINED_RANGE may only shrink relative to the source.
func deriveProperties(src, overrides map[string]string) map[string]string {
	props := make(map[string]string)
	for k, v := range src {
		if api.PropertyCopied(k) {
			props[k] = v
		}
	}
	for k, v := range overrides {
		if k == api.PropTimeSeriesRetainedRange {
			props[k] = clampRetainedRange(src[k], v)
			continue
		}
		props[k] = v
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

func clampRetainedRange(source, want string) string {
	wn, wok := rangeLimit(want)
	sn, sok := rangeLimit(source)
	if wok && sok && wn > sn {
		return source
	}
	return want
}

// rangeLimit extracts the trailing event count of a range expression such as
// "limit 1500".
func rangeLimit(s string) (int, bool) {
	fields := strings.Fields(s)
	for i := len(fields) - 1; i >= 0; i-- {
		if n, err := strconv.Atoi(fields[i]); err == nil {
			return n, true
		}
	}
	return 0, false
}

func retainedLimit(props map[string]string) int {
	if n, ok := rangeLimit(props[api.PropTimeSeriesRetainedRange]); ok {
		return n
	}
	return 0
}
