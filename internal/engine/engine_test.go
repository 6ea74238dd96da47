package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/registry"
	"github.com/agentic-research/refract/internal/values"
)

type recorder struct {
	mu      sync.Mutex
	actions []api.Action
}

func (r *recorder) Emit(a api.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

// drain returns the recorded actions and clears the log.
func (r *recorder) drain() []api.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.actions
	r.actions = nil
	return out
}

type fixture struct {
	t     *testing.T
	eng   *Engine
	clock *FakeClock
	sink  *recorder
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	reg, err := registry.New(context.Background(), nil, nil)
	require.NoError(t, err)
	f := &fixture{t: t, clock: NewFakeClock(), sink: &recorder{}}
	cfg := Config{Registry: reg, Sink: f.sink, Clock: f.clock}
	for _, m := range mutate {
		m(&cfg)
	}
	f.eng = New(cfg)
	return f
}

func (f *fixture) view(name, text string) {
	f.t.Helper()
	_, err := f.eng.PutView(context.Background(), name, text, api.SecurityContext{Principal: "tester"})
	require.NoError(f.t, err)
}

func (f *fixture) send(kind api.EventKind, path string, typ api.TopicType, value any) {
	f.t.Helper()
	f.eng.HandleSourceEvent(context.Background(), api.SourceEvent{Kind: kind, Path: path, Type: typ, Value: value})
}

func (f *fixture) json(src string) any {
	f.t.Helper()
	v, err := values.ParseJSON(src)
	require.NoError(f.t, err)
	return v
}

func one(t *testing.T, actions []api.Action) api.Action {
	t.Helper()
	require.Len(t, actions, 1)
	return actions[0]
}

// member reads one field out of a structured action value.
func member(t *testing.T, v any, key string) any {
	t.Helper()
	obj, ok := v.(*values.Object)
	require.True(t, ok, "value is %T, not an object", v)
	got, _ := obj.Get(key)
	return got
}

func byPath(actions []api.Action) map[string]api.Action {
	out := make(map[string]api.Action, len(actions))
	for _, a := range actions {
		out[a.Path] = a
	}
	return out
}

func TestEngine_MirrorLifecycle(t *testing.T) {
	f := newFixture(t)
	f.view("mirror", "map ?a// to b/<path(1)>")

	f.send(api.EventAdd, "a/x/y", api.TypeJSON, f.json(`{"n":1}`))
	a := one(t, f.sink.drain())
	assert.Equal(t, api.ActionCreate, a.Kind)
	assert.Equal(t, "b/x/y", a.Path)
	assert.Equal(t, `{"n":1}`, values.Canonical(a.Value))
	assert.Equal(t, "mirror", a.View)
	assert.Equal(t, "a/x/y", a.SourcePath)

	f.send(api.EventUpdate, "a/x/y", api.TypeJSON, f.json(`{"n":2}`))
	a = one(t, f.sink.drain())
	assert.Equal(t, api.ActionUpdate, a.Kind)
	assert.Equal(t, `{"n":2}`, values.Canonical(a.Value))

	// Re-delivering an identical value is not a new action.
	f.send(api.EventUpdate, "a/x/y", api.TypeJSON, f.json(`{"n":2}`))
	assert.Empty(t, f.sink.drain())

	f.send(api.EventRemove, "a/x/y", "", nil)
	a = one(t, f.sink.drain())
	assert.Equal(t, api.ActionRemove, a.Kind)
	assert.Equal(t, "b/x/y", a.Path)
	assert.Nil(t, a.Value)
}

func TestEngine_ExpandFanOutAndDiff(t *testing.T) {
	f := newFixture(t)
	f.view("values", "map ?src// to value<expand(/values)>")

	f.send(api.EventAdd, "src/a", api.TypeJSON, f.json(`{"values":[1,5,7]}`))
	created := byPath(f.sink.drain())
	require.Len(t, created, 3)
	assert.Equal(t, int64(1), created["value0"].Value)
	assert.Equal(t, int64(5), created["value1"].Value)
	assert.Equal(t, int64(7), created["value2"].Value)

	// Shrinking the array updates the changed entry and removes the tail.
	f.send(api.EventUpdate, "src/a", api.TypeJSON, f.json(`{"values":[1,9]}`))
	acts := f.sink.drain()
	require.Len(t, acts, 2)
	m := byPath(acts)
	assert.Equal(t, api.ActionUpdate, m["value1"].Kind)
	assert.Equal(t, int64(9), m["value1"].Value)
	assert.Equal(t, api.ActionRemove, m["value2"].Kind)

	f.send(api.EventRemove, "src/a", "", nil)
	removes := f.sink.drain()
	require.Len(t, removes, 2)
	for _, a := range removes {
		assert.Equal(t, api.ActionRemove, a.Kind)
	}
}

func TestEngine_ScalarDirectiveFailureDropsBranchOnly(t *testing.T) {
	f := newFixture(t)
	f.view("ccy", "map ?accounts// to currency/<scalar(/balance/currency)>/account/<scalar(/account)>")

	f.send(api.EventAdd, "accounts/1234", api.TypeJSON,
		f.json(`{"account":"1234","balance":{"amount":12.57,"currency":"USD"}}`))
	a := one(t, f.sink.drain())
	assert.Equal(t, "currency/USD/account/1234", a.Path)

	// Losing the currency field removes the derived entry.
	f.send(api.EventUpdate, "accounts/1234", api.TypeJSON, f.json(`{"account":"1234"}`))
	a = one(t, f.sink.drain())
	assert.Equal(t, api.ActionRemove, a.Kind)
	assert.Equal(t, "currency/USD/account/1234", a.Path)
}

func TestEngine_StructuredConstraint(t *testing.T) {
	f := newFixture(t)
	f.view("needsjson", "map ?a// to b/<scalar(/x)>")

	f.send(api.EventAdd, "a/s", api.TypeString, "plain")
	assert.Empty(t, f.sink.drain())
}

func TestEngine_PreserveTopics(t *testing.T) {
	f := newFixture(t)
	f.view("keep", "map ?src// to keep/<scalar(/id)> preserve topics")

	f.send(api.EventAdd, "src/a", api.TypeJSON, f.json(`{"id":"one","n":1}`))
	assert.Equal(t, "keep/one", one(t, f.sink.drain()).Path)

	// The fragment changes: the old entry is detached, not removed.
	f.send(api.EventUpdate, "src/a", api.TypeJSON, f.json(`{"id":"two","n":2}`))
	acts := byPath(f.sink.drain())
	require.Len(t, acts, 1)
	assert.Equal(t, api.ActionCreate, acts["keep/two"].Kind)

	_, _, ok := f.eng.Resolve("keep/one")
	assert.True(t, ok, "preserved entry still resolvable")

	// The fragment comes back: the preserved entry is re-attached, and
	// keep/two is detached in its turn.
	f.send(api.EventUpdate, "src/a", api.TypeJSON, f.json(`{"id":"one","n":3}`))
	acts = byPath(f.sink.drain())
	require.Len(t, acts, 1)
	assert.Equal(t, api.ActionUpdate, acts["keep/one"].Kind)
	_, _, ok = f.eng.Resolve("keep/two")
	assert.True(t, ok)

	// Removing the source removes preserved entries too.
	f.send(api.EventRemove, "src/a", "", nil)
	removed := byPath(f.sink.drain())
	require.Len(t, removed, 2)
	assert.Equal(t, api.ActionRemove, removed["keep/one"].Kind)
	assert.Equal(t, api.ActionRemove, removed["keep/two"].Kind)
}

func TestEngine_PrecedenceLongestBranchWins(t *testing.T) {
	f := newFixture(t)
	// Created first, branch "a".
	f.view("short", "map ?m// to a/<scalar(/p)>")
	// Created second, branch "a/b": still outranks on a/b/x.
	f.view("long", "map ?m// to a/b/<path(1)>")

	f.send(api.EventAdd, "m/x", api.TypeJSON, f.json(`{"p":"b/x","n":1}`))
	a := one(t, f.sink.drain())
	assert.Equal(t, "a/b/x", a.Path)
	assert.Equal(t, "long", a.View)

	// When the winner goes, the waiting claim is promoted.
	ok, err := f.eng.RemoveView(context.Background(), "long")
	require.NoError(t, err)
	require.True(t, ok)
	acts := f.sink.drain()
	require.Len(t, acts, 2)
	assert.Equal(t, api.ActionRemove, acts[0].Kind)
	assert.Equal(t, api.ActionCreate, acts[1].Kind)
	assert.Equal(t, "short", acts[1].View)
	assert.Equal(t, "a/b/x", acts[1].Path)
}

func TestEngine_PrecedenceTieBreaksOnCreationOrder(t *testing.T) {
	f := newFixture(t)
	f.view("first", "map ?p// to shared/<path(1)>")
	f.view("second", "map ?q// to shared/<path(1)>")

	f.send(api.EventAdd, "q/x", api.TypeJSON, f.json(`{"n":2}`))
	assert.Equal(t, "second", one(t, f.sink.drain()).View)

	// The earlier-created view takes the path over.
	f.send(api.EventAdd, "p/x", api.TypeJSON, f.json(`{"n":1}`))
	a := one(t, f.sink.drain())
	assert.Equal(t, api.ActionUpdate, a.Kind)
	assert.Equal(t, "first", a.View)
	assert.Equal(t, `{"n":1}`, values.Canonical(a.Value))
}

func TestEngine_DirectEntryOutranksDerived(t *testing.T) {
	f := newFixture(t)
	f.view("mirror", "map ?a// to b/<path(1)>")

	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":1}`))
	assert.Equal(t, "b/x", one(t, f.sink.drain()).Path)

	// A direct entry appears at the derived path: the derived entry yields.
	f.send(api.EventAdd, "b/x", api.TypeString, "direct")
	a := one(t, f.sink.drain())
	assert.Equal(t, api.ActionRemove, a.Kind)
	assert.Equal(t, "b/x", a.Path)

	v, typ, ok := f.eng.Resolve("b/x")
	require.True(t, ok)
	assert.Equal(t, api.TypeString, typ)
	assert.Equal(t, "direct", v)

	// The direct entry leaves: the claim is promoted again.
	f.send(api.EventRemove, "b/x", "", nil)
	a = one(t, f.sink.drain())
	assert.Equal(t, api.ActionCreate, a.Kind)
	assert.Equal(t, "b/x", a.Path)
	assert.Equal(t, "mirror", a.View)
}

func TestEngine_ViewReplaceMovesEntries(t *testing.T) {
	f := newFixture(t)
	f.view("v", "map ?a// to b/<path(1)>")
	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":1}`))
	f.sink.drain()

	f.view("v", "map ?a// to c/<path(1)>")
	acts := byPath(f.sink.drain())
	require.Len(t, acts, 2)
	assert.Equal(t, api.ActionRemove, acts["b/x"].Kind)
	assert.Equal(t, api.ActionCreate, acts["c/x"].Kind)
}

func TestEngine_RemoveViewCascades(t *testing.T) {
	f := newFixture(t)
	f.view("v", "map ?a// to b/<path(1)>")
	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":1}`))
	f.send(api.EventAdd, "a/y", api.TypeJSON, f.json(`{"n":2}`))
	f.sink.drain()

	ok, err := f.eng.RemoveView(context.Background(), "v")
	require.NoError(t, err)
	require.True(t, ok)
	acts := byPath(f.sink.drain())
	require.Len(t, acts, 2)
	assert.Equal(t, api.ActionRemove, acts["b/x"].Kind)
	assert.Equal(t, api.ActionRemove, acts["b/y"].Kind)
}

func TestEngine_Throttle(t *testing.T) {
	f := newFixture(t)
	f.view("th", "map ?a// to b/<path(1)> throttle to 2 updates every 5 seconds")

	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":0}`))
	assert.Equal(t, api.ActionCreate, one(t, f.sink.drain()).Kind)

	// Five updates inside the window: the first passes, the rest coalesce.
	for i := 1; i <= 5; i++ {
		f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":`+string(rune('0'+i))+`}`))
		f.clock.Advance(100 * time.Millisecond)
	}
	emitted := f.sink.drain()
	require.Len(t, emitted, 1)
	assert.Equal(t, `{"n":1}`, values.Canonical(emitted[0].Value))

	f.clock.Advance(5 * time.Second)
	trailing := one(t, f.sink.drain())
	assert.Equal(t, api.ActionUpdate, trailing.Kind)
	assert.Equal(t, `{"n":5}`, values.Canonical(trailing.Value), "trailing emission carries the latest value")
}

func TestEngine_ThrottleToOneEmitsFirstImmediately(t *testing.T) {
	f := newFixture(t)
	f.view("th", "map ?a// to b/<path(1)> throttle to 1 update every 5 seconds")

	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":0}`))
	assert.Equal(t, api.ActionCreate, one(t, f.sink.drain()).Kind)

	// The first update in the window is never held back.
	f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":1}`))
	a := one(t, f.sink.drain())
	assert.Equal(t, api.ActionUpdate, a.Kind)
	assert.Equal(t, `{"n":1}`, values.Canonical(a.Value))

	f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":2}`))
	f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":3}`))
	assert.Empty(t, f.sink.drain(), "further updates coalesce")

	f.clock.Advance(5 * time.Second)
	trailing := one(t, f.sink.drain())
	assert.Equal(t, `{"n":3}`, values.Canonical(trailing.Value))
}

func TestEngine_ThrottleResetsWhenViewReplaced(t *testing.T) {
	f := newFixture(t)
	f.view("th", "map ?a// to b/<path(1)> throttle to 2 updates every 5 seconds")

	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":0}`))
	f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":1}`))
	f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":2}`))
	acts := f.sink.drain()
	require.Len(t, acts, 2, "create plus the leading update")

	// Replacing the specification discards the old gate along with its
	// buffered trailing emission.
	f.view("th", "map ?a// to b/<path(1)>")
	assert.Empty(t, f.sink.drain())
	f.clock.Advance(5 * time.Second)
	assert.Empty(t, f.sink.drain(), "old window must not fire after replace")

	f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":9}`))
	a := one(t, f.sink.drain())
	assert.Equal(t, api.ActionUpdate, a.Kind)
	assert.Equal(t, `{"n":9}`, values.Canonical(a.Value))
}

func TestEngine_DirectiveDropObserved(t *testing.T) {
	m := NewMetrics(nil)
	f := newFixture(t, func(c *Config) { c.Metrics = m })
	f.view("ccy", "map ?accounts// to currency/<scalar(/currency)>")

	f.send(api.EventAdd, "accounts/1", api.TypeJSON, f.json(`{"account":"1"}`))
	assert.Empty(t, f.sink.drain())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedBranches.WithLabelValues("directive")))
}

func TestEngine_DelayPublishes(t *testing.T) {
	f := newFixture(t)
	f.view("slow", "map ?a// to b/<path(1)> delay by 5 minutes")

	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":1}`))
	assert.Empty(t, f.sink.drain(), "delayed create is not yet visible")

	_, _, ok := f.eng.Resolve("b/x")
	assert.False(t, ok, "unpublished entry is hidden")

	// An update while unpublished folds into the pending publish.
	f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":2}`))
	assert.Empty(t, f.sink.drain())

	f.clock.Advance(5 * time.Minute)
	a := one(t, f.sink.drain())
	assert.Equal(t, api.ActionPublish, a.Kind)
	assert.Equal(t, `{"n":2}`, values.Canonical(a.Value))

	_, _, ok = f.eng.Resolve("b/x")
	assert.True(t, ok)
}

func TestEngine_DelayedEntryRemovedBeforePublish(t *testing.T) {
	f := newFixture(t)
	f.view("slow", "map ?a// to b/<path(1)> delay by 1 minute")

	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":1}`))
	f.send(api.EventRemove, "a/x", "", nil)
	f.clock.Advance(time.Hour)
	assert.Empty(t, f.sink.drain(), "an entry removed during its hold never surfaces")
}

func TestEngine_DeferredUpdateDiscardedAfterReownership(t *testing.T) {
	f := newFixture(t)
	f.view("slow", "map p/a to shared/<scalar(/id)> delay by 1 minute")
	f.view("fast", "map q/b to shared/x")

	f.send(api.EventAdd, "p/a", api.TypeJSON, f.json(`{"id":"x","n":1}`))
	f.clock.Advance(time.Minute)
	require.Equal(t, api.ActionPublish, one(t, f.sink.drain()).Kind)

	// The update is deferred by the delay. Re-ownership during the hold
	// must invalidate it.
	f.send(api.EventUpdate, "p/a", api.TypeJSON, f.json(`{"id":"x","n":2}`))
	assert.Empty(t, f.sink.drain())

	f.send(api.EventAdd, "q/b", api.TypeString, "handover")
	a := one(t, f.sink.drain())
	assert.Equal(t, api.ActionUpdate, a.Kind)
	assert.Equal(t, "fast", a.View)
	assert.Equal(t, "handover", a.Value)

	f.clock.Advance(time.Minute)
	assert.Empty(t, f.sink.drain(), "the superseded update never surfaces")
}

func TestEngine_UnpublishedBlocksLowerPrecedence(t *testing.T) {
	f := newFixture(t)
	f.view("held", "map ?p// to shared/<path(1)> delay by 1 minute")
	f.view("eager", "map ?q// to shared/<path(1)>")

	f.send(api.EventAdd, "p/x", api.TypeJSON, f.json(`{"n":1}`))
	f.send(api.EventAdd, "q/x", api.TypeJSON, f.json(`{"n":2}`))
	assert.Empty(t, f.sink.drain(), "held entry blocks the later view")

	f.clock.Advance(time.Minute)
	a := one(t, f.sink.drain())
	assert.Equal(t, api.ActionPublish, a.Kind)
	assert.Equal(t, "held", a.View)
}

func TestEngine_TypeConversion(t *testing.T) {
	f := newFixture(t)
	f.view("str", "map ?n// to s/<path(1)> type STRING")

	f.send(api.EventAdd, "n/a", api.TypeInt64, int64(42))
	a := one(t, f.sink.drain())
	assert.Equal(t, api.TypeString, a.Type)
	assert.Equal(t, "42", a.Value)
}

func TestEngine_ConversionFailureDropsBranch(t *testing.T) {
	f := newFixture(t)
	f.view("int", "map ?s// to i/<path(1)> type INT64")

	f.send(api.EventAdd, "s/a", api.TypeString, "not a number")
	assert.Empty(t, f.sink.drain())

	f.send(api.EventUpdate, "s/a", api.TypeString, "17")
	a := one(t, f.sink.drain())
	assert.Equal(t, api.TypeInt64, a.Type)
	assert.Equal(t, int64(17), a.Value)
}

func TestEngine_DoubleToInt64RoundsToNearest(t *testing.T) {
	f := newFixture(t)
	f.view("round", "map ?d// to i/<path(1)> type INT64")

	f.send(api.EventAdd, "d/a", api.TypeDouble, 12.51)
	assert.Equal(t, int64(13), one(t, f.sink.drain()).Value)
}

func TestEngine_ValueOption(t *testing.T) {
	f := newFixture(t)
	f.view("bal", "map ?accounts// to balances/<path(1)> as <value(/balance)>")

	f.send(api.EventAdd, "accounts/1", api.TypeJSON, f.json(`{"balance":{"amount":10},"noise":true}`))
	a := one(t, f.sink.drain())
	assert.Equal(t, `{"amount":10}`, values.Canonical(a.Value))

	// A non-resolving pointer yields null, not a dropped branch.
	f.send(api.EventUpdate, "accounts/1", api.TypeJSON, f.json(`{"noise":false}`))
	a = one(t, f.sink.drain())
	assert.Equal(t, api.ActionUpdate, a.Kind)
	assert.Nil(t, a.Value)
}

func TestEngine_TimeSeriesTargetAppends(t *testing.T) {
	f := newFixture(t)
	f.view("ts", "map ?m// to series/<path(1)> type TIME_SERIES")

	f.send(api.EventAdd, "m/a", api.TypeInt64, int64(1))
	a := one(t, f.sink.drain())
	assert.Equal(t, api.TypeTimeSeries, a.Type)
	assert.Equal(t, []any{int64(1)}, a.Value)

	f.send(api.EventUpdate, "m/a", api.TypeInt64, int64(2))
	a = one(t, f.sink.drain())
	assert.Equal(t, []any{int64(1), int64(2)}, a.Value)
}

func TestEngine_PropertyDerivation(t *testing.T) {
	f := newFixture(t)
	f.view("props", `map ?a// to b/<path(1)> with properties CONFLATION:off, TIME_SERIES_RETAINED_RANGE:limit\ 500`)

	f.eng.HandleSourceEvent(context.Background(), api.SourceEvent{
		Kind: api.EventAdd, Path: "a/x", Type: api.TypeJSON, Value: f.json(`{"n":1}`),
		Properties: map[string]string{
			api.PropOwner:                   "principal: admin",
			api.PropPriority:                "HIGH",
			api.PropTimeSeriesRetainedRange: "limit 100",
		},
	})
	a := one(t, f.sink.drain())
	assert.Equal(t, "HIGH", a.Properties[api.PropPriority], "inheritable property copied")
	assert.Equal(t, "off", a.Properties[api.PropConflation], "override applied")
	assert.Equal(t, "limit 100", a.Properties[api.PropTimeSeriesRetainedRange], "retained range clamped to the source's")
	assert.NotContains(t, a.Properties, api.PropOwner, "owner never carried")
}

func TestEngine_PermissionDenialDropsClaim(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Permission = PermissionFunc(func(sec api.SecurityContext, _, derived string) bool {
			return derived != "b/secret"
		})
	})
	f.view("v", "map ?a// to b/<path(1)>")

	f.send(api.EventAdd, "a/secret", api.TypeJSON, f.json(`{"n":1}`))
	assert.Empty(t, f.sink.drain())

	f.send(api.EventAdd, "a/open", api.TypeJSON, f.json(`{"n":2}`))
	assert.Equal(t, "b/open", one(t, f.sink.drain()).Path)
}

func TestEngine_InsertUsesEngineLookup(t *testing.T) {
	f := newFixture(t)
	f.view("fx", "map ?orders// to priced/<path(1)> insert rates/<scalar(/ccy)> key /usd at /rate")

	f.send(api.EventAdd, "rates/GBP", api.TypeJSON, f.json(`{"usd":1.25}`))
	f.sink.drain()
	f.send(api.EventAdd, "orders/1", api.TypeJSON, f.json(`{"ccy":"GBP","amount":100}`))
	a := one(t, f.sink.drain())
	assert.Equal(t, 1.25, member(t, a.Value, "rate"))

	// The insertion value is a snapshot: a later rate change does not
	// touch the derived entry until the order is evaluated again.
	f.send(api.EventUpdate, "rates/GBP", api.TypeJSON, f.json(`{"usd":1.30}`))
	assert.Empty(t, f.sink.drain())
	f.send(api.EventUpdate, "orders/1", api.TypeJSON, f.json(`{"ccy":"GBP","amount":101}`))
	a = one(t, f.sink.drain())
	assert.Equal(t, 1.30, member(t, a.Value, "rate"))
}

func TestEngine_ProcessDropRemovesExistingEntry(t *testing.T) {
	f := newFixture(t)
	f.view("gate", "map ?a// to b/<path(1)> process {if '/n gt 10' continue}")

	f.send(api.EventAdd, "a/x", api.TypeJSON, f.json(`{"n":20}`))
	assert.Equal(t, api.ActionCreate, one(t, f.sink.drain()).Kind)

	// The condition stops matching: the previously created entry goes.
	f.send(api.EventUpdate, "a/x", api.TypeJSON, f.json(`{"n":5}`))
	assert.Equal(t, api.ActionRemove, one(t, f.sink.drain()).Kind)
}

func TestEngine_ResolveIdentity(t *testing.T) {
	f := newFixture(t)
	f.send(api.EventAdd, "plain/x", api.TypeJSON, f.json(`{"n":1}`))

	v, typ, ok := f.eng.Resolve("plain/x")
	require.True(t, ok)
	assert.Equal(t, api.TypeJSON, typ)
	assert.Equal(t, `{"n":1}`, values.Canonical(v))

	_, _, ok = f.eng.Resolve("missing")
	assert.False(t, ok)
}

func TestEngine_PumpOrdersPerPath(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Workers = 2; c.QueueDepth = 64 })
	f.view("mirror", "map ?a// to b/<path(1)>")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	for i := 0; i < 10; i++ {
		val := map[string]any{"n": int64(i)}
		require.NoError(t, f.eng.Submit(ctx, api.SourceEvent{
			Kind: api.EventUpdate, Path: "a/x", Type: api.TypeJSON, Value: val,
		}))
	}
	require.Eventually(t, func() bool {
		v, _, ok := f.eng.Resolve("b/x")
		if !ok {
			return false
		}
		return values.Equal(v, map[string]any{"n": int64(9)})
	}, 2*time.Second, 5*time.Millisecond)

	acts := f.sink.drain()
	require.NotEmpty(t, acts)
	assert.Equal(t, api.ActionCreate, acts[0].Kind)
	last := int64(-1)
	for _, a := range acts {
		n := a.Value.(map[string]any)["n"].(int64)
		assert.Greater(t, n, last, "per-path actions arrive in source order")
		last = n
	}

	cancel()
	<-done
}
