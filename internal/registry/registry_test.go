package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/refract/api"
)

func memRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(context.Background(), nil, nil)
	require.NoError(t, err)
	return r
}

func put(t *testing.T, r *Registry, name, text string) *View {
	t.Helper()
	v, _, err := r.Put(context.Background(), name, text, api.SecurityContext{})
	require.NoError(t, err)
	return v
}

func TestRegistry_PutGetList(t *testing.T) {
	r := memRegistry(t)
	v1 := put(t, r, "mirror", "map ?a// to b/<path(1)>")
	v2 := put(t, r, "copy", "map ?a// to c/<path(1)>")
	assert.Equal(t, uint64(1), v1.Seq)
	assert.Equal(t, uint64(2), v2.Seq)

	got, ok := r.Get("mirror")
	require.True(t, ok)
	assert.Equal(t, "map ?a// to b/<path(1)>", got.Spec.Text)

	names := []string{}
	for _, v := range r.List() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"mirror", "copy"}, names)
}

func TestRegistry_PutRejectsBadSpec(t *testing.T) {
	r := memRegistry(t)
	_, _, err := r.Put(context.Background(), "bad", "map ?a// to b/<frob()>", api.SecurityContext{})
	assert.Error(t, err)
	_, ok := r.Get("bad")
	assert.False(t, ok)
}

func TestRegistry_ReplacePreservesSeq(t *testing.T) {
	r := memRegistry(t)
	put(t, r, "first", "map ?a// to b/<path(1)>")
	put(t, r, "second", "map ?a// to c/<path(1)>")

	v, replaced, err := r.Put(context.Background(), "first", "map ?a// to d/<path(1)>", api.SecurityContext{})
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, uint64(1), v.Seq, "replacement keeps the original sequence number")
	assert.Equal(t, "d", v.Spec.Branch)

	next := put(t, r, "third", "map ?a// to e/<path(1)>")
	assert.Equal(t, uint64(3), next.Seq)
}

func TestRegistry_ReplaceBumpsGeneration(t *testing.T) {
	r := memRegistry(t)
	v1 := put(t, r, "v", "map ?a// to b/<path(1)>")
	v2 := put(t, r, "v", "map ?a// to c/<path(1)>")
	assert.Greater(t, v2.Generation, v1.Generation)
}

func TestRegistry_Remove(t *testing.T) {
	r := memRegistry(t)
	put(t, r, "gone", "map ?a// to b/<path(1)>")

	ok, err := r.Remove(context.Background(), "gone")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Remove(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_Matching(t *testing.T) {
	r := memRegistry(t)
	put(t, r, "descendants", "map ?a// to b/<path(1)>")
	put(t, r, "children", "map ?a/ to c/<path(1)>")
	put(t, r, "exact", "map a/x to d")

	names := func(path string) []string {
		var out []string
		for _, v := range r.Matching(path) {
			out = append(out, v.Name)
		}
		return out
	}
	assert.Equal(t, []string{"descendants", "children", "exact"}, names("a/x"))
	assert.Equal(t, []string{"descendants"}, names("a/x/y"))
	assert.Nil(t, names("other"))
}

func TestPrecedence_LongerBranchWins(t *testing.T) {
	r := memRegistry(t)
	short := put(t, r, "short", "map ?a// to b/<path(1)>")
	long := put(t, r, "long", "map ?a// to b/x/<path(2)>")

	assert.True(t, Precedes(long, short, "b/x/y"))
	assert.Same(t, long, Winner("b/x/y", []*View{short, long}))
	assert.Same(t, short, Winner("b/z", []*View{short, long}))
}

func TestPrecedence_TieBreaksOnCreationOrder(t *testing.T) {
	r := memRegistry(t)
	first := put(t, r, "first", "map ?a// to b/<path(1)>")
	second := put(t, r, "second", "map ?c// to b/<path(1)>")

	assert.Same(t, first, Winner("b/x", []*View{second, first}))
	// Replacing the older view keeps its standing.
	replaced, _, err := r.Put(context.Background(), "first", "map ?d// to b/<path(1)>", api.SecurityContext{})
	require.NoError(t, err)
	assert.Same(t, replaced, Winner("b/x", []*View{second, replaced}))
}

func TestPrecedence_NonMatchingBranchLoses(t *testing.T) {
	r := memRegistry(t)
	match := put(t, r, "match", "map ?a// to b/<path(1)>")
	other := put(t, r, "other", "map ?a// to q/<path(1)>")
	assert.Same(t, match, Winner("b/x", []*View{other, match}))
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "views.db")

	store, err := OpenStore(dbPath)
	require.NoError(t, err)
	r, err := New(ctx, store, nil)
	require.NoError(t, err)

	sec := api.SecurityContext{Principal: "admin", Roles: []string{"TOPIC_VIEWS", "OPERATOR"}}
	_, _, err = r.Put(ctx, "persisted", "map ?a// to b/<path(1)>", sec)
	require.NoError(t, err)
	put(t, r, "transient", "map ?a// to c/<path(1)>")
	ok, err := r.Remove(ctx, "transient")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Close())

	store, err = OpenStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	reloaded, err := New(ctx, store, nil)
	require.NoError(t, err)

	views := reloaded.List()
	require.Len(t, views, 1)
	assert.Equal(t, "persisted", views[0].Name)
	assert.Equal(t, uint64(1), views[0].Seq)
	assert.Equal(t, "admin", views[0].Security.Principal)
	assert.Equal(t, []string{"TOPIC_VIEWS", "OPERATOR"}, views[0].Security.Roles)

	// New views continue the sequence after the persisted maximum.
	v := put(t, reloaded, "later", "map ?a// to d/<path(1)>")
	assert.Equal(t, uint64(2), v.Seq)
}
