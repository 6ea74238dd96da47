package engine

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/registry"
)

// entry is a live derived entry. At most one entry exists per derived path.
type entry struct {
	id         uint32
	path       string
	view       *registry.View
	sourcePath string
	gen        uuid.UUID

	value any
	typ   api.TopicType
	props map[string]string

	// unpublished entries are being held by a delay option. They still
	// block lower-precedence claims.
	unpublished bool
	// preserved entries have been detached from their candidate set and
	// survive until the source entry or owning view goes away.
	preserved bool
}

// ownership is the derived-entry table. Paths are interned to dense uint32
// ids; per-view and per-source roaring bitmaps make cascade removal on view
// or source removal proportional to the entries affected.
type ownership struct {
	ids     map[string]uint32
	paths   []string
	entries map[uint32]*entry

	byView   map[string]*roaring.Bitmap
	bySource map[string]*roaring.Bitmap
}

func newOwnership() *ownership {
	return &ownership{
		ids:      make(map[string]uint32),
		entries:  make(map[uint32]*entry),
		byView:   make(map[string]*roaring.Bitmap),
		bySource: make(map[string]*roaring.Bitmap),
	}
}

func (o *ownership) intern(path string) uint32 {
	if id, ok := o.ids[path]; ok {
		return id
	}
	id := uint32(len(o.paths))
	o.ids[path] = id
	o.paths = append(o.paths, path)
	return id
}

func (o *ownership) get(path string) *entry {
	id, ok := o.ids[path]
	if !ok {
		return nil
	}
	return o.entries[id]
}

func (o *ownership) put(e *entry) {
	e.id = o.intern(e.path)
	o.entries[e.id] = e
	o.index(e)
}

func (o *ownership) index(e *entry) {
	bv := o.byView[e.view.Name]
	if bv == nil {
		bv = roaring.New()
		o.byView[e.view.Name] = bv
	}
	bv.Add(e.id)
	bs := o.bySource[e.sourcePath]
	if bs == nil {
		bs = roaring.New()
		o.bySource[e.sourcePath] = bs
	}
	bs.Add(e.id)
}

func (o *ownership) unindex(e *entry) {
	if bv := o.byView[e.view.Name]; bv != nil {
		bv.Remove(e.id)
		if bv.IsEmpty() {
			delete(o.byView, e.view.Name)
		}
	}
	if bs := o.bySource[e.sourcePath]; bs != nil {
		bs.Remove(e.id)
		if bs.IsEmpty() {
			delete(o.bySource, e.sourcePath)
		}
	}
}

// reown moves an entry to a new owning view and source, keeping the path.
func (o *ownership) reown(e *entry, v *registry.View, sourcePath string) {
	o.unindex(e)
	e.view = v
	e.sourcePath = sourcePath
	o.index(e)
}

func (o *ownership) remove(e *entry) {
	o.unindex(e)
	delete(o.entries, e.id)
}

// viewEntries returns the entries owned by the named view.
func (o *ownership) viewEntries(view string) []*entry {
	return o.collect(o.byView[view])
}

// sourceEntries returns the entries derived from the source path.
func (o *ownership) sourceEntries(source string) []*entry {
	return o.collect(o.bySource[source])
}

func (o *ownership) collect(bm *roaring.Bitmap) []*entry {
	if bm == nil {
		return nil
	}
	out := make([]*entry, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		if e := o.entries[it.Next()]; e != nil {
			out = append(out, e)
		}
	}
	return out
}
