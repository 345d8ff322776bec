// ABOUTME: Derived secondary index over current resource versions
// ABOUTME: Roaring bitmaps of resource ordinals per (type, parameter, value)

package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/nainya/fhirstore/pkg/resource"
)

// Index is the search index contract used by the store. It is derived data:
// losing it costs a rebuild, never a resource.
type Index interface {
	// Scan (re)indexes the current content of r, replacing older postings.
	Scan(r *resource.Resource)

	// Remove drops every posting of the resource.
	Remove(resourceType, id string)

	// Search returns the ids matching name=value. ok is false when the
	// parameter is unknown for the type, which is different from no matches.
	Search(resourceType, name, value string) (ids []string, ok bool)

	// Params lists the parameters known for a type.
	Params(resourceType string) []ParamDef
}

// posting is one (parameter, term) pair held by a resource.
type posting struct {
	param string
	term  string
}

type typeIndex struct {
	ids      []string          // ordinal -> id
	ordinals map[string]uint32 // id -> ordinal
	postings map[string]map[string]*roaring.Bitmap
	held     map[uint32][]posting
	live     *roaring.Bitmap
}

func newTypeIndex() *typeIndex {
	return &typeIndex{
		ordinals: make(map[string]uint32),
		postings: make(map[string]map[string]*roaring.Bitmap),
		held:     make(map[uint32][]posting),
		live:     roaring.New(),
	}
}

func (ti *typeIndex) ordinal(id string) uint32 {
	if ord, ok := ti.ordinals[id]; ok {
		return ord
	}
	ord := uint32(len(ti.ids))
	ti.ids = append(ti.ids, id)
	ti.ordinals[id] = ord
	return ord
}

func (ti *typeIndex) drop(ord uint32) {
	for _, p := range ti.held[ord] {
		if bm, ok := ti.postings[p.param][p.term]; ok {
			bm.Remove(ord)
			if bm.IsEmpty() {
				delete(ti.postings[p.param], p.term)
			}
		}
	}
	delete(ti.held, ord)
	ti.live.Remove(ord)
}

// BitmapIndex is the in-memory Index implementation.
type BitmapIndex struct {
	mu    sync.RWMutex
	defs  map[string]map[string]ParamDef
	types map[string]*typeIndex
}

// NewBitmapIndex builds an index over the given parameter definitions.
func NewBitmapIndex(defs map[string][]ParamDef) *BitmapIndex {
	bi := &BitmapIndex{
		defs:  make(map[string]map[string]ParamDef),
		types: make(map[string]*typeIndex),
	}
	for typ, list := range defs {
		m := make(map[string]ParamDef, len(list))
		for _, d := range list {
			m[d.Name] = d
		}
		bi.defs[typ] = m
	}
	return bi
}

func (bi *BitmapIndex) Scan(r *resource.Resource) {
	if r == nil || r.ID == "" {
		return
	}
	defs := bi.defs[r.Type]

	bi.mu.Lock()
	defer bi.mu.Unlock()

	ti, ok := bi.types[r.Type]
	if !ok {
		ti = newTypeIndex()
		bi.types[r.Type] = ti
	}
	ord := ti.ordinal(r.ID)
	ti.drop(ord)
	ti.live.Add(ord)

	var held []posting
	for name, def := range defs {
		for _, term := range extract(r.Body, def) {
			terms, ok := ti.postings[name]
			if !ok {
				terms = make(map[string]*roaring.Bitmap)
				ti.postings[name] = terms
			}
			bm, ok := terms[term]
			if !ok {
				bm = roaring.New()
				terms[term] = bm
			}
			bm.Add(ord)
			held = append(held, posting{param: name, term: term})
		}
	}
	ti.held[ord] = held
}

func (bi *BitmapIndex) Remove(resourceType, id string) {
	bi.mu.Lock()
	defer bi.mu.Unlock()

	ti, ok := bi.types[resourceType]
	if !ok {
		return
	}
	if ord, ok := ti.ordinals[id]; ok {
		ti.drop(ord)
	}
}

// Search supports comma-separated alternatives (logical OR).
func (bi *BitmapIndex) Search(resourceType, name, value string) ([]string, bool) {
	def, ok := bi.defs[resourceType][name]
	if !ok {
		return nil, false
	}

	bi.mu.RLock()
	defer bi.mu.RUnlock()

	ti, ok := bi.types[resourceType]
	if !ok {
		return []string{}, true
	}

	result := roaring.New()
	for _, alt := range strings.Split(value, ",") {
		result.Or(ti.match(def, alt))
	}
	result.And(ti.live)

	ids := make([]string, 0, result.GetCardinality())
	it := result.Iterator()
	for it.HasNext() {
		ids = append(ids, ti.ids[it.Next()])
	}
	return ids, true
}

func (ti *typeIndex) match(def ParamDef, value string) *roaring.Bitmap {
	terms := ti.postings[def.Name]
	switch def.Type {
	case ParamString, ParamDate:
		if def.Type == ParamString {
			value = strings.ToLower(value)
		}
		var hits []*roaring.Bitmap
		for term, bm := range terms {
			if strings.HasPrefix(term, value) {
				hits = append(hits, bm)
			}
		}
		if len(hits) == 0 {
			return roaring.New()
		}
		return roaring.FastOr(hits...)
	default:
		if bm, ok := terms[value]; ok {
			return bm.Clone()
		}
		return roaring.New()
	}
}

func (bi *BitmapIndex) Params(resourceType string) []ParamDef {
	m := bi.defs[resourceType]
	out := make([]ParamDef, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Size returns the number of indexed resources across all types.
func (bi *BitmapIndex) Size() int {
	bi.mu.RLock()
	defer bi.mu.RUnlock()

	n := 0
	for _, ti := range bi.types {
		n += int(ti.live.GetCardinality())
	}
	return n
}

// Reset drops every posting, ahead of a rebuild.
func (bi *BitmapIndex) Reset() {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	bi.types = make(map[string]*typeIndex)
}
