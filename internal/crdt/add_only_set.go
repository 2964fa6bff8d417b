package crdt

import (
	"context"
	"sort"

	"github.com/devrev/pairdb/scout/internal/shard"
)

func init() {
	Register(KindAddOnlySet, func() CRDT { return NewAddOnlySet() })
	RegisterUpdate(func() Update { return &OnlyAdd{} })
}

// OnlyAdd inserts an element for good
type OnlyAdd struct {
	Element string `json:"element"`
}

func (u *OnlyAdd) UpdateType() string  { return "add-only.add" }
func (u *OnlyAdd) Particles() []string { return []string{u.Element} }

// AddOnlySet is a grow-only set. An applied add settles the element's
// particle for good, so applying one widens the held fraction with it.
type AddOnlySet struct {
	base
	elems map[string]struct{}
}

// NewAddOnlySet returns an empty set
func NewAddOnlySet() *AddOnlySet {
	return &AddOnlySet{base: newBase(), elems: make(map[string]struct{})}
}

func (s *AddOnlySet) Kind() Kind { return KindAddOnlySet }

func (s *AddOnlySet) Value() any { return s.Elements() }

func (s *AddOnlySet) Particles() []string { return s.Elements() }

// Elements returns the held elements, sorted
func (s *AddOnlySet) Elements() []string {
	out := make([]string, 0, len(s.elems))
	for e := range s.elems {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Has fetches the element's particle if needed and reports membership
func (s *AddOnlySet) Has(ctx context.Context, e string) (bool, error) {
	if err := s.requireTxn(); err != nil {
		return false, err
	}
	if err := s.fetchParticles(ctx, e); err != nil {
		return false, err
	}
	_, ok := s.elems[e]
	return ok, nil
}

// Add inserts e without fetching anything
func (s *AddOnlySet) Add(e string) error {
	if err := s.requireTxn(); err != nil {
		return err
	}
	if _, ok := s.elems[e]; ok {
		return nil
	}
	u := &OnlyAdd{Element: e}
	if err := s.Apply(u); err != nil {
		return err
	}
	return s.register(u)
}

func (s *AddOnlySet) Apply(u Update) error {
	add, ok := u.(*OnlyAdd)
	if !ok {
		return wrongUpdate(s.Kind(), u)
	}
	s.elems[add.Element] = struct{}{}
	s.widen(shard.NewSet(add.Element))
	return nil
}

func (s *AddOnlySet) Copy() CRDT {
	return s.copyWhere(s.shard, all)
}

func (s *AddOnlySet) CopyFraction(sh shard.Shard) CRDT {
	return s.copyWhere(fractionShard(s.shard, sh), sh.Contains)
}

func (s *AddOnlySet) copyWhere(sh shard.Shard, keep func(string) bool) *AddOnlySet {
	out := &AddOnlySet{base: s.detached(sh), elems: make(map[string]struct{}, len(s.elems))}
	for e := range s.elems {
		if keep(e) {
			out.elems[e] = struct{}{}
		}
	}
	return out
}

func (s *AddOnlySet) MergeSameVersion(other CRDT) error {
	o, ok := other.(*AddOnlySet)
	if !ok {
		return wrongMerge(s.Kind(), other)
	}
	for e := range o.elems {
		s.elems[e] = struct{}{}
	}
	s.widen(o.shard)
	return nil
}
