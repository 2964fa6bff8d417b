package crdt

import (
	"context"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/shard"
)

func init() {
	Register(KindAddWinsSet, func() CRDT { return NewAddWinsSet() })
	RegisterUpdate(func() Update { return &SetAdd{} })
	RegisterUpdate(func() Update { return &SetRemove{} })
}

// SetAdd adds a fresh instance of an element, overwriting the instances the
// adding transaction observed
type SetAdd struct {
	Element     string                  `json:"element"`
	Instance    clock.TripleTimestamp   `json:"instance"`
	Overwritten []clock.TripleTimestamp `json:"overwritten,omitempty"`
}

func (u *SetAdd) UpdateType() string  { return "set.add" }
func (u *SetAdd) Particles() []string { return []string{u.Element} }

// SetRemove removes the instances of an element the removing transaction observed
type SetRemove struct {
	Element string                  `json:"element"`
	Removed []clock.TripleTimestamp `json:"removed"`
}

func (u *SetRemove) UpdateType() string  { return "set.remove" }
func (u *SetRemove) Particles() []string { return []string{u.Element} }

// awState maps every present element to its live add instances
type awState map[string]mapset.Set[clock.TripleTimestamp]

func (s awState) contains(e string) bool {
	_, ok := s[e]
	return ok
}

func (s awState) instances(e string) []clock.TripleTimestamp {
	set, ok := s[e]
	if !ok {
		return nil
	}
	out := set.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (s awState) add(e string, instance clock.TripleTimestamp, overwritten []clock.TripleTimestamp) {
	set, ok := s[e]
	if !ok {
		set = mapset.NewThreadUnsafeSet[clock.TripleTimestamp]()
		s[e] = set
	}
	for _, ts := range overwritten {
		set.Remove(ts)
	}
	set.Add(instance)
}

func (s awState) remove(e string, removed []clock.TripleTimestamp) {
	set, ok := s[e]
	if !ok {
		return
	}
	for _, ts := range removed {
		set.Remove(ts)
	}
	if set.Cardinality() == 0 {
		delete(s, e)
	}
}

func (s awState) elements() []string {
	out := make([]string, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// copyWhere deep-copies the elements accepted by keep
func (s awState) copyWhere(keep func(string) bool) awState {
	out := make(awState, len(s))
	for e, set := range s {
		if keep(e) {
			out[e] = set.Clone()
		}
	}
	return out
}

func all(string) bool { return true }

// AddWinsSet is an observed-remove set where concurrent add and remove of
// the same element leave it present. Elements are its particles.
type AddWinsSet struct {
	base
	elems awState
}

// NewAddWinsSet returns an empty set
func NewAddWinsSet() *AddWinsSet {
	return &AddWinsSet{base: newBase(), elems: make(awState)}
}

func (s *AddWinsSet) Kind() Kind { return KindAddWinsSet }

// Value returns the held elements, sorted
func (s *AddWinsSet) Value() any { return s.elems.elements() }

// Elements returns the held elements, sorted
func (s *AddWinsSet) Elements() []string { return s.elems.elements() }

func (s *AddWinsSet) Particles() []string { return s.elems.elements() }

// Size is the number of held elements
func (s *AddWinsSet) Size() int { return len(s.elems) }

// Contains checks the held fraction without fetching
func (s *AddWinsSet) Contains(e string) bool { return s.elems.contains(e) }

// Lookup fetches the element's particle if needed and reports membership
func (s *AddWinsSet) Lookup(ctx context.Context, e string) (bool, error) {
	if err := s.requireTxn(); err != nil {
		return false, err
	}
	if err := s.fetchParticles(ctx, e); err != nil {
		return false, err
	}
	return s.elems.contains(e), nil
}

// Add inserts e, overwriting the instances currently observed
func (s *AddWinsSet) Add(ctx context.Context, e string) error {
	if err := s.requireTxn(); err != nil {
		return err
	}
	if err := s.fetchParticles(ctx, e); err != nil {
		return err
	}
	return s.addObserved(e)
}

// AddBlind inserts e without fetching it. When e is outside the held
// fraction the update is applied once the particle is fetched.
func (s *AddWinsSet) AddBlind(e string) error {
	if err := s.requireTxn(); err != nil {
		return err
	}
	return s.addObserved(e)
}

func (s *AddWinsSet) addObserved(e string) error {
	ts, err := s.txn.NextTimestamp()
	if err != nil {
		return err
	}
	u := &SetAdd{Element: e, Instance: ts, Overwritten: s.elems.instances(e)}
	if err := s.Apply(u); err != nil {
		return err
	}
	return s.register(u)
}

// Remove deletes the observed instances of e. Removing an absent element is a no-op.
func (s *AddWinsSet) Remove(ctx context.Context, e string) error {
	if err := s.requireTxn(); err != nil {
		return err
	}
	if err := s.fetchParticles(ctx, e); err != nil {
		return err
	}
	removed := s.elems.instances(e)
	if len(removed) == 0 {
		return nil
	}
	u := &SetRemove{Element: e, Removed: removed}
	if err := s.Apply(u); err != nil {
		return err
	}
	return s.register(u)
}

func (s *AddWinsSet) Apply(u Update) error {
	switch u := u.(type) {
	case *SetAdd:
		if s.shard.Contains(u.Element) {
			s.elems.add(u.Element, u.Instance, u.Overwritten)
		}
	case *SetRemove:
		if s.shard.Contains(u.Element) {
			s.elems.remove(u.Element, u.Removed)
		}
	default:
		return wrongUpdate(s.Kind(), u)
	}
	return nil
}

func (s *AddWinsSet) Copy() CRDT {
	return &AddWinsSet{base: s.detached(s.shard), elems: s.elems.copyWhere(all)}
}

func (s *AddWinsSet) CopyFraction(sh shard.Shard) CRDT {
	return &AddWinsSet{
		base:  s.detached(fractionShard(s.shard, sh)),
		elems: s.elems.copyWhere(sh.Contains),
	}
}

func (s *AddWinsSet) MergeSameVersion(other CRDT) error {
	o, ok := other.(*AddWinsSet)
	if !ok {
		return wrongMerge(s.Kind(), other)
	}
	for e, set := range o.elems {
		if !s.shard.Contains(e) {
			s.elems[e] = set.Clone()
		}
	}
	s.widen(o.shard)
	return nil
}
