package crdt

import (
	"context"
	"sort"

	"github.com/devrev/pairdb/scout/internal/shard"
)

func init() {
	Register(KindRemoveOnceSet, func() CRDT { return NewRemoveOnceSet() })
	RegisterUpdate(func() Update { return &OnceAdd{} })
	RegisterUpdate(func() Update { return &OnceRemove{} })
}

// OnceAdd inserts an element that was never removed
type OnceAdd struct {
	Element string `json:"element"`
}

func (u *OnceAdd) UpdateType() string  { return "remove-once.add" }
func (u *OnceAdd) Particles() []string { return []string{u.Element} }

// OnceRemove removes an element for good
type OnceRemove struct {
	Element string `json:"element"`
}

func (u *OnceRemove) UpdateType() string  { return "remove-once.remove" }
func (u *OnceRemove) Particles() []string { return []string{u.Element} }

// RemoveOnceSet is a two-phase set: a removed element never comes back.
// Present and removed elements are both particles.
type RemoveOnceSet struct {
	base
	elems   map[string]struct{}
	removed map[string]struct{}
}

// NewRemoveOnceSet returns an empty set
func NewRemoveOnceSet() *RemoveOnceSet {
	return &RemoveOnceSet{base: newBase(), elems: make(map[string]struct{}), removed: make(map[string]struct{})}
}

func (s *RemoveOnceSet) Kind() Kind { return KindRemoveOnceSet }

func (s *RemoveOnceSet) Value() any { return s.Elements() }

// Elements returns the held present elements, sorted
func (s *RemoveOnceSet) Elements() []string { return sortedKeys(s.elems) }

func (s *RemoveOnceSet) Particles() []string {
	out := make([]string, 0, len(s.elems)+len(s.removed))
	for e := range s.elems {
		out = append(out, e)
	}
	for e := range s.removed {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Lookup fetches the element's particle if needed and reports membership
func (s *RemoveOnceSet) Lookup(ctx context.Context, e string) (bool, error) {
	if err := s.requireTxn(); err != nil {
		return false, err
	}
	if err := s.fetchParticles(ctx, e); err != nil {
		return false, err
	}
	_, ok := s.elems[e]
	return ok, nil
}

// Add inserts e unless it is present or was removed
func (s *RemoveOnceSet) Add(ctx context.Context, e string) error {
	return s.update(ctx, e, &OnceAdd{Element: e})
}

// Remove deletes e for good. Removing an element never added still keeps
// it from being added later.
func (s *RemoveOnceSet) Remove(ctx context.Context, e string) error {
	return s.update(ctx, e, &OnceRemove{Element: e})
}

func (s *RemoveOnceSet) update(ctx context.Context, e string, u Update) error {
	if err := s.requireTxn(); err != nil {
		return err
	}
	if err := s.fetchParticles(ctx, e); err != nil {
		return err
	}
	if _, gone := s.removed[e]; gone {
		return nil
	}
	if _, ok := u.(*OnceAdd); ok {
		if _, present := s.elems[e]; present {
			return nil
		}
	}
	if err := s.Apply(u); err != nil {
		return err
	}
	return s.register(u)
}

func (s *RemoveOnceSet) Apply(u Update) error {
	switch u := u.(type) {
	case *OnceAdd:
		if !s.shard.Contains(u.Element) {
			return nil
		}
		if _, gone := s.removed[u.Element]; !gone {
			s.elems[u.Element] = struct{}{}
		}
	case *OnceRemove:
		if !s.shard.Contains(u.Element) {
			return nil
		}
		delete(s.elems, u.Element)
		s.removed[u.Element] = struct{}{}
	default:
		return wrongUpdate(s.Kind(), u)
	}
	return nil
}

func (s *RemoveOnceSet) Copy() CRDT {
	return s.copyWhere(s.shard, all)
}

func (s *RemoveOnceSet) CopyFraction(sh shard.Shard) CRDT {
	return s.copyWhere(fractionShard(s.shard, sh), sh.Contains)
}

func (s *RemoveOnceSet) copyWhere(sh shard.Shard, keep func(string) bool) *RemoveOnceSet {
	out := &RemoveOnceSet{base: s.detached(sh), elems: make(map[string]struct{}), removed: make(map[string]struct{})}
	for e := range s.elems {
		if keep(e) {
			out.elems[e] = struct{}{}
		}
	}
	for e := range s.removed {
		if keep(e) {
			out.removed[e] = struct{}{}
		}
	}
	return out
}

func (s *RemoveOnceSet) MergeSameVersion(other CRDT) error {
	o, ok := other.(*RemoveOnceSet)
	if !ok {
		return wrongMerge(s.Kind(), other)
	}
	for e := range o.elems {
		if !s.shard.Contains(e) {
			s.elems[e] = struct{}{}
		}
	}
	for e := range o.removed {
		if !s.shard.Contains(e) {
			s.removed[e] = struct{}{}
		}
	}
	s.widen(o.shard)
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
