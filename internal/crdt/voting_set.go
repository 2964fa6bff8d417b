package crdt

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/scout/internal/clock"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/shard"
)

func init() {
	Register(KindVotingSet, func() CRDT { return NewVotingSet() })
	RegisterUpdate(func() Update { return &VotingAdd{} })
	RegisterUpdate(func() Update { return &VotingRemove{} })
	RegisterUpdate(func() Update { return &VotingVote{} })
}

// VotingAdd adds a dated item
type VotingAdd struct {
	Item        string                  `json:"item"`
	Date        int64                   `json:"date"`
	Instance    clock.TripleTimestamp   `json:"instance"`
	Overwritten []clock.TripleTimestamp `json:"overwritten,omitempty"`
}

func (u *VotingAdd) UpdateType() string  { return "voting.add" }
func (u *VotingAdd) Particles() []string { return []string{u.Item} }

// VotingRemove removes the observed instances of an item
type VotingRemove struct {
	Item    string                  `json:"item"`
	Removed []clock.TripleTimestamp `json:"removed"`
}

func (u *VotingRemove) UpdateType() string  { return "voting.remove" }
func (u *VotingRemove) Particles() []string { return []string{u.Item} }

// VotingVote records a vote on an item
type VotingVote struct {
	Item string `json:"item"`
	Vote Vote   `json:"vote"`
}

func (u *VotingVote) UpdateType() string  { return "voting.vote" }
func (u *VotingVote) Particles() []string { return []string{u.Item} }

// VotingSet is an add-wins set of dated items, each with a vote counter,
// that can be listed by date, score, hotness, confidence or controversy.
// Items are its particles.
type VotingSet struct {
	base
	items   awState
	dates   map[string]int64
	votes   map[string]*votes
	indexes map[SortOrder]*sortedIndex
}

// NewVotingSet returns an empty set
func NewVotingSet() *VotingSet {
	return &VotingSet{
		base:  newBase(),
		items: make(awState),
		dates: make(map[string]int64),
		votes: make(map[string]*votes),
	}
}

func (s *VotingSet) Kind() Kind { return KindVotingSet }

// Value returns the held items, sorted by key
func (s *VotingSet) Value() any { return s.items.elements() }

// Items returns the held items, sorted by key
func (s *VotingSet) Items() []string { return s.items.elements() }

// Particles are the items present or voted on
func (s *VotingSet) Particles() []string {
	seen := make(map[string]struct{}, len(s.items)+len(s.votes))
	out := make([]string, 0, len(s.items)+len(s.votes))
	for _, keys := range [][]string{s.items.elements(), keysOf(s.votes), keysOf(s.dates)} {
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}

// Contains checks the held fraction without fetching
func (s *VotingSet) Contains(item string) bool { return s.items.contains(item) }

// Date of an item in unix seconds
func (s *VotingSet) Date(item string) (int64, bool) {
	d, ok := s.dates[item]
	return d, ok
}

// Tally of the votes on an item
func (s *VotingSet) Tally(item string) VoteTally {
	if v, ok := s.votes[item]; ok {
		return v.tally
	}
	return VoteTally{}
}

// VoteOf returns a voter's vote on an item
func (s *VotingSet) VoteOf(item, voter string) Direction {
	if v, ok := s.votes[item]; ok {
		return v.of(voter)
	}
	return Middle
}

// Add inserts a dated item
func (s *VotingSet) Add(ctx context.Context, item string, date int64) error {
	if err := s.requireTxn(); err != nil {
		return err
	}
	if err := s.fetchParticles(ctx, item); err != nil {
		return err
	}
	ts, err := s.txn.NextTimestamp()
	if err != nil {
		return err
	}
	u := &VotingAdd{Item: item, Date: date, Instance: ts, Overwritten: s.items.instances(item)}
	if err := s.Apply(u); err != nil {
		return err
	}
	return s.register(u)
}

// Remove deletes the observed instances of an item
func (s *VotingSet) Remove(ctx context.Context, item string) error {
	if err := s.requireTxn(); err != nil {
		return err
	}
	if err := s.fetchParticles(ctx, item); err != nil {
		return err
	}
	removed := s.items.instances(item)
	if len(removed) == 0 {
		return nil
	}
	u := &VotingRemove{Item: item, Removed: removed}
	if err := s.Apply(u); err != nil {
		return err
	}
	return s.register(u)
}

// Vote replaces a voter's vote on a present item
func (s *VotingSet) Vote(ctx context.Context, item, voter string, dir Direction) error {
	if err := s.requireTxn(); err != nil {
		return err
	}
	if err := s.fetchParticles(ctx, item); err != nil {
		return err
	}
	if !s.items.contains(item) {
		return scouterrors.InvalidArgument(fmt.Sprintf("cannot vote on absent item %q", item), nil)
	}
	v := s.votesOf(item).next(voter, dir)
	u := &VotingVote{Item: item, Vote: *v}
	if err := s.Apply(u); err != nil {
		return err
	}
	return s.register(u)
}

// Find fetches what the listing needs and returns one page of it. At most
// one of after and before may be set.
func (s *VotingSet) Find(ctx context.Context, order SortOrder, after, before string, limit int) ([]string, error) {
	if err := s.requireTxn(); err != nil {
		return nil, err
	}
	q := SortedQuery{Sort: order, After: after, Before: before, Limit: limit}
	if err := s.fetch(ctx, q); err != nil {
		return nil, err
	}
	return s.Page(order, after, before, limit)
}

// Page lists the held items without fetching
func (s *VotingSet) Page(order SortOrder, after, before string, limit int) ([]string, error) {
	if after != "" && before != "" {
		return nil, scouterrors.InvalidArgument("after and before are mutually exclusive", nil)
	}
	if _, err := ParseSortOrder(string(order)); err != nil {
		return nil, scouterrors.InvalidArgument("invalid listing", err)
	}
	return s.index(order).page(after, before, limit), nil
}

func (s *VotingSet) index(order SortOrder) *sortedIndex {
	if s.indexes == nil {
		s.indexes = make(map[SortOrder]*sortedIndex)
	}
	if ix, ok := s.indexes[order]; ok {
		return ix
	}
	ix := newSortedIndex()
	for item := range s.items {
		ix.put(item, rank(order, s.dates[item], s.Tally(item)))
	}
	s.indexes[order] = ix
	return ix
}

func (s *VotingSet) votesOf(item string) *votes {
	v, ok := s.votes[item]
	if !ok {
		v = newVotes()
		s.votes[item] = v
	}
	return v
}

func (s *VotingSet) Apply(u Update) error {
	switch u := u.(type) {
	case *VotingAdd:
		if !s.shard.Contains(u.Item) {
			return nil
		}
		s.items.add(u.Item, u.Instance, u.Overwritten)
		s.dates[u.Item] = u.Date
	case *VotingRemove:
		if !s.shard.Contains(u.Item) {
			return nil
		}
		s.items.remove(u.Item, u.Removed)
	case *VotingVote:
		if !s.shard.Contains(u.Item) {
			return nil
		}
		vote := u.Vote
		s.votesOf(u.Item).apply(&vote)
	default:
		return wrongUpdate(s.Kind(), u)
	}
	s.indexes = nil
	return nil
}

func (s *VotingSet) copyWhere(sh shard.Shard, keep func(string) bool) *VotingSet {
	out := &VotingSet{
		base:  s.detached(sh),
		items: s.items.copyWhere(keep),
		dates: make(map[string]int64),
		votes: make(map[string]*votes),
	}
	for item, d := range s.dates {
		if keep(item) {
			out.dates[item] = d
		}
	}
	for item, v := range s.votes {
		if keep(item) {
			out.votes[item] = v.copy()
		}
	}
	return out
}

func (s *VotingSet) Copy() CRDT {
	return s.copyWhere(s.shard, all)
}

func (s *VotingSet) CopyFraction(sh shard.Shard) CRDT {
	return s.copyWhere(fractionShard(s.shard, sh), sh.Contains)
}

func (s *VotingSet) MergeSameVersion(other CRDT) error {
	o, ok := other.(*VotingSet)
	if !ok {
		return wrongMerge(s.Kind(), other)
	}
	for item, set := range o.items {
		if !s.shard.Contains(item) {
			s.items[item] = set.Clone()
		}
	}
	for item, d := range o.dates {
		if !s.shard.Contains(item) {
			s.dates[item] = d
		}
	}
	for item, v := range o.votes {
		if !s.shard.Contains(item) {
			s.votes[item] = v.copy()
		}
	}
	s.widen(o.shard)
	s.indexes = nil
	return nil
}

// SortedQuery needs the items of one page of a listing. The page depends on
// votes and dates, so it can only be computed on the full object.
type SortedQuery struct {
	Sort   SortOrder
	After  string
	Before string
	Limit  int
}

func (q SortedQuery) ExecuteAt(version CRDT) (shard.Shard, error) {
	set, ok := version.(*VotingSet)
	if !ok {
		return shard.Hollow, scouterrors.InvalidOperation(fmt.Sprintf("sorted query on %s", version.Kind()), nil)
	}
	page, err := set.Page(q.Sort, q.After, q.Before, q.Limit)
	if err != nil {
		return shard.Hollow, err
	}
	for _, anchor := range []string{q.After, q.Before} {
		if anchor != "" {
			page = append(page, anchor)
		}
	}
	return shard.NewSet(page...), nil
}

func (q SortedQuery) IsAvailableIn(s shard.Shard) bool { return s.IsFull() }

func (q SortedQuery) IsSubqueryOf(other Query) bool {
	switch o := other.(type) {
	case FullQuery:
		return true
	case SortedQuery:
		if q.Sort != o.Sort || q.After != o.After || q.Before != o.Before {
			return false
		}
		return o.Limit <= 0 || (q.Limit > 0 && q.Limit <= o.Limit)
	default:
		return false
	}
}

func (SortedQuery) IsStateIndependent() bool { return false }

func (q SortedQuery) String() string {
	return fmt.Sprintf("sorted(%s,after=%s,before=%s,limit=%d)", q.Sort, q.After, q.Before, q.Limit)
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
