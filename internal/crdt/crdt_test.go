package crdt_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var objectID = model.NewObjectID("tests", "object")

// recordingTxn stands in for a transaction handle
type recordingTxn struct {
	client    clock.Timestamp
	secondary uint64
	ops       []crdt.Update
	fetches   []crdt.Query
}

func newRecordingTxn(site string, counter uint64) *recordingTxn {
	return &recordingTxn{client: clock.NewTimestamp(site, counter)}
}

func (r *recordingTxn) NextTimestamp() (clock.TripleTimestamp, error) {
	r.secondary++
	return clock.NewTripleTimestamp(r.client, r.secondary), nil
}

func (r *recordingTxn) RegisterOperation(_ model.ObjectID, u crdt.Update) error {
	r.ops = append(r.ops, u)
	return nil
}

func (r *recordingTxn) Fetch(_ context.Context, _ model.ObjectID, q crdt.Query) error {
	r.fetches = append(r.fetches, q)
	return nil
}

func bind(c crdt.CRDT, txn crdt.TxnContext) {
	c.Bind(objectID, clock.New(), txn)
}

// setHolding returns a full set holding elems
func setHolding(t *testing.T, elems ...string) *crdt.AddWinsSet {
	t.Helper()
	s := crdt.NewAddWinsSet()
	for i, e := range elems {
		ts := clock.NewTripleTimestamp(clock.NewTimestamp("seed", 1), uint64(i+1))
		require.NoError(t, s.Apply(&crdt.SetAdd{Element: e, Instance: ts}))
	}
	return s
}

func applyAll(t *testing.T, c crdt.CRDT, ops ...[]crdt.Update) {
	t.Helper()
	for _, group := range ops {
		for _, op := range group {
			require.NoError(t, c.Apply(op))
		}
	}
}

func TestRegistry_New(t *testing.T) {
	kinds := []crdt.Kind{
		crdt.KindAddWinsSet, crdt.KindLWWRegister, crdt.KindVoteCounter, crdt.KindTombstoneTree, crdt.KindVotingSet,
		crdt.KindAddOnlySet, crdt.KindRemoveOnceSet, crdt.KindMaxRegister,
	}
	for _, kind := range kinds {
		c, err := crdt.New(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, c.Kind())
		assert.True(t, c.Shard().IsFull(), "new objects are fully known")
	}

	_, err := crdt.New("nope")
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidArgument))
	assert.Contains(t, crdt.Kinds(), crdt.KindVotingSet)
}

func TestAddWinsSet_ConcurrentAddAndRemoveScenario(t *testing.T) {
	ctx := context.Background()

	site1 := crdt.NewAddWinsSet()
	txn1 := newRecordingTxn("site1", 1)
	bind(site1, txn1)
	require.NoError(t, site1.Add(ctx, "a"))
	require.NoError(t, site1.Add(ctx, "b"))

	site2 := crdt.NewAddWinsSet()
	txn2 := newRecordingTxn("site2", 1)
	bind(site2, txn2)
	require.NoError(t, site2.Add(ctx, "b"))
	require.NoError(t, site2.Add(ctx, "c"))
	require.NoError(t, site2.Remove(ctx, "a"))

	oneThenTwo := crdt.NewAddWinsSet()
	applyAll(t, oneThenTwo, txn1.ops, txn2.ops)
	twoThenOne := crdt.NewAddWinsSet()
	applyAll(t, twoThenOne, txn2.ops, txn1.ops)

	assert.Equal(t, []string{"a", "b", "c"}, oneThenTwo.Value())
	assert.Equal(t, oneThenTwo.Value(), twoThenOne.Value())
}

func TestAddWinsSet_ConcurrentRemoveOfObservedElement(t *testing.T) {
	ctx := context.Background()
	origin := crdt.NewAddWinsSet()
	txn := newRecordingTxn("origin", 1)
	bind(origin, txn)
	require.NoError(t, origin.Add(ctx, "x"))

	remover := origin.Copy().(*crdt.AddWinsSet)
	removeTxn := newRecordingTxn("b", 2)
	bind(remover, removeTxn)
	require.NoError(t, remover.Remove(ctx, "x"))

	adder := origin.Copy().(*crdt.AddWinsSet)
	addTxn := newRecordingTxn("a", 2)
	bind(adder, addTxn)
	require.NoError(t, adder.Add(ctx, "x"))

	merged := crdt.NewAddWinsSet()
	applyAll(t, merged, txn.ops, removeTxn.ops, addTxn.ops)
	assert.True(t, merged.Contains("x"), "concurrent add wins over remove")

	onlyRemove := crdt.NewAddWinsSet()
	applyAll(t, onlyRemove, txn.ops, removeTxn.ops)
	assert.False(t, onlyRemove.Contains("x"))
}

func TestAddWinsSet_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := crdt.NewAddWinsSet()
	txn := newRecordingTxn("s", 1)
	bind(s, txn)
	require.NoError(t, s.Add(ctx, "a"))

	replay := crdt.NewAddWinsSet()
	applyAll(t, replay, txn.ops, txn.ops)
	assert.Equal(t, []string{"a"}, replay.Value())
}

func TestAddWinsSet_UnboundViewIsReadOnly(t *testing.T) {
	s := crdt.NewAddWinsSet()
	err := s.Add(context.Background(), "a")
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidOperation))
}

func TestAddWinsSet_FractionsAndWidening(t *testing.T) {
	ctx := context.Background()
	full := crdt.NewAddWinsSet()
	txn := newRecordingTxn("s", 1)
	bind(full, txn)
	for _, e := range []string{"a", "b", "c"} {
		require.NoError(t, full.Add(ctx, e))
	}

	fraction := full.CopyFraction(shard.NewSet("a", "z")).(*crdt.AddWinsSet)
	assert.Equal(t, []string{"a"}, fraction.Value())
	assert.True(t, fraction.Shard().Contains("z"))
	assert.False(t, fraction.Shard().Contains("b"))

	ops := len(txn.ops)
	extension := full.CopyFraction(shard.NewSet("b"))
	require.NoError(t, fraction.MergeSameVersion(extension))
	assert.Equal(t, []string{"a", "b"}, fraction.Value())
	assert.True(t, fraction.Shard().ContainsAll([]string{"a", "b", "z"}))
	assert.Equal(t, ops, len(txn.ops), "merging registers nothing")

	outside := &crdt.SetAdd{Element: "q", Instance: clock.NewTripleTimestamp(clock.NewTimestamp("s", 9), 1)}
	require.NoError(t, fraction.Apply(outside))
	assert.False(t, fraction.Contains("q"), "updates outside the shard are ignored")
}

func TestAddWinsSet_AddBlindOutsideShard(t *testing.T) {
	s := setHolding(t, "c").CopyFraction(shard.NewSet("a")).(*crdt.AddWinsSet)
	txn := newRecordingTxn("s", 1)
	bind(s, txn)

	require.NoError(t, s.AddBlind("b"))
	assert.False(t, s.Contains("b"))
	require.Len(t, txn.ops, 1)
	assert.Empty(t, txn.fetches)
}

func TestLWWRegister_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	r := crdt.NewLWWRegister()
	txn := newRecordingTxn("a", 1)
	bind(r, txn)
	require.NoError(t, r.Set(ctx, "first"))

	later := r.Copy().(*crdt.LWWRegister)
	laterTxn := newRecordingTxn("b", 1)
	bind(later, laterTxn)
	require.NoError(t, later.Set(ctx, "second"))

	replica := crdt.NewLWWRegister()
	applyAll(t, replica, laterTxn.ops, txn.ops)
	v, ok := replica.Get()
	assert.True(t, ok)
	assert.Equal(t, "second", v, "a causally later write wins regardless of delivery order")

	concurrentA := &crdt.RegisterSet{Value: "x", Lamport: 5, Instance: clock.NewTripleTimestamp(clock.NewTimestamp("a", 3), 1)}
	concurrentB := &crdt.RegisterSet{Value: "y", Lamport: 5, Instance: clock.NewTripleTimestamp(clock.NewTimestamp("b", 3), 1)}
	ab, ba := crdt.NewLWWRegister(), crdt.NewLWWRegister()
	applyAll(t, ab, []crdt.Update{concurrentA, concurrentB})
	applyAll(t, ba, []crdt.Update{concurrentB, concurrentA})
	assert.Equal(t, ab.Value(), ba.Value())
	assert.Equal(t, "y", ab.Value())
}

func TestVoteCounter_TieBreak(t *testing.T) {
	tests := []struct {
		name     string
		votes    []crdt.Direction
		expected crdt.Direction
	}{
		{"up beats down", []crdt.Direction{crdt.Down, crdt.Up}, crdt.Up},
		{"up beats middle", []crdt.Direction{crdt.Up, crdt.Middle}, crdt.Up},
		{"middle beats down", []crdt.Direction{crdt.Middle, crdt.Down}, crdt.Middle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forward, backward := crdt.NewVoteCounter(), crdt.NewVoteCounter()
			for i := range tt.votes {
				require.NoError(t, forward.Apply(&crdt.Vote{Voter: "alice", Direction: tt.votes[i], Seq: 1}))
				require.NoError(t, backward.Apply(&crdt.Vote{Voter: "alice", Direction: tt.votes[len(tt.votes)-1-i], Seq: 1}))
			}
			assert.Equal(t, tt.expected, forward.VoteOf("alice"))
			assert.Equal(t, tt.expected, backward.VoteOf("alice"))
			assert.Equal(t, forward.Tally(), backward.Tally())
		})
	}
}

func TestVoteCounter_LaterSequenceWins(t *testing.T) {
	ctx := context.Background()
	c := crdt.NewVoteCounter()
	txn := newRecordingTxn("s", 1)
	bind(c, txn)

	require.NoError(t, c.Vote(ctx, "alice", crdt.Up))
	require.NoError(t, c.Vote(ctx, "bob", crdt.Up))
	require.NoError(t, c.Vote(ctx, "alice", crdt.Down))

	assert.Equal(t, crdt.VoteTally{Up: 1, Down: 1}, c.Tally())
	assert.Equal(t, 0, c.Tally().Score())

	stale := &crdt.Vote{Voter: "alice", Direction: crdt.Up, Seq: 1}
	require.NoError(t, c.Apply(stale))
	assert.Equal(t, crdt.Down, c.VoteOf("alice"), "an older vote never overrides a newer one")
}

func TestTombstoneTree_AddRemove(t *testing.T) {
	ctx := context.Background()
	tree := crdt.NewTombstoneTree()
	txn := newRecordingTxn("s", 1)
	bind(tree, txn)

	post, err := tree.Add(ctx, crdt.RootKey, "post 1")
	require.NoError(t, err)
	assert.Equal(t, "/post%201", post)

	reply, err := tree.Add(ctx, post, "reply")
	require.NoError(t, err)
	parent, ok := crdt.ParentKey(reply)
	require.True(t, ok)
	assert.Equal(t, post, parent)

	_, err = tree.Add(ctx, "/missing", "x")
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidArgument))

	require.NoError(t, tree.Remove(ctx, post))
	exists, removed := tree.Lookup(post)
	assert.True(t, exists)
	assert.True(t, removed)
	assert.Empty(t, tree.Children(crdt.RootKey))
	assert.Equal(t, []string{reply}, tree.Children(post), "children of a tombstone stay reachable")

	again, err := tree.Add(ctx, crdt.RootKey, "post 1")
	require.NoError(t, err)
	assert.Equal(t, post, again)
	_, removed = tree.Lookup(post)
	assert.True(t, removed, "removal is permanent")

	replica := crdt.NewTombstoneTree()
	applyAll(t, replica, txn.ops)
	assert.Equal(t, tree.Nodes(), replica.Nodes())
}

func TestTombstoneTree_FractionKeepsAncestors(t *testing.T) {
	ctx := context.Background()
	tree := crdt.NewTombstoneTree()
	txn := newRecordingTxn("s", 1)
	bind(tree, txn)
	a, _ := tree.Add(ctx, crdt.RootKey, "a")
	b, _ := tree.Add(ctx, a, "b")
	c, _ := tree.Add(ctx, b, "c")
	_, _ = tree.Add(ctx, crdt.RootKey, "other")

	fraction := tree.CopyFraction(shard.NewSet(c)).(*crdt.TombstoneTree)
	assert.Equal(t, 3, fraction.Size())
	assert.True(t, fraction.Shard().ContainsAll([]string{a, b, c}))
	assert.False(t, fraction.Shard().Contains("/other"))

	q := crdt.ChildrenQuery{Node: crdt.RootKey}
	needed, err := q.ExecuteAt(tree)
	require.NoError(t, err)
	extension := tree.CopyFraction(needed)
	require.NoError(t, fraction.MergeSameVersion(extension))
	assert.Equal(t, []string{a, "/other"}, fraction.Children(crdt.RootKey))
}

func TestTombstoneTree_VotesAndSortedChildren(t *testing.T) {
	ctx := context.Background()
	tree := crdt.NewTombstoneTree()
	txn := newRecordingTxn("s", 1)
	bind(tree, txn)

	a, err := tree.AddDated(ctx, crdt.RootKey, "a", 100)
	require.NoError(t, err)
	b, err := tree.AddDated(ctx, crdt.RootKey, "b", 200)
	require.NoError(t, err)
	c, err := tree.AddDated(ctx, crdt.RootKey, "c", 300)
	require.NoError(t, err)
	require.NoError(t, tree.Vote(ctx, a, "u1", crdt.Up))
	require.NoError(t, tree.Vote(ctx, a, "u2", crdt.Up))
	require.NoError(t, tree.Vote(ctx, c, "u1", crdt.Down))

	assert.Equal(t, crdt.VoteTally{Up: 2}, tree.Tally(a))
	assert.Equal(t, crdt.Down, tree.VoteOf(c, "u1"))
	assert.Equal(t, crdt.Middle, tree.VoteOf(b, "u1"))

	tests := []struct {
		order crdt.SortOrder
		want  []string
	}{
		{crdt.SortNew, []string{c, b, a}},
		{crdt.SortOld, []string{a, b, c}},
		{crdt.SortTop, []string{a, b, c}},
	}
	for _, tt := range tests {
		t.Run(string(tt.order), func(t *testing.T) {
			got, err := tree.SortedChildren(ctx, crdt.RootKey, tt.order)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = tree.SortedChildren(ctx, crdt.RootKey, "sideways")
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidArgument))
	err = tree.Vote(ctx, "/missing", "u1", crdt.Up)
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidArgument))

	replica := crdt.NewTombstoneTree()
	applyAll(t, replica, txn.ops)
	assert.Equal(t, tree.Nodes(), replica.Nodes())
	assert.Equal(t, tree.Tally(a), replica.Tally(a))

	fraction := tree.CopyFraction(shard.NewSet(a)).(*crdt.TombstoneTree)
	assert.Equal(t, crdt.VoteTally{Up: 2}, fraction.Tally(a), "votes travel with their node")
	assert.Equal(t, crdt.VoteTally{}, fraction.Tally(c))
}

func TestTombstoneTree_Subtree(t *testing.T) {
	ctx := context.Background()
	tree := crdt.NewTombstoneTree()
	bind(tree, newRecordingTxn("s", 1))

	a, _ := tree.AddDated(ctx, crdt.RootKey, "a", 100)
	b, _ := tree.AddDated(ctx, crdt.RootKey, "b", 300)
	a1, _ := tree.AddDated(ctx, a, "a1", 200)
	b1, _ := tree.AddDated(ctx, b, "b1", 50)

	tests := []struct {
		name   string
		node   string
		levels int
		limit  int
		want   []string
	}{
		{"whole tree best first", crdt.RootKey, 0, 0, []string{b, a, a1, b1}},
		{"limited", crdt.RootKey, 0, 2, []string{b, a}},
		{"below a node", a, 0, 0, []string{a1}},
		{"with the parent's other children", a, 1, 0, []string{b, a1, b1}},
		{"unknown node", "/zzz", 0, 0, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tree.SortedSubtree(ctx, tt.node, tt.levels, crdt.SortNew, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	require.NoError(t, tree.Remove(ctx, b1))
	got, err := tree.Subtree(crdt.RootKey, 0, crdt.SortNew, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{b, a, a1}, got)
}

func TestSortedSubtreeQuery(t *testing.T) {
	ctx := context.Background()
	tree := crdt.NewTombstoneTree()
	bind(tree, newRecordingTxn("s", 1))
	a, _ := tree.AddDated(ctx, crdt.RootKey, "a", 100)
	a1, _ := tree.AddDated(ctx, a, "a1", 200)
	_, _ = tree.AddDated(ctx, a, "a2", 150)
	_, _ = tree.AddDated(ctx, crdt.RootKey, "b", 300)

	q := crdt.SortedSubtreeQuery{Node: a, Sort: crdt.SortNew, Limit: 1}
	needed, err := q.ExecuteAt(tree)
	require.NoError(t, err)
	assert.True(t, needed.ContainsAll([]string{a, a1}))
	assert.False(t, needed.Contains("/b"))

	fraction := tree.CopyFraction(needed).(*crdt.TombstoneTree)
	got, err := fraction.Subtree(a, 0, crdt.SortNew, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{a1}, got, "the fetched fraction answers the listing")

	longer := crdt.SortedSubtreeQuery{Node: a, Sort: crdt.SortNew, Limit: 5}
	unlimited := crdt.SortedSubtreeQuery{Node: a, Sort: crdt.SortNew}
	assert.True(t, q.IsSubqueryOf(longer))
	assert.True(t, longer.IsSubqueryOf(unlimited))
	assert.False(t, longer.IsSubqueryOf(q))
	assert.False(t, unlimited.IsSubqueryOf(longer))
	assert.False(t, q.IsSubqueryOf(crdt.SortedSubtreeQuery{Node: a, Sort: crdt.SortTop, Limit: 5}))
	assert.False(t, q.IsSubqueryOf(crdt.SortedSubtreeQuery{Node: a, Context: 1, Sort: crdt.SortNew, Limit: 5}))
	assert.False(t, q.IsAvailableIn(needed))
	assert.True(t, q.IsAvailableIn(shard.Full))
	assert.False(t, q.IsStateIndependent())

	_, err = q.ExecuteAt(crdt.NewAddWinsSet())
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidOperation))
}

func TestAddOnlySet_AddWidensHeldFraction(t *testing.T) {
	ctx := context.Background()
	hollow := crdt.NewAddOnlySet().CopyFraction(shard.Hollow).(*crdt.AddOnlySet)
	txn := newRecordingTxn("s", 1)
	bind(hollow, txn)

	require.NoError(t, hollow.Add("x"))
	require.NoError(t, hollow.Add("x"))
	assert.Len(t, txn.ops, 1, "adding a present element records nothing")
	assert.True(t, hollow.Shard().Contains("x"))

	ok, err := hollow.Has(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, txn.fetches, "an added element needs no fetch")

	_, err = hollow.Has(ctx, "y")
	require.NoError(t, err)
	require.Len(t, txn.fetches, 1)
	assert.Equal(t, crdt.NewFractionQuery("y"), txn.fetches[0])

	replica := crdt.NewAddOnlySet().CopyFraction(shard.Hollow)
	applyAll(t, replica, txn.ops)
	assert.Equal(t, []string{"x"}, replica.Value())

	other := crdt.NewAddOnlySet()
	require.NoError(t, other.Apply(&crdt.OnlyAdd{Element: "z"}))
	require.NoError(t, replica.MergeSameVersion(other))
	assert.Equal(t, []string{"x", "z"}, replica.Value())
	assert.True(t, replica.Shard().IsFull())
}

func TestRemoveOnceSet_RemovedNeverComesBack(t *testing.T) {
	ctx := context.Background()
	set := crdt.NewRemoveOnceSet()
	txn := newRecordingTxn("s", 1)
	bind(set, txn)

	require.NoError(t, set.Add(ctx, "a"))
	require.NoError(t, set.Add(ctx, "keep"))
	require.NoError(t, set.Remove(ctx, "a"))
	require.NoError(t, set.Add(ctx, "a"))
	require.NoError(t, set.Remove(ctx, "b"))
	require.NoError(t, set.Add(ctx, "b"))

	assert.Equal(t, []string{"keep"}, set.Elements())
	assert.Equal(t, []string{"a", "b", "keep"}, set.Particles())
	assert.Len(t, txn.ops, 4, "adds of removed elements record nothing")
	ok, err := set.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	tests := []struct {
		name string
		ops  []crdt.Update
	}{
		{"remove first", []crdt.Update{&crdt.OnceRemove{Element: "x"}, &crdt.OnceAdd{Element: "x"}}},
		{"add first", []crdt.Update{&crdt.OnceAdd{Element: "x"}, &crdt.OnceRemove{Element: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replica := crdt.NewRemoveOnceSet()
			applyAll(t, replica, tt.ops)
			assert.Empty(t, replica.Elements())
		})
	}

	fraction := set.CopyFraction(shard.NewSet("a")).(*crdt.RemoveOnceSet)
	require.NoError(t, fraction.Apply(&crdt.OnceAdd{Element: "keep2"}))
	assert.Empty(t, fraction.Elements(), "updates outside the fraction wait for a fetch")
	require.NoError(t, fraction.MergeSameVersion(set))
	assert.Equal(t, []string{"keep"}, fraction.Elements())
}

func TestMaxRegister_KeepsMaximum(t *testing.T) {
	ctx := context.Background()
	r := crdt.NewMaxRegister()
	txn := newRecordingTxn("s", 1)
	bind(r, txn)

	_, written := r.Get()
	assert.False(t, written)
	require.NoError(t, r.Set(ctx, 5))
	require.NoError(t, r.Set(ctx, 3))
	require.NoError(t, r.Set(ctx, 7))
	v, written := r.Get()
	assert.True(t, written)
	assert.Equal(t, int64(7), v)
	assert.Len(t, txn.ops, 2, "a smaller value records nothing")

	replica := crdt.NewMaxRegister()
	applyAll(t, replica, []crdt.Update{&crdt.MaxSet{Value: 7}, &crdt.MaxSet{Value: 5}, &crdt.MaxSet{Value: -1}})
	assert.Equal(t, int64(7), replica.Value())

	hollow := r.CopyFraction(shard.Hollow).(*crdt.MaxRegister)
	require.NoError(t, hollow.Apply(&crdt.MaxSet{Value: 100}))
	_, written = hollow.Get()
	assert.False(t, written)
	require.NoError(t, hollow.MergeSameVersion(r))
	v, _ = hollow.Get()
	assert.Equal(t, int64(7), v)
}

func TestVotingSet_FindOrders(t *testing.T) {
	ctx := context.Background()
	set := crdt.NewVotingSet()
	txn := newRecordingTxn("s", 1)
	bind(set, txn)

	require.NoError(t, set.Add(ctx, "old", 1_200_000_000))
	require.NoError(t, set.Add(ctx, "mid", 1_300_000_000))
	require.NoError(t, set.Add(ctx, "new", 1_400_000_000))
	require.NoError(t, set.Vote(ctx, "old", "u1", crdt.Up))
	require.NoError(t, set.Vote(ctx, "old", "u2", crdt.Up))
	require.NoError(t, set.Vote(ctx, "mid", "u1", crdt.Down))

	newest, err := set.Find(ctx, crdt.SortNew, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid", "old"}, newest)

	oldest, err := set.Find(ctx, crdt.SortOld, "", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "mid"}, oldest)

	top, err := set.Find(ctx, crdt.SortTop, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new", "mid"}, top)

	afterOld, err := set.Find(ctx, crdt.SortTop, "old", "", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, afterOld)

	beforeMid, err := set.Find(ctx, crdt.SortTop, "", "mid", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, beforeMid)

	unknown, err := set.Find(ctx, crdt.SortTop, "ghost", "", 5)
	require.NoError(t, err)
	assert.Empty(t, unknown)

	_, err = set.Find(ctx, crdt.SortTop, "old", "mid", 5)
	assert.Error(t, err)

	assert.Error(t, set.Vote(ctx, "ghost", "u1", crdt.Up))
}

func TestVotingSet_IndexesFollowUpdates(t *testing.T) {
	ctx := context.Background()
	set := crdt.NewVotingSet()
	txn := newRecordingTxn("s", 1)
	bind(set, txn)
	require.NoError(t, set.Add(ctx, "a", 100))
	require.NoError(t, set.Add(ctx, "b", 200))

	first, err := set.Page(crdt.SortTop, "", "", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, first, "ties are listed by key")

	require.NoError(t, set.Vote(ctx, "b", "u", crdt.Up))
	first, err = set.Page(crdt.SortTop, "", "", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, first)

	require.NoError(t, set.Remove(ctx, "b"))
	first, err = set.Page(crdt.SortTop, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, first)
}

func TestVoteScores(t *testing.T) {
	assert.Zero(t, crdt.Confidence(0, 0))
	assert.Greater(t, crdt.Confidence(10, 0), crdt.Confidence(1, 0), "more votes give more confidence")
	assert.Greater(t, crdt.Confidence(10, 1), crdt.Confidence(10, 5))

	assert.Equal(t, 1.0, crdt.Hotness(1134028003, 10, 0))
	assert.Greater(t, crdt.Hotness(1134028003+90000, 1, 0), crdt.Hotness(1134028003, 1, 0))
	assert.Less(t, crdt.Hotness(1134028003+90000, 0, 1), crdt.Hotness(1134028003, 0, 1))

	assert.Equal(t, 10.0, crdt.Controversy(5, 5))
	assert.Equal(t, 1.0, crdt.Controversy(5, 0))
}

func TestQueries_Subsumption(t *testing.T) {
	full := crdt.FullQuery{}
	hollow := crdt.HollowQuery{}
	ab := crdt.NewFractionQuery("a", "b")
	a := crdt.NewFractionQuery("a")
	interval := crdt.IntervalQuery{FromExclusive: "", ToInclusive: "c"}
	top5 := crdt.SortedQuery{Sort: crdt.SortTop, Limit: 5}
	top10 := crdt.SortedQuery{Sort: crdt.SortTop, Limit: 10}
	children := crdt.ChildrenQuery{Node: "/a"}

	queries := []crdt.Query{full, hollow, ab, a, interval, top5, top10, children}
	for _, q := range queries {
		assert.True(t, q.IsSubqueryOf(q), "%s is reflexive", q)
		assert.True(t, q.IsSubqueryOf(full), "%s is subsumed by full", q)
		assert.True(t, hollow.IsSubqueryOf(q))
	}

	assert.True(t, a.IsSubqueryOf(ab))
	assert.False(t, ab.IsSubqueryOf(a))
	assert.True(t, ab.IsSubqueryOf(interval))
	assert.True(t, top5.IsSubqueryOf(top10))
	assert.False(t, top10.IsSubqueryOf(top5))
	assert.False(t, full.IsSubqueryOf(ab))

	for _, x := range queries {
		for _, y := range queries {
			for _, z := range queries {
				if x.IsSubqueryOf(y) && y.IsSubqueryOf(z) {
					assert.True(t, x.IsSubqueryOf(z), "%s <= %s <= %s", x, y, z)
				}
			}
		}
	}
}

func TestQueries_Availability(t *testing.T) {
	fraction := shard.NewSet("a", "b")

	assert.True(t, crdt.NewFractionQuery("a").IsAvailableIn(fraction))
	assert.False(t, crdt.NewFractionQuery("c").IsAvailableIn(fraction))
	assert.True(t, crdt.HollowQuery{}.IsAvailableIn(shard.Hollow))
	assert.False(t, crdt.FullQuery{}.IsAvailableIn(fraction))
	assert.False(t, crdt.SortedQuery{Sort: crdt.SortNew}.IsAvailableIn(fraction))
	assert.True(t, crdt.SortedQuery{Sort: crdt.SortNew}.IsAvailableIn(shard.Full))
	assert.True(t, crdt.IntervalQuery{FromExclusive: "a", ToInclusive: "c"}.IsAvailableIn(shard.NewInterval("", "z")))
}

func TestUpdatesGroup_JSONRoundTrip(t *testing.T) {
	mapping := clock.NewTimestampMapping(clock.NewTimestamp("scout", 4))
	mapping.AddSystem(clock.NewTimestamp("dc", 9))
	g := crdt.NewUpdatesGroup(objectID, crdt.KindVotingSet, mapping, clock.FromTimestamps(clock.NewTimestamp("dc", 8)))
	g.Create = true
	g.Append(&crdt.VotingAdd{Item: "a", Date: 10, Instance: clock.NewTripleTimestamp(mapping.Client, 1)})
	g.Append(&crdt.VotingVote{Item: "a", Vote: crdt.Vote{Voter: "u", Direction: crdt.Up, Seq: 1}})

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var decoded crdt.UpdatesGroup
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, g.ID, decoded.ID)
	assert.Equal(t, g.Mapping, decoded.Mapping)
	assert.True(t, g.Dependency.Equal(decoded.Dependency))
	assert.True(t, decoded.Create)
	assert.Equal(t, g.Ops, decoded.Ops)
}

func TestUpdatesGroup_ApplyOverlapping(t *testing.T) {
	g := crdt.NewUpdatesGroup(objectID, crdt.KindAddWinsSet, clock.NewTimestampMapping(clock.NewTimestamp("s", 1)), clock.New())
	ts := clock.NewTripleTimestamp(clock.NewTimestamp("s", 1), 1)
	g.Append(&crdt.SetAdd{Element: "a", Instance: ts})
	g.Append(&crdt.SetAdd{Element: "b", Instance: ts})

	view := setHolding(t, "c").CopyFraction(shard.NewSet("a"))
	applied, err := g.ApplyOverlapping(view)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	require.Len(t, g.Ops, 1)
	assert.Equal(t, "b", g.Ops[0].(*crdt.SetAdd).Element)
	assert.Equal(t, []string{"a"}, view.Value())
}
