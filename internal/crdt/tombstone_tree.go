package crdt

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/btree"

	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/shard"
)

func init() {
	Register(KindTombstoneTree, func() CRDT { return NewTombstoneTree() })
	RegisterUpdate(func() Update { return &TreeAdd{} })
	RegisterUpdate(func() Update { return &TreeRemove{} })
	RegisterUpdate(func() Update { return &TreeVote{} })
}

// RootKey is the key of the root node, which always exists
const RootKey = ""

// NodeKey derives the identity of the node holding value under parent
func NodeKey(parent, value string) string {
	return parent + "/" + url.PathEscape(value)
}

// ParentKey returns the key of a node's parent
func ParentKey(key string) (string, bool) {
	if key == RootKey {
		return "", false
	}
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return "", false
	}
	return key[:i], true
}

// ancestors lists the non-root ancestors of a key, nearest first
func ancestors(key string) []string {
	var out []string
	for {
		parent, ok := ParentKey(key)
		if !ok || parent == RootKey {
			return out
		}
		out = append(out, parent)
		key = parent
	}
}

func depth(key string) int {
	return strings.Count(key, "/")
}

// TreeAdd creates the node holding Value under Parent. Date, in unix
// seconds, orders the node in dated listings.
type TreeAdd struct {
	Parent string `json:"parent"`
	Value  string `json:"value"`
	Date   int64  `json:"date,omitempty"`
}

func (u *TreeAdd) UpdateType() string  { return "tree.add" }
func (u *TreeAdd) Particles() []string { return []string{NodeKey(u.Parent, u.Value)} }

// TreeRemove marks a node removed
type TreeRemove struct {
	Node string `json:"node"`
}

func (u *TreeRemove) UpdateType() string  { return "tree.remove" }
func (u *TreeRemove) Particles() []string { return []string{u.Node} }

// TreeVote records a vote on a node
type TreeVote struct {
	Node string `json:"node"`
	Vote Vote   `json:"vote"`
}

func (u *TreeVote) UpdateType() string  { return "tree.vote" }
func (u *TreeVote) Particles() []string { return []string{u.Node} }

// TreeNode is the public view of one node
type TreeNode struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Parent  string `json:"parent"`
	Removed bool   `json:"removed,omitempty"`
	Date    int64  `json:"date,omitempty"`
}

type treeSlot struct {
	key      string
	value    string
	date     int64
	parent   int
	removed  bool
	children []int
}

// TombstoneTree is a tree of immutable, votable nodes. Nodes live in an
// arena and refer to their parent by index; removal only sets a tombstone,
// so the slot and the paths through it stay valid. Node keys are its
// particles, and the votes on a node travel with it.
type TombstoneTree struct {
	base
	slots []treeSlot
	index map[string]int
	votes map[string]*votes
}

// NewTombstoneTree returns a tree holding only the root
func NewTombstoneTree() *TombstoneTree {
	return &TombstoneTree{
		base:  newBase(),
		slots: []treeSlot{{key: RootKey, parent: -1}},
		index: map[string]int{RootKey: 0},
		votes: make(map[string]*votes),
	}
}

func (t *TombstoneTree) Kind() Kind { return KindTombstoneTree }

// Value lists every held node except the root, sorted by key
func (t *TombstoneTree) Value() any { return t.Nodes() }

// Nodes lists every held node except the root, sorted by key
func (t *TombstoneTree) Nodes() []TreeNode {
	out := make([]TreeNode, 0, len(t.slots)-1)
	for _, s := range t.slots[1:] {
		out = append(out, TreeNode{Key: s.key, Value: s.value, Parent: t.slots[s.parent].key, Removed: s.removed, Date: s.date})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (t *TombstoneTree) Particles() []string {
	out := make([]string, 0, len(t.slots)-1)
	for _, s := range t.slots[1:] {
		out = append(out, s.key)
	}
	return out
}

// Lookup reports whether a node is held and whether it is removed
func (t *TombstoneTree) Lookup(key string) (exists, removed bool) {
	i, ok := t.index[key]
	if !ok {
		return false, false
	}
	return true, t.slots[i].removed
}

// Size counts held nodes, tombstones included
func (t *TombstoneTree) Size() int { return len(t.slots) - 1 }

// Children lists the live children of a held node, sorted by key
func (t *TombstoneTree) Children(key string) []string {
	i, ok := t.index[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(t.slots[i].children))
	for _, c := range t.slots[i].children {
		if !t.slots[c].removed {
			out = append(out, t.slots[c].key)
		}
	}
	sort.Strings(out)
	return out
}

// FetchChildren widens the view with a node's children and lists them
func (t *TombstoneTree) FetchChildren(ctx context.Context, key string) ([]string, error) {
	if err := t.requireTxn(); err != nil {
		return nil, err
	}
	if err := t.fetch(ctx, ChildrenQuery{Node: key}); err != nil {
		return nil, err
	}
	return t.Children(key), nil
}

// Add creates an undated node under parent
func (t *TombstoneTree) Add(ctx context.Context, parent, value string) (string, error) {
	return t.AddDated(ctx, parent, value, 0)
}

// AddDated creates a node under parent, which must be held or be the root.
// Adding an existing node is a no-op, even when it is removed.
func (t *TombstoneTree) AddDated(ctx context.Context, parent, value string, date int64) (string, error) {
	if err := t.requireTxn(); err != nil {
		return "", err
	}
	key := NodeKey(parent, value)
	particles := []string{key}
	if parent != RootKey {
		particles = append(particles, parent)
	}
	if err := t.fetchParticles(ctx, particles...); err != nil {
		return "", err
	}
	if _, ok := t.index[key]; ok {
		return key, nil
	}
	if _, ok := t.index[parent]; !ok {
		return "", scouterrors.InvalidArgument(fmt.Sprintf("parent node %q is unknown", parent), nil)
	}
	u := &TreeAdd{Parent: parent, Value: value, Date: date}
	if err := t.Apply(u); err != nil {
		return "", err
	}
	return key, t.register(u)
}

// Remove tombstones a held node. Removing it again is a no-op.
func (t *TombstoneTree) Remove(ctx context.Context, key string) error {
	if err := t.requireTxn(); err != nil {
		return err
	}
	if err := t.fetchParticles(ctx, key); err != nil {
		return err
	}
	i, ok := t.index[key]
	if !ok || key == RootKey {
		return scouterrors.InvalidArgument(fmt.Sprintf("node %q is unknown", key), nil)
	}
	if t.slots[i].removed {
		return nil
	}
	u := &TreeRemove{Node: key}
	if err := t.Apply(u); err != nil {
		return err
	}
	return t.register(u)
}

// Vote replaces a voter's vote on a held node, removed or not
func (t *TombstoneTree) Vote(ctx context.Context, key, voter string, dir Direction) error {
	if err := t.requireTxn(); err != nil {
		return err
	}
	if err := t.fetchParticles(ctx, key); err != nil {
		return err
	}
	if _, ok := t.index[key]; !ok || key == RootKey {
		return scouterrors.InvalidArgument(fmt.Sprintf("cannot vote on unknown node %q", key), nil)
	}
	v := t.votesOf(key).next(voter, dir)
	u := &TreeVote{Node: key, Vote: *v}
	if err := t.Apply(u); err != nil {
		return err
	}
	return t.register(u)
}

// Tally of the votes on a node
func (t *TombstoneTree) Tally(key string) VoteTally {
	if v, ok := t.votes[key]; ok {
		return v.tally
	}
	return VoteTally{}
}

// VoteOf returns a voter's vote on a node
func (t *TombstoneTree) VoteOf(key, voter string) Direction {
	if v, ok := t.votes[key]; ok {
		return v.of(voter)
	}
	return Middle
}

func (t *TombstoneTree) votesOf(key string) *votes {
	v, ok := t.votes[key]
	if !ok {
		v = newVotes()
		t.votes[key] = v
	}
	return v
}

// rankOf is the listing rank of the node in slot i
func (t *TombstoneTree) rankOf(order SortOrder, i int) rankedItem {
	s := t.slots[i]
	return rankedItem{rank: rank(order, s.date, t.Tally(s.key)), key: s.key}
}

// SortedChildren widens the view with a node's children and lists the
// live ones in listing order
func (t *TombstoneTree) SortedChildren(ctx context.Context, key string, order SortOrder) ([]string, error) {
	if err := t.requireTxn(); err != nil {
		return nil, err
	}
	if _, err := ParseSortOrder(string(order)); err != nil {
		return nil, scouterrors.InvalidArgument("invalid listing", err)
	}
	if err := t.fetch(ctx, ChildrenQuery{Node: key}); err != nil {
		return nil, err
	}
	i, ok := t.index[key]
	if !ok {
		return []string{}, nil
	}
	ix := newSortedIndex()
	for _, c := range t.slots[i].children {
		if !t.slots[c].removed {
			r := t.rankOf(order, c)
			ix.put(r.key, r.rank)
		}
	}
	return ix.page("", "", 0), nil
}

// SortedSubtree fetches what the listing needs and returns it
func (t *TombstoneTree) SortedSubtree(ctx context.Context, key string, levels int, order SortOrder, limit int) ([]string, error) {
	if err := t.requireTxn(); err != nil {
		return nil, err
	}
	if err := t.fetch(ctx, SortedSubtreeQuery{Node: key, Context: levels, Sort: order, Limit: limit}); err != nil {
		return nil, err
	}
	return t.Subtree(key, levels, order, limit)
}

// Subtree lists live nodes below key best first without fetching. The
// children of key and of its nearest levels ancestors are the first
// candidates; every listed node makes its own children candidates.
// limit <= 0 means no limit.
func (t *TombstoneTree) Subtree(key string, levels int, order SortOrder, limit int) ([]string, error) {
	if _, err := ParseSortOrder(string(order)); err != nil {
		return nil, scouterrors.InvalidArgument("invalid listing", err)
	}
	out := []string{}
	start, ok := t.index[key]
	if !ok {
		return out, nil
	}

	candidates := btree.NewG[rankedItem](16, rankedLess)
	seen := map[int]struct{}{start: {}}
	offer := func(parent int) {
		for _, c := range t.slots[parent].children {
			if _, dup := seen[c]; dup || t.slots[c].removed {
				continue
			}
			seen[c] = struct{}{}
			candidates.ReplaceOrInsert(t.rankOf(order, c))
		}
	}

	offer(start)
	for p, level := t.slots[start].parent, 0; p >= 0 && level < levels; p, level = t.slots[p].parent, level+1 {
		seen[p] = struct{}{}
		offer(p)
	}
	for candidates.Len() > 0 && (limit <= 0 || len(out) < limit) {
		best, _ := candidates.DeleteMin()
		out = append(out, best.key)
		offer(t.index[best.key])
	}
	return out, nil
}

func (t *TombstoneTree) Apply(u Update) error {
	switch u := u.(type) {
	case *TreeAdd:
		key := NodeKey(u.Parent, u.Value)
		if !t.shard.Contains(key) {
			return nil
		}
		t.insert(key, u.Value, u.Parent, u.Date, false)
	case *TreeRemove:
		if !t.shard.Contains(u.Node) {
			return nil
		}
		if i, ok := t.index[u.Node]; ok && i != 0 {
			t.slots[i].removed = true
		}
	case *TreeVote:
		if !t.shard.Contains(u.Node) {
			return nil
		}
		vote := u.Vote
		t.votesOf(u.Node).apply(&vote)
	default:
		return wrongUpdate(t.Kind(), u)
	}
	return nil
}

// insert adds a slot unless the key exists or the parent is not held
func (t *TombstoneTree) insert(key, value, parentKey string, date int64, removed bool) {
	if _, ok := t.index[key]; ok {
		return
	}
	p, ok := t.index[parentKey]
	if !ok {
		return
	}
	t.slots = append(t.slots, treeSlot{key: key, value: value, date: date, parent: p, removed: removed})
	i := len(t.slots) - 1
	t.index[key] = i
	t.slots[p].children = append(t.slots[p].children, i)
}

// copyWhere rebuilds the arena with the accepted nodes, parents first
func (t *TombstoneTree) copyWhere(sh shard.Shard, keep func(string) bool) *TombstoneTree {
	out := NewTombstoneTree()
	out.base = t.detached(sh)
	kept := make([]int, 0, len(t.slots)-1)
	for i, s := range t.slots[1:] {
		if keep(s.key) {
			kept = append(kept, i+1)
		}
	}
	sort.Slice(kept, func(a, b int) bool { return depth(t.slots[kept[a]].key) < depth(t.slots[kept[b]].key) })
	for _, i := range kept {
		s := t.slots[i]
		out.insert(s.key, s.value, t.slots[s.parent].key, s.date, s.removed)
	}
	for key, v := range t.votes {
		if keep(key) {
			out.votes[key] = v.copy()
		}
	}
	return out
}

func (t *TombstoneTree) Copy() CRDT {
	return t.copyWhere(t.shard, all)
}

// CopyFraction keeps the requested nodes and their ancestors, so every
// held node is reachable from the root
func (t *TombstoneTree) CopyFraction(sh shard.Shard) CRDT {
	closure := make(map[string]struct{})
	for _, s := range t.slots[1:] {
		if sh.Contains(s.key) {
			closure[s.key] = struct{}{}
			for _, a := range ancestors(s.key) {
				closure[a] = struct{}{}
			}
		}
	}
	for _, p := range sh.Particles() {
		for _, a := range ancestors(p) {
			closure[a] = struct{}{}
		}
	}
	keys := make([]string, 0, len(closure))
	for k := range closure {
		keys = append(keys, k)
	}
	requested := sh.Union(shard.NewSet(keys...))
	inClosure := func(k string) bool {
		_, ok := closure[k]
		return ok
	}
	return t.copyWhere(fractionShard(t.shard, requested), inClosure)
}

func (t *TombstoneTree) MergeSameVersion(other CRDT) error {
	o, ok := other.(*TombstoneTree)
	if !ok {
		return wrongMerge(t.Kind(), other)
	}
	missing := make([]int, 0)
	for i, s := range o.slots[1:] {
		if !t.shard.Contains(s.key) {
			missing = append(missing, i+1)
		}
	}
	sort.Slice(missing, func(a, b int) bool { return depth(o.slots[missing[a]].key) < depth(o.slots[missing[b]].key) })
	for _, i := range missing {
		s := o.slots[i]
		t.insert(s.key, s.value, o.slots[s.parent].key, s.date, s.removed)
	}
	for key, v := range o.votes {
		if !t.shard.Contains(key) {
			t.votes[key] = v.copy()
		}
	}
	t.widen(o.shard)
	return nil
}

// ChildrenQuery needs a node, its ancestors and its children. Which
// children exist depends on the state, so it is only available in full.
type ChildrenQuery struct {
	Node string
}

func (q ChildrenQuery) ExecuteAt(version CRDT) (shard.Shard, error) {
	tree, ok := version.(*TombstoneTree)
	if !ok {
		return shard.Hollow, scouterrors.InvalidOperation(fmt.Sprintf("children query on %s", version.Kind()), nil)
	}
	particles := ancestors(q.Node)
	if q.Node != RootKey {
		particles = append(particles, q.Node)
	}
	if i, ok := tree.index[q.Node]; ok {
		for _, c := range tree.slots[i].children {
			particles = append(particles, tree.slots[c].key)
		}
	}
	if len(particles) == 0 {
		return shard.Hollow, nil
	}
	return shard.NewSet(particles...), nil
}

func (q ChildrenQuery) IsAvailableIn(s shard.Shard) bool { return s.IsFull() }

func (q ChildrenQuery) IsSubqueryOf(other Query) bool {
	switch o := other.(type) {
	case FullQuery:
		return true
	case ChildrenQuery:
		return o.Node == q.Node
	default:
		return false
	}
}

func (ChildrenQuery) IsStateIndependent() bool { return false }

func (q ChildrenQuery) String() string {
	return fmt.Sprintf("children(%s)", q.Node)
}

// SortedSubtreeQuery needs the nodes of one subtree listing. The listing
// depends on votes and dates, so it can only be computed on the full object.
type SortedSubtreeQuery struct {
	Node    string
	Context int
	Sort    SortOrder
	Limit   int
}

func (q SortedSubtreeQuery) ExecuteAt(version CRDT) (shard.Shard, error) {
	tree, ok := version.(*TombstoneTree)
	if !ok {
		return shard.Hollow, scouterrors.InvalidOperation(fmt.Sprintf("sorted subtree query on %s", version.Kind()), nil)
	}
	listed, err := tree.Subtree(q.Node, q.Context, q.Sort, q.Limit)
	if err != nil {
		return shard.Hollow, err
	}
	if q.Node != RootKey {
		listed = append(listed, q.Node)
	}
	if len(listed) == 0 {
		return shard.Hollow, nil
	}
	return shard.NewSet(listed...), nil
}

func (q SortedSubtreeQuery) IsAvailableIn(s shard.Shard) bool { return s.IsFull() }

// IsSubqueryOf holds for a shorter listing of the same subtree, which is a
// prefix of the longer one
func (q SortedSubtreeQuery) IsSubqueryOf(other Query) bool {
	switch o := other.(type) {
	case FullQuery:
		return true
	case SortedSubtreeQuery:
		if q.Node != o.Node || q.Sort != o.Sort || q.Context != o.Context {
			return false
		}
		return o.Limit <= 0 || (q.Limit > 0 && q.Limit <= o.Limit)
	default:
		return false
	}
}

func (SortedSubtreeQuery) IsStateIndependent() bool { return false }

func (q SortedSubtreeQuery) String() string {
	return fmt.Sprintf("subtree(%s,context=%d,sort=%s,limit=%d)", q.Node, q.Context, q.Sort, q.Limit)
}
