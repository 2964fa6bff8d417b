// Package versioned keeps the replicated state of one object: a checkpoint
// folded up to a prune clock plus the log of update groups above it, from
// which any version between the prune clock and the object clock can be
// rebuilt.
package versioned

import (
	"fmt"
	"slices"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/shard"
)

// Object is a checkpoint plus an operation log. It is not safe for
// concurrent use; the cache and the store serialize access to it.
type Object struct {
	id         model.ObjectID
	kind       crdt.Kind
	checkpoint crdt.CRDT
	// clock holds the events reflected by the checkpoint and the log
	clock *clock.CausalityClock
	// pruneClock holds the events folded into the checkpoint
	pruneClock *clock.CausalityClock
	log        []*crdt.UpdatesGroup
	registered bool
}

// New wraps a checkpoint taken at clk. The prune clock starts equal to clk.
func New(id model.ObjectID, checkpoint crdt.CRDT, clk *clock.CausalityClock, registeredInStore bool) *Object {
	if clk == nil {
		clk = clock.New()
	}
	checkpoint.Bind(id, nil, nil)
	return &Object{
		id:         id,
		kind:       checkpoint.Kind(),
		checkpoint: checkpoint,
		clock:      clk.Copy(),
		pruneClock: clk.Copy(),
		registered: registeredInStore,
	}
}

// NewEmpty creates an object of kind with an empty checkpoint at clk
func NewEmpty(id model.ObjectID, kind crdt.Kind, clk *clock.CausalityClock, registeredInStore bool) (*Object, error) {
	checkpoint, err := crdt.New(kind)
	if err != nil {
		return nil, err
	}
	return New(id, checkpoint, clk, registeredInStore), nil
}

func (o *Object) ID() model.ObjectID { return o.id }

func (o *Object) Kind() crdt.Kind { return o.kind }

// Clock returns the object clock. Callers must not modify it.
func (o *Object) Clock() *clock.CausalityClock { return o.clock }

// PruneClock returns the prune clock. Callers must not modify it.
func (o *Object) PruneClock() *clock.CausalityClock { return o.pruneClock }

// Shard is the fraction of the object held by the checkpoint
func (o *Object) Shard() shard.Shard { return o.checkpoint.Shard() }

// IsRegisteredInStore reports whether the store knows the object
func (o *Object) IsRegisteredInStore() bool { return o.registered }

// MarkRegisteredInStore records that the object now exists at the store
func (o *Object) MarkRegisteredInStore() { o.registered = true }

// LogLength is the number of groups not folded into the checkpoint
func (o *Object) LogLength() int { return len(o.log) }

// GetVersion rebuilds the view at target and binds it to txn. The target
// must lie between the prune clock and the object clock.
func (o *Object) GetVersion(target *clock.CausalityClock, txn crdt.TxnContext) (crdt.CRDT, error) {
	if !target.IncludesAll(o.pruneClock) {
		return nil, scouterrors.VersionNotFound(o.id.String(),
			fmt.Sprintf("version %s is below the prune clock %s", target, o.pruneClock))
	}
	if !o.clock.IncludesAll(target) {
		return nil, scouterrors.VersionNotFound(o.id.String(),
			fmt.Sprintf("version %s is not yet known, object clock is %s", target, o.clock))
	}

	view := o.checkpoint.Copy()
	for _, g := range o.log {
		if !g.Mapping.AnyIncluded(target) || g.Mapping.AnyIncluded(o.pruneClock) {
			continue
		}
		if err := g.ApplyTo(view); err != nil {
			return nil, err
		}
	}
	view.Bind(o.id, target.Copy(), txn)
	return view, nil
}

// Latest returns an unbound view at the object clock
func (o *Object) Latest() (crdt.CRDT, error) {
	return o.GetVersion(o.clock, nil)
}

// Execute logs a group of updates. A group whose transaction is already
// known only contributes its new system timestamps, and false is returned.
func (o *Object) Execute(group *crdt.UpdatesGroup, policy model.DependencyPolicy) (bool, error) {
	if group.ID != o.id {
		return false, scouterrors.InvalidArgument(fmt.Sprintf("updates of %s executed on %s", group.ID, o.id), nil)
	}
	if group.Kind != "" && group.Kind != o.kind {
		return false, scouterrors.WrongType(o.id.String(), string(o.kind), string(group.Kind))
	}

	if group.Mapping.AnyIncluded(o.clock) {
		if logged := o.find(group.ClientTimestamp()); logged != nil {
			logged.Mapping.Merge(group.Mapping)
		}
		o.recordMapping(group.Mapping)
		return false, nil
	}

	if policy == model.DependencyCheck && group.Dependency != nil && !o.clock.IncludesAll(group.Dependency) {
		return false, scouterrors.DependencyNotSatisfied(o.id.String()).
			WithDetail("dependency", group.Dependency.String()).
			WithDetail("clock", o.clock.String())
	}

	o.logGroup(group.Copy())
	o.recordMapping(group.Mapping)
	return true, nil
}

// logGroup keeps the log in causal order: g goes before the first logged
// group that depends on it, so replay never applies an update ahead of one
// it observed.
func (o *Object) logGroup(g *crdt.UpdatesGroup) {
	for i, logged := range o.log {
		if logged.Dependency != nil && g.Mapping.AnyIncluded(logged.Dependency) {
			o.log = slices.Insert(o.log, i, g)
			return
		}
	}
	o.log = append(o.log, g)
}

func (o *Object) recordMapping(m clock.TimestampMapping) {
	for _, ts := range m.Timestamps() {
		o.clock.Record(ts)
	}
}

func (o *Object) find(client clock.Timestamp) *crdt.UpdatesGroup {
	for _, g := range o.log {
		if g.ClientTimestamp() == client {
			return g
		}
	}
	return nil
}

// Merge folds another replica of the same object into o. Replicas pruned at
// the same clock are unioned; otherwise the replica whose fraction and clock
// both dominate is kept.
func (o *Object) Merge(other *Object) error {
	if other.id != o.id {
		return scouterrors.InvalidArgument(fmt.Sprintf("cannot merge %s into %s", other.id, o.id), nil)
	}
	if other.kind != o.kind {
		return scouterrors.WrongType(o.id.String(), string(o.kind), string(other.kind))
	}

	if o.pruneClock.Equal(other.pruneClock) {
		if err := o.checkpoint.MergeSameVersion(other.checkpoint.Copy()); err != nil {
			return err
		}
		for _, g := range other.log {
			if logged := o.find(g.ClientTimestamp()); logged != nil {
				logged.Mapping.Merge(g.Mapping)
				continue
			}
			o.logGroup(g.Copy())
		}
		o.clock.Merge(other.clock)
		o.registered = o.registered || other.registered
		return nil
	}

	mine, theirs := o.Shard(), other.Shard()
	switch {
	case covers(theirs, mine) && other.clock.IncludesAll(o.clock):
		registered := o.registered
		*o = *other.Copy()
		o.registered = o.registered || registered
		return nil
	case covers(mine, theirs) && o.clock.IncludesAll(other.clock):
		o.registered = o.registered || other.registered
		return nil
	default:
		return scouterrors.IncompatibleVersions(o.id.String()).
			WithDetail("prune_clock", o.pruneClock.String()).
			WithDetail("other_prune_clock", other.pruneClock.String())
	}
}

func covers(a, b shard.Shard) bool {
	return a.Union(b).Equal(a)
}

// Prune folds every logged group included in c into the checkpoint
func (o *Object) Prune(c *clock.CausalityClock) error {
	if !c.IncludesAll(o.pruneClock) {
		return scouterrors.InvalidArgument(fmt.Sprintf("prune clock %s is below the current one %s", c, o.pruneClock), nil)
	}
	if !o.clock.IncludesAll(c) {
		return scouterrors.VersionNotFound(o.id.String(), fmt.Sprintf("cannot prune at unknown version %s", c))
	}
	kept := o.log[:0]
	for _, g := range o.log {
		if !g.Mapping.AnyIncluded(c) {
			kept = append(kept, g)
			continue
		}
		if err := g.ApplyTo(o.checkpoint); err != nil {
			return err
		}
	}
	for i := len(kept); i < len(o.log); i++ {
		o.log[i] = nil
	}
	o.log = kept
	o.pruneClock = c.Copy()
	return nil
}

// Copy returns a deep copy
func (o *Object) Copy() *Object {
	out := &Object{
		id:         o.id,
		kind:       o.kind,
		checkpoint: o.checkpoint.Copy(),
		clock:      o.clock.Copy(),
		pruneClock: o.pruneClock.Copy(),
		log:        make([]*crdt.UpdatesGroup, 0, len(o.log)),
		registered: o.registered,
	}
	for _, g := range o.log {
		out.log = append(out.log, g.Copy())
	}
	return out
}

// CopyWithRestrictedVersioning returns a copy pruned at c
func (o *Object) CopyWithRestrictedVersioning(c *clock.CausalityClock) (*Object, error) {
	out := o.Copy()
	if err := out.Prune(c); err != nil {
		return nil, err
	}
	return out, nil
}

// CopyFraction returns a copy whose checkpoint is restricted to s. The log
// is kept whole. A fraction holding every particle the object ever had is
// the full object.
func (o *Object) CopyFraction(s shard.Shard) *Object {
	out := o.Copy()
	if !o.coveredBy(s) {
		out.checkpoint = o.checkpoint.CopyFraction(s)
	}
	return out
}

// coveredBy reports whether s holds every particle of the checkpoint and
// of the logged updates
func (o *Object) coveredBy(s shard.Shard) bool {
	if s.IsFull() {
		return true
	}
	if !o.Shard().IsFull() {
		return false
	}
	particles := append([]string{}, o.checkpoint.Particles()...)
	for _, g := range o.log {
		for _, op := range g.Ops {
			p := op.Particles()
			if p == nil {
				// whole-object update
				if s.IsHollow() {
					return false
				}
				continue
			}
			particles = append(particles, p...)
		}
	}
	return s.ContainsAll(particles)
}

// AugmentWithClock records events of transactions that did not touch o
func (o *Object) AugmentWithClock(c *clock.CausalityClock) {
	o.clock.Merge(c)
}

// AugmentWithScoutTimestamp records a local transaction that did not touch o
func (o *Object) AugmentWithScoutTimestamp(ts clock.Timestamp) {
	o.clock.Record(ts)
}

// UpdatesSince lists the mappings of logged groups not included in c
func (o *Object) UpdatesSince(c *clock.CausalityClock) []clock.TimestampMapping {
	var out []clock.TimestampMapping
	for _, g := range o.log {
		if !g.Mapping.AnyIncluded(c) {
			out = append(out, g.Mapping.Copy())
		}
	}
	return out
}

// Info is a printable summary of an object
type Info struct {
	ID         string
	Kind       crdt.Kind
	Clock      string
	PruneClock string
	Shard      string
	LogLength  int
	Registered bool
	Value      any
}

// Describe summarizes the object with its latest value
func (o *Object) Describe() Info {
	info := Info{
		ID:         o.id.String(),
		Kind:       o.kind,
		Clock:      o.clock.String(),
		PruneClock: o.pruneClock.String(),
		Shard:      o.Shard().String(),
		LogLength:  len(o.log),
		Registered: o.registered,
	}
	if view, err := o.Latest(); err == nil {
		info.Value = view.Value()
	}
	return info
}
