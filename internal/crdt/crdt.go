// Package crdt implements the replicated data types of the store and the
// shard queries that select fractions of their state.
//
// A CRDT value is a materialized view of an object at some version. Views
// handed to a transaction are bound to it: mutators fetch the particles they
// touch, apply the update locally and register it with the transaction.
package crdt

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/scout/internal/clock"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/shard"
)

// Kind tags a CRDT type
type Kind string

const (
	KindAddWinsSet    Kind = "aw-set"
	KindLWWRegister   Kind = "lww-register"
	KindVoteCounter   Kind = "vote-counter"
	KindTombstoneTree Kind = "tombstone-tree"
	KindVotingSet     Kind = "voting-set"
	KindAddOnlySet    Kind = "add-only-set"
	KindRemoveOnceSet Kind = "remove-once-set"
	KindMaxRegister   Kind = "max-register"
)

// TxnContext is what a bound view needs from its transaction
type TxnContext interface {
	NextTimestamp() (clock.TripleTimestamp, error)
	RegisterOperation(id model.ObjectID, u Update) error
	Fetch(ctx context.Context, id model.ObjectID, q Query) error
}

// CRDT is the materialized, queryable state of a replicated object
type CRDT interface {
	Kind() Kind
	ID() model.ObjectID
	Shard() shard.Shard
	Clock() *clock.CausalityClock

	// Value is a pure read of the held fraction
	Value() any
	// Particles lists the particles present in the state
	Particles() []string

	// Apply replays an update; updates outside the shard are ignored
	Apply(u Update) error
	Copy() CRDT
	CopyFraction(s shard.Shard) CRDT
	// MergeSameVersion widens the receiver with the particles other holds
	// outside the receiver's shard. Both must be at the same version.
	MergeSameVersion(other CRDT) error

	Bind(id model.ObjectID, clk *clock.CausalityClock, txn TxnContext)
}

// Constructor creates an empty, fully known instance of a kind
type Constructor func() CRDT

var registry = struct {
	sync.RWMutex
	ctors map[Kind]Constructor
}{ctors: make(map[Kind]Constructor)}

// Register makes a kind constructible by New. It panics on duplicates.
func Register(kind Kind, ctor Constructor) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.ctors[kind]; dup {
		panic(fmt.Sprintf("crdt: kind %s registered twice", kind))
	}
	registry.ctors[kind] = ctor
}

// New creates an empty instance of a registered kind
func New(kind Kind) (CRDT, error) {
	registry.RLock()
	ctor, ok := registry.ctors[kind]
	registry.RUnlock()
	if !ok {
		return nil, scouterrors.InvalidArgument(fmt.Sprintf("unknown crdt kind %q", kind), nil)
	}
	return ctor(), nil
}

// Kinds lists the registered kinds
func Kinds() []Kind {
	registry.RLock()
	defer registry.RUnlock()
	out := make([]Kind, 0, len(registry.ctors))
	for k := range registry.ctors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// base holds what every CRDT carries besides its state
type base struct {
	id    model.ObjectID
	shard shard.Shard
	clock *clock.CausalityClock
	txn   TxnContext
}

func newBase() base {
	return base{shard: shard.Full}
}

func (b *base) ID() model.ObjectID           { return b.id }
func (b *base) Shard() shard.Shard           { return b.shard }
func (b *base) Clock() *clock.CausalityClock { return b.clock }

func (b *base) Bind(id model.ObjectID, clk *clock.CausalityClock, txn TxnContext) {
	b.id = id
	b.clock = clk
	b.txn = txn
}

// detached returns the identity of b without the transaction binding
func (b *base) detached(s shard.Shard) base {
	return base{id: b.id, shard: s}
}

func (b *base) widen(s shard.Shard) {
	b.shard = b.shard.Union(s)
}

func (b *base) requireTxn() error {
	if b.txn == nil {
		return scouterrors.InvalidOperation(fmt.Sprintf("view of %s is not bound to a transaction", b.id), nil)
	}
	return nil
}

func (b *base) fetch(ctx context.Context, q Query) error {
	if q.IsAvailableIn(b.shard) {
		return nil
	}
	return b.txn.Fetch(ctx, b.id, q)
}

func (b *base) fetchParticles(ctx context.Context, particles ...string) error {
	return b.fetch(ctx, FractionQuery{Particles: particles})
}

func (b *base) register(u Update) error {
	return b.txn.RegisterOperation(b.id, u)
}

func wrongUpdate(kind Kind, u Update) error {
	return scouterrors.InvalidOperation(fmt.Sprintf("update %T cannot be applied to %s", u, kind), nil)
}

func wrongMerge(kind Kind, other CRDT) error {
	return scouterrors.InvalidOperation(fmt.Sprintf("cannot merge %T into %s", other, kind), nil)
}

// fractionShard is the shard of a copy of current restricted to requested
func fractionShard(current, requested shard.Shard) shard.Shard {
	return requested.Intersect(current)
}
