package crdt

import (
	"context"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/shard"
)

func init() {
	Register(KindLWWRegister, func() CRDT { return NewLWWRegister() })
	RegisterUpdate(func() Update { return &RegisterSet{} })
}

// RegisterSet writes a value. Lamport is one more than the lamport of the
// value the writer observed, so a causally later write always wins.
type RegisterSet struct {
	Value    string                `json:"value"`
	Lamport  uint64                `json:"lamport"`
	Instance clock.TripleTimestamp `json:"instance"`
}

func (u *RegisterSet) UpdateType() string  { return "register.set" }
func (u *RegisterSet) Particles() []string { return nil }

// LWWRegister is a last-writer-wins register ordered by (lamport, instance)
type LWWRegister struct {
	base
	value    string
	written  bool
	lamport  uint64
	instance clock.TripleTimestamp
}

// NewLWWRegister returns an unwritten register
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{base: newBase()}
}

func (r *LWWRegister) Kind() Kind { return KindLWWRegister }

func (r *LWWRegister) Value() any { return r.value }

func (r *LWWRegister) Particles() []string { return nil }

// Get returns the value and whether it was ever written
func (r *LWWRegister) Get() (string, bool) {
	return r.value, r.written
}

// Set overwrites the register
func (r *LWWRegister) Set(ctx context.Context, v string) error {
	if err := r.requireTxn(); err != nil {
		return err
	}
	if err := r.fetch(ctx, FullQuery{}); err != nil {
		return err
	}
	ts, err := r.txn.NextTimestamp()
	if err != nil {
		return err
	}
	u := &RegisterSet{Value: v, Lamport: r.lamport + 1, Instance: ts}
	if err := r.Apply(u); err != nil {
		return err
	}
	return r.register(u)
}

func (r *LWWRegister) Apply(u Update) error {
	set, ok := u.(*RegisterSet)
	if !ok {
		return wrongUpdate(r.Kind(), u)
	}
	if !r.shard.IsFull() {
		return nil
	}
	if r.written && (set.Lamport < r.lamport || (set.Lamport == r.lamport && set.Instance.Compare(r.instance) <= 0)) {
		return nil
	}
	r.value = set.Value
	r.lamport = set.Lamport
	r.instance = set.Instance
	r.written = true
	return nil
}

func (r *LWWRegister) Copy() CRDT {
	cp := *r
	cp.base = r.detached(r.shard)
	return &cp
}

// CopyFraction of a whole-object type is either the full copy or an empty
// hollow one
func (r *LWWRegister) CopyFraction(sh shard.Shard) CRDT {
	if sh.IsHollow() {
		return &LWWRegister{base: r.detached(shard.Hollow)}
	}
	cp := *r
	cp.base = r.detached(r.shard)
	return &cp
}

func (r *LWWRegister) MergeSameVersion(other CRDT) error {
	o, ok := other.(*LWWRegister)
	if !ok {
		return wrongMerge(r.Kind(), other)
	}
	if !r.shard.IsFull() && o.shard.IsFull() {
		r.value, r.written, r.lamport, r.instance = o.value, o.written, o.lamport, o.instance
	}
	r.widen(o.shard)
	return nil
}
