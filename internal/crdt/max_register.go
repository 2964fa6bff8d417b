package crdt

import (
	"context"

	"github.com/devrev/pairdb/scout/internal/shard"
)

func init() {
	Register(KindMaxRegister, func() CRDT { return NewMaxRegister() })
	RegisterUpdate(func() Update { return &MaxSet{} })
}

// MaxSet offers a value; the register keeps the largest one offered
type MaxSet struct {
	Value int64 `json:"value"`
}

func (u *MaxSet) UpdateType() string  { return "max.set" }
func (u *MaxSet) Particles() []string { return nil }

// MaxRegister holds the maximum of all values ever set
type MaxRegister struct {
	base
	value   int64
	written bool
}

// NewMaxRegister returns an unwritten register
func NewMaxRegister() *MaxRegister {
	return &MaxRegister{base: newBase()}
}

func (r *MaxRegister) Kind() Kind { return KindMaxRegister }

func (r *MaxRegister) Value() any { return r.value }

func (r *MaxRegister) Particles() []string { return nil }

// Get returns the maximum and whether any value was set
func (r *MaxRegister) Get() (int64, bool) {
	return r.value, r.written
}

// Set offers v. Offering a value no larger than the current maximum
// records nothing.
func (r *MaxRegister) Set(ctx context.Context, v int64) error {
	if err := r.requireTxn(); err != nil {
		return err
	}
	if err := r.fetch(ctx, FullQuery{}); err != nil {
		return err
	}
	if r.written && v <= r.value {
		return nil
	}
	u := &MaxSet{Value: v}
	if err := r.Apply(u); err != nil {
		return err
	}
	return r.register(u)
}

func (r *MaxRegister) Apply(u Update) error {
	set, ok := u.(*MaxSet)
	if !ok {
		return wrongUpdate(r.Kind(), u)
	}
	if !r.shard.IsFull() {
		return nil
	}
	if !r.written || set.Value > r.value {
		r.value, r.written = set.Value, true
	}
	return nil
}

func (r *MaxRegister) Copy() CRDT {
	cp := *r
	cp.base = r.detached(r.shard)
	return &cp
}

func (r *MaxRegister) CopyFraction(sh shard.Shard) CRDT {
	if sh.IsHollow() {
		return &MaxRegister{base: r.detached(shard.Hollow)}
	}
	return r.Copy()
}

func (r *MaxRegister) MergeSameVersion(other CRDT) error {
	o, ok := other.(*MaxRegister)
	if !ok {
		return wrongMerge(r.Kind(), other)
	}
	if !r.shard.IsFull() && o.shard.IsFull() {
		r.value, r.written = o.value, o.written
	}
	r.widen(o.shard)
	return nil
}
