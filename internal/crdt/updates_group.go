package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/model"
)

// UpdatesGroup is the set of operations one transaction performed on one
// object, ordered as they were issued.
type UpdatesGroup struct {
	ID         model.ObjectID
	Kind       Kind
	Mapping    clock.TimestampMapping
	Dependency *clock.CausalityClock
	// Create marks a group that also materializes the object at the store
	Create bool
	Ops    []Update
}

// NewUpdatesGroup creates an empty group
func NewUpdatesGroup(id model.ObjectID, kind Kind, mapping clock.TimestampMapping, dependency *clock.CausalityClock) *UpdatesGroup {
	return &UpdatesGroup{ID: id, Kind: kind, Mapping: mapping, Dependency: dependency}
}

// ClientTimestamp of the transaction that produced the group
func (g *UpdatesGroup) ClientTimestamp() clock.Timestamp {
	return g.Mapping.Client
}

// Append records one more operation
func (g *UpdatesGroup) Append(u Update) {
	g.Ops = append(g.Ops, u)
}

// IsEmpty reports whether the group has nothing to ship
func (g *UpdatesGroup) IsEmpty() bool {
	return len(g.Ops) == 0 && !g.Create
}

// ApplyTo replays every operation on c
func (g *UpdatesGroup) ApplyTo(c CRDT) error {
	for _, op := range g.Ops {
		if err := c.Apply(op); err != nil {
			return fmt.Errorf("failed to apply update of %s: %w", g.ID, err)
		}
	}
	return nil
}

// ApplyOverlapping applies the operations whose particles c holds and
// removes them from the group. It returns the number applied.
func (g *UpdatesGroup) ApplyOverlapping(c CRDT) (int, error) {
	kept := g.Ops[:0]
	applied := 0
	for _, op := range g.Ops {
		if !c.Shard().ContainsAll(op.Particles()) {
			kept = append(kept, op)
			continue
		}
		if err := c.Apply(op); err != nil {
			return applied, fmt.Errorf("failed to apply deferred update of %s: %w", g.ID, err)
		}
		applied++
	}
	for i := len(kept); i < len(g.Ops); i++ {
		g.Ops[i] = nil
	}
	g.Ops = kept
	return applied, nil
}

// Copy returns a group sharing the immutable operations
func (g *UpdatesGroup) Copy() *UpdatesGroup {
	out := &UpdatesGroup{
		ID:      g.ID,
		Kind:    g.Kind,
		Mapping: g.Mapping.Copy(),
		Create:  g.Create,
		Ops:     append([]Update(nil), g.Ops...),
	}
	if g.Dependency != nil {
		out.Dependency = g.Dependency.Copy()
	}
	return out
}

type updatesGroupJSON struct {
	ID         model.ObjectID         `json:"id"`
	Kind       Kind                   `json:"kind"`
	Mapping    clock.TimestampMapping `json:"mapping"`
	Dependency *clock.CausalityClock  `json:"dependency,omitempty"`
	Create     bool                   `json:"create,omitempty"`
	Ops        []json.RawMessage      `json:"ops"`
}

// MarshalJSON encodes the group with type-tagged operations
func (g *UpdatesGroup) MarshalJSON() ([]byte, error) {
	out := updatesGroupJSON{
		ID:         g.ID,
		Kind:       g.Kind,
		Mapping:    g.Mapping,
		Dependency: g.Dependency,
		Create:     g.Create,
		Ops:        make([]json.RawMessage, 0, len(g.Ops)),
	}
	for _, op := range g.Ops {
		data, err := MarshalUpdate(op)
		if err != nil {
			return nil, err
		}
		out.Ops = append(out.Ops, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form produced by MarshalJSON
func (g *UpdatesGroup) UnmarshalJSON(data []byte) error {
	var in updatesGroupJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode updates group: %w", err)
	}
	*g = UpdatesGroup{ID: in.ID, Kind: in.Kind, Mapping: in.Mapping, Dependency: in.Dependency, Create: in.Create}
	for _, raw := range in.Ops {
		op, err := UnmarshalUpdate(raw)
		if err != nil {
			return err
		}
		g.Ops = append(g.Ops, op)
	}
	return nil
}
