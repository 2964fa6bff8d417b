package clock

import (
	"fmt"
	"sort"
)

// Timestamp is an event identifier: a site and a counter local to it.
// Counters start at 1.
type Timestamp struct {
	Site    string `json:"site"`
	Counter uint64 `json:"counter"`
}

// NewTimestamp creates a Timestamp
func NewTimestamp(site string, counter uint64) Timestamp {
	return Timestamp{Site: site, Counter: counter}
}

// IsZero reports whether the timestamp was never assigned
func (t Timestamp) IsZero() bool {
	return t.Site == "" && t.Counter == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s:%d", t.Site, t.Counter)
}

// Compare orders by counter first and site second
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Counter < o.Counter:
		return -1
	case t.Counter > o.Counter:
		return 1
	case t.Site < o.Site:
		return -1
	case t.Site > o.Site:
		return 1
	default:
		return 0
	}
}

// TripleTimestamp names one operation of a transaction: the transaction's
// client timestamp plus a counter local to the transaction.
type TripleTimestamp struct {
	Site      string `json:"site"`
	Counter   uint64 `json:"counter"`
	Secondary uint64 `json:"secondary"`
}

// NewTripleTimestamp creates a TripleTimestamp under a client timestamp
func NewTripleTimestamp(client Timestamp, secondary uint64) TripleTimestamp {
	return TripleTimestamp{Site: client.Site, Counter: client.Counter, Secondary: secondary}
}

// Client returns the transaction timestamp this operation belongs to
func (t TripleTimestamp) Client() Timestamp {
	return Timestamp{Site: t.Site, Counter: t.Counter}
}

func (t TripleTimestamp) String() string {
	return fmt.Sprintf("%s:%d.%d", t.Site, t.Counter, t.Secondary)
}

// Compare is a total order on triple timestamps
func (t TripleTimestamp) Compare(o TripleTimestamp) int {
	if c := t.Client().Compare(o.Client()); c != 0 {
		return c
	}
	switch {
	case t.Secondary < o.Secondary:
		return -1
	case t.Secondary > o.Secondary:
		return 1
	default:
		return 0
	}
}

// TimestampMapping ties the client timestamp of a transaction to the
// system timestamps assigned to it by the sequencer.
type TimestampMapping struct {
	Client Timestamp   `json:"client"`
	System []Timestamp `json:"system,omitempty"`
}

// NewTimestampMapping creates a mapping with no system timestamps yet
func NewTimestampMapping(client Timestamp) TimestampMapping {
	return TimestampMapping{Client: client}
}

// Timestamps returns the client timestamp followed by the system ones
func (m TimestampMapping) Timestamps() []Timestamp {
	out := make([]Timestamp, 0, 1+len(m.System))
	out = append(out, m.Client)
	return append(out, m.System...)
}

// HasSystem reports whether the sequencer assigned a timestamp
func (m TimestampMapping) HasSystem() bool {
	return len(m.System) > 0
}

// Selected returns the timestamp used to order the transaction globally
func (m TimestampMapping) Selected() Timestamp {
	if len(m.System) > 0 {
		return m.System[0]
	}
	return m.Client
}

// AnyIncluded reports whether any timestamp of the mapping is in c
func (m TimestampMapping) AnyIncluded(c *CausalityClock) bool {
	if c.Includes(m.Client) {
		return true
	}
	for _, ts := range m.System {
		if c.Includes(ts) {
			return true
		}
	}
	return false
}

// AllSystemIncluded reports whether the mapping has system timestamps and
// every one of them is in c
func (m TimestampMapping) AllSystemIncluded(c *CausalityClock) bool {
	if len(m.System) == 0 {
		return false
	}
	for _, ts := range m.System {
		if !c.Includes(ts) {
			return false
		}
	}
	return true
}

// AddSystem adds a system timestamp, returning false when already known
func (m *TimestampMapping) AddSystem(ts Timestamp) bool {
	for _, s := range m.System {
		if s == ts {
			return false
		}
	}
	m.System = append(m.System, ts)
	sort.Slice(m.System, func(i, j int) bool { return m.System[i].Compare(m.System[j]) < 0 })
	return true
}

// Merge adds the system timestamps of another mapping of the same
// transaction, returning whether anything was added
func (m *TimestampMapping) Merge(o TimestampMapping) bool {
	changed := false
	for _, ts := range o.System {
		if m.AddSystem(ts) {
			changed = true
		}
	}
	return changed
}

// Copy returns a deep copy
func (m TimestampMapping) Copy() TimestampMapping {
	out := TimestampMapping{Client: m.Client}
	if len(m.System) > 0 {
		out.System = append([]Timestamp(nil), m.System...)
	}
	return out
}

func (m TimestampMapping) String() string {
	return fmt.Sprintf("%s->%v", m.Client, m.System)
}
