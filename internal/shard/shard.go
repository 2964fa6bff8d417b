// Package shard describes which particles of an object's state a replica holds.
package shard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Interval is the half-open range (FromExclusive, ToInclusive] of particles
type Interval struct {
	FromExclusive string `json:"from"`
	ToInclusive   string `json:"to"`
}

// Contains reports whether the particle falls inside the interval
func (iv Interval) Contains(p string) bool {
	return iv.FromExclusive < p && p <= iv.ToInclusive
}

// Shard is an immutable predicate over particle identities: full, hollow,
// or an explicit set of particles plus a union of intervals. A nil particle
// list passed to the Contains* methods stands for every particle.
type Shard struct {
	full      bool
	particles mapset.Set[string]
	intervals []Interval
}

// Full holds every particle
var Full = Shard{full: true}

// Hollow holds no particle
var Hollow = Shard{}

// NewSet returns a shard holding exactly the given particles
func NewSet(particles ...string) Shard {
	if len(particles) == 0 {
		return Hollow
	}
	return Shard{particles: mapset.NewThreadUnsafeSet(particles...)}
}

// NewInterval returns a shard holding the particles in (fromExclusive, toInclusive]
func NewInterval(fromExclusive, toInclusive string) Shard {
	if fromExclusive >= toInclusive {
		return Hollow
	}
	return Shard{intervals: []Interval{{FromExclusive: fromExclusive, ToInclusive: toInclusive}}}
}

// IsFull reports whether the shard holds every particle
func (s Shard) IsFull() bool {
	return s.full
}

// IsHollow reports whether the shard holds no particle
func (s Shard) IsHollow() bool {
	return !s.full && s.setSize() == 0 && len(s.intervals) == 0
}

// Contains reports whether the particle is held
func (s Shard) Contains(p string) bool {
	if s.full {
		return true
	}
	if s.particles != nil && s.particles.Contains(p) {
		return true
	}
	for _, iv := range s.intervals {
		if iv.Contains(p) {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every particle is held; nil means the whole object
func (s Shard) ContainsAll(particles []string) bool {
	if s.full {
		return true
	}
	if particles == nil {
		return false
	}
	for _, p := range particles {
		if !s.Contains(p) {
			return false
		}
	}
	return true
}

// ContainsAny reports whether some particle is held; nil means the whole object
func (s Shard) ContainsAny(particles []string) bool {
	if s.full {
		return true
	}
	if particles == nil {
		return !s.IsHollow()
	}
	for _, p := range particles {
		if s.Contains(p) {
			return true
		}
	}
	return false
}

// ContainsInterval reports whether the whole range (from, to] is held
func (s Shard) ContainsInterval(fromExclusive, toInclusive string) bool {
	if s.full || fromExclusive >= toInclusive {
		return true
	}
	for _, iv := range s.intervals {
		if iv.FromExclusive <= fromExclusive && toInclusive <= iv.ToInclusive {
			return true
		}
	}
	return false
}

// Union returns a shard holding the particles of both
func (s Shard) Union(o Shard) Shard {
	switch {
	case s.full || o.full:
		return Full
	case o.IsHollow():
		return s
	case s.IsHollow():
		return o
	}
	out := Shard{intervals: unionIntervals(s.intervals, o.intervals)}
	switch {
	case s.particles == nil:
		out.particles = cloneSet(o.particles)
	case o.particles == nil:
		out.particles = s.particles.Clone()
	default:
		out.particles = s.particles.Union(o.particles)
	}
	return out.canonical()
}

// Intersect returns a shard holding the particles present in both
func (s Shard) Intersect(o Shard) Shard {
	switch {
	case s.full:
		return o
	case o.full:
		return s
	case s.IsHollow() || o.IsHollow():
		return Hollow
	}
	var kept []string
	for _, p := range s.Particles() {
		if o.Contains(p) {
			kept = append(kept, p)
		}
	}
	for _, p := range o.Particles() {
		if s.Contains(p) {
			kept = append(kept, p)
		}
	}
	out := NewSet(kept...)
	out.intervals = intersectIntervals(s.intervals, o.intervals)
	return out.canonical()
}

// Particles returns the explicitly listed particles, sorted
func (s Shard) Particles() []string {
	if s.particles == nil {
		return nil
	}
	out := s.particles.ToSlice()
	sort.Strings(out)
	return out
}

// Intervals returns the interval part of the shard
func (s Shard) Intervals() []Interval {
	return append([]Interval(nil), s.intervals...)
}

// Equal reports whether both shards hold the same particles. Shards built by
// this package are canonical, so comparing forms is enough.
func (s Shard) Equal(o Shard) bool {
	if s.full != o.full {
		return false
	}
	if s.setSize() != o.setSize() {
		return false
	}
	if s.setSize() > 0 && !s.particles.Equal(o.particles) {
		return false
	}
	if len(s.intervals) != len(o.intervals) {
		return false
	}
	for i := range s.intervals {
		if s.intervals[i] != o.intervals[i] {
			return false
		}
	}
	return true
}

func (s Shard) String() string {
	switch {
	case s.full:
		return "Shard(full)"
	case s.IsHollow():
		return "Shard(hollow)"
	}
	parts := make([]string, 0, s.setSize()+len(s.intervals))
	parts = append(parts, s.Particles()...)
	for _, iv := range s.intervals {
		parts = append(parts, fmt.Sprintf("(%s,%s]", iv.FromExclusive, iv.ToInclusive))
	}
	return "Shard(" + strings.Join(parts, ",") + ")"
}

type shardJSON struct {
	Full      bool       `json:"full,omitempty"`
	Particles []string   `json:"particles,omitempty"`
	Intervals []Interval `json:"intervals,omitempty"`
}

// MarshalJSON encodes the shard
func (s Shard) MarshalJSON() ([]byte, error) {
	return json.Marshal(shardJSON{Full: s.full, Particles: s.Particles(), Intervals: s.intervals})
}

// UnmarshalJSON decodes the form produced by MarshalJSON
func (s *Shard) UnmarshalJSON(data []byte) error {
	var in shardJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode shard: %w", err)
	}
	if in.Full {
		*s = Full
		return nil
	}
	out := NewSet(in.Particles...)
	out.intervals = unionIntervals(nil, in.Intervals)
	*s = out.canonical()
	return nil
}

// canonical drops the listed particles an interval already holds, so equal
// predicates have equal forms
func (s Shard) canonical() Shard {
	if s.full || s.setSize() == 0 || len(s.intervals) == 0 {
		return s
	}
	var kept []string
	for _, p := range s.particles.ToSlice() {
		covered := false
		for _, iv := range s.intervals {
			if iv.Contains(p) {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, p)
		}
	}
	out := NewSet(kept...)
	out.intervals = s.intervals
	return out
}

func (s Shard) setSize() int {
	if s.particles == nil {
		return 0
	}
	return s.particles.Cardinality()
}

func cloneSet(set mapset.Set[string]) mapset.Set[string] {
	if set == nil {
		return nil
	}
	return set.Clone()
}

func unionIntervals(a, b []Interval) []Interval {
	all := make([]Interval, 0, len(a)+len(b))
	for _, iv := range append(append([]Interval(nil), a...), b...) {
		if iv.FromExclusive < iv.ToInclusive {
			all = append(all, iv)
		}
	}
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FromExclusive < all[j].FromExclusive })
	out := []Interval{all[0]}
	for _, iv := range all[1:] {
		last := &out[len(out)-1]
		if iv.FromExclusive <= last.ToInclusive {
			if iv.ToInclusive > last.ToInclusive {
				last.ToInclusive = iv.ToInclusive
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

func intersectIntervals(a, b []Interval) []Interval {
	var out []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := max(a[i].FromExclusive, b[j].FromExclusive)
		hi := min(a[i].ToInclusive, b[j].ToInclusive)
		if lo < hi {
			out = append(out, Interval{FromExclusive: lo, ToInclusive: hi})
		}
		if a[i].ToInclusive < b[j].ToInclusive {
			i++
		} else {
			j++
		}
	}
	return out
}
