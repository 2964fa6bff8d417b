package clock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Comparison is the outcome of comparing two causality clocks
type Comparison int

const (
	// Equal means both clocks hold the same events
	Equal Comparison = iota
	// Dominates means the receiver holds every event of the argument and more
	Dominates
	// IsDominated means the argument holds every event of the receiver and more
	IsDominated
	// Concurrent means each clock holds an event the other misses
	Concurrent
)

func (c Comparison) String() string {
	switch c {
	case Equal:
		return "EQUAL"
	case Dominates:
		return "DOMINATES"
	case IsDominated:
		return "IS_DOMINATED"
	default:
		return "CONCURRENT"
	}
}

// Is reports whether c is one of the given outcomes
func (c Comparison) Is(outcomes ...Comparison) bool {
	for _, o := range outcomes {
		if c == o {
			return true
		}
	}
	return false
}

// Interval is a closed range of counters
type Interval struct {
	From uint64
	To   uint64
}

// CausalityClock is a vector clock with exceptions. For every site it keeps
// the counters it has seen as sorted, disjoint, non-adjacent intervals, so a
// contiguous prefix is a single interval and every gap is an exception.
type CausalityClock struct {
	sites map[string][]Interval
}

// New returns an empty clock
func New() *CausalityClock {
	return &CausalityClock{sites: make(map[string][]Interval)}
}

// FromTimestamps returns a clock holding exactly the given events
func FromTimestamps(tss ...Timestamp) *CausalityClock {
	c := New()
	for _, ts := range tss {
		c.Record(ts)
	}
	return c
}

// Record adds one event. It returns false when the event was already known.
func (c *CausalityClock) Record(ts Timestamp) bool {
	if ts.Counter == 0 {
		return false
	}
	n := ts.Counter
	ivs := c.sites[ts.Site]
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].To+1 >= n })
	switch {
	case i < len(ivs) && ivs[i].From <= n && n <= ivs[i].To:
		return false
	case i < len(ivs) && ivs[i].To+1 == n:
		ivs[i].To = n
		if i+1 < len(ivs) && ivs[i+1].From == n+1 {
			ivs[i].To = ivs[i+1].To
			ivs = append(ivs[:i+1], ivs[i+2:]...)
		}
	case i < len(ivs) && ivs[i].From == n+1:
		ivs[i].From = n
	default:
		ivs = append(ivs, Interval{})
		copy(ivs[i+1:], ivs[i:])
		ivs[i] = Interval{From: n, To: n}
	}
	c.sites[ts.Site] = ivs
	return true
}

// RecordAllUntil records every counter of ts.Site up to and including ts
func (c *CausalityClock) RecordAllUntil(ts Timestamp) {
	if ts.Counter == 0 {
		return
	}
	c.sites[ts.Site] = unionIntervals(c.sites[ts.Site], []Interval{{From: 1, To: ts.Counter}})
}

// Includes reports whether the event is in the clock. A nil clock is empty.
func (c *CausalityClock) Includes(ts Timestamp) bool {
	if c == nil || ts.Counter == 0 {
		return false
	}
	ivs := c.sites[ts.Site]
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].To >= ts.Counter })
	return i < len(ivs) && ivs[i].From <= ts.Counter
}

// Merge adds every event of o, returning whether the clock changed
func (c *CausalityClock) Merge(o *CausalityClock) bool {
	if o == nil {
		return false
	}
	changed := false
	for site, theirs := range o.sites {
		mine := c.sites[site]
		merged := unionIntervals(mine, theirs)
		if !equalIntervals(mine, merged) {
			c.sites[site] = merged
			changed = true
		}
	}
	return changed
}

// Intersect keeps only the events present in both clocks
func (c *CausalityClock) Intersect(o *CausalityClock) {
	for site, mine := range c.sites {
		var theirs []Interval
		if o != nil {
			theirs = o.sites[site]
		}
		common := intersectIntervals(mine, theirs)
		if len(common) == 0 {
			delete(c.sites, site)
			continue
		}
		c.sites[site] = common
	}
}

// Drop forgets every event of a site
func (c *CausalityClock) Drop(site string) {
	delete(c.sites, site)
}

// Compare relates the event sets of two clocks
func (c *CausalityClock) Compare(o *CausalityClock) Comparison {
	if o == nil {
		o = New()
	}
	mineInTheirs, theirsInMine := true, true
	for site, mine := range c.sites {
		theirs := o.sites[site]
		if mineInTheirs && !subsetIntervals(mine, theirs) {
			mineInTheirs = false
		}
		if theirsInMine && !subsetIntervals(theirs, mine) {
			theirsInMine = false
		}
	}
	for site, theirs := range o.sites {
		if _, ok := c.sites[site]; !ok && len(theirs) > 0 {
			theirsInMine = false
		}
	}
	switch {
	case mineInTheirs && theirsInMine:
		return Equal
	case theirsInMine:
		return Dominates
	case mineInTheirs:
		return IsDominated
	default:
		return Concurrent
	}
}

// IncludesAll reports whether every event of o is in c
func (c *CausalityClock) IncludesAll(o *CausalityClock) bool {
	return c.Compare(o).Is(Equal, Dominates)
}

// Equal reports whether both clocks hold the same events
func (c *CausalityClock) Equal(o *CausalityClock) bool {
	return c.Compare(o) == Equal
}

// Latest returns the highest event recorded for a site
func (c *CausalityClock) Latest(site string) Timestamp {
	ivs := c.sites[site]
	if len(ivs) == 0 {
		return Timestamp{Site: site}
	}
	return Timestamp{Site: site, Counter: ivs[len(ivs)-1].To}
}

// HasEventFrom reports whether any event of the site is recorded
func (c *CausalityClock) HasEventFrom(site string) bool {
	return len(c.sites[site]) > 0
}

// HasExceptions reports whether some site has a gap below its latest event
func (c *CausalityClock) HasExceptions() bool {
	for _, ivs := range c.sites {
		if len(ivs) > 1 || (len(ivs) == 1 && ivs[0].From != 1) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether no event is recorded
func (c *CausalityClock) IsEmpty() bool {
	return len(c.sites) == 0
}

// Sites returns the recorded sites in lexical order
func (c *CausalityClock) Sites() []string {
	sites := make([]string, 0, len(c.sites))
	for site := range c.sites {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// Intervals returns a copy of a site's intervals
func (c *CausalityClock) Intervals(site string) []Interval {
	return append([]Interval(nil), c.sites[site]...)
}

// Copy returns a deep copy
func (c *CausalityClock) Copy() *CausalityClock {
	out := &CausalityClock{sites: make(map[string][]Interval, len(c.sites))}
	for site, ivs := range c.sites {
		out.sites[site] = append([]Interval(nil), ivs...)
	}
	return out
}

// String renders the clock canonically, sites sorted
func (c *CausalityClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, site := range c.Sites() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(site)
		b.WriteString(":[")
		for j, iv := range c.sites[site] {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d-%d", iv.From, iv.To)
		}
		b.WriteByte(']')
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the clock as {"site":[[from,to],...]}
func (c *CausalityClock) MarshalJSON() ([]byte, error) {
	out := make(map[string][][2]uint64, len(c.sites))
	for site, ivs := range c.sites {
		pairs := make([][2]uint64, len(ivs))
		for i, iv := range ivs {
			pairs[i] = [2]uint64{iv.From, iv.To}
		}
		out[site] = pairs
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form produced by MarshalJSON
func (c *CausalityClock) UnmarshalJSON(data []byte) error {
	var in map[string][][2]uint64
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode clock: %w", err)
	}
	c.sites = make(map[string][]Interval, len(in))
	for site, pairs := range in {
		ivs := make([]Interval, 0, len(pairs))
		for _, p := range pairs {
			if p[0] == 0 || p[0] > p[1] {
				return fmt.Errorf("invalid interval [%d,%d] for site %s", p[0], p[1], site)
			}
			ivs = append(ivs, Interval{From: p[0], To: p[1]})
		}
		if merged := unionIntervals(nil, ivs); len(merged) > 0 {
			c.sites[site] = merged
		}
	}
	return nil
}

func unionIntervals(a, b []Interval) []Interval {
	all := make([]Interval, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].From < all[j].From })
	out := []Interval{all[0]}
	for _, iv := range all[1:] {
		last := &out[len(out)-1]
		if iv.From <= last.To+1 {
			if iv.To > last.To {
				last.To = iv.To
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
		lo := max(a[i].From, b[j].From)
		hi := min(a[i].To, b[j].To)
		if lo <= hi {
			out = append(out, Interval{From: lo, To: hi})
		}
		if a[i].To < b[j].To {
			i++
		} else {
			j++
		}
	}
	return out
}

// subsetIntervals reports whether every counter of a is in b. Both lists
// are normalized, so each interval of a must fit inside one interval of b.
func subsetIntervals(a, b []Interval) bool {
	j := 0
	for _, iv := range a {
		for j < len(b) && b[j].To < iv.From {
			j++
		}
		if j == len(b) || b[j].From > iv.From || b[j].To < iv.To {
			return false
		}
	}
	return true
}

func equalIntervals(a, b []Interval) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
