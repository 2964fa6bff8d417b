package crdt

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/devrev/pairdb/scout/internal/shard"
)

// Query describes the fraction of an object a read needs
type Query interface {
	// ExecuteAt computes the minimal shard satisfying the query at version
	ExecuteAt(version CRDT) (shard.Shard, error)
	// IsAvailableIn reports whether a replica restricted to s answers the
	// query exactly as the full object would
	IsAvailableIn(s shard.Shard) bool
	// IsSubqueryOf is a reflexive, transitive subsumption relation
	IsSubqueryOf(other Query) bool
	// IsStateIndependent reports whether the needed fraction is the same at
	// every version
	IsStateIndependent() bool
	String() string
}

// FullQuery needs the whole object
type FullQuery struct{}

func (FullQuery) ExecuteAt(CRDT) (shard.Shard, error) { return shard.Full, nil }
func (FullQuery) IsAvailableIn(s shard.Shard) bool    { return s.IsFull() }
func (FullQuery) IsStateIndependent() bool            { return true }
func (FullQuery) String() string                      { return "full" }

func (FullQuery) IsSubqueryOf(other Query) bool {
	_, ok := other.(FullQuery)
	return ok
}

// HollowQuery needs nothing; it only establishes the object's existence
type HollowQuery struct{}

func (HollowQuery) ExecuteAt(CRDT) (shard.Shard, error) { return shard.Hollow, nil }
func (HollowQuery) IsAvailableIn(shard.Shard) bool      { return true }
func (HollowQuery) IsSubqueryOf(Query) bool             { return true }
func (HollowQuery) IsStateIndependent() bool            { return true }
func (HollowQuery) String() string                      { return "hollow" }

// FractionQuery needs a fixed set of particles
type FractionQuery struct {
	Particles []string
}

// NewFractionQuery creates a FractionQuery
func NewFractionQuery(particles ...string) FractionQuery {
	return FractionQuery{Particles: particles}
}

func (q FractionQuery) ExecuteAt(CRDT) (shard.Shard, error) {
	return shard.NewSet(q.Particles...), nil
}

func (q FractionQuery) IsAvailableIn(s shard.Shard) bool {
	return s.ContainsAll(nonNil(q.Particles))
}

func (q FractionQuery) IsSubqueryOf(other Query) bool {
	switch o := other.(type) {
	case FullQuery:
		return true
	case FractionQuery:
		return mapset.NewThreadUnsafeSet(o.Particles...).Contains(q.Particles...)
	case IntervalQuery:
		iv := shard.NewInterval(o.FromExclusive, o.ToInclusive)
		return iv.ContainsAll(nonNil(q.Particles))
	default:
		return false
	}
}

func (FractionQuery) IsStateIndependent() bool { return true }

func (q FractionQuery) String() string {
	return "fraction(" + strings.Join(q.Particles, ",") + ")"
}

// IntervalQuery needs every particle in (FromExclusive, ToInclusive]
type IntervalQuery struct {
	FromExclusive string
	ToInclusive   string
}

func (q IntervalQuery) ExecuteAt(CRDT) (shard.Shard, error) {
	return shard.NewInterval(q.FromExclusive, q.ToInclusive), nil
}

func (q IntervalQuery) IsAvailableIn(s shard.Shard) bool {
	return s.ContainsInterval(q.FromExclusive, q.ToInclusive)
}

func (q IntervalQuery) IsSubqueryOf(other Query) bool {
	switch o := other.(type) {
	case FullQuery:
		return true
	case IntervalQuery:
		return shard.NewInterval(o.FromExclusive, o.ToInclusive).ContainsInterval(q.FromExclusive, q.ToInclusive)
	default:
		return false
	}
}

func (IntervalQuery) IsStateIndependent() bool { return true }

func (q IntervalQuery) String() string {
	return fmt.Sprintf("interval(%s,%s]", q.FromExclusive, q.ToInclusive)
}

func nonNil(particles []string) []string {
	if particles == nil {
		return []string{}
	}
	return particles
}
