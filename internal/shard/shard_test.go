package shard_test

import (
	"encoding/json"
	"testing"

	"github.com/devrev/pairdb/scout/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShard_CanonicalForms(t *testing.T) {
	assert.True(t, shard.Full.IsFull())
	assert.False(t, shard.Full.IsHollow())
	assert.True(t, shard.Hollow.IsHollow())
	assert.True(t, shard.NewSet().IsHollow())
	assert.True(t, shard.NewInterval("b", "a").IsHollow())

	assert.True(t, shard.Full.ContainsAll(nil))
	assert.False(t, shard.NewSet("a").ContainsAll(nil), "nil stands for the whole object")
	assert.True(t, shard.NewSet("a").ContainsAny(nil))
	assert.False(t, shard.Hollow.ContainsAny(nil))
}

func TestShard_SetMembership(t *testing.T) {
	s := shard.NewSet("a", "b")

	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))
	assert.True(t, s.ContainsAll([]string{"a", "b"}))
	assert.False(t, s.ContainsAll([]string{"a", "c"}))
	assert.True(t, s.ContainsAny([]string{"c", "b"}))
	assert.False(t, s.ContainsAny([]string{"c", "d"}))
	assert.True(t, s.ContainsAll([]string{}), "empty particle list is trivially held")
}

func TestShard_IntervalMembership(t *testing.T) {
	s := shard.NewInterval("b", "m")

	assert.False(t, s.Contains("b"), "lower bound is exclusive")
	assert.True(t, s.Contains("c"))
	assert.True(t, s.Contains("m"), "upper bound is inclusive")
	assert.False(t, s.Contains("n"))
	assert.True(t, s.ContainsInterval("c", "k"))
	assert.False(t, s.ContainsInterval("a", "k"))
}

func TestShard_UnionLaws(t *testing.T) {
	shards := map[string]shard.Shard{
		"full":     shard.Full,
		"hollow":   shard.Hollow,
		"set":      shard.NewSet("a", "c"),
		"set2":     shard.NewSet("b", "c"),
		"interval": shard.NewInterval("d", "f"),
	}
	particles := []string{"a", "b", "c", "d", "e", "f", "g"}

	for nameS, s := range shards {
		for nameT, u := range shards {
			t.Run(nameS+"+"+nameT, func(t *testing.T) {
				union := s.Union(u)
				for _, p := range particles {
					assert.Equal(t, s.Contains(p) || u.Contains(p), union.Contains(p), "particle %s", p)
				}
				assert.True(t, union.Equal(u.Union(s)), "union is commutative")
			})
		}
		assert.True(t, shard.Full.Union(s).IsFull())
		assert.True(t, shard.Hollow.Union(s).Equal(s))
		assert.True(t, s.Intersect(shard.Full).Equal(s))
		assert.True(t, s.Intersect(shard.Hollow).IsHollow())
	}
}

func TestShard_UnionAssociative(t *testing.T) {
	a := shard.NewSet("a")
	b := shard.NewInterval("b", "d")
	c := shard.NewSet("x", "a")

	left := a.Union(b).Union(c)
	right := a.Union(b.Union(c))
	assert.True(t, left.Equal(right))
}

func TestShard_UnionDropsParticlesCoveredByIntervals(t *testing.T) {
	withB := shard.NewSet("b", "x")
	interval := shard.NewInterval("a", "c")

	union := withB.Union(interval)
	assert.Equal(t, []string{"x"}, union.Particles())
	assert.True(t, union.Equal(shard.NewSet("x").Union(interval)))

	// a shard already holding everything of another is unchanged by the union
	wide := shard.NewInterval("a", "z")
	assert.True(t, wide.Union(shard.NewSet("b", "m")).Equal(wide))
	assert.True(t, shard.NewSet("b").Union(wide).Equal(wide))

	both := shard.NewSet("b", "q").Intersect(shard.NewSet("b").Union(shard.NewInterval("a", "c")))
	assert.Equal(t, []string{"b"}, both.Particles())

	data, err := json.Marshal(map[string]any{"particles": []string{"b", "x"}, "intervals": []shard.Interval{{FromExclusive: "a", ToInclusive: "c"}}})
	require.NoError(t, err)
	var decoded shard.Shard
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(union))
}

func TestShard_UnionMergesIntervals(t *testing.T) {
	s := shard.NewInterval("a", "c").Union(shard.NewInterval("b", "f"))

	require.Len(t, s.Intervals(), 1)
	assert.Equal(t, shard.Interval{FromExclusive: "a", ToInclusive: "f"}, s.Intervals()[0])
}

func TestShard_Intersect(t *testing.T) {
	s := shard.NewSet("a", "b", "k").Union(shard.NewInterval("c", "g"))
	u := shard.NewSet("b", "d").Union(shard.NewInterval("e", "z"))

	both := s.Intersect(u)

	for _, p := range []string{"a", "b", "d", "f", "k", "x"} {
		assert.Equal(t, s.Contains(p) && u.Contains(p), both.Contains(p), "particle %s", p)
	}
	assert.False(t, both.Contains("a"))
}

func TestShard_JSONRoundTrip(t *testing.T) {
	for _, s := range []shard.Shard{shard.Full, shard.Hollow, shard.NewSet("x", "y").Union(shard.NewInterval("a", "b"))} {
		data, err := json.Marshal(s)
		require.NoError(t, err)

		var decoded shard.Shard
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.True(t, s.Equal(decoded), "shard %s", s)
	}
}

func TestShard_String(t *testing.T) {
	assert.Equal(t, "Shard(full)", shard.Full.String())
	assert.Equal(t, "Shard(hollow)", shard.Hollow.String())
	assert.Equal(t, "Shard(a,b)", shard.NewSet("b", "a").String())
}
