package crdt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/devrev/pairdb/scout/internal/shard"
)

func init() {
	Register(KindVoteCounter, func() CRDT { return NewVoteCounter() })
	RegisterUpdate(func() Update { return &Vote{} })
}

// Direction of a vote. Ties between votes with the same sequence number are
// won by the higher direction.
type Direction int8

const (
	Down   Direction = -1
	Middle Direction = 0
	Up     Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "middle"
	}
}

// ParseDirection parses up, middle or down
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	case "middle", "none":
		return Middle, nil
	default:
		return Middle, fmt.Errorf("unknown vote direction %q", s)
	}
}

// Vote records a voter's latest vote. Seq is one more than the sequence
// number of the voter's vote the issuing transaction observed.
type Vote struct {
	Voter     string    `json:"voter"`
	Direction Direction `json:"direction"`
	Seq       uint64    `json:"seq"`
}

func (u *Vote) UpdateType() string  { return "counter.vote" }
func (u *Vote) Particles() []string { return nil }

// VoteTally summarizes the current votes
type VoteTally struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// Score is the number of up votes minus the number of down votes
func (t VoteTally) Score() int { return t.Up - t.Down }

type voterState struct {
	dir Direction
	seq uint64
}

// votes is the per-voter state shared by the vote counter and the voting set
type votes struct {
	byVoter map[string]voterState
	tally   VoteTally
}

func newVotes() *votes {
	return &votes{byVoter: make(map[string]voterState)}
}

// apply keeps, per voter, the vote with the highest (seq, direction)
func (v *votes) apply(u *Vote) bool {
	cur, ok := v.byVoter[u.Voter]
	if ok && (u.Seq < cur.seq || (u.Seq == cur.seq && u.Direction <= cur.dir)) {
		return false
	}
	if ok {
		v.count(cur.dir, -1)
	}
	v.count(u.Direction, 1)
	v.byVoter[u.Voter] = voterState{dir: u.Direction, seq: u.Seq}
	return true
}

func (v *votes) count(d Direction, delta int) {
	switch d {
	case Up:
		v.tally.Up += delta
	case Down:
		v.tally.Down += delta
	}
}

func (v *votes) next(voter string, dir Direction) *Vote {
	return &Vote{Voter: voter, Direction: dir, Seq: v.byVoter[voter].seq + 1}
}

func (v *votes) of(voter string) Direction {
	return v.byVoter[voter].dir
}

func (v *votes) voters() []string {
	out := make([]string, 0, len(v.byVoter))
	for voter := range v.byVoter {
		out = append(out, voter)
	}
	sort.Strings(out)
	return out
}

func (v *votes) copy() *votes {
	out := &votes{byVoter: make(map[string]voterState, len(v.byVoter)), tally: v.tally}
	for voter, st := range v.byVoter {
		out.byVoter[voter] = st
	}
	return out
}

// VoteCounter counts the latest vote of every voter
type VoteCounter struct {
	base
	votes *votes
}

// NewVoteCounter returns a counter with no votes
func NewVoteCounter() *VoteCounter {
	return &VoteCounter{base: newBase(), votes: newVotes()}
}

func (c *VoteCounter) Kind() Kind { return KindVoteCounter }

func (c *VoteCounter) Value() any { return c.votes.tally }

func (c *VoteCounter) Particles() []string { return nil }

// Tally returns the up and down counts
func (c *VoteCounter) Tally() VoteTally { return c.votes.tally }

// VoteOf returns the current vote of a voter, Middle when none
func (c *VoteCounter) VoteOf(voter string) Direction { return c.votes.of(voter) }

// Voters lists everyone who voted
func (c *VoteCounter) Voters() []string { return c.votes.voters() }

// Vote replaces the voter's vote
func (c *VoteCounter) Vote(ctx context.Context, voter string, dir Direction) error {
	if err := c.requireTxn(); err != nil {
		return err
	}
	if err := c.fetch(ctx, FullQuery{}); err != nil {
		return err
	}
	u := c.votes.next(voter, dir)
	if err := c.Apply(u); err != nil {
		return err
	}
	return c.register(u)
}

func (c *VoteCounter) Apply(u Update) error {
	v, ok := u.(*Vote)
	if !ok {
		return wrongUpdate(c.Kind(), u)
	}
	if c.shard.IsFull() {
		c.votes.apply(v)
	}
	return nil
}

func (c *VoteCounter) Copy() CRDT {
	return &VoteCounter{base: c.detached(c.shard), votes: c.votes.copy()}
}

func (c *VoteCounter) CopyFraction(sh shard.Shard) CRDT {
	if sh.IsHollow() {
		return &VoteCounter{base: c.detached(shard.Hollow), votes: newVotes()}
	}
	return c.Copy()
}

func (c *VoteCounter) MergeSameVersion(other CRDT) error {
	o, ok := other.(*VoteCounter)
	if !ok {
		return wrongMerge(c.Kind(), other)
	}
	if !c.shard.IsFull() && o.shard.IsFull() {
		c.votes = o.votes.copy()
	}
	c.widen(o.shard)
	return nil
}
