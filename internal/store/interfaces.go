package store

import (
	"context"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/versioned"
)

// Store is the store and sequencer a scout talks to
type Store interface {
	// Clocks
	LatestKnownClock(ctx context.Context, clientID string, disasterSafe bool) (*ClockReply, error)
	GenerateTimestamp(ctx context.Context, clientID string) (clock.Timestamp, error)

	// Objects
	FetchObjectVersion(ctx context.Context, req *FetchRequest) (*FetchReply, error)
	CommitUpdates(ctx context.Context, clientID string, reqs []*CommitRequest) ([]*CommitReply, error)

	// Notifications
	Subscribe(ctx context.Context, clientID string, id model.ObjectID) error
	Unsubscribe(ctx context.Context, clientID string, id model.ObjectID) error
	Notifications(clientID string) <-chan *Notification
}

// ClockReply carries the store's committed clocks
type ClockReply struct {
	Committed       *clock.CausalityClock
	DisasterDurable *clock.CausalityClock
}

// FetchRequest asks for an object at a version, restricted to what Query needs
type FetchRequest struct {
	ClientID string
	ID       model.ObjectID
	// RequestedVersion is the version the client wants to read
	RequestedVersion *clock.CausalityClock
	// CachedVersion is the version the client already holds, if any
	CachedVersion *clock.CausalityClock
	// Query selects the fraction; nil means the whole object
	Query crdt.Query
	// Strict requires the reply not to be pruned above RequestedVersion
	Strict bool
	// Subscribe registers the client for notifications about the object
	Subscribe bool
}

// FetchReply is the store's answer to a FetchRequest
type FetchReply struct {
	Status model.FetchStatus
	// Object is set when Status is FetchOK. It is owned by the caller.
	Object                   *versioned.Object
	EstimatedCommitted       *clock.CausalityClock
	EstimatedDisasterDurable *clock.CausalityClock
}

// CommitRequest is one locally committed transaction
type CommitRequest struct {
	Mapping    clock.TimestampMapping
	Dependency *clock.CausalityClock
	Groups     []*crdt.UpdatesGroup
}

// CommitReply is the store's answer to one CommitRequest
type CommitReply struct {
	Status model.CommitStatus
	// System timestamps assigned when Status is CommittedWithKnownTimestamps
	System []clock.Timestamp
	// Committed is the store clock after the commit when only the clock
	// range is known
	Committed *clock.CausalityClock
}

// Notification reports committed updates on a subscribed object
type Notification struct {
	ID        model.ObjectID
	Groups    []*crdt.UpdatesGroup
	Committed *clock.CausalityClock
}
