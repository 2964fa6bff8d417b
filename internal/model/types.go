package model

import (
	"fmt"
	"strings"
)

// ObjectID identifies a replicated object by table and key
type ObjectID struct {
	Table string `json:"table"`
	Key   string `json:"key"`
}

// NewObjectID creates an ObjectID
func NewObjectID(table, key string) ObjectID {
	return ObjectID{Table: table, Key: key}
}

func (id ObjectID) String() string {
	return id.Table + ":" + id.Key
}

// ParseObjectID parses the table:key form produced by String
func ParseObjectID(s string) (ObjectID, error) {
	table, key, ok := strings.Cut(s, ":")
	if !ok || table == "" || key == "" {
		return ObjectID{}, fmt.Errorf("malformed object id %q", s)
	}
	return ObjectID{Table: table, Key: key}, nil
}

// IsolationLevel of a transaction
type IsolationLevel int

const (
	// SnapshotIsolation pins one snapshot clock for the whole transaction
	SnapshotIsolation IsolationLevel = iota
	// RepeatableReads reads the most recent cached version of every object once
	RepeatableReads
)

func (l IsolationLevel) String() string {
	switch l {
	case SnapshotIsolation:
		return "snapshot_isolation"
	case RepeatableReads:
		return "repeatable_reads"
	default:
		return "unknown"
	}
}

// ParseIsolationLevel parses the configuration form of an isolation level
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToLower(s) {
	case "snapshot_isolation", "si":
		return SnapshotIsolation, nil
	case "repeatable_reads", "rr":
		return RepeatableReads, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

// CachePolicy controls how fresh the versions read by a transaction are
type CachePolicy int

const (
	// Cached reads whatever the cache holds
	Cached CachePolicy = iota
	// MostRecent refreshes from the store, tolerating failures
	MostRecent
	// StrictlyMostRecent refreshes from the store and surfaces failures
	StrictlyMostRecent
)

func (p CachePolicy) String() string {
	switch p {
	case Cached:
		return "cached"
	case MostRecent:
		return "most_recent"
	case StrictlyMostRecent:
		return "strictly_most_recent"
	default:
		return "unknown"
	}
}

// ParseCachePolicy parses the configuration form of a cache policy
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch strings.ToLower(s) {
	case "cached":
		return Cached, nil
	case "most_recent":
		return MostRecent, nil
	case "strictly_most_recent":
		return StrictlyMostRecent, nil
	default:
		return 0, fmt.Errorf("unknown cache policy %q", s)
	}
}

// CommitMode selects whether Commit waits for the global commit
type CommitMode string

const (
	CommitModeSync  CommitMode = "sync"
	CommitModeAsync CommitMode = "async"
)

// TxnStatus is the state of a transaction handle
type TxnStatus int

const (
	TxnPending TxnStatus = iota
	TxnCommittedLocal
	TxnCommittedGlobal
	TxnCancelled
)

func (s TxnStatus) String() string {
	switch s {
	case TxnPending:
		return "PENDING"
	case TxnCommittedLocal:
		return "COMMITTED_LOCAL"
	case TxnCommittedGlobal:
		return "COMMITTED_GLOBAL"
	case TxnCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition is possible
func (s TxnStatus) IsTerminal() bool {
	return s == TxnCommittedGlobal || s == TxnCancelled
}

// IsCommitted reports whether the transaction committed at least locally
func (s TxnStatus) IsCommitted() bool {
	return s == TxnCommittedLocal || s == TxnCommittedGlobal
}

// CommitStatus is the sequencer's answer to one committed transaction
type CommitStatus int

const (
	CommittedWithKnownTimestamps CommitStatus = iota
	CommittedWithKnownClockRange
	InvalidOperation
)

func (s CommitStatus) String() string {
	switch s {
	case CommittedWithKnownTimestamps:
		return "COMMITTED_WITH_KNOWN_TIMESTAMPS"
	case CommittedWithKnownClockRange:
		return "COMMITTED_WITH_KNOWN_CLOCK_RANGE"
	case InvalidOperation:
		return "INVALID_OPERATION"
	default:
		return "UNKNOWN"
	}
}

// FetchStatus is the store's answer to an object fetch
type FetchStatus int

const (
	FetchOK FetchStatus = iota
	FetchObjectNotFound
	FetchVersionNotFound
)

func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "OK"
	case FetchObjectNotFound:
		return "OBJECT_NOT_FOUND"
	case FetchVersionNotFound:
		return "VERSION_NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// DependencyPolicy controls how an update group with unknown causal
// dependencies is treated when executed on a versioned object
type DependencyPolicy int

const (
	// DependencyIgnore applies the group regardless of its dependencies
	DependencyIgnore DependencyPolicy = iota
	// DependencyCheck rejects a group whose dependencies are not included
	DependencyCheck
)
