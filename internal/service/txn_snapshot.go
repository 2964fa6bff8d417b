package service

import (
	"context"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	"github.com/devrev/pairdb/scout/internal/model"
)

// snapshotReads reads every object at one snapshot taken when the
// transaction began: the committed version known to the scout plus the
// scout's own locally committed transactions
type snapshotReads struct {
	snapshot *clock.CausalityClock
}

func (r *snapshotReads) get(ctx context.Context, h *TxnHandle, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query) (crdt.CRDT, bool, error) {
	return h.scout.readAt(ctx, h.serial, h.policy, id, kind, create, q, r.snapshot, h)
}

func (r *snapshotReads) getLazy(h *TxnHandle, id model.ObjectID, kind crdt.Kind) (crdt.CRDT, bool, error) {
	return h.scout.lazyView(h, id, kind, r.snapshot)
}

func (r *snapshotReads) dependency(*TxnHandle) *clock.CausalityClock {
	return r.snapshot.Copy()
}
