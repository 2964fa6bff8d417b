package service

import (
	"context"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	"github.com/devrev/pairdb/scout/internal/model"
)

// repeatableReads reads each object at the latest version available on
// first access and keeps reading that version. Objects may come from
// different snapshots.
type repeatableReads struct{}

func (repeatableReads) get(ctx context.Context, h *TxnHandle, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query) (crdt.CRDT, bool, error) {
	if h.policy == model.Cached {
		if view, registered, err := h.scout.cachedView(h, id, kind, q); err == nil {
			return view, registered, nil
		} else if !isCacheMiss(err) {
			return nil, false, err
		}
	}
	return h.scout.readLatest(ctx, h, id, kind, create, q)
}

func (repeatableReads) getLazy(h *TxnHandle, id model.ObjectID, kind crdt.Kind) (crdt.CRDT, bool, error) {
	return h.scout.lazyView(h, id, kind, nil)
}

// dependency is the union of the versions the transaction read
func (repeatableReads) dependency(h *TxnHandle) *clock.CausalityClock {
	dep := clock.New()
	for _, state := range h.objects {
		dep.Merge(state.view.Clock())
	}
	return dep
}
