package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/scout/internal/clock"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/store"
	"github.com/devrev/pairdb/scout/internal/util/workerpool"
)

// runCommitter ships locally committed transactions to the store in client
// timestamp order, a batch at a time
func (s *Scout) runCommitter() {
	defer close(s.committerDone)
	for {
		s.mu.Lock()
		var batch []*TxnHandle
		for {
			if s.stopping && (!s.draining || len(s.queue) == 0 || s.ctx.Err() != nil) {
				s.mu.Unlock()
				return
			}
			if batch = s.nextBatchLocked(); len(batch) > 0 {
				break
			}
			s.cond.Wait()
		}
		s.mu.Unlock()

		s.commitBatch(batch)
	}
}

// nextBatchLocked picks the oldest queued transactions. With concurrent
// open transactions, a queued transaction waits while a pending update
// transaction holds a lower timestamp.
func (s *Scout) nextBatchLocked() []*TxnHandle {
	if len(s.queue) == 0 {
		return nil
	}
	var lowestPending uint64
	if s.config.ConcurrentOpenTransactions && !s.stopping {
		for _, h := range s.pending {
			if h.readOnly {
				continue
			}
			if c := h.mapping.Client.Counter; lowestPending == 0 || c < lowestPending {
				lowestPending = c
			}
		}
	}

	batch := make([]*TxnHandle, 0, min(len(s.queue), s.config.MaxCommitBatchSize))
	for _, h := range s.queue {
		if len(batch) == s.config.MaxCommitBatchSize {
			break
		}
		if lowestPending != 0 && h.mapping.Client.Counter > lowestPending {
			break
		}
		batch = append(batch, h)
	}
	return batch
}

// holdsBackQueueLocked reports whether queued transactions wait for h.
// Such a transaction may enter a full queue, since the queue cannot drain
// before it does.
func (s *Scout) holdsBackQueueLocked(h *TxnHandle) bool {
	if len(s.queue) == 0 {
		return false
	}
	return s.queue[len(s.queue)-1].mapping.Client.Counter > h.mapping.Client.Counter
}

func (s *Scout) commitBatch(batch []*TxnHandle) {
	reqs := make([]*store.CommitRequest, len(batch))
	for i, h := range batch {
		reqs[i] = h.commitRequest()
	}
	s.metrics.CommitBatchSize.Observe(float64(len(batch)))

	var replies []*store.CommitReply
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, s.config.Deadline)
		start := time.Now()
		var err error
		replies, err = s.store.CommitUpdates(ctx, s.config.ID, reqs)
		cancel()
		elapsed := time.Since(start).Seconds()
		s.metrics.ObserveStoreRequest("commit", elapsed, err)
		if err == nil && len(replies) != len(reqs) {
			err = scouterrors.InternalError(fmt.Sprintf("store answered %d of %d transactions", len(replies), len(reqs)), nil)
		}
		if err == nil {
			s.metrics.CommitBatchDuration.Observe(elapsed)
			break
		}
		if s.ctx.Err() != nil {
			s.logger.Warn("Committer stopped with transactions pending global commit",
				zap.Int("batch_size", len(batch)))
			return
		}

		s.logger.Warn("Failed to commit batch, retrying",
			zap.Int("batch_size", len(batch)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		s.metrics.StoreRetriesTotal.WithLabelValues("commit", "network").Inc()
		select {
		case <-time.After(s.config.RetryBackoff):
		case <-s.ctx.Done():
			return
		}
	}

	records := make([]*TxnRecord, len(batch))
	s.mu.Lock()
	for i, h := range batch {
		records[i] = s.applyCommitReplyLocked(h, replies[i])
	}
	s.metrics.CommitterQueueDepth.Set(float64(len(s.queue)))
	s.cond.Broadcast()
	s.mu.Unlock()

	for i, h := range batch {
		if records[i] == nil {
			continue
		}
		// a missing global record only causes a resubmission after restart
		_ = s.appendLog(context.Background(), records[i])
		s.dispatchListener(h)
	}
}

// applyCommitReplyLocked finishes the global commit of h. It returns the
// log record to append, nil for the empty transactions of rollbacks.
func (s *Scout) applyCommitReplyLocked(h *TxnHandle, reply *store.CommitReply) *TxnRecord {
	h.mu.Lock()
	switch reply.Status {
	case model.CommittedWithKnownTimestamps:
		for _, ts := range reply.System {
			h.mapping.AddSystem(ts)
		}
	case model.CommittedWithKnownClockRange:
		if reply.Committed != nil {
			s.committedVersion.Merge(reply.Committed)
		}
	case model.InvalidOperation:
		h.failed = true
	}
	mapping := h.mapping.Copy()
	groups := h.groups
	dummy, failed := h.dummy, h.failed
	if !dummy {
		h.status = model.TxnCommittedGlobal
	}
	committedAt := h.localCommittedAt
	h.mu.Unlock()

	if failed {
		s.logger.Warn("Store rejected transaction",
			zap.String("client_timestamp", mapping.Client.String()),
			zap.Int("groups", len(groups)))
		for _, g := range groups {
			s.cache.Remove(g.ID)
		}
	} else {
		for _, g := range groups {
			group := g.Copy()
			group.Mapping = mapping.Copy()
			if _, err := s.cache.Execute(group, model.DependencyIgnore); err != nil {
				s.logger.Warn("Failed to record system timestamps on cached object",
					zap.String("object_id", g.ID.String()),
					zap.Error(err))
			}
			if g.Create {
				s.cache.MarkRegistered(g.ID)
			}
		}
		if len(reply.System) > 0 {
			s.cache.AugmentAllWithClock(clock.FromTimestamps(reply.System...))
		}
	}

	s.removeQueueLocked(h)
	s.cache.RemoveProtection(h.serial)
	if dummy {
		return nil
	}

	// rejected transactions also stay unstable: the store records their
	// timestamps as committed without effects
	if !s.committedVersion.Includes(mapping.Client) {
		s.unstable = append(s.unstable, h)
		s.metrics.UnstableTxns.Set(float64(len(s.unstable)))
	}
	close(h.done)

	outcome := "committed"
	if failed {
		outcome = "rejected"
	}
	s.metrics.TxnsFinished.WithLabelValues(outcome).Inc()
	if !committedAt.IsZero() {
		s.metrics.CommitDuration.Observe(time.Since(committedAt).Seconds())
	}
	s.logger.Debug("Transaction committed globally",
		zap.String("mapping", mapping.String()),
		zap.String("status", reply.Status.String()))

	return &TxnRecord{
		Type:    RecordCommitGlobal,
		Client:  mapping.Client,
		Mapping: &mapping,
		Failed:  failed,
		Time:    time.Now(),
	}
}

// insertQueueLocked keeps the queue ordered by client timestamp
func (s *Scout) insertQueueLocked(h *TxnHandle) {
	counter := h.mapping.Client.Counter
	i := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].mapping.Client.Counter > counter
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = h
	s.metrics.CommitterQueueDepth.Set(float64(len(s.queue)))
}

func (s *Scout) removeQueueLocked(h *TxnHandle) {
	for i, queued := range s.queue {
		if queued == h {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// pruneUnstableLocked forgets globally committed transactions the committed
// version now includes
func (s *Scout) pruneUnstableLocked() {
	kept := s.unstable[:0]
	for _, h := range s.unstable {
		if !s.committedVersion.Includes(h.mapping.Client) {
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(s.unstable); i++ {
		s.unstable[i] = nil
	}
	s.unstable = kept
	s.metrics.UnstableTxns.Set(float64(len(s.unstable)))
}

// dispatchListener runs the commit listener of h on the listener pool
func (s *Scout) dispatchListener(h *TxnHandle) {
	h.mu.Lock()
	listener := h.listener
	h.listener = nil
	h.mu.Unlock()
	if listener == nil {
		return
	}

	err := h.outcome()
	task := workerpool.Task{Name: "commit-listener", Fn: func(context.Context) error {
		listener(h, err)
		return nil
	}}
	if submitErr := s.listeners.Submit(task); submitErr != nil {
		s.metrics.ListenersRejected.Inc()
		s.logger.Warn("Listener pool rejected callback, running it on its own goroutine",
			zap.Error(submitErr))
		go listener(h, err)
	}
}
