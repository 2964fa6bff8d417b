package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/metrics"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/store"
)

var (
	listID  = model.NewObjectID("items", "list")
	otherID = model.NewObjectID("items", "other")
)

func testScoutConfig() *ScoutConfig {
	return &ScoutConfig{
		ID:                         "scout",
		DefaultIsolation:           model.SnapshotIsolation,
		DefaultCachePolicy:         model.Cached,
		CommitMode:                 model.CommitModeSync,
		Deadline:                   2 * time.Second,
		RetryBackoff:               5 * time.Millisecond,
		MaxAsyncTransactionsQueued: 8,
		MaxCommitBatchSize:         4,
		NotificationWorkers:        2,
		Cache:                      CacheConfig{MaxElements: 64, EvictionTime: time.Hour, EvictionCheckInterval: time.Hour},
	}
}

func newTestScout(t *testing.T, st store.Store, txnLog TxnLog, mutate func(*ScoutConfig)) *Scout {
	t.Helper()
	cfg := testScoutConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewScout(cfg, st, txnLog, metrics.NewMetrics(cfg.ID, prometheus.NewRegistry()), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx, false)
	})
	return s
}

func newMemoryStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore("dc", 16, zap.NewNop())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// commitDirect commits a set addition to the store on behalf of another client
func commitDirect(t *testing.T, st store.Store, client clock.Timestamp, create bool, elems ...string) {
	t.Helper()
	mapping := clock.NewTimestampMapping(client)
	g := crdt.NewUpdatesGroup(listID, crdt.KindAddWinsSet, mapping, clock.New())
	g.Create = create
	for i, e := range elems {
		g.Append(&crdt.SetAdd{Element: e, Instance: clock.NewTripleTimestamp(client, uint64(i+1))})
	}
	replies, err := st.CommitUpdates(context.Background(), client.Site, []*store.CommitRequest{{
		Mapping:    mapping,
		Dependency: clock.New(),
		Groups:     []*crdt.UpdatesGroup{g},
	}})
	require.NoError(t, err)
	require.Equal(t, model.CommittedWithKnownTimestamps, replies[0].Status)
}

func begin(t *testing.T, s *Scout, opts TxnOptions) *TxnHandle {
	t.Helper()
	h, err := s.BeginTxn(context.Background(), opts)
	require.NoError(t, err)
	return h
}

func getSet(t *testing.T, h *TxnHandle, id model.ObjectID, create bool) *crdt.AddWinsSet {
	t.Helper()
	view, err := h.Get(context.Background(), id, crdt.KindAddWinsSet, create, nil)
	require.NoError(t, err)
	return view.(*crdt.AddWinsSet)
}

func waitDone(t *testing.T, h *TxnHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("transaction %d did not finish", h.Serial())
	}
}

func TestScout_AddWinsSetThroughTransactions(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	writer := begin(t, s, s.DefaultTxnOptions())
	set := getSet(t, writer, listID, true)
	require.NoError(t, set.Add(ctx, "a"))
	require.NoError(t, set.Add(ctx, "b"))
	require.NoError(t, set.Remove(ctx, "a"))
	require.NoError(t, set.Add(ctx, "a"))
	require.NoError(t, writer.Commit(ctx))
	assert.Equal(t, model.TxnCommittedGlobal, writer.Status())
	assert.True(t, writer.Mapping().HasSystem())

	reader := begin(t, s, TxnOptions{Isolation: model.SnapshotIsolation, CachePolicy: model.MostRecent, ReadOnly: true})
	assert.Equal(t, []string{"a", "b"}, getSet(t, reader, listID, false).Value())
	require.NoError(t, reader.Commit(ctx))

	reply, err := st.FetchObjectVersion(ctx, &store.FetchRequest{ClientID: "probe", ID: listID, RequestedVersion: clock.New()})
	require.NoError(t, err)
	require.Equal(t, model.FetchOK, reply.Status)
	view, err := reply.Object.Latest()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, view.Value())
}

func TestScout_ReadsOwnLocalCommits(t *testing.T) {
	st := newMemoryStore(t)
	var commitsBlocked atomic.Bool
	commitsBlocked.Store(true)
	st.SetFailureHook(func(op store.Operation) error {
		if op == store.OpCommit && commitsBlocked.Load() {
			return scouterrors.Network("link down", nil)
		}
		return nil
	})
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	writer := begin(t, s, s.DefaultTxnOptions())
	require.NoError(t, getSet(t, writer, listID, true).Add(ctx, "a"))
	require.NoError(t, writer.CommitAsync(nil))
	assert.Equal(t, model.TxnCommittedLocal, writer.Status())

	reader := begin(t, s, s.DefaultTxnOptions())
	assert.Equal(t, []string{"a"}, getSet(t, reader, listID, false).Value())
	require.NoError(t, reader.Commit(ctx))
	assert.Equal(t, 1, s.QueueDepth())

	commitsBlocked.Store(false)
	waitDone(t, writer)
	assert.Equal(t, model.TxnCommittedGlobal, writer.Status())
	assert.Eventually(t, func() bool { return s.QueueDepth() == 0 }, time.Second, 5*time.Millisecond)
}

func TestScout_MonotonicReads(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	writer := begin(t, s, s.DefaultTxnOptions())
	require.NoError(t, getSet(t, writer, listID, true).Add(ctx, "a"))
	require.NoError(t, writer.Commit(ctx))

	first := begin(t, s, TxnOptions{Isolation: model.RepeatableReads, CachePolicy: model.MostRecent})
	seen := getSet(t, first, listID, false).Elements()
	require.NoError(t, first.Commit(ctx))

	commitDirect(t, st, clock.NewTimestamp("other", 1), false, "c")

	second := begin(t, s, TxnOptions{Isolation: model.SnapshotIsolation, CachePolicy: model.MostRecent})
	later := getSet(t, second, listID, false).Elements()
	require.NoError(t, second.Commit(ctx))

	assert.Subset(t, later, seen)
	assert.Contains(t, later, "c")
}

func TestScout_RepeatableReadsKeepTheFirstVersion(t *testing.T) {
	st := newMemoryStore(t)
	commitDirect(t, st, clock.NewTimestamp("other", 1), true, "a")
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	txn := begin(t, s, TxnOptions{Isolation: model.RepeatableReads, CachePolicy: model.MostRecent, ReadOnly: true})
	assert.Equal(t, []string{"a"}, getSet(t, txn, listID, false).Value())

	commitDirect(t, st, clock.NewTimestamp("other", 2), false, "b")
	assert.Eventually(t, func() bool {
		obj, ok := s.cache.GetWithoutTouch(listID)
		return ok && obj.Clock().Includes(clock.NewTimestamp("other", 2))
	}, time.Second, 5*time.Millisecond, "the notification reaches the cache")

	assert.Equal(t, []string{"a"}, getSet(t, txn, listID, false).Value())
	require.NoError(t, txn.Commit(ctx))
}

// countingStore counts fetches reaching the store
type countingStore struct {
	*store.MemoryStore
	fetches atomic.Int32
}

func (c *countingStore) FetchObjectVersion(ctx context.Context, req *store.FetchRequest) (*store.FetchReply, error) {
	c.fetches.Add(1)
	return c.MemoryStore.FetchObjectVersion(ctx, req)
}

func TestScout_LazyGetFetchesOnlyWhatItReads(t *testing.T) {
	st := &countingStore{MemoryStore: newMemoryStore(t)}
	commitDirect(t, st, clock.NewTimestamp("seed", 1), true, "x", "y")
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	txn := begin(t, s, s.DefaultTxnOptions())
	view, err := txn.GetLazy(listID, crdt.KindAddWinsSet)
	require.NoError(t, err)
	set := view.(*crdt.AddWinsSet)
	assert.True(t, set.Shard().IsHollow())
	assert.Equal(t, int32(0), st.fetches.Load())

	found, err := set.Lookup(ctx, "x")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int32(1), st.fetches.Load())

	require.NoError(t, txn.Fetch(ctx, listID, crdt.NewFractionQuery("x")))
	found, err = set.Lookup(ctx, "x")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int32(1), st.fetches.Load(), "subsumed reads are served by the view")
	assert.False(t, set.Contains("y"))

	require.NoError(t, set.AddBlind("z"))
	assert.False(t, set.Contains("z"), "a blind add outside the fraction waits for the particle")
	found, err = set.Lookup(ctx, "z")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int32(2), st.fetches.Load())

	require.NoError(t, txn.Commit(ctx))

	check := begin(t, s, TxnOptions{Isolation: model.SnapshotIsolation, CachePolicy: model.MostRecent, ReadOnly: true})
	assert.Equal(t, []string{"x", "y", "z"}, getSet(t, check, listID, false).Value())
}

func TestScout_LazyCreate(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	txn := begin(t, s, s.DefaultTxnOptions())
	view, err := txn.GetLazy(otherID, crdt.KindAddWinsSet)
	require.NoError(t, err)
	require.NoError(t, view.(*crdt.AddWinsSet).AddBlind("n"))
	require.NoError(t, txn.Commit(ctx))

	assert.Equal(t, []model.ObjectID{otherID}, st.ObjectIDs())
}

func TestScout_MissingObjects(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	txn := begin(t, s, s.DefaultTxnOptions())
	_, err := txn.Get(ctx, listID, crdt.KindAddWinsSet, false, nil)
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeNoSuchObject))

	exists, err := txn.ObjectExists(ctx, listID)
	require.NoError(t, err)
	assert.False(t, exists)

	getSet(t, txn, listID, true)
	_, err = txn.Get(ctx, listID, crdt.KindLWWRegister, true, nil)
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeWrongType))

	exists, err = txn.ObjectExists(ctx, listID)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = txn.Get(ctx, model.NewObjectID("bad:table", "k"), crdt.KindAddWinsSet, true, nil)
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidArgument))
	require.NoError(t, txn.Rollback())
}

func TestScout_CreatedObjectIsMaterializedWithoutUpdates(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	txn := begin(t, s, s.DefaultTxnOptions())
	view, err := txn.Get(ctx, otherID, crdt.KindLWWRegister, true, nil)
	require.NoError(t, err)
	_, set := view.(*crdt.LWWRegister).Get()
	assert.False(t, set)
	require.NoError(t, txn.Commit(ctx))

	assert.Equal(t, []model.ObjectID{otherID}, st.ObjectIDs())
}

func TestScout_SequentialTransactions(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	first := begin(t, s, s.DefaultTxnOptions())
	_, err := s.BeginTxn(ctx, s.DefaultTxnOptions())
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeIllegalState))

	client := first.Mapping().Client
	require.NoError(t, first.Rollback())
	assert.Equal(t, model.TxnCancelled, first.Status())
	assert.True(t, scouterrors.IsCode(first.Rollback(), scouterrors.ErrCodeIllegalState))

	second := begin(t, s, s.DefaultTxnOptions())
	assert.Equal(t, client, second.Mapping().Client, "a rolled back timestamp is reused")
	require.NoError(t, second.Commit(ctx))
	assert.Equal(t, model.TxnCommittedGlobal, second.Status())

	third := begin(t, s, s.DefaultTxnOptions())
	assert.Equal(t, client, third.Mapping().Client, "an empty transaction gives its timestamp back")
	require.NoError(t, third.Rollback())
}

func TestScout_ReadOnlyTransactions(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	txn := begin(t, s, TxnOptions{Isolation: model.SnapshotIsolation, CachePolicy: model.Cached, ReadOnly: true})
	assert.True(t, txn.Mapping().Client.IsZero())
	set := getSet(t, txn, listID, true)
	assert.True(t, scouterrors.IsCode(set.Add(ctx, "a"), scouterrors.ErrCodeInvalidOperation))
	_, err := txn.NextTimestamp()
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeInvalidOperation))

	var called atomic.Bool
	require.NoError(t, txn.CommitAsync(func(*TxnHandle, error) { called.Store(true) }))
	waitDone(t, txn)
	assert.Eventually(t, called.Load, time.Second, 5*time.Millisecond)
	assert.Empty(t, st.ObjectIDs())
}

func TestScout_ConcurrentRollbackStillReachesStore(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, func(cfg *ScoutConfig) { cfg.ConcurrentOpenTransactions = true })
	ctx := context.Background()

	aborted := begin(t, s, s.DefaultTxnOptions())
	writer := begin(t, s, s.DefaultTxnOptions())
	require.NoError(t, getSet(t, writer, listID, true).Add(ctx, "a"))

	require.NoError(t, aborted.Rollback())
	require.NoError(t, writer.Commit(ctx))

	latest, err := st.LatestKnownClock(ctx, "probe", false)
	require.NoError(t, err)
	assert.True(t, latest.Committed.Includes(aborted.Mapping().Client))
	assert.True(t, latest.Committed.Includes(writer.Mapping().Client))
}

func TestScout_SubscriptionFiresOnForeignUpdate(t *testing.T) {
	st := newMemoryStore(t)
	commitDirect(t, st, clock.NewTimestamp("other", 1), true, "a")
	s := newTestScout(t, st, nil, nil)
	ctx := context.Background()

	txn := begin(t, s, TxnOptions{Isolation: model.SnapshotIsolation, CachePolicy: model.MostRecent, ReadOnly: true})
	getSet(t, txn, listID, false)
	sub, err := txn.Subscribe(ctx, listID)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, txn.Commit(ctx))

	commitDirect(t, st, clock.NewTimestamp("other", 2), false, "b")
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok)
		assert.Equal(t, listID, ev.ID)
		require.Len(t, ev.Updates, 1)
		assert.Equal(t, clock.NewTimestamp("other", 2), ev.Updates[0].Client)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not fire")
	}
}

func TestScout_QueueLimitBlocksCommits(t *testing.T) {
	st := newMemoryStore(t)
	st.SetFailureHook(func(op store.Operation) error {
		if op == store.OpCommit {
			return scouterrors.Network("link down", nil)
		}
		return nil
	})
	s := newTestScout(t, st, nil, func(cfg *ScoutConfig) { cfg.MaxAsyncTransactionsQueued = 1 })
	ctx := context.Background()

	first := begin(t, s, s.DefaultTxnOptions())
	require.NoError(t, getSet(t, first, listID, true).Add(ctx, "a"))
	require.NoError(t, first.CommitAsync(nil))

	second := begin(t, s, s.DefaultTxnOptions())
	require.NoError(t, getSet(t, second, listID, true).Add(ctx, "b"))
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, second.Commit(waitCtx), context.DeadlineExceeded)
	assert.Equal(t, model.TxnPending, second.Status())
	assert.Equal(t, 1, s.QueueDepth())
	assert.Equal(t, 1, s.QueueLimit())
}

func TestScout_StrictPolicyNeedsTheStore(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	st.SetFailureHook(func(store.Operation) error { return scouterrors.Network("link down", nil) })
	ctx := context.Background()

	_, err := s.BeginTxn(ctx, TxnOptions{Isolation: model.SnapshotIsolation, CachePolicy: model.StrictlyMostRecent})
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeNetwork))

	txn, err := s.BeginTxn(ctx, TxnOptions{Isolation: model.SnapshotIsolation, CachePolicy: model.MostRecent})
	require.NoError(t, err)
	require.NoError(t, txn.Rollback())
}

func TestScout_RecoversLocallyCommittedTransactions(t *testing.T) {
	dir := t.TempDir()
	st := newMemoryStore(t)
	st.SetFailureHook(func(op store.Operation) error {
		if op == store.OpCommit {
			return scouterrors.Network("link down", nil)
		}
		return nil
	})
	ctx := context.Background()

	openLog := func() TxnLog {
		log, err := OpenTxnLog(&TxnLogConfig{Backend: "file", Dir: dir, SyncWrites: true}, nil, zap.NewNop())
		require.NoError(t, err)
		return log
	}

	first := newTestScout(t, st, openLog(), nil)
	txn := begin(t, first, first.DefaultTxnOptions())
	require.NoError(t, getSet(t, txn, listID, true).Add(ctx, "a"))
	require.NoError(t, txn.CommitAsync(nil))
	require.NoError(t, first.Stop(ctx, false))

	_, err := first.BeginTxn(ctx, first.DefaultTxnOptions())
	assert.True(t, scouterrors.IsCode(err, scouterrors.ErrCodeStopped))

	st.SetFailureHook(nil)
	second := newTestScout(t, st, openLog(), nil)
	recovered := second.PendingRecovery()
	require.Len(t, recovered, 1)
	assert.Equal(t, model.TxnCommittedLocal, recovered[0].Status())

	next := begin(t, second, second.DefaultTxnOptions())
	assert.Equal(t, uint64(2), next.Mapping().Client.Counter, "timestamps continue after the recovered ones")
	assert.Equal(t, []string{"a"}, getSet(t, next, listID, true).Value(), "recovered transactions stay visible")
	require.NoError(t, next.Rollback())

	assert.Equal(t, 1, second.ResubmitRecovered())
	waitDone(t, recovered[0])
	assert.Equal(t, []model.ObjectID{listID}, st.ObjectIDs())
	assert.Empty(t, second.PendingRecovery())
}

func TestScout_Transactions(t *testing.T) {
	st := newMemoryStore(t)
	s := newTestScout(t, st, nil, nil)
	txn := begin(t, s, TxnOptions{Isolation: model.RepeatableReads, CachePolicy: model.Cached, Session: "debug"})

	infos := s.Transactions()
	require.Len(t, infos, 1)
	assert.Equal(t, txn.Serial(), infos[0].Serial)
	assert.Equal(t, "PENDING", infos[0].Status)
	assert.Equal(t, "debug", infos[0].Session)
	require.NoError(t, txn.Rollback())
	assert.Empty(t, s.Transactions())
}
