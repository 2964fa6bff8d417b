package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/metrics"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/shard"
	"github.com/devrev/pairdb/scout/internal/store"
	"github.com/devrev/pairdb/scout/internal/util/workerpool"
	"github.com/devrev/pairdb/scout/internal/validation"
	"github.com/devrev/pairdb/scout/internal/versioned"
)

// ScoutConfig holds scout configuration
type ScoutConfig struct {
	ID                         string
	DefaultIsolation           model.IsolationLevel
	DefaultCachePolicy         model.CachePolicy
	CommitMode                 model.CommitMode
	ConcurrentOpenTransactions bool
	DisasterSafe               bool
	Deadline                   time.Duration
	RetryBackoff               time.Duration
	MaxAsyncTransactionsQueued int
	MaxCommitBatchSize         int
	NotificationWorkers        int
	ResubmitOnStart            bool
	Cache                      CacheConfig
}

func (c *ScoutConfig) withDefaults() *ScoutConfig {
	cfg := *c
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxAsyncTransactionsQueued <= 0 {
		cfg.MaxAsyncTransactionsQueued = 50
	}
	if cfg.MaxCommitBatchSize <= 0 {
		cfg.MaxCommitBatchSize = 10
	}
	if cfg.NotificationWorkers <= 0 {
		cfg.NotificationWorkers = 2
	}
	if cfg.Cache.MaxElements <= 0 {
		cfg.Cache.MaxElements = 512
	}
	if cfg.CommitMode == "" {
		cfg.CommitMode = model.CommitModeSync
	}
	return &cfg
}

// Scout is the client-side runtime: it runs transactions against a partial
// cache of the store and commits them to the store in the background
type Scout struct {
	config     *ScoutConfig
	store      store.Store
	txnLog     TxnLog
	cache      *ObjectCache
	timestamps *timestampSource
	subs       *subscriptionRegistry
	listeners  *workerpool.Pool
	validator  *validation.Validator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	sessionID  string

	mu   sync.Mutex
	cond *sync.Cond
	// committedVersion is the store's committed clock as last observed
	committedVersion *clock.CausalityClock
	// lastLocallyCommitted records the client timestamps of local commits
	lastLocallyCommitted *clock.CausalityClock
	nextSerial           uint64
	pending              map[uint64]*TxnHandle
	// queue holds locally committed transactions by client timestamp
	queue []*TxnHandle
	// unstable holds globally committed transactions not yet in committedVersion
	unstable  []*TxnHandle
	recovered []*TxnHandle
	accepting bool
	stopping  bool
	draining  bool

	ctx           context.Context
	cancel        context.CancelFunc
	committerDone chan struct{}
	wg            sync.WaitGroup
	startOnce     sync.Once
	stopOnce      sync.Once
}

// NewScout creates a scout and recovers the transactions the log holds.
// Call Start to begin committing.
func NewScout(cfg *ScoutConfig, st store.Store, txnLog TxnLog, m *metrics.Metrics, logger *zap.Logger) (*Scout, error) {
	if cfg == nil || cfg.ID == "" {
		return nil, scouterrors.InvalidArgument("scout id is required", nil)
	}
	if st == nil {
		return nil, scouterrors.InvalidArgument("store is required", nil)
	}
	cfg = cfg.withDefaults()
	if txnLog == nil {
		txnLog = nopTxnLog{}
	}
	if m == nil {
		m = metrics.NewMetrics(cfg.ID, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("scout_id", cfg.ID))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scout{
		config:               cfg,
		store:                st,
		txnLog:               txnLog,
		timestamps:           newTimestampSource(cfg.ID),
		subs:                 newSubscriptionRegistry(m),
		validator:            validation.NewValidator(),
		metrics:              m,
		logger:               logger,
		sessionID:            uuid.NewString(),
		committedVersion:     clock.New(),
		lastLocallyCommitted: clock.New(),
		pending:              make(map[uint64]*TxnHandle),
		accepting:            true,
		ctx:                  ctx,
		cancel:               cancel,
		committerDone:        make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.cache = NewObjectCache(&cfg.Cache, m, s.onEvict, logger)
	s.listeners = workerpool.New(workerpool.Config{
		Name:      "commit-listeners",
		Workers:   cfg.NotificationWorkers,
		QueueSize: cfg.MaxAsyncTransactionsQueued * 4,
		Logger:    logger,
	})

	if err := s.recover(ctx); err != nil {
		cancel()
		_ = s.listeners.Stop(context.Background())
		return nil, err
	}
	return s, nil
}

// Start refreshes the committed version and starts the committer, the
// notification listener and cache maintenance
func (s *Scout) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		if err := s.refreshCommittedVersion(ctx); err != nil {
			s.logger.Warn("Store unreachable at start, using an empty committed version", zap.Error(err))
		}

		go s.runCommitter()

		s.wg.Add(2)
		go s.runNotifications()
		go func() {
			defer s.wg.Done()
			s.cache.Run(s.ctx, s.maintain)
		}()

		s.logger.Info("Scout started",
			zap.String("session_id", s.sessionID),
			zap.String("commit_mode", string(s.config.CommitMode)),
			zap.Bool("concurrent_open_transactions", s.config.ConcurrentOpenTransactions),
			zap.Int("recovered_transactions", len(s.recovered)))
	})
	return nil
}

// ID is the scout's site
func (s *Scout) ID() string { return s.config.ID }

// DefaultTxnOptions are the transaction options the scout is configured with
func (s *Scout) DefaultTxnOptions() TxnOptions {
	return TxnOptions{
		Isolation:   s.config.DefaultIsolation,
		CachePolicy: s.config.DefaultCachePolicy,
	}
}

// BeginTxn starts a transaction. Unless the policy is Cached, the committed
// version is refreshed from the store first; StrictlyMostRecent fails when
// the store cannot be reached.
func (s *Scout) BeginTxn(ctx context.Context, opts TxnOptions) (*TxnHandle, error) {
	if opts.CachePolicy != model.Cached {
		if err := s.refreshCommittedVersion(ctx); err != nil {
			if opts.CachePolicy == model.StrictlyMostRecent {
				return nil, err
			}
			s.logger.Warn("Could not refresh committed version, reading cached state", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return nil, scouterrors.Stopped("scout")
	}
	if !s.config.ConcurrentOpenTransactions && len(s.pending) > 0 {
		return nil, scouterrors.IllegalState("another transaction is pending")
	}

	s.nextSerial++
	h := newTxnHandle(s, s.nextSerial, opts)
	if !opts.ReadOnly {
		h.mapping = clock.NewTimestampMapping(s.timestamps.Next())
	}
	switch opts.Isolation {
	case model.RepeatableReads:
		h.reader = repeatableReads{}
	default:
		h.reader = &snapshotReads{snapshot: s.currentVersionLocked()}
	}
	s.pending[h.serial] = h

	s.metrics.TxnsBegun.WithLabelValues(opts.Isolation.String(), fmt.Sprint(opts.ReadOnly)).Inc()
	s.metrics.TxnsPending.Set(float64(len(s.pending)))
	s.logger.Debug("Transaction started",
		zap.Uint64("serial", h.serial),
		zap.String("client_timestamp", h.mapping.Client.String()),
		zap.String("isolation", opts.Isolation.String()),
		zap.String("session", opts.Session))
	return h, nil
}

// currentVersionLocked is the newest version a new transaction may read
func (s *Scout) currentVersionLocked() *clock.CausalityClock {
	v := s.committedVersion.Copy()
	v.Merge(s.lastLocallyCommitted)
	return v
}

func (s *Scout) currentVersion() *clock.CausalityClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentVersionLocked()
}

// CommittedVersion is a copy of the store's committed clock as last observed
func (s *Scout) CommittedVersion() *clock.CausalityClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedVersion.Copy()
}

func (s *Scout) refreshCommittedVersion(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.config.Deadline)
	defer cancel()
	start := time.Now()
	reply, err := s.store.LatestKnownClock(cctx, s.config.ID, s.config.DisasterSafe)
	s.metrics.ObserveStoreRequest("latest_clock", time.Since(start).Seconds(), err)
	if err != nil {
		return asStoreError(err)
	}
	s.observeCommitted(reply.Committed, reply.DisasterDurable)
	return nil
}

// observeCommitted merges a committed clock reported by the store
func (s *Scout) observeCommitted(committed, disasterDurable *clock.CausalityClock) {
	observed := committed
	if s.config.DisasterSafe {
		observed = disasterDurable
	}
	if observed == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committedVersion.Merge(observed)
	s.pruneUnstableLocked()
}

func asStoreError(err error) error {
	if scouterrors.IsScoutError(err) {
		return err
	}
	return scouterrors.Network("store request failed", err)
}

func isCacheMiss(err error) bool {
	return errors.Is(err, errCacheMiss)
}

func checkKind(id model.ObjectID, kind crdt.Kind, view crdt.CRDT) error {
	if kind != "" && view.Kind() != kind {
		return scouterrors.WrongType(id.String(), string(kind), string(view.Kind()))
	}
	return nil
}

// cachedView serves a read from the latest cached version only
func (s *Scout) cachedView(h *TxnHandle, id model.ObjectID, kind crdt.Kind, q crdt.Query) (crdt.CRDT, bool, error) {
	view, registered, err := s.cache.View(id, q, nil, h.serial, h)
	if err != nil {
		return nil, false, err
	}
	if err := checkKind(id, kind, view); err != nil {
		return nil, false, err
	}
	return view, registered, nil
}

// readAt returns a view of id at version answering q, from the cache when
// it can and from the store otherwise. txn may be nil for unbound views.
func (s *Scout) readAt(ctx context.Context, serial uint64, policy model.CachePolicy, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query, version *clock.CausalityClock, txn crdt.TxnContext) (crdt.CRDT, bool, error) {
	view, registered, err := s.cache.View(id, q, version, serial, txn)
	if err == nil {
		if err := checkKind(id, kind, view); err != nil {
			return nil, false, err
		}
		return view, registered, nil
	}
	if !isCacheMiss(err) {
		return nil, false, err
	}

	if err := s.fetchIntoCache(ctx, serial, policy, id, kind, create, q, version); err != nil {
		return nil, false, err
	}
	view, registered, err = s.cache.View(id, q, version, serial, txn)
	if isCacheMiss(err) {
		return nil, false, scouterrors.VersionNotFound(id.String(), "fetched replica does not hold the requested version")
	}
	if err != nil {
		return nil, false, err
	}
	if err := checkKind(id, kind, view); err != nil {
		return nil, false, err
	}
	return view, registered, nil
}

// readLatest fetches id at the current version and reads the latest cached
// version, which is at least as recent
func (s *Scout) readLatest(ctx context.Context, h *TxnHandle, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query) (crdt.CRDT, bool, error) {
	if err := s.fetchIntoCache(ctx, h.serial, h.policy, id, kind, create, q, s.currentVersion()); err != nil {
		return nil, false, err
	}
	view, registered, err := s.cachedView(h, id, kind, q)
	if isCacheMiss(err) {
		return nil, false, scouterrors.VersionNotFound(id.String(), "fetched replica was evicted")
	}
	return view, registered, err
}

// fetchExtension reads the particles q needs at the version a view holds
func (s *Scout) fetchExtension(ctx context.Context, h *TxnHandle, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query, version *clock.CausalityClock) (crdt.CRDT, bool, error) {
	return s.readAt(ctx, h.serial, h.policy, id, kind, create, q, version, nil)
}

// lazyView returns the cached object at version, or a hollow view when the
// cache cannot serve it. A nil version reads the latest cached version.
func (s *Scout) lazyView(h *TxnHandle, id model.ObjectID, kind crdt.Kind, version *clock.CausalityClock) (crdt.CRDT, bool, error) {
	view, registered, err := s.cache.View(id, crdt.HollowQuery{}, version, h.serial, h)
	if err == nil {
		if err := checkKind(id, kind, view); err != nil {
			return nil, false, err
		}
		return view, registered, nil
	}
	if !isCacheMiss(err) {
		return nil, false, err
	}

	if version == nil {
		version = s.currentVersion()
	}
	empty, err := crdt.New(kind)
	if err != nil {
		return nil, false, err
	}
	hollow := empty.CopyFraction(shard.Hollow)
	hollow.Bind(id, version.Copy(), h)
	return hollow, false, nil
}

// fetchIntoCache fetches id from the store, replays the scout's own
// transactions the store does not know yet and caches the result
func (s *Scout) fetchIntoCache(ctx context.Context, serial uint64, policy model.CachePolicy, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query, version *clock.CausalityClock) error {
	obj, err := s.fetchFromStore(ctx, policy, id, kind, create, q, version)
	if err != nil {
		if policy == model.MostRecent && scouterrors.IsCode(err, scouterrors.ErrCodeNetwork) {
			if _, ok := s.cache.GetAndTouchQuery(id, q, version); ok {
				s.logger.Warn("Store unreachable, reading cached replica",
					zap.String("object_id", id.String()),
					zap.Error(err))
				return nil
			}
		}
		return err
	}

	s.mu.Lock()
	s.integrateLocked(obj)
	s.cache.Add(obj, serial, q, version)
	s.mu.Unlock()
	return nil
}

// fetchFromStore retries until the store returns the version or the
// deadline passes. Strict reads fail on the first miss.
func (s *Scout) fetchFromStore(ctx context.Context, policy model.CachePolicy, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query, version *clock.CausalityClock) (*versioned.Object, error) {
	strict := policy == model.StrictlyMostRecent
	deadline := time.Now().Add(s.config.Deadline)
	req := &store.FetchRequest{
		ClientID:         s.config.ID,
		ID:               id,
		RequestedVersion: version.Copy(),
		Query:            q,
		Strict:           strict,
		Subscribe:        true,
	}
	if cached, ok := s.cache.GetWithoutTouch(id); ok {
		req.CachedVersion = cached.Clock().Copy()
	}

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithDeadline(ctx, deadline)
		start := time.Now()
		reply, err := s.store.FetchObjectVersion(callCtx, req)
		cancel()
		s.metrics.ObserveStoreRequest("fetch", time.Since(start).Seconds(), err)

		var retryReason string
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if strict || !time.Now().Before(deadline) {
				return nil, asStoreError(err)
			}
			retryReason = "network"
			s.logger.Debug("Fetch failed, retrying",
				zap.String("object_id", id.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
		case reply.Status == model.FetchOK:
			s.observeCommitted(reply.EstimatedCommitted, reply.EstimatedDisasterDurable)
			if reply.Object.Kind() != kind && kind != "" {
				return nil, scouterrors.WrongType(id.String(), string(kind), string(reply.Object.Kind()))
			}
			return reply.Object, nil
		case reply.Status == model.FetchObjectNotFound:
			s.observeCommitted(reply.EstimatedCommitted, reply.EstimatedDisasterDurable)
			if !create {
				return nil, scouterrors.NoSuchObject(id.String())
			}
			if kind == "" {
				return nil, scouterrors.InvalidArgument(fmt.Sprintf("cannot create %s without a kind", id), nil)
			}
			return s.newLocalObject(id, kind, version, reply.EstimatedCommitted)
		default:
			s.observeCommitted(reply.EstimatedCommitted, reply.EstimatedDisasterDurable)
			if strict || !time.Now().Before(deadline) {
				return nil, scouterrors.VersionNotFound(id.String(), fmt.Sprintf("store does not hold version %s", version))
			}
			retryReason = "version_not_found"
		}

		s.metrics.StoreRetriesTotal.WithLabelValues("fetch", retryReason).Inc()
		select {
		case <-time.After(s.config.RetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// newLocalObject creates an object the store does not know. Its clock
// leaves out the scout's own transactions, which integrateLocked replays.
func (s *Scout) newLocalObject(id model.ObjectID, kind crdt.Kind, version, committed *clock.CausalityClock) (*versioned.Object, error) {
	clk := version.Copy()
	clk.Drop(s.config.ID)
	if committed != nil {
		clk.Merge(committed)
	}
	s.logger.Debug("Creating object unknown to the store",
		zap.String("object_id", id.String()),
		zap.String("kind", string(kind)))
	return versioned.NewEmpty(id, kind, clk, false)
}

// integrateLocked replays on obj the scout's transactions the store may not
// have applied yet
func (s *Scout) integrateLocked(obj *versioned.Object) {
	for _, h := range s.localTxnsLocked() {
		h.mu.Lock()
		client := h.mapping.Client
		executed := false
		groups := h.groups
		if h.failed {
			groups = nil
		}
		for _, g := range groups {
			if g.ID != obj.ID() {
				continue
			}
			group := g.Copy()
			group.Mapping = h.mapping.Copy()
			if _, err := obj.Execute(group, model.DependencyIgnore); err != nil {
				s.logger.Warn("Failed to replay local transaction on fetched object",
					zap.String("object_id", obj.ID().String()),
					zap.String("client_timestamp", client.String()),
					zap.Error(err))
			}
			executed = true
		}
		h.mu.Unlock()
		if !executed {
			obj.AugmentWithScoutTimestamp(client)
		}
	}
}

// localTxnsLocked lists the scout's locally committed transactions whose
// effects may be missing from store replicas
func (s *Scout) localTxnsLocked() []*TxnHandle {
	txns := make([]*TxnHandle, 0, len(s.queue)+len(s.unstable)+len(s.recovered))
	for _, list := range [][]*TxnHandle{s.queue, s.unstable, s.recovered} {
		for _, h := range list {
			if !h.dummy {
				txns = append(txns, h)
			}
		}
	}
	return txns
}

// subscribe watches id for updates not included in readVersion
func (s *Scout) subscribe(ctx context.Context, id model.ObjectID, readVersion *clock.CausalityClock, owner clock.Timestamp) (*Subscription, error) {
	cctx, cancel := context.WithTimeout(ctx, s.config.Deadline)
	defer cancel()
	start := time.Now()
	err := s.store.Subscribe(cctx, s.config.ID, id)
	s.metrics.ObserveStoreRequest("subscribe", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, asStoreError(err)
	}

	sub := s.subs.add(id, readVersion, owner)
	committed := s.CommittedVersion()
	if missed := s.cache.UpdatesSince(id, readVersion); len(missed) > 0 {
		s.subs.fire(id, missed, committed)
	}
	return sub, nil
}

// onEvict stops notifications for objects no longer cached
func (s *Scout) onEvict(ids []model.ObjectID) {
	for _, id := range ids {
		id := id
		if subs, ok := s.subs.byObject.Load(id); ok && subs.Size() > 0 {
			continue
		}
		err := s.listeners.Submit(workerpool.Task{Name: "unsubscribe", Fn: func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, s.config.Deadline)
			defer cancel()
			return s.store.Unsubscribe(cctx, s.config.ID, id)
		}})
		if err != nil {
			s.logger.Debug("Skipping unsubscribe of evicted object",
				zap.String("object_id", id.String()),
				zap.Error(err))
		}
	}
}

// commitTxn commits h locally: the transaction becomes durable in the log,
// visible to later local transactions and queued for the store
func (s *Scout) commitTxn(ctx context.Context, h *TxnHandle, listener CommitListener) error {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return scouterrors.Stopped("scout")
	}

	h.mu.Lock()
	if err := h.checkPendingLocked(); err != nil {
		h.mu.Unlock()
		s.mu.Unlock()
		return err
	}
	groups := h.freezeLocked()
	h.listener = listener
	h.mu.Unlock()

	if h.readOnly || (len(groups) == 0 && !s.config.ConcurrentOpenTransactions) {
		if !h.readOnly {
			s.timestamps.ReturnLast(h.mapping.Client)
		}
		outcome := "read_only"
		if !h.readOnly {
			outcome = "empty"
		}
		s.finishLocked(h, model.TxnCommittedGlobal, outcome)
		s.mu.Unlock()
		s.dispatchListener(h)
		return nil
	}

	if err := s.waitLocked(ctx, func() bool {
		return len(s.queue) < s.config.MaxAsyncTransactionsQueued || !s.accepting || s.holdsBackQueueLocked(h)
	}); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.accepting {
		s.mu.Unlock()
		return scouterrors.Stopped("scout")
	}

	mapping := h.mapping.Copy()
	rec := &TxnRecord{
		Type:       RecordCommitLocal,
		Client:     mapping.Client,
		Mapping:    &mapping,
		Dependency: h.dependency.Copy(),
		Groups:     groups,
		Time:       time.Now(),
	}
	if err := s.appendLog(ctx, rec); err != nil {
		s.mu.Unlock()
		return err
	}

	h.mu.Lock()
	h.status = model.TxnCommittedLocal
	h.localCommittedAt = time.Now()
	h.mu.Unlock()

	s.lastLocallyCommitted.Record(mapping.Client)
	for _, g := range groups {
		if _, err := s.cache.Execute(g.Copy(), model.DependencyIgnore); err != nil {
			s.logger.Warn("Failed to apply local commit to cached object",
				zap.String("object_id", g.ID.String()),
				zap.Error(err))
		}
	}
	s.cache.AugmentAllWithScoutTimestamp(mapping.Client)

	delete(s.pending, h.serial)
	s.insertQueueLocked(h)
	s.metrics.TxnsPending.Set(float64(len(s.pending)))
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Debug("Transaction committed locally",
		zap.String("client_timestamp", mapping.Client.String()),
		zap.Int("groups", len(groups)))
	return nil
}

// rollbackTxn discards a pending transaction. With concurrent open
// transactions its timestamp may already be followed by others, so the
// store still receives an empty transaction under it.
func (s *Scout) rollbackTxn(h *TxnHandle) error {
	s.mu.Lock()
	h.mu.Lock()
	if err := h.checkPendingLocked(); err != nil {
		h.mu.Unlock()
		s.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	client := h.mapping.Client
	dummy := !h.readOnly && s.config.ConcurrentOpenTransactions
	if !h.readOnly && !dummy {
		s.timestamps.ReturnLast(client)
	}
	if dummy {
		h.mu.Lock()
		h.dummy = true
		h.groups = nil
		h.dependency = clock.New()
		h.mu.Unlock()
		s.insertQueueLocked(h)
	}
	s.finishLocked(h, model.TxnCancelled, "rolled_back")
	s.mu.Unlock()

	if dummy {
		return s.appendLog(context.Background(), &TxnRecord{Type: RecordAbort, Client: client, Time: time.Now()})
	}
	return nil
}

// finishLocked ends a transaction that needs no further store round trip
func (s *Scout) finishLocked(h *TxnHandle, status model.TxnStatus, outcome string) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()

	delete(s.pending, h.serial)
	s.cache.RemoveProtection(h.serial)
	close(h.done)
	s.cond.Broadcast()

	s.metrics.TxnsPending.Set(float64(len(s.pending)))
	s.metrics.TxnsFinished.WithLabelValues(outcome).Inc()
}

// waitLocked waits on the scout condition until ready holds or ctx is done
func (s *Scout) waitLocked(ctx context.Context, ready func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()
	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

func (s *Scout) appendLog(ctx context.Context, rec *TxnRecord) error {
	if err := s.txnLog.Append(ctx, rec); err != nil {
		s.logger.Error("Failed to append to transaction log",
			zap.String("type", string(rec.Type)),
			zap.String("client_timestamp", rec.Client.String()),
			zap.Error(err))
		if scouterrors.IsCode(err, scouterrors.ErrCodeTxnLogFailure) {
			return err
		}
		return scouterrors.TxnLogFailure("failed to append transaction record", err)
	}
	return nil
}

// recover rebuilds the transactions that were committed locally but never
// acknowledged by the store
func (s *Scout) recover(ctx context.Context) error {
	type recoveredTxn struct {
		mapping    clock.TimestampMapping
		dependency *clock.CausalityClock
		groups     []*crdt.UpdatesGroup
	}
	var (
		maxCounter uint64
		order      []clock.Timestamp
		records    int
	)
	txns := make(map[clock.Timestamp]*recoveredTxn)

	err := s.txnLog.Replay(ctx, func(rec *TxnRecord) error {
		records++
		if rec.Client.Site == s.config.ID && rec.Client.Counter > maxCounter {
			maxCounter = rec.Client.Counter
		}
		switch rec.Type {
		case RecordCommitLocal:
			mapping := clock.NewTimestampMapping(rec.Client)
			if rec.Mapping != nil {
				mapping = rec.Mapping.Copy()
			}
			dependency := rec.Dependency
			if dependency == nil {
				dependency = clock.New()
			}
			if _, seen := txns[rec.Client]; !seen {
				order = append(order, rec.Client)
			}
			txns[rec.Client] = &recoveredTxn{mapping: mapping, dependency: dependency, groups: rec.Groups}
		case RecordCommitGlobal, RecordAbort:
			delete(txns, rec.Client)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay transaction log: %w", err)
	}
	s.timestamps.ResumeAfter(maxCounter)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, client := range order {
		rt, ok := txns[client]
		if !ok {
			continue
		}
		s.nextSerial++
		h := newTxnHandle(s, s.nextSerial, TxnOptions{Isolation: model.SnapshotIsolation})
		h.mapping = rt.mapping
		h.groups = rt.groups
		h.dependency = rt.dependency
		h.status = model.TxnCommittedLocal
		h.recovered = true
		h.localCommittedAt = time.Now()
		s.recovered = append(s.recovered, h)
		s.lastLocallyCommitted.Record(client)
	}
	s.metrics.TxnLogRecoveredTotal.Add(float64(len(s.recovered)))
	if records > 0 {
		s.logger.Info("Replayed transaction log",
			zap.Int("records", records),
			zap.Uint64("last_client_counter", maxCounter),
			zap.Int("pending_global_commit", len(s.recovered)))
	}

	if s.config.ResubmitOnStart {
		s.resubmitLocked()
	}
	return nil
}

// PendingRecovery lists recovered transactions not yet resubmitted
func (s *Scout) PendingRecovery() []*TxnHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TxnHandle, len(s.recovered))
	copy(out, s.recovered)
	return out
}

// ResubmitRecovered queues the recovered transactions for the store. It
// returns how many were queued.
func (s *Scout) ResubmitRecovered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resubmitLocked()
}

func (s *Scout) resubmitLocked() int {
	n := len(s.recovered)
	for _, h := range s.recovered {
		s.insertQueueLocked(h)
	}
	s.recovered = nil
	s.cond.Broadcast()
	if n > 0 {
		s.logger.Info("Resubmitting recovered transactions", zap.Int("count", n))
	}
	return n
}

func (s *Scout) runNotifications() {
	defer s.wg.Done()
	ch := s.store.Notifications(s.config.ID)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			s.processNotification(n)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scout) processNotification(n *store.Notification) {
	s.metrics.NotificationsTotal.Inc()

	s.mu.Lock()
	if n.Committed != nil && !s.config.DisasterSafe {
		s.committedVersion.Merge(n.Committed)
	}
	updates := make([]clock.TimestampMapping, 0, len(n.Groups))
	for _, g := range n.Groups {
		if _, err := s.cache.Execute(g, model.DependencyIgnore); err != nil {
			s.logger.Warn("Failed to apply notified updates",
				zap.String("object_id", n.ID.String()),
				zap.Error(err))
		}
		updates = append(updates, g.Mapping.Copy())
	}
	s.pruneUnstableLocked()
	committed := s.committedVersion.Copy()
	s.mu.Unlock()

	if fired := s.subs.fire(n.ID, updates, committed); fired > 0 {
		s.logger.Debug("Subscriptions fired",
			zap.String("object_id", n.ID.String()),
			zap.Int("count", fired))
	}
}

// maintain prunes cached objects once no transaction can read below the
// committed version
func (s *Scout) maintain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 || len(s.queue) > 0 || len(s.unstable) > 0 || len(s.recovered) > 0 {
		return
	}
	if n := s.cache.PruneAll(s.committedVersion); n > 0 {
		s.logger.Debug("Pruned cached objects", zap.Int("count", n))
	}
}

// Stop rejects new transactions and stops the scout. With waitForCommit the
// committer first drains its queue, bounded by ctx.
func (s *Scout) Stop(ctx context.Context, waitForCommit bool) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.accepting = false
		s.stopping = true
		s.draining = waitForCommit
		queued := len(s.queue)
		s.cond.Broadcast()
		s.mu.Unlock()

		s.logger.Info("Stopping scout",
			zap.Bool("wait_for_commit", waitForCommit),
			zap.Int("queued", queued))

		if !waitForCommit {
			s.abortCommitter()
		}
		s.startOnce.Do(func() { close(s.committerDone) })
		select {
		case <-s.committerDone:
		case <-ctx.Done():
			s.logger.Warn("Stop timed out with transactions pending global commit")
			s.abortCommitter()
			<-s.committerDone
		}
		s.cancel()
		s.wg.Wait()

		s.subs.closeAll()
		err = multierr.Combine(
			s.listeners.Stop(ctx),
			s.txnLog.Close(),
		)
		s.logger.Info("Scout stopped")
	})
	return err
}

// abortCommitter cancels in-flight store calls and wakes the committer
func (s *Scout) abortCommitter() {
	s.cancel()
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// QueueDepth is the number of transactions awaiting global commit
func (s *Scout) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// QueueLimit is the number of queued transactions above which commits block
func (s *Scout) QueueLimit() int { return s.config.MaxAsyncTransactionsQueued }

// Ping checks that the store answers
func (s *Scout) Ping(ctx context.Context) error {
	return s.refreshCommittedVersion(ctx)
}

// Transactions summarizes every transaction the scout tracks
func (s *Scout) Transactions() []TxnInfo {
	s.mu.Lock()
	handles := make([]*TxnHandle, 0, len(s.pending)+len(s.queue)+len(s.unstable)+len(s.recovered))
	for _, h := range s.pending {
		handles = append(handles, h)
	}
	handles = append(handles, s.queue...)
	handles = append(handles, s.unstable...)
	handles = append(handles, s.recovered...)
	s.mu.Unlock()

	infos := make([]TxnInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.Describe())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Serial < infos[j].Serial })
	return infos
}

// DescribeObject summarizes the cached replica of id
func (s *Scout) DescribeObject(id model.ObjectID) (versioned.Info, bool) {
	obj, ok := s.cache.GetWithoutTouch(id)
	if !ok {
		return versioned.Info{}, false
	}
	return obj.Describe(), true
}

// CachedObjects lists the cached object ids
func (s *Scout) CachedObjects() []model.ObjectID { return s.cache.IDs() }

// CacheStats returns cache statistics
func (s *Scout) CacheStats() CacheStats { return s.cache.Stats() }

// Config returns the scout configuration
func (s *Scout) Config() ScoutConfig { return *s.config }
