package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/store"
)

// TxnOptions selects how a transaction reads
type TxnOptions struct {
	Isolation   model.IsolationLevel
	CachePolicy model.CachePolicy
	ReadOnly    bool
	// Session is an opaque label carried into logs
	Session string
}

// CommitListener is called once a transaction is globally committed. err
// is set when the store rejected the transaction.
type CommitListener func(txn *TxnHandle, err error)

// GetRequest is one read of a BulkGet
type GetRequest struct {
	ID     model.ObjectID
	Kind   crdt.Kind
	Create bool
	Query  crdt.Query
}

// objectState is what a transaction holds for one object
type objectState struct {
	view crdt.CRDT
	kind crdt.Kind
	// group collects the operations registered on the object
	group *crdt.UpdatesGroup
	// deferred holds operations on particles the view did not hold when
	// they were registered
	deferred *crdt.UpdatesGroup
	queries  []crdt.Query
	// lazy views were created without asking the store
	lazy bool
	// created is set when the transaction asked to create an object the
	// store does not know
	created    bool
	registered bool
}

func (s *objectState) satisfies(q crdt.Query) bool {
	if q.IsAvailableIn(s.view.Shard()) {
		return true
	}
	for _, known := range s.queries {
		if q.IsSubqueryOf(known) {
			return true
		}
	}
	return false
}

// isolationReader decides at which version a transaction reads an object
type isolationReader interface {
	get(ctx context.Context, h *TxnHandle, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query) (crdt.CRDT, bool, error)
	getLazy(h *TxnHandle, id model.ObjectID, kind crdt.Kind) (crdt.CRDT, bool, error)
	// dependency is the causal past of the transaction; h.mu is held
	dependency(h *TxnHandle) *clock.CausalityClock
}

// TxnHandle is a transaction on a scout. Views returned by Get are bound
// to the handle and, like the handle's other methods, must not be used
// after the transaction finished. A single view is not safe for concurrent
// use.
type TxnHandle struct {
	scout     *Scout
	serial    uint64
	isolation model.IsolationLevel
	policy    model.CachePolicy
	readOnly  bool
	session   string
	reader    isolationReader
	beganAt   time.Time

	mu        sync.Mutex
	status    model.TxnStatus
	mapping   clock.TimestampMapping
	opCounter uint64
	objects   map[model.ObjectID]*objectState

	// frozen at local commit
	groups     []*crdt.UpdatesGroup
	dependency *clock.CausalityClock

	failed           bool
	dummy            bool
	recovered        bool
	listener         CommitListener
	localCommittedAt time.Time
	done             chan struct{}
}

func newTxnHandle(s *Scout, serial uint64, opts TxnOptions) *TxnHandle {
	return &TxnHandle{
		scout:     s,
		serial:    serial,
		isolation: opts.Isolation,
		policy:    opts.CachePolicy,
		readOnly:  opts.ReadOnly,
		session:   opts.Session,
		beganAt:   time.Now(),
		status:    model.TxnPending,
		objects:   make(map[model.ObjectID]*objectState),
		done:      make(chan struct{}),
	}
}

// Get reads object id at the transaction's version, restricted to what q
// needs; a nil query reads the whole object. A missing object is created
// when create is set, otherwise NoSuchObject is returned. An empty kind
// accepts any kind but cannot create.
func (h *TxnHandle) Get(ctx context.Context, id model.ObjectID, kind crdt.Kind, create bool, q crdt.Query) (crdt.CRDT, error) {
	start := time.Now()
	defer func() { h.scout.metrics.GetDuration.Observe(time.Since(start).Seconds()) }()

	if err := h.scout.validator.ValidateObjectID(id); err != nil {
		return nil, err
	}
	if q == nil {
		q = crdt.FullQuery{}
	}

	h.mu.Lock()
	if err := h.checkPendingLocked(); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	state, ok := h.objects[id]
	h.mu.Unlock()

	if ok {
		if kind != "" && state.kind != kind {
			return nil, scouterrors.WrongType(id.String(), string(kind), string(state.kind))
		}
		if err := h.Fetch(ctx, id, q); err != nil {
			return nil, err
		}
		return state.view, nil
	}

	if kind != "" {
		if err := h.scout.validator.ValidateKind(kind); err != nil {
			return nil, err
		}
	}
	view, registered, err := h.reader.get(ctx, h, id, kind, create, q)
	if err != nil {
		return nil, err
	}
	return h.adopt(id, view, registered, false, create && !registered, q), nil
}

// GetLazy returns a view of id without contacting the store. The view holds
// whatever the cache has, possibly nothing; reads and updates fetch the
// particles they need, creating the object if the store does not know it.
func (h *TxnHandle) GetLazy(id model.ObjectID, kind crdt.Kind) (crdt.CRDT, error) {
	if err := h.scout.validator.ValidateObjectID(id); err != nil {
		return nil, err
	}
	if err := h.scout.validator.ValidateKind(kind); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if err := h.checkPendingLocked(); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	state, ok := h.objects[id]
	h.mu.Unlock()
	if ok {
		if state.kind != kind {
			return nil, scouterrors.WrongType(id.String(), string(kind), string(state.kind))
		}
		return state.view, nil
	}

	view, registered, err := h.reader.getLazy(h, id, kind)
	if err != nil {
		return nil, err
	}
	return h.adopt(id, view, registered, true, false, nil), nil
}

// BulkGet reads several objects in parallel. Views are returned in request order.
func (h *TxnHandle) BulkGet(ctx context.Context, reqs []GetRequest) ([]crdt.CRDT, error) {
	if err := h.scout.validator.ValidateBulkGet(len(reqs)); err != nil {
		return nil, err
	}
	views := make([]crdt.CRDT, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			view, err := h.Get(gctx, req.ID, req.Kind, req.Create, req.Query)
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", req.ID, err)
			}
			views[i] = view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// adopt records a freshly obtained view, unless a concurrent Get of the
// same object won the race
func (h *TxnHandle) adopt(id model.ObjectID, view crdt.CRDT, registered, lazy, created bool, q crdt.Query) crdt.CRDT {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.objects[id]; ok {
		return existing.view
	}
	state := &objectState{view: view, kind: view.Kind(), lazy: lazy, created: created, registered: registered}
	if q != nil {
		state.queries = []crdt.Query{q}
	}
	h.objects[id] = state
	return view
}

// ObjectExists reports whether the object is visible to the transaction
func (h *TxnHandle) ObjectExists(ctx context.Context, id model.ObjectID) (bool, error) {
	h.mu.Lock()
	_, ok := h.objects[id]
	h.mu.Unlock()
	if ok {
		return true, nil
	}
	_, err := h.Get(ctx, id, "", false, crdt.HollowQuery{})
	switch {
	case err == nil:
		return true, nil
	case scouterrors.IsCode(err, scouterrors.ErrCodeNoSuchObject):
		return false, nil
	default:
		return false, err
	}
}

// Fetch widens the view of id with the particles q needs. It does nothing
// when the view already answers q.
func (h *TxnHandle) Fetch(ctx context.Context, id model.ObjectID, q crdt.Query) error {
	if q == nil {
		q = crdt.FullQuery{}
	}
	h.mu.Lock()
	if err := h.checkPendingLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	state, ok := h.objects[id]
	if !ok {
		h.mu.Unlock()
		return scouterrors.InvalidArgument(fmt.Sprintf("object %s was not read by the transaction", id), nil)
	}
	if state.satisfies(q) {
		h.mu.Unlock()
		return nil
	}
	version := state.view.Clock()
	kind, create := state.kind, state.lazy
	h.mu.Unlock()

	ext, registered, err := h.scout.fetchExtension(ctx, h, id, kind, create, q, version)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if state.satisfies(q) {
		return nil
	}
	if state.deferred != nil {
		if _, err := state.deferred.ApplyOverlapping(ext); err != nil {
			return err
		}
	}
	if err := state.view.MergeSameVersion(ext); err != nil {
		return err
	}
	state.queries = append(state.queries, q)
	state.registered = state.registered || registered
	return nil
}

// NextTimestamp names the next operation of the transaction
func (h *TxnHandle) NextTimestamp() (clock.TripleTimestamp, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkWritableLocked(); err != nil {
		return clock.TripleTimestamp{}, err
	}
	h.opCounter++
	return clock.NewTripleTimestamp(h.mapping.Client, h.opCounter), nil
}

// RegisterOperation records an update a view applied locally
func (h *TxnHandle) RegisterOperation(id model.ObjectID, u crdt.Update) error {
	if err := h.scout.validator.ValidateParticles(u.Particles()); err != nil {
		return err
	}

	h.mu.Lock()
	if err := h.checkWritableLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	state, ok := h.objects[id]
	if !ok {
		h.mu.Unlock()
		return scouterrors.InvalidArgument(fmt.Sprintf("object %s was not read by the transaction", id), nil)
	}
	if state.group == nil {
		state.group = crdt.NewUpdatesGroup(id, state.kind, h.mapping.Copy(), nil)
	}
	state.group.Append(u)
	if !state.view.Shard().ContainsAll(u.Particles()) {
		if state.deferred == nil {
			state.deferred = crdt.NewUpdatesGroup(id, state.kind, h.mapping.Copy(), nil)
		}
		state.deferred.Append(u)
		h.scout.metrics.DeferredOpsTotal.Inc()
	}
	client := h.mapping.Client
	h.mu.Unlock()

	data, err := crdt.MarshalUpdate(u)
	if err != nil {
		return err
	}
	return h.scout.appendLog(context.Background(), &TxnRecord{
		Type:     RecordOperation,
		Client:   client,
		ObjectID: &id,
		Update:   data,
		Time:     time.Now(),
	})
}

// Subscribe watches id for committed updates the transaction did not read
func (h *TxnHandle) Subscribe(ctx context.Context, id model.ObjectID) (*Subscription, error) {
	h.mu.Lock()
	state, ok := h.objects[id]
	if !ok {
		h.mu.Unlock()
		return nil, scouterrors.InvalidArgument(fmt.Sprintf("object %s was not read by the transaction", id), nil)
	}
	readVersion := state.view.Clock().Copy()
	owner := h.mapping.Client
	h.mu.Unlock()

	return h.scout.subscribe(ctx, id, readVersion, owner)
}

// Commit commits the transaction and waits until the store committed it or
// ctx is done
func (h *TxnHandle) Commit(ctx context.Context) error {
	if err := h.scout.commitTxn(ctx, h, nil); err != nil {
		return err
	}
	select {
	case <-h.done:
		return h.outcome()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommitAsync commits the transaction locally and returns. listener, if
// set, runs once the store committed it.
func (h *TxnHandle) CommitAsync(listener CommitListener) error {
	return h.scout.commitTxn(context.Background(), h, listener)
}

// Finish commits in the scout's configured commit mode
func (h *TxnHandle) Finish(ctx context.Context) error {
	if h.scout.config.CommitMode == model.CommitModeAsync {
		return h.CommitAsync(nil)
	}
	return h.Commit(ctx)
}

// Rollback discards the transaction
func (h *TxnHandle) Rollback() error {
	return h.scout.rollbackTxn(h)
}

// Status is the current state of the transaction
func (h *TxnHandle) Status() model.TxnStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Mapping is the transaction's client timestamp and the system timestamps
// assigned so far
func (h *TxnHandle) Mapping() clock.TimestampMapping {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mapping.Copy()
}

// Done is closed once the transaction is globally committed or cancelled
func (h *TxnHandle) Done() <-chan struct{} { return h.done }

// Failed reports whether the store rejected the transaction
func (h *TxnHandle) Failed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

func (h *TxnHandle) Serial() uint64 { return h.serial }

func (h *TxnHandle) Isolation() model.IsolationLevel { return h.isolation }

func (h *TxnHandle) IsReadOnly() bool { return h.readOnly }

func (h *TxnHandle) outcome() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.failed:
		return scouterrors.InvalidOperation(fmt.Sprintf("transaction %s was rejected by the store", h.mapping.Client), nil)
	case h.status == model.TxnCancelled:
		return scouterrors.IllegalState("transaction was rolled back")
	default:
		return nil
	}
}

func (h *TxnHandle) checkPendingLocked() error {
	if h.status != model.TxnPending {
		return scouterrors.IllegalState(fmt.Sprintf("transaction is %s", h.status))
	}
	return nil
}

func (h *TxnHandle) checkWritableLocked() error {
	if h.readOnly {
		return scouterrors.InvalidOperation("read-only transaction cannot update objects", nil)
	}
	return h.checkPendingLocked()
}

// freezeLocked builds the update groups shipped to the store: one per
// updated object, plus an empty creating group for every object the
// transaction created without updating it
func (h *TxnHandle) freezeLocked() []*crdt.UpdatesGroup {
	dependency := h.reader.dependency(h)
	ids := make([]model.ObjectID, 0, len(h.objects))
	for id := range h.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var groups []*crdt.UpdatesGroup
	for _, id := range ids {
		state := h.objects[id]
		group := state.group
		switch {
		case group != nil:
			group = group.Copy()
		case state.created && !state.registered && !h.readOnly:
			group = crdt.NewUpdatesGroup(id, state.kind, h.mapping.Copy(), nil)
		default:
			continue
		}
		group.Mapping = h.mapping.Copy()
		group.Dependency = dependency.Copy()
		group.Create = !state.registered
		groups = append(groups, group)
	}
	h.groups = groups
	h.dependency = dependency
	return groups
}

// commitRequest is the store request of a locally committed transaction
func (h *TxnHandle) commitRequest() *store.CommitRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	groups := make([]*crdt.UpdatesGroup, 0, len(h.groups))
	for _, g := range h.groups {
		groups = append(groups, g.Copy())
	}
	dependency := clock.New()
	if h.dependency != nil {
		dependency = h.dependency.Copy()
	}
	return &store.CommitRequest{Mapping: h.mapping.Copy(), Dependency: dependency, Groups: groups}
}

// TxnInfo is a printable summary of a transaction
type TxnInfo struct {
	Serial    uint64 `json:"serial"`
	Client    string `json:"client,omitempty"`
	Mapping   string `json:"mapping,omitempty"`
	Status    string `json:"status"`
	Isolation string `json:"isolation"`
	ReadOnly  bool   `json:"read_only"`
	Session   string `json:"session,omitempty"`
	Objects   int    `json:"objects"`
	Groups    int    `json:"groups"`
	Failed    bool   `json:"failed,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`
	Age       string `json:"age"`
}

// Describe summarizes the transaction
func (h *TxnHandle) Describe() TxnInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := TxnInfo{
		Serial:    h.serial,
		Status:    h.status.String(),
		Isolation: h.isolation.String(),
		ReadOnly:  h.readOnly,
		Session:   h.session,
		Objects:   len(h.objects),
		Groups:    len(h.groups),
		Failed:    h.failed,
		Recovered: h.recovered,
		Age:       time.Since(h.beganAt).Round(time.Millisecond).String(),
	}
	if !h.mapping.Client.IsZero() {
		info.Client = h.mapping.Client.String()
		info.Mapping = h.mapping.String()
	}
	return info
}
