package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/shard"
	"github.com/devrev/pairdb/scout/internal/versioned"
)

// Operation names the store calls a failure hook can intercept
type Operation string

const (
	OpLatestClock Operation = "latest_clock"
	OpFetch       Operation = "fetch"
	OpCommit      Operation = "commit"
	OpTimestamp   Operation = "timestamp"
)

// MemoryStore is a single-site sequencer and data store living in the scout
// process. Every committed transaction gets one system timestamp from the
// sequencer site; the committed clock holds both system and client
// timestamps.
type MemoryStore struct {
	mu         sync.Mutex
	siteID     string
	counter    uint64
	committed  *clock.CausalityClock
	pruneClock *clock.CausalityClock
	objects    map[model.ObjectID]*versioned.Object
	// replies of committed transactions, by client timestamp
	replies     map[clock.Timestamp]*CommitReply
	subscribers map[model.ObjectID]mapset.Set[string]
	channels    map[string]chan *Notification
	bufferSize  int
	closed      bool

	latency     time.Duration
	failureHook func(op Operation) error

	logger *zap.Logger
}

// NewMemoryStore creates an empty store sequencing at siteID
func NewMemoryStore(siteID string, notificationBuffer int, logger *zap.Logger) *MemoryStore {
	if notificationBuffer <= 0 {
		notificationBuffer = 1
	}
	return &MemoryStore{
		siteID:      siteID,
		committed:   clock.New(),
		pruneClock:  clock.New(),
		objects:     make(map[model.ObjectID]*versioned.Object),
		replies:     make(map[clock.Timestamp]*CommitReply),
		subscribers: make(map[model.ObjectID]mapset.Set[string]),
		channels:    make(map[string]chan *Notification),
		bufferSize:  notificationBuffer,
		logger:      logger,
	}
}

// SetLatency delays every call by d
func (s *MemoryStore) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetFailureHook installs a hook consulted before every call; a non-nil
// error is returned to the caller instead of serving the call
func (s *MemoryStore) SetFailureHook(hook func(op Operation) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureHook = hook
}

// enter applies latency and failure injection
func (s *MemoryStore) enter(ctx context.Context, op Operation) error {
	s.mu.Lock()
	latency, hook, closed := s.latency, s.failureHook, s.closed
	s.mu.Unlock()

	if closed {
		return scouterrors.Stopped("store")
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return scouterrors.Network(fmt.Sprintf("store %s timed out", op), ctx.Err())
		}
	}
	if hook != nil {
		if err := hook(op); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *MemoryStore) LatestKnownClock(ctx context.Context, clientID string, disasterSafe bool) (*ClockReply, error) {
	if err := s.enter(ctx, OpLatestClock); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ClockReply{Committed: s.committed.Copy(), DisasterDurable: s.committed.Copy()}, nil
}

func (s *MemoryStore) GenerateTimestamp(ctx context.Context, clientID string) (clock.Timestamp, error) {
	if err := s.enter(ctx, OpTimestamp); err != nil {
		return clock.Timestamp{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTimestampLocked(), nil
}

func (s *MemoryStore) nextTimestampLocked() clock.Timestamp {
	s.counter++
	return clock.NewTimestamp(s.siteID, s.counter)
}

func (s *MemoryStore) FetchObjectVersion(ctx context.Context, req *FetchRequest) (*FetchReply, error) {
	if err := s.enter(ctx, OpFetch); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := &FetchReply{
		EstimatedCommitted:       s.committed.Copy(),
		EstimatedDisasterDurable: s.committed.Copy(),
	}
	if req.Subscribe {
		s.subscribeLocked(req.ClientID, req.ID)
	}

	obj, ok := s.objects[req.ID]
	if !ok {
		reply.Status = model.FetchObjectNotFound
		return reply, nil
	}

	// the client's own pending transactions are not visible here yet
	requested := clock.New()
	if req.RequestedVersion != nil {
		requested = req.RequestedVersion.Copy()
	}
	requested.Drop(req.ClientID)
	if !s.committed.IncludesAll(requested) {
		s.logger.Debug("Requested version is not committed yet",
			zap.String("object_id", req.ID.String()),
			zap.String("requested", requested.String()),
			zap.String("committed", s.committed.String()))
		reply.Status = model.FetchVersionNotFound
		return reply, nil
	}

	snapshot := obj.Copy()
	snapshot.AugmentWithClock(s.committed)
	if req.Strict && !requested.IncludesAll(snapshot.PruneClock()) {
		reply.Status = model.FetchVersionNotFound
		return reply, nil
	}

	fraction, err := s.fractionFor(snapshot, requested, req.Query)
	if err != nil {
		return nil, err
	}
	reply.Status = model.FetchOK
	reply.Object = snapshot.CopyFraction(fraction)
	return reply, nil
}

// fractionFor runs the query on the version the client reads, or on the
// latest one when that version was pruned away
func (s *MemoryStore) fractionFor(obj *versioned.Object, requested *clock.CausalityClock, q crdt.Query) (shard.Shard, error) {
	if q == nil {
		return shard.Full, nil
	}
	target := requested
	if !target.IncludesAll(obj.PruneClock()) {
		target = obj.Clock()
	}
	view, err := obj.GetVersion(target, nil)
	if err != nil {
		return shard.Hollow, err
	}
	return q.ExecuteAt(view)
}

func (s *MemoryStore) CommitUpdates(ctx context.Context, clientID string, reqs []*CommitRequest) ([]*CommitReply, error) {
	if err := s.enter(ctx, OpCommit); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	replies := make([]*CommitReply, 0, len(reqs))
	var notifications []*Notification
	for _, req := range reqs {
		if prior, ok := s.replies[req.Mapping.Client]; ok {
			replies = append(replies, prior)
			continue
		}
		reply, groups := s.commitLocked(clientID, req)
		s.replies[req.Mapping.Client] = reply
		replies = append(replies, reply)
		notifications = append(notifications, groups...)
	}
	for _, n := range notifications {
		n.Committed = s.committed.Copy()
		s.notifyLocked(n)
	}
	return replies, nil
}

func (s *MemoryStore) commitLocked(clientID string, req *CommitRequest) (*CommitReply, []*Notification) {
	if err := s.validateLocked(clientID, req); err != nil {
		s.logger.Warn("Rejected transaction",
			zap.String("client_id", clientID),
			zap.String("timestamp", req.Mapping.Client.String()),
			zap.Error(err))
		s.committed.Record(req.Mapping.Client)
		return &CommitReply{Status: model.InvalidOperation}, nil
	}

	system := s.nextTimestampLocked()
	mapping := req.Mapping.Copy()
	mapping.AddSystem(system)

	notifications := make([]*Notification, 0, len(req.Groups))
	for _, g := range req.Groups {
		obj, ok := s.objects[g.ID]
		if !ok {
			created, err := versioned.NewEmpty(g.ID, g.Kind, clock.New(), true)
			if err != nil {
				// validated above
				s.logger.Error("Failed to create object", zap.String("object_id", g.ID.String()), zap.Error(err))
				continue
			}
			s.objects[g.ID] = created
			obj = created
		}
		group := g.Copy()
		group.Mapping = mapping.Copy()
		if _, err := obj.Execute(group, model.DependencyIgnore); err != nil {
			s.logger.Error("Failed to execute committed updates",
				zap.String("object_id", g.ID.String()),
				zap.Error(err))
			continue
		}
		obj.MarkRegisteredInStore()
		notifications = append(notifications, &Notification{ID: g.ID, Groups: []*crdt.UpdatesGroup{group}})
	}

	s.committed.Record(req.Mapping.Client)
	s.committed.Record(system)
	s.logger.Debug("Committed transaction",
		zap.String("client_id", clientID),
		zap.String("mapping", mapping.String()),
		zap.Int("objects", len(req.Groups)))
	return &CommitReply{Status: model.CommittedWithKnownTimestamps, System: []clock.Timestamp{system}}, notifications
}

func (s *MemoryStore) validateLocked(clientID string, req *CommitRequest) error {
	if req.Dependency != nil {
		dep := req.Dependency.Copy()
		dep.Drop(clientID)
		if !s.committed.IncludesAll(dep) {
			return scouterrors.DependencyNotSatisfied(req.Mapping.Client.String()).
				WithDetail("dependency", dep.String())
		}
	}
	for _, g := range req.Groups {
		obj, ok := s.objects[g.ID]
		switch {
		case !ok && !g.Create:
			return scouterrors.NoSuchObject(g.ID.String())
		case !ok:
			if _, err := crdt.New(g.Kind); err != nil {
				return err
			}
		case obj.Kind() != g.Kind:
			return scouterrors.WrongType(g.ID.String(), string(obj.Kind()), string(g.Kind))
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, clientID string, id model.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeLocked(clientID, id)
	return nil
}

func (s *MemoryStore) subscribeLocked(clientID string, id model.ObjectID) {
	subs, ok := s.subscribers[id]
	if !ok {
		subs = mapset.NewThreadUnsafeSet[string]()
		s.subscribers[id] = subs
	}
	subs.Add(clientID)
	s.channelLocked(clientID)
}

func (s *MemoryStore) Unsubscribe(ctx context.Context, clientID string, id model.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subscribers[id]; ok {
		subs.Remove(clientID)
		if subs.Cardinality() == 0 {
			delete(s.subscribers, id)
		}
	}
	return nil
}

// Notifications returns the client's notification channel. It is closed by Close.
func (s *MemoryStore) Notifications(clientID string) <-chan *Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelLocked(clientID)
}

func (s *MemoryStore) channelLocked(clientID string) chan *Notification {
	ch, ok := s.channels[clientID]
	if !ok {
		ch = make(chan *Notification, s.bufferSize)
		if s.closed {
			close(ch)
		}
		s.channels[clientID] = ch
	}
	return ch
}

func (s *MemoryStore) notifyLocked(n *Notification) {
	subs, ok := s.subscribers[n.ID]
	if !ok || s.closed {
		return
	}
	for _, clientID := range subs.ToSlice() {
		ch := s.channelLocked(clientID)
		select {
		case ch <- n:
		default:
			s.logger.Warn("Notification buffer full, dropping notification",
				zap.String("client_id", clientID),
				zap.String("object_id", n.ID.String()))
		}
	}
}

// Prune folds every object's log up to c, which must be committed
func (s *MemoryStore) Prune(c *clock.CausalityClock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed.IncludesAll(c) {
		return scouterrors.InvalidArgument(fmt.Sprintf("prune clock %s is not committed", c), nil)
	}
	for id, obj := range s.objects {
		obj.AugmentWithClock(s.committed)
		if err := obj.Prune(c); err != nil {
			return fmt.Errorf("failed to prune %s: %w", id, err)
		}
	}
	s.pruneClock = c.Copy()
	return nil
}

// ObjectIDs lists the stored objects, sorted
func (s *MemoryStore) ObjectIDs() []model.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]model.ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Ping reports whether the store serves calls
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.enter(ctx, OpLatestClock)
}

// Close closes every notification channel; later calls fail
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.channels {
		close(ch)
	}
	return nil
}
