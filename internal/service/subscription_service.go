package service

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/metrics"
	"github.com/devrev/pairdb/scout/internal/model"
)

// UpdateEvent reports committed updates a subscriber had not seen
type UpdateEvent struct {
	ID      model.ObjectID
	Updates []clock.TimestampMapping
}

// Subscription delivers at most one UpdateEvent on C, after which C is
// closed. Close may be called at any time, also concurrently with delivery.
type Subscription struct {
	C <-chan UpdateEvent

	id          model.ObjectID
	key         uint64
	owner       clock.Timestamp
	readVersion *clock.CausalityClock
	ch          chan UpdateEvent
	once        sync.Once
	registry    *subscriptionRegistry
}

// ObjectID is the object the subscription watches
func (s *Subscription) ObjectID() model.ObjectID { return s.id }

// Close cancels the subscription and closes C if nothing was delivered
func (s *Subscription) Close() {
	s.registry.remove(s)
	s.once.Do(func() { close(s.ch) })
}

// relevant keeps the committed updates the subscriber has not read
func (s *Subscription) relevant(updates []clock.TimestampMapping, committed *clock.CausalityClock) []clock.TimestampMapping {
	var out []clock.TimestampMapping
	for _, m := range updates {
		if m.Client == s.owner || m.AnyIncluded(s.readVersion) {
			continue
		}
		if committed != nil && !m.AnyIncluded(committed) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Subscription) deliver(ev UpdateEvent) bool {
	delivered := false
	s.once.Do(func() {
		s.ch <- ev
		close(s.ch)
		delivered = true
	})
	return delivered
}

// subscriptionRegistry indexes open subscriptions by object
type subscriptionRegistry struct {
	nextKey  atomic.Uint64
	byObject *xsync.MapOf[model.ObjectID, *xsync.MapOf[uint64, *Subscription]]
	metrics  *metrics.Metrics
}

func newSubscriptionRegistry(m *metrics.Metrics) *subscriptionRegistry {
	return &subscriptionRegistry{
		byObject: xsync.NewMapOf[model.ObjectID, *xsync.MapOf[uint64, *Subscription]](),
		metrics:  m,
	}
}

// add opens a subscription on id for a reader at readVersion. Updates of
// the owner transaction are never reported.
func (r *subscriptionRegistry) add(id model.ObjectID, readVersion *clock.CausalityClock, owner clock.Timestamp) *Subscription {
	ch := make(chan UpdateEvent, 1)
	sub := &Subscription{
		C:           ch,
		id:          id,
		key:         r.nextKey.Add(1),
		owner:       owner,
		readVersion: readVersion.Copy(),
		ch:          ch,
		registry:    r,
	}
	subs, _ := r.byObject.LoadOrCompute(id, func() *xsync.MapOf[uint64, *Subscription] {
		return xsync.NewMapOf[uint64, *Subscription]()
	})
	subs.Store(sub.key, sub)
	if r.metrics != nil {
		r.metrics.SubscriptionsActive.Inc()
	}
	return sub
}

func (r *subscriptionRegistry) remove(sub *Subscription) {
	subs, ok := r.byObject.Load(sub.id)
	if !ok {
		return
	}
	if _, loaded := subs.LoadAndDelete(sub.key); loaded && r.metrics != nil {
		r.metrics.SubscriptionsActive.Dec()
	}
}

// fire delivers the committed updates of id to every subscriber that has
// not read them. It returns the number of subscriptions fired.
func (r *subscriptionRegistry) fire(id model.ObjectID, updates []clock.TimestampMapping, committed *clock.CausalityClock) int {
	subs, ok := r.byObject.Load(id)
	if !ok || len(updates) == 0 {
		return 0
	}
	var fired []*Subscription
	subs.Range(func(_ uint64, sub *Subscription) bool {
		missed := sub.relevant(updates, committed)
		if len(missed) > 0 && sub.deliver(UpdateEvent{ID: id, Updates: missed}) {
			fired = append(fired, sub)
		}
		return true
	})
	for _, sub := range fired {
		r.remove(sub)
	}
	if r.metrics != nil {
		r.metrics.SubscriptionsFired.Add(float64(len(fired)))
	}
	return len(fired)
}

// count is the number of open subscriptions
func (r *subscriptionRegistry) count() int {
	n := 0
	r.byObject.Range(func(_ model.ObjectID, subs *xsync.MapOf[uint64, *Subscription]) bool {
		n += subs.Size()
		return true
	})
	return n
}

// closeAll closes every open subscription
func (r *subscriptionRegistry) closeAll() {
	var all []*Subscription
	r.byObject.Range(func(_ model.ObjectID, subs *xsync.MapOf[uint64, *Subscription]) bool {
		subs.Range(func(_ uint64, sub *Subscription) bool {
			all = append(all, sub)
			return true
		})
		return true
	})
	for _, sub := range all {
		sub.Close()
	}
}
