package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/metrics"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/versioned"
)

// errCacheMiss reports that the cache cannot serve a read
var errCacheMiss = errors.New("cache miss")

// cacheEntry is one cached object with the queries its fraction answers
type cacheEntry struct {
	object *versioned.Object
	// state-independent queries the fraction answers at every version
	queries []crdt.Query
	// state-dependent queries, by canonical version string
	versionQueries map[string][]crdt.Query
	// serials of the transactions relying on the entry
	protections mapset.Set[uint64]
	lastAccess  time.Time
}

func (e *cacheEntry) protected() bool {
	return e.protections.Cardinality() > 0
}

// answers reports whether the entry serves q at version
func (e *cacheEntry) answers(q crdt.Query, version *clock.CausalityClock) bool {
	if e.object.Shard().IsFull() || q.IsAvailableIn(e.object.Shard()) {
		return true
	}
	remembered := e.queries
	if !q.IsStateIndependent() {
		remembered = e.versionQueries[version.String()]
	}
	for _, known := range remembered {
		if q.IsSubqueryOf(known) {
			return true
		}
	}
	return false
}

func (e *cacheEntry) remember(q crdt.Query, version *clock.CausalityClock) {
	if q == nil || e.object.Shard().IsFull() {
		e.queries = nil
		e.versionQueries = nil
		return
	}
	if q.IsStateIndependent() {
		e.queries = append(e.queries, q)
		return
	}
	if e.versionQueries == nil {
		e.versionQueries = make(map[string][]crdt.Query)
	}
	key := version.String()
	e.versionQueries[key] = append(e.versionQueries[key], q)
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxElements           int
	EvictionTime          time.Duration
	EvictionCheckInterval time.Duration
}

// ObjectCache keeps merged replicas of recently used objects. Entries
// protected by a running transaction are never evicted.
type ObjectCache struct {
	config  *CacheConfig
	lru     *simplelru.LRU
	logger  *zap.Logger
	metrics *metrics.Metrics
	onEvict func(ids []model.ObjectID)
	now     func() time.Time
	mu      sync.Mutex

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewObjectCache creates an empty cache. onEvict, when set, is called
// without the cache lock held.
func NewObjectCache(cfg *CacheConfig, m *metrics.Metrics, onEvict func(ids []model.ObjectID), logger *zap.Logger) *ObjectCache {
	// eviction is driven by EvictExcess, so the LRU itself is unbounded
	lru, _ := simplelru.NewLRU(math.MaxInt32, nil)
	return &ObjectCache{
		config:  cfg,
		lru:     lru,
		logger:  logger,
		metrics: m,
		onEvict: onEvict,
		now:     time.Now,
	}
}

func (c *ObjectCache) entryLocked(id model.ObjectID, touch bool) (*cacheEntry, bool) {
	var (
		value interface{}
		ok    bool
	)
	if touch {
		value, ok = c.lru.Get(id)
	} else {
		value, ok = c.lru.Peek(id)
	}
	if !ok {
		return nil, false
	}
	entry := value.(*cacheEntry)
	if touch {
		entry.lastAccess = c.now()
	}
	return entry, true
}

// Add merges obj into the cached replica, or replaces it when the versions
// cannot be merged. The query that produced obj is remembered, and
// txnSerial, when non-zero, protects the entry.
func (c *ObjectCache) Add(obj *versioned.Object, txnSerial uint64, q crdt.Query, version *clock.CausalityClock) {
	c.mu.Lock()
	entry, ok := c.entryLocked(obj.ID(), true)
	if !ok {
		entry = &cacheEntry{
			object:      obj,
			protections: mapset.NewThreadUnsafeSet[uint64](),
			lastAccess:  c.now(),
		}
		c.lru.Add(obj.ID(), entry)
	} else if err := entry.object.Merge(obj); err != nil {
		c.logger.Debug("Replacing cached object with incompatible version",
			zap.String("object_id", obj.ID().String()),
			zap.Error(err))
		if c.metrics != nil {
			c.metrics.CacheMergeFailures.Inc()
		}
		entry.object = obj
		entry.queries = nil
		entry.versionQueries = nil
	}
	entry.remember(q, version)
	if txnSerial != 0 {
		entry.protections.Add(txnSerial)
	}
	evicted := c.evictExcessLocked()
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(c.lru.Len()))
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

// GetAndTouch returns a copy of the cached object
func (c *ObjectCache) GetAndTouch(id model.ObjectID) (*versioned.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(id, true)
	if !ok {
		c.recordMissLocked()
		return nil, false
	}
	c.recordHitLocked()
	return entry.object.Copy(), true
}

// GetAndTouchQuery returns a copy of the cached object when it answers q at
// version: a full replica, a remembered subsuming query or a shard already
// holding the query's particles
func (c *ObjectCache) GetAndTouchQuery(id model.ObjectID, q crdt.Query, version *clock.CausalityClock) (*versioned.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(id, true)
	if ok && version == nil {
		version = entry.object.Clock()
	}
	if !ok || !entry.answers(q, version) {
		c.recordMissLocked()
		return nil, false
	}
	c.recordHitLocked()
	return entry.object.Copy(), true
}

// GetWithoutTouch returns a copy of the cached object without refreshing
// its position
func (c *ObjectCache) GetWithoutTouch(id model.ObjectID) (*versioned.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(id, false)
	if !ok {
		return nil, false
	}
	return entry.object.Copy(), true
}

// View builds a view of the cached object at version and binds it to txn.
// A nil version reads the latest cached version. errCacheMiss means the
// entry is absent, does not answer q, or does not hold that version.
func (c *ObjectCache) View(id model.ObjectID, q crdt.Query, version *clock.CausalityClock, txnSerial uint64, txn crdt.TxnContext) (crdt.CRDT, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(id, true)
	if !ok {
		c.recordMissLocked()
		return nil, false, errCacheMiss
	}
	if version == nil {
		version = entry.object.Clock()
	}
	if q != nil && !entry.answers(q, version) {
		c.recordMissLocked()
		return nil, false, errCacheMiss
	}
	view, err := entry.object.GetVersion(version, txn)
	if err != nil {
		if scouterrors.IsCode(err, scouterrors.ErrCodeVersionNotFound) {
			c.recordMissLocked()
			return nil, false, errCacheMiss
		}
		return nil, false, err
	}
	if txnSerial != 0 {
		entry.protections.Add(txnSerial)
	}
	c.recordHitLocked()
	return view, entry.object.IsRegisteredInStore(), nil
}

// Execute logs a group on the cached object, if any
func (c *ObjectCache) Execute(group *crdt.UpdatesGroup, policy model.DependencyPolicy) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(group.ID, false)
	if !ok {
		return false, nil
	}
	return entry.object.Execute(group, policy)
}

// MarkRegistered records that the store knows the cached object
func (c *ObjectCache) MarkRegistered(id model.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entryLocked(id, false); ok {
		entry.object.MarkRegisteredInStore()
	}
}

// UpdatesSince lists the updates of the cached object not included in c
func (c *ObjectCache) UpdatesSince(id model.ObjectID, since *clock.CausalityClock) []clock.TimestampMapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entryLocked(id, false)
	if !ok {
		return nil
	}
	return entry.object.UpdatesSince(since)
}

// AddProtection keeps the entry of id cached until RemoveProtection(txnSerial)
func (c *ObjectCache) AddProtection(id model.ObjectID, txnSerial uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entryLocked(id, false); ok {
		entry.protections.Add(txnSerial)
	}
}

// RemoveProtection drops every protection of txnSerial and evicts entries
// above the size limit
func (c *ObjectCache) RemoveProtection(txnSerial uint64) {
	c.mu.Lock()
	for _, key := range c.lru.Keys() {
		if value, ok := c.lru.Peek(key); ok {
			value.(*cacheEntry).protections.Remove(txnSerial)
		}
	}
	evicted := c.evictExcessLocked()
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

// Remove drops an entry regardless of protections
func (c *ObjectCache) Remove(id model.ObjectID) bool {
	c.mu.Lock()
	removed := c.lru.Remove(id)
	c.mu.Unlock()
	if removed {
		c.notifyEvicted([]model.ObjectID{id})
	}
	return removed
}

// EvictExcess evicts least recently used unprotected entries above the
// size limit
func (c *ObjectCache) EvictExcess() int {
	c.mu.Lock()
	evicted := c.evictExcessLocked()
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return len(evicted)
}

func (c *ObjectCache) evictExcessLocked() []model.ObjectID {
	excess := c.lru.Len() - c.config.MaxElements
	if excess <= 0 {
		return nil
	}
	var evicted []model.ObjectID
	// Keys are ordered oldest first
	for _, key := range c.lru.Keys() {
		if excess == 0 {
			break
		}
		value, _ := c.lru.Peek(key)
		if value.(*cacheEntry).protected() {
			continue
		}
		c.lru.Remove(key)
		evicted = append(evicted, key.(model.ObjectID))
		excess--
	}
	c.recordEvictionsLocked("size", len(evicted))
	return evicted
}

// EvictOutdated evicts unprotected entries idle longer than the eviction time
func (c *ObjectCache) EvictOutdated() int {
	if c.config.EvictionTime <= 0 {
		return 0
	}
	c.mu.Lock()
	deadline := c.now().Add(-c.config.EvictionTime)
	var evicted []model.ObjectID
	for _, key := range c.lru.Keys() {
		value, _ := c.lru.Peek(key)
		entry := value.(*cacheEntry)
		if entry.protected() || entry.lastAccess.After(deadline) {
			continue
		}
		c.lru.Remove(key)
		evicted = append(evicted, key.(model.ObjectID))
	}
	c.recordEvictionsLocked("idle", len(evicted))
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return len(evicted)
}

// Run evicts outdated entries periodically until ctx is done. tick, when
// set, runs after every eviction pass.
func (c *ObjectCache) Run(ctx context.Context, tick func()) {
	interval := c.config.EvictionCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.EvictOutdated(); n > 0 {
				c.logger.Debug("Evicted idle cache entries", zap.Int("count", n))
			}
			if tick != nil {
				tick()
			}
		case <-ctx.Done():
			return
		}
	}
}

// AugmentAllWithClock records c on every cached object
func (c *ObjectCache) AugmentAllWithClock(clk *clock.CausalityClock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		value, _ := c.lru.Peek(key)
		value.(*cacheEntry).object.AugmentWithClock(clk)
	}
}

// AugmentAllWithScoutTimestamp records a local transaction on every cached object
func (c *ObjectCache) AugmentAllWithScoutTimestamp(ts clock.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		value, _ := c.lru.Peek(key)
		value.(*cacheEntry).object.AugmentWithScoutTimestamp(ts)
	}
}

// PruneAll prunes every cached object that knows version clk. It returns
// the number of objects pruned.
func (c *ObjectCache) PruneAll(clk *clock.CausalityClock) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for _, key := range c.lru.Keys() {
		value, _ := c.lru.Peek(key)
		obj := value.(*cacheEntry).object
		if !obj.Clock().IncludesAll(clk) || !clk.IncludesAll(obj.PruneClock()) {
			continue
		}
		if err := obj.Prune(clk); err != nil {
			c.logger.Debug("Skipping prune of cached object",
				zap.String("object_id", obj.ID().String()),
				zap.Error(err))
			continue
		}
		pruned++
	}
	return pruned
}

// IDs lists the cached objects, least recently used first
func (c *ObjectCache) IDs() []model.ObjectID {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.lru.Keys()
	ids := make([]model.ObjectID, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key.(model.ObjectID))
	}
	return ids
}

// CacheStats holds cache statistics
type CacheStats struct {
	Entries   int    `json:"entries"`
	Protected int    `json:"protected"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Stats returns cache statistics
func (c *ObjectCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{
		Entries:   c.lru.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	for _, key := range c.lru.Keys() {
		value, _ := c.lru.Peek(key)
		if value.(*cacheEntry).protected() {
			stats.Protected++
		}
	}
	return stats
}

func (c *ObjectCache) recordHitLocked() {
	c.hits++
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *ObjectCache) recordMissLocked() {
	c.misses++
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *ObjectCache) recordEvictionsLocked(reason string, n int) {
	if n == 0 {
		return
	}
	c.evictions += uint64(n)
	if c.metrics != nil {
		c.metrics.CacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
		c.metrics.CacheEntries.Set(float64(c.lru.Len()))
	}
}

func (c *ObjectCache) notifyEvicted(ids []model.ObjectID) {
	if len(ids) == 0 || c.onEvict == nil {
		return
	}
	c.onEvict(ids)
}
