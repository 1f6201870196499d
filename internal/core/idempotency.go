package core

import (
	"container/list"
	"context"

	"PoolLedger/internal/observability"
)

// DBIdempotencyChecker is the Postgres tier of deduplication.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates in two tiers: an LRU of recent keys and the
// event log itself.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics

	tier2Errors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the event was already applied. A Postgres
// failure counts as "not seen": the request then fails or succeeds on its
// own merits instead of being stuck behind the database.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventType, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)
	if ic.lru.Contains(key) {
		ic.record(eventType, "lru")
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	isDup, err := ic.dbChecker.IsDuplicate(ctx, eventType, idempotencyKey)
	if err != nil {
		ic.tier2Errors++
		return false
	}
	if isDup {
		ic.record(eventType, "postgres")
		ic.lru.Add(key)
	}
	return isDup
}

// MarkProcessed remembers an applied event.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) Tier2Errors() int64 { return ic.tier2Errors }

func (ic *IdempotencyChecker) record(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// IdempotencyLRU is a bounded set of composite keys, least recently used
// evicted first. Not thread-safe.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the key.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys oldest first, so the last one ends up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys lists keys oldest first; WarmFromKeys restores the same order.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.order.Len())
	for e := lru.order.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (lru *IdempotencyLRU) Size() int { return lru.order.Len() }

func (lru *IdempotencyLRU) Evictions() int64 { return lru.evictions }
