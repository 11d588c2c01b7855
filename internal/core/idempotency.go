package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier command deduplication: an
// in-memory LRU in front of the Postgres event log.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether the command was already processed.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", commandType, idempotencyKey)

	if ic.lru.contains(compositeKey) {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
		if err != nil {
			// A DB problem must not block command processing; assume
			// not duplicate and let the unique constraint on the
			// event log catch a real repeat.
			return false
		}
		if isDup {
			ic.lru.add(compositeKey)
			return true
		}
	}
	return false
}

// MarkProcessed adds the key to the LRU after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	ic.lru.add(fmt.Sprintf("%s:%s", commandType, idempotencyKey))
}

// WarmFromKeys loads recently processed composite keys on restart so
// the cold path does not hit the database for fresh history.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// RecentKeys returns up to n composite keys, oldest first, in the
// format WarmFromKeys accepts: replaying them through WarmFromKeys
// reproduces the recency order. Used when taking a snapshot.
func (ic *IdempotencyChecker) RecentKeys(n int) []string {
	out := make([]string, 0, n)
	for elem := ic.lru.lruList.Front(); elem != nil && len(out) < n; elem = elem.Next() {
		out = append(out, elem.Value.(*lruEntry).key)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// --- LRU implementation ---

// idempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; only accessed under the engine mutex.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *idempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
	}
}

func (lru *idempotencyLRU) size() int {
	return lru.lruList.Len()
}
