package aggregator

import (
	"container/heap"

	"solana-discovery/internal/domain"
)

// cacheItem pairs a record with its position in the expiry heap.
type cacheItem struct {
	rec     *domain.DiscoveryRecord
	heapIdx int
}

// expiryHeap is a min-heap on DiscoveredAtMs so the oldest record is
// always at the top.
type expiryHeap []*cacheItem

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	return h[i].rec.DiscoveredAtMs < h[j].rec.DiscoveredAtMs
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *expiryHeap) Push(x any) {
	item := x.(*cacheItem)
	item.heapIdx = len(*h)
	*h = append(*h, item)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIdx = -1
	*h = old[:n-1]
	return item
}

// recordCache is the fixed-capacity dedup store keyed by mint. Not safe for
// concurrent use; the aggregator's lock guards every call.
type recordCache struct {
	capacity int
	items    map[string]*cacheItem
	expiry   expiryHeap
}

func newRecordCache(capacity int) *recordCache {
	return &recordCache{
		capacity: capacity,
		items:    make(map[string]*cacheItem),
	}
}

func (c *recordCache) len() int {
	return len(c.items)
}

// get returns the live record for mint, or nil.
func (c *recordCache) get(mint string) *domain.DiscoveryRecord {
	if item, ok := c.items[mint]; ok {
		return item.rec
	}
	return nil
}

// put inserts or replaces the record for rec.Mint. At capacity the oldest
// record is evicted to admit a new mint; the evicted record is returned.
func (c *recordCache) put(rec *domain.DiscoveryRecord) *domain.DiscoveryRecord {
	if item, ok := c.items[rec.Mint]; ok {
		item.rec = rec
		heap.Fix(&c.expiry, item.heapIdx)
		return nil
	}

	var evicted *domain.DiscoveryRecord
	if c.capacity > 0 && len(c.items) >= c.capacity {
		oldest := heap.Pop(&c.expiry).(*cacheItem)
		delete(c.items, oldest.rec.Mint)
		evicted = oldest.rec
	}

	item := &cacheItem{rec: rec}
	c.items[rec.Mint] = item
	heap.Push(&c.expiry, item)
	return evicted
}

// remove deletes the record for mint if present.
func (c *recordCache) remove(mint string) bool {
	item, ok := c.items[mint]
	if !ok {
		return false
	}
	delete(c.items, mint)
	heap.Remove(&c.expiry, item.heapIdx)
	return true
}

// expireBefore removes and returns every record with DiscoveredAtMs at or
// before cutoffMs. Sub-linear in cache size: only expired records are
// touched.
func (c *recordCache) expireBefore(cutoffMs int64) []*domain.DiscoveryRecord {
	var expired []*domain.DiscoveryRecord
	for c.expiry.Len() > 0 && c.expiry[0].rec.DiscoveredAtMs <= cutoffMs {
		item := heap.Pop(&c.expiry).(*cacheItem)
		delete(c.items, item.rec.Mint)
		expired = append(expired, item.rec)
	}
	return expired
}
