package medmem

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheMaxCost = 32 << 20 // 32 MiB of cached result sets
)

// queryCache memoizes search results. Any write through the service clears
// it wholesale; retrieval is read-heavy enough that selective invalidation
// is not worth the bookkeeping.
type queryCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func newQueryCache(ttl time.Duration) (*queryCache, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     defaultCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &queryCache{c: c, ttl: ttl}, nil
}

// cacheKey hashes the full request so two queries differing only in scope or
// limit never collide.
func cacheKey(query string, scope QueryScope, limit int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d", query, scope.UserID, scope.PatientID, scope.Kind, limit)
	return hex.EncodeToString(h.Sum(nil))
}

func (q *queryCache) get(key string) ([]ScoredMemory, bool) {
	v, ok := q.c.Get(key)
	if !ok {
		return nil, false
	}

	results, ok := v.([]ScoredMemory)
	return results, ok
}

func (q *queryCache) set(key string, results []ScoredMemory) {
	cost := int64(64)
	for _, r := range results {
		cost += int64(len(r.Item.Text)) + 128
	}

	q.c.SetWithTTL(key, results, cost, q.ttl)
}

func (q *queryCache) clear() {
	q.c.Clear()
}

func (q *queryCache) close() {
	q.c.Close()
}
