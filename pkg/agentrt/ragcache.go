package agentrt

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/conductor/pkg/logger"
)

const (
	ragTopK      = 2
	ragThreshold = 0.55
)

type ragCacheEntry struct {
	value     string
	expiresAt time.Time
}

// ragCache memoizes retrieval results for a (query, scopes) pair so
// repeated turns asking the same question don't re-run a semantic
// query every time; entries expire after their TTL.
type ragCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]ragCacheEntry
}

func newRAGCache(ttl time.Duration) *ragCache {
	return &ragCache{ttl: ttl, m: make(map[string]ragCacheEntry)}
}

func ragCacheKey(query string, scopes []string) string {
	return fmt.Sprintf("%s|%v", query, scopes)
}

func (c *ragCache) get(query string, scopes []string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.m[ragCacheKey(query, scopes)]
	if !ok || now.After(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (c *ragCache) set(query string, scopes []string, value string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[ragCacheKey(query, scopes)] = ragCacheEntry{value: value, expiresAt: now.Add(c.ttl)}
}

// retrieveRAGContext queries the retriever for query restricted to
// scopes, short-circuiting for a missing/empty query and consulting
// the cache before running a real semantic query.
func (a *Agent) retrieveRAGContext(query any, scopes []string) string {
	str, ok := query.(string)
	if !ok || str == "" || str == "[MISSING]" {
		return ""
	}
	if a.RAG == nil {
		return ""
	}

	now := a.Now()
	if cached, ok := a.ragCache.get(str, scopes, now); ok {
		return cached
	}

	result, err := a.RAG.Retrieve(str, scopes, ragTopK, ragThreshold)
	if err != nil {
		logger.Get().Error("agentrt: rag retrieval failed", "agent", a.Name, "error", err)
		return ""
	}
	a.ragCache.set(str, scopes, result, now)
	return result
}
