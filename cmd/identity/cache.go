package identity

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 4096

// PrincipalCache is the Directory's read-through cache keyed by exact username.
//
// Entries never expire on their own; every mutation path must call Invalidate.
// A generation counter closes the window where a lookup that started before an
// invalidation would re-install the stale record it fetched.
type PrincipalCache struct {
	entries *lru.Cache[string, Principal]

	mu  sync.Mutex
	gen uint64
}

// NewPrincipalCache builds a cache holding at most size principals (default 4096).
func NewPrincipalCache(size int) (*PrincipalCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[string, Principal](size)
	if err != nil {
		return nil, fmt.Errorf("identity: principal cache: %w", err)
	}
	return &PrincipalCache{entries: entries}, nil
}

// Get returns a copy of the cached principal for username.
func (c *PrincipalCache) Get(username string) (Principal, bool) {
	p, ok := c.entries.Get(username)
	if !ok {
		return Principal{}, false
	}
	return p.Clone(), true
}

// Generation returns a token to pass to PutIfCurrent after a store read.
func (c *PrincipalCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// PutIfCurrent stores p unless an invalidation happened since gen was taken.
func (c *PrincipalCache) PutIfCurrent(gen uint64, p Principal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.entries.Add(p.Username, p.Clone())
	return true
}

// Invalidate drops the entries for the given usernames.
func (c *PrincipalCache) Invalidate(usernames ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, u := range usernames {
		if u == "" {
			continue
		}
		c.entries.Remove(u)
	}
}

// Purge drops every entry.
func (c *PrincipalCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries.Purge()
}

// Len returns the number of cached principals.
func (c *PrincipalCache) Len() int { return c.entries.Len() }
