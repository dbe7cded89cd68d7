package documents

import "sync"

// DeletionCache remembers document identifiers the store has authoritatively
// reported as deleted. It exists only to skip store round-trips for documents
// known to be gone: entries are added when a conditional save touches zero
// rows or a fetch misses, and are never evicted for the process lifetime.
// The cache may narrow work but never fabricate a deletion: existence is
// always settled by the store's own response.
type DeletionCache struct {
	mu      sync.Mutex
	deleted map[DocumentID]struct{}
}

// NewDeletionCache constructs an empty cache.
func NewDeletionCache() *DeletionCache {
	return &DeletionCache{deleted: make(map[DocumentID]struct{})}
}

// MarkDeleted records that the store reported the document as gone.
func (c *DeletionCache) MarkDeleted(documentID DocumentID) {
	c.mu.Lock()
	c.deleted[documentID] = struct{}{}
	c.mu.Unlock()
}

// Contains reports whether the document is known to be deleted.
func (c *DeletionCache) Contains(documentID DocumentID) bool {
	c.mu.Lock()
	_, found := c.deleted[documentID]
	c.mu.Unlock()
	return found
}

// Len reports the number of cached identifiers, for operational logging.
func (c *DeletionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deleted)
}
