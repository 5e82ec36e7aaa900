package browser

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is the externally visible reference to a live element.
// Selector is retained for diagnostics only.
type Handle struct {
	ID       string `json:"id"`
	Selector string `json:"selector"`
}

type handleEntry struct {
	element  Element
	selector string
}

// HandleCache maps opaque handle ids to live element references.
// It is safe for concurrent use.
//
// Ids stay valid until Clear, which the owning Session calls whenever the
// page navigates; afterwards they resolve to "not found", never to a
// different node.
type HandleCache struct {
	mu      sync.Mutex
	entries map[string]handleEntry
}

// NewHandleCache creates an empty cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{entries: make(map[string]handleEntry)}
}

// Store registers el and returns a fresh handle for it. Storing the same
// element twice yields two distinct handles. A nil element is never
// registered.
func (c *HandleCache) Store(selector string, el Element) (Handle, bool) {
	if el == nil {
		return Handle{}, false
	}
	h := Handle{ID: uuid.NewString(), Selector: selector}

	c.mu.Lock()
	c.entries[h.ID] = handleEntry{element: el, selector: selector}
	c.mu.Unlock()
	return h, true
}

// Get returns the element behind id.
func (c *HandleCache) Get(id string) (Element, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.element, true
}

// Selector returns the selector an id was registered under.
func (c *HandleCache) Selector(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e.selector, ok
}

// Clear drops every entry and reports how many were dropped.
func (c *HandleCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]handleEntry)
	return n
}

// Len returns the number of live entries.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
