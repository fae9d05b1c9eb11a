package graph

import (
	"sync"

	"github.com/flowd-io/flowd/dsl"
)

// Cache shares built trees across advancements, keyed by name/version.
// Trees are immutable so a cached tree may be used concurrently.
type Cache struct {
	mu    sync.RWMutex
	trees map[string]*Tree
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{trees: make(map[string]*Tree)}
}

// Get returns the tree for the document, building it on first use.
func (c *Cache) Get(wf *dsl.Workflow) (*Tree, error) {
	key := wf.Key()
	c.mu.RLock()
	tree, ok := c.trees[key]
	c.mu.RUnlock()
	if ok {
		return tree, nil
	}

	tree, err := Build(wf)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if cached, ok := c.trees[key]; ok {
		tree = cached
	} else {
		c.trees[key] = tree
	}
	c.mu.Unlock()
	return tree, nil
}

// Invalidate drops the cached tree for a name/version, e.g. after a
// definition is replaced or deleted.
func (c *Cache) Invalidate(name, version string) {
	c.mu.Lock()
	delete(c.trees, name+"/"+version)
	c.mu.Unlock()
}
