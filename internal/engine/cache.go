package engine

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// SchemaCache memoizes Combine per operation. Entries are immutable once
// published; concurrent first lookups share one computation. Conflicts are
// deterministic and cached like successes.
type SchemaCache struct {
	entries  sync.Map // operation ID -> *cacheEntry
	group    singleflight.Group
	observer Observer
}

type cacheEntry struct {
	route  *spec.Route
	schema *CombinedSchema
	err    error
}

func NewSchemaCache(observer Observer) *SchemaCache {
	if observer == nil {
		observer = NopObserver{}
	}
	return &SchemaCache{observer: observer}
}

// Get returns the combined schema of route, computing it at most once per
// route value.
func (c *SchemaCache) Get(route *spec.Route) (*CombinedSchema, error) {
	if e, ok := c.load(route); ok {
		c.observer.SchemaCacheLookup(true)
		return e.schema, e.err
	}
	c.observer.SchemaCacheLookup(false)
	v, _, _ := c.group.Do(route.OperationID, func() (any, error) {
		if e, ok := c.load(route); ok {
			return e, nil
		}
		cs, err := Combine(route)
		e := &cacheEntry{route: route, schema: cs, err: err}
		c.entries.Store(route.OperationID, e)
		return e, nil
	})
	e := v.(*cacheEntry)
	if e.route != route {
		// a concurrent caller computed for a different route value
		cs, err := Combine(route)
		return cs, err
	}
	return e.schema, e.err
}

func (c *SchemaCache) load(route *spec.Route) (*cacheEntry, bool) {
	v, ok := c.entries.Load(route.OperationID)
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	return e, e.route == route
}

// Invalidate drops the entry of one operation.
func (c *SchemaCache) Invalidate(operationID string) { c.entries.Delete(operationID) }

// Reset drops every entry.
func (c *SchemaCache) Reset() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}
