package escape

import (
	"sync"

	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/gofrs/uuid"
)

// ClassResolver looks up the direct superclass of a class by internal
// name.
type ClassResolver interface {
	SuperClass(name string) (string, error)
}

// SuperMap is a ClassResolver backed by a map from class to superclass.
type SuperMap map[string]string

// SuperClass implements ClassResolver.
func (m SuperMap) SuperClass(name string) (string, error) {
	super, ok := m[name]
	if !ok {
		return "", errz.Errorf(errz.ErrUnresolved, "class %s not found", name)
	}
	return super, nil
}

// Resolvers chains resolvers; the first one that knows a class wins.
type Resolvers []ClassResolver

// SuperClass implements ClassResolver.
func (rs Resolvers) SuperClass(name string) (string, error) {
	for _, r := range rs {
		if super, err := r.SuperClass(name); err == nil {
			return super, nil
		}
	}
	return "", errz.Errorf(errz.ErrUnresolved, "class %s not found", name)
}

type structEntry struct {
	isStruct bool
	err      error
}

// StructCache memoizes whether a class directly extends the struct base
// class. One cache is created per run and shared by every method and
// every worker; it is safe for concurrent use.
type StructCache struct {
	mu       sync.RWMutex
	id       uuid.UUID
	resolver ClassResolver
	base     string
	entries  map[string]structEntry
	hits     int
	misses   int
}

// NewStructCache returns an empty cache that resolves classes through r
// and compares their superclass against base.
func NewStructCache(r ClassResolver, base string) *StructCache {
	return &StructCache{
		id:       uuid.Must(uuid.NewV4()),
		resolver: r,
		base:     base,
		entries:  map[string]structEntry{},
	}
}

// ID identifies the run the cache belongs to.
func (c *StructCache) ID() uuid.UUID {
	return c.id
}

// IsStruct reports whether the class directly extends the struct base
// class. Lookup failures are cached too and reported as ErrUnresolved.
func (c *StructCache) IsStruct(name string) (bool, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e.isStruct, e.err
	}

	if c.resolver == nil {
		e.err = errz.Errorf(errz.ErrUnresolved, "no class resolver for %s", name)
	} else if super, err := c.resolver.SuperClass(name); err != nil {
		e.err = errz.Errorf(errz.ErrUnresolved, "cannot resolve superclass of %s", name).WithCause(err)
	} else {
		e.isStruct = super == c.base
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
	if prev, ok := c.entries[name]; ok {
		return prev.isStruct, prev.err
	}
	c.entries[name] = e
	return e.isStruct, e.err
}

// Len returns the number of cached classes.
func (c *StructCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns the number of cache hits and misses so far.
func (c *StructCache) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
