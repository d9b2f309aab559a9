package codec

import (
	"sort"
	"sync"

	"go.trai.ch/zerr"
)

// Graph is a cacheable object graph. TypeName must be stable across
// releases; it is the identity recorded in the type registry.
type Graph interface {
	TypeName() string
	MarshalGraph(w *Writer) error
	UnmarshalGraph(r *Reader) error
}

// Wrapper is implemented by graphs that decorate an inner graph.
type Wrapper interface {
	Unwrap() Graph
}

// Comparable is implemented by graphs whose construction parameters take
// part in the equivalence check. Equivalent receives a graph of the same
// type name.
type Comparable interface {
	Equivalent(other Graph) bool
}

// Factory returns an empty graph ready for UnmarshalGraph.
type Factory func() Graph

// Catalog maps type names to factories. The zero value is not usable; use
// NewCatalog.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog returns a catalog holding the given factories. It panics on a
// duplicate or nameless factory, as registration happens at init time.
func NewCatalog(factories ...Factory) *Catalog {
	c := &Catalog{factories: make(map[string]Factory, len(factories))}
	for _, f := range factories {
		if err := c.Register(f); err != nil {
			panic(err)
		}
	}
	return c
}

// Register adds a factory keyed by the type name of the graph it builds.
func (c *Catalog) Register(f Factory) error {
	if f == nil {
		return zerr.New("codec: nil factory")
	}
	sample := f()
	if sample == nil || sample.TypeName() == "" {
		return zerr.New("codec: factory returned an unnamed graph")
	}
	name := sample.TypeName()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[name]; ok {
		return zerr.With(zerr.Wrap(ErrDuplicateType, "codec: register"), "type", name)
	}
	c.factories[name] = f
	return nil
}

// New builds an empty graph of the named type.
func (c *Catalog) New(name string) (Graph, error) {
	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, zerr.With(zerr.Wrap(ErrUnknownType, "codec: catalog lookup"), "type", name)
	}
	return f(), nil
}

// Names lists registered type names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const maxWrapDepth = 64

// Equivalent reports whether loaded has the same type chain as requested
// and, at every level implementing Comparable, the same construction
// parameters.
func Equivalent(requested, loaded Graph) bool {
	for depth := 0; depth < maxWrapDepth; depth++ {
		if requested == nil || loaded == nil {
			return requested == nil && loaded == nil
		}
		if requested.TypeName() != loaded.TypeName() {
			return false
		}
		if cmp, ok := requested.(Comparable); ok && !cmp.Equivalent(loaded) {
			return false
		}
		rw, rok := requested.(Wrapper)
		lw, lok := loaded.(Wrapper)
		if rok != lok {
			return false
		}
		if !rok {
			return true
		}
		requested, loaded = rw.Unwrap(), lw.Unwrap()
	}
	return false
}
