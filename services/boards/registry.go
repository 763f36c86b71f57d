package boards

import (
	"fmt"
	"sync"

	"cynthion-go/errcode"
)

// Registry is an immutable, ordered set of board families in which no two
// families accept the same (id, version) pair.
type Registry struct {
	families []Family
}

// NewRegistry validates families and rejects overlapping acceptance sets.
func NewRegistry(families ...Family) (*Registry, error) {
	return (&Registry{}).With(families...)
}

// With returns a copy of r extended with families.
func (r *Registry) With(families ...Family) (*Registry, error) {
	next := &Registry{families: make([]Family, 0, len(r.families)+len(families))}
	next.families = append(next.families, r.families...)
	for _, f := range families {
		if err := next.add(f); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (r *Registry) add(f Family) error {
	if err := f.Validate(); err != nil {
		return err
	}
	for _, have := range r.families {
		if have.Name == f.Name {
			return errcode.Newf(errcode.InvalidDescriptor, "register", "family %q already registered", f.Name)
		}
		if id, v, ok := have.overlap(f.Descriptor); ok {
			return errcode.Newf(errcode.AmbiguousBoardRegistration, "register",
				"%q and %q both accept id 0x%02x version %s", have.Name, f.Name, id, v)
		}
	}
	r.families = append(r.families, f)
	return nil
}

// Select returns the first family accepting (id, version).
func (r *Registry) Select(id uint8, v Version) (Family, error) {
	for _, f := range r.families {
		if f.Matches(id, v) {
			return f, nil
		}
	}
	return Family{}, errcode.Newf(errcode.NoMatchingBoard, "select", "id 0x%02x version %s", id, v)
}

// Lookup finds a family by name.
func (r *Registry) Lookup(name string) (Family, bool) {
	for _, f := range r.families {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}

// Families returns the families in registration order.
func (r *Registry) Families() []Family {
	return append([]Family(nil), r.families...)
}

func (r *Registry) Len() int { return len(r.families) }

// Unselectable lists families that can never match a device.
func (r *Registry) Unselectable() []string {
	var out []string
	for _, f := range r.families {
		if !f.Selectable() {
			out = append(out, f.Name)
		}
	}
	return out
}

// ---- process-wide default registry ----

var (
	regMu      sync.RWMutex
	defaultReg = &Registry{}
)

// Register adds a family to the default registry.
// It panics on invalid, duplicate or overlapping families to catch mistakes at start-up.
func Register(f Family) {
	regMu.Lock()
	defer regMu.Unlock()
	next, err := defaultReg.With(f)
	if err != nil {
		panic(fmt.Sprintf("boards: %v", err))
	}
	defaultReg = next
}

// Default returns the default registry as currently populated.
func Default() *Registry {
	regMu.RLock()
	defer regMu.RUnlock()
	return defaultReg
}
