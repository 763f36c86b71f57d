package boards

import (
	"sort"

	"cynthion-go/types"
)

// Capabilities is the set of firmware APIs one connection exposes.
type Capabilities struct {
	set map[types.API]struct{}
}

func NewCapabilities(apis ...types.API) Capabilities {
	c := Capabilities{set: make(map[types.API]struct{}, len(apis))}
	for _, a := range apis {
		c.set[a] = struct{}{}
	}
	return c
}

func (c Capabilities) Has(api types.API) bool {
	_, ok := c.set[api]
	return ok
}

// List returns the APIs sorted by name.
func (c Capabilities) List() []types.API {
	out := make([]types.API, 0, len(c.set))
	for a := range c.set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c Capabilities) Len() int { return len(c.set) }
