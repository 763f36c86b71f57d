package boards

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"cynthion-go/errcode"
	"cynthion-go/transport"
)

// PinLocator addresses one physical GPIO line.
type PinLocator = transport.PinLocator

// Descriptor is the static, immutable description of one board family.
type Descriptor struct {
	Name      string // registry key, e.g. "cynthion_moondancer"
	BoardName string // human-readable label
	IDs       []uint8
	Versions  []Version
	LEDs      int
	GPIO      map[string]PinLocator // logical pin name -> physical line
}

// Matches is exact membership on both the ID and the version set.
func (d Descriptor) Matches(id uint8, v Version) bool {
	return lo.Contains(d.IDs, id) && lo.Contains(d.Versions, v)
}

// Selectable reports whether any device could ever match.
func (d Descriptor) Selectable() bool {
	return len(d.IDs) > 0 && len(d.Versions) > 0
}

func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errcode.New(errcode.InvalidDescriptor, "descriptor", "empty family name")
	}
	if d.LEDs < 0 {
		return errcode.Newf(errcode.InvalidDescriptor, "descriptor", "%s: negative LED count %d", d.Name, d.LEDs)
	}
	for name := range d.GPIO {
		if name == "" {
			return errcode.Newf(errcode.InvalidDescriptor, "descriptor", "%s: empty GPIO name", d.Name)
		}
	}
	return nil
}

// GPIONames returns the mapped pin names in sorted order.
func (d Descriptor) GPIONames() []string {
	names := lo.Keys(d.GPIO)
	sort.Strings(names)
	return names
}

// overlap returns one (id, version) pair both descriptors accept.
func (d Descriptor) overlap(o Descriptor) (uint8, Version, bool) {
	ids := lo.Intersect(d.IDs, o.IDs)
	vs := lo.Intersect(d.Versions, o.Versions)
	if len(ids) == 0 || len(vs) == 0 {
		return 0, 0, false
	}
	return ids[0], vs[0], true
}

// Initializer brings a freshly identified connection to the ready state.
// Every initializer must call Connection.InitializeBase before anything else.
type Initializer func(ctx context.Context, c *Connection) error

// Family pairs a descriptor with its initializer.
type Family struct {
	Descriptor
	Init Initializer // nil means StandardInit
}

func (f Family) initializer() Initializer {
	if f.Init == nil {
		return StandardInit
	}
	return f.Init
}
