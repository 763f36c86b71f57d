package boards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cynthion-go/errcode"
)

func moondancerLike() Descriptor {
	return Descriptor{
		Name:      "cynthion_moondancer",
		BoardName: "Cynthion in Moondancer mode",
		IDs:       []uint8{0x10},
		Versions:  []Version{0x0004, 0x0005, 0x0006, 0x0007, 0x1000, 0x1100, 0x1101},
		LEDs:      6,
	}
}

func TestMatchesIsExactMembership(t *testing.T) {
	families := []Descriptor{
		moondancerLike(),
		{Name: "multi", IDs: []uint8{0x01, 0x02}, Versions: []Version{0x0100, 0x0200}},
		{Name: "disabled", Versions: []Version{0x1101}},
	}
	ids := []uint8{0x00, 0x01, 0x02, 0x10, 0x11, 0xFF}
	versions := []Version{0x0000, 0x0004, 0x0100, 0x0200, 0x1101, 0x1102, 0x1200}

	for _, d := range families {
		for _, id := range ids {
			for _, v := range versions {
				want := contains(d.IDs, id) && contains(d.Versions, v)
				assert.Equal(t, want, d.Matches(id, v), "%s id=0x%02x v=%s", d.Name, id, v)
			}
		}
	}
}

func contains[T comparable](xs []T, x T) bool {
	for _, y := range xs {
		if y == x {
			return true
		}
	}
	return false
}

func TestSelect(t *testing.T) {
	reg, err := NewRegistry(Family{Descriptor: moondancerLike()})
	require.NoError(t, err)

	f, err := reg.Select(0x10, 0x1101)
	require.NoError(t, err)
	assert.Equal(t, "cynthion_moondancer", f.Name)

	_, err = reg.Select(0x10, 0x1200)
	assert.Equal(t, errcode.NoMatchingBoard, errcode.Of(err))

	_, err = reg.Select(0x11, 0x1101)
	assert.Equal(t, errcode.NoMatchingBoard, errcode.Of(err))
}

func TestSelectFirstInOrder(t *testing.T) {
	a := Descriptor{Name: "a", IDs: []uint8{1}, Versions: []Version{0x0100}}
	b := Descriptor{Name: "b", IDs: []uint8{1}, Versions: []Version{0x0200}}
	reg, err := NewRegistry(Family{Descriptor: a}, Family{Descriptor: b})
	require.NoError(t, err)

	f, err := reg.Select(1, 0x0200)
	require.NoError(t, err)
	assert.Equal(t, "b", f.Name)
	assert.Equal(t, []string{"a", "b"}, []string{reg.Families()[0].Name, reg.Families()[1].Name})
}

func TestOverlappingFamiliesRejected(t *testing.T) {
	a := Descriptor{Name: "a", IDs: []uint8{0x10, 0x11}, Versions: []Version{0x1000, 0x1101}}
	b := Descriptor{Name: "b", IDs: []uint8{0x11}, Versions: []Version{0x1101, 0x1200}}

	_, err := NewRegistry(Family{Descriptor: a}, Family{Descriptor: b})
	require.Error(t, err)
	assert.Equal(t, errcode.AmbiguousBoardRegistration, errcode.Of(err))
	assert.Contains(t, err.Error(), "0x11")

	// Shared id alone or shared version alone is fine.
	c := Descriptor{Name: "c", IDs: []uint8{0x10}, Versions: []Version{0x0004}}
	d := Descriptor{Name: "d", IDs: []uint8{0x20}, Versions: []Version{0x1000}}
	_, err = NewRegistry(Family{Descriptor: a}, Family{Descriptor: c}, Family{Descriptor: d})
	require.NoError(t, err)
}

func TestWithDoesNotMutate(t *testing.T) {
	base, err := NewRegistry(Family{Descriptor: moondancerLike()})
	require.NoError(t, err)

	_, err = base.With(Family{Descriptor: Descriptor{Name: "clash", IDs: []uint8{0x10}, Versions: []Version{0x1101}}})
	assert.Equal(t, errcode.AmbiguousBoardRegistration, errcode.Of(err))
	assert.Equal(t, 1, base.Len())

	next, err := base.With(Family{Descriptor: Descriptor{Name: "other", IDs: []uint8{0x20}, Versions: []Version{0x1101}}})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Len())
	assert.Equal(t, 1, base.Len())
}

func TestInvalidDescriptors(t *testing.T) {
	_, err := NewRegistry(Family{Descriptor: Descriptor{}})
	assert.Equal(t, errcode.InvalidDescriptor, errcode.Of(err))

	_, err = NewRegistry(Family{Descriptor: Descriptor{Name: "neg", LEDs: -1}})
	assert.Equal(t, errcode.InvalidDescriptor, errcode.Of(err))

	_, err = NewRegistry(Family{Descriptor: Descriptor{Name: "x"}}, Family{Descriptor: Descriptor{Name: "x"}})
	assert.Equal(t, errcode.InvalidDescriptor, errcode.Of(err))
}

func TestUnselectable(t *testing.T) {
	reg, err := NewRegistry(
		Family{Descriptor: moondancerLike()},
		Family{Descriptor: Descriptor{Name: "placeholder", Versions: []Version{0x1101}}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"placeholder"}, reg.Unselectable())

	_, err = reg.Select(0x10, 0x1101)
	require.NoError(t, err)
}

func TestRegisterPanicsOnOverlap(t *testing.T) {
	const name = "test_register_family"
	if _, ok := Default().Lookup(name); !ok {
		Register(Family{Descriptor: Descriptor{Name: name, IDs: []uint8{0xEE}, Versions: []Version{0x9999}}})
	}
	_, ok := Default().Lookup(name)
	require.True(t, ok)

	assert.Panics(t, func() {
		Register(Family{Descriptor: Descriptor{Name: name + "_2", IDs: []uint8{0xEE}, Versions: []Version{0x9999}}})
	})
	assert.Panics(t, func() {
		Register(Family{Descriptor: Descriptor{Name: name}})
	})
}
