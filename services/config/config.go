// Package config loads the board family table from YAML and keeps it
// current, publishing the active table on the bus.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"cynthion-go/errcode"
	"cynthion-go/services/boards"
	"cynthion-go/transport"
	"cynthion-go/types"
)

const (
	serviceName  = "config"
	configPrefix = "config"
	tokFamilies  = "families"
)

// File is one descriptor table as written on disk.
type File struct {
	// Defaults layers the table over the built-in families. Unset means true.
	Defaults *bool        `yaml:"defaults,omitempty"`
	Families []FamilySpec `yaml:"families"`
}

// FamilySpec is the YAML form of boards.Descriptor.
type FamilySpec struct {
	Name      string            `yaml:"name"`
	BoardName string            `yaml:"board_name"`
	IDs       []uint8           `yaml:"ids"`
	Versions  Versions          `yaml:"versions"`
	LEDs      int               `yaml:"leds"`
	GPIO      map[string]string `yaml:"gpio"`
}

// Versions decodes a list whose items are raw packed integers (0x1101) or
// strings accepted by boards.ParseVersion ("1.1.1", "r0.4" for 0x0004).
type Versions []boards.Version

func (vs *Versions) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return errors.Errorf("line %d: versions must be a list", n.Line)
	}
	out := make(Versions, 0, len(n.Content))
	for _, item := range n.Content {
		v, err := decodeVersion(item)
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*vs = out
	return nil
}

func decodeVersion(n *yaml.Node) (boards.Version, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, errors.Errorf("line %d: version must be a scalar", n.Line)
	}
	if n.Tag == "!!int" {
		u, err := strconv.ParseUint(n.Value, 0, 16)
		if err != nil {
			return 0, errors.Errorf("line %d: version %s does not fit 16 bits", n.Line, n.Value)
		}
		return boards.Version(u), nil
	}
	v, err := boards.ParseVersion(n.Value)
	if err != nil {
		return 0, errors.Wrapf(err, "line %d", n.Line)
	}
	return v, nil
}

// Descriptor converts the entry, parsing pin locators.
func (s FamilySpec) Descriptor() (boards.Descriptor, error) {
	d := boards.Descriptor{
		Name:      s.Name,
		BoardName: s.BoardName,
		IDs:       append([]uint8(nil), s.IDs...),
		Versions:  append([]boards.Version(nil), s.Versions...),
		LEDs:      s.LEDs,
	}
	if len(s.GPIO) > 0 {
		d.GPIO = make(map[string]boards.PinLocator, len(s.GPIO))
		for name, raw := range s.GPIO {
			loc, err := transport.ParsePinLocator(raw)
			if err != nil {
				return boards.Descriptor{}, errors.Wrapf(err, "family %s pin %s", s.Name, name)
			}
			d.GPIO[name] = loc
		}
	}
	return d, d.Validate()
}

// UseDefaults reports whether the table extends the built-in families.
func (f *File) UseDefaults() bool { return f.Defaults == nil || *f.Defaults }

// Descriptors converts every family in file order.
func (f *File) Descriptors() ([]boards.Descriptor, error) {
	out := make([]boards.Descriptor, 0, len(f.Families))
	for _, s := range f.Families {
		d, err := s.Descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Registry builds a registry from the table layered over base. A file family
// replaces the base family of the same name in place, keeping its
// initializer; the rest are appended in file order. base may be nil.
func (f *File) Registry(base *boards.Registry) (*boards.Registry, error) {
	descs, err := f.Descriptors()
	if err != nil {
		return nil, err
	}
	byName := lo.KeyBy(descs, func(d boards.Descriptor) string { return d.Name })

	var fams []boards.Family
	used := map[string]bool{}
	if base != nil {
		for _, bf := range base.Families() {
			if d, ok := byName[bf.Name]; ok {
				bf.Descriptor = d
				used[bf.Name] = true
			}
			fams = append(fams, bf)
		}
	}
	for _, d := range descs {
		if used[d.Name] {
			continue
		}
		used[d.Name] = true
		fams = append(fams, boards.Family{Descriptor: d})
	}
	return boards.NewRegistry(fams...)
}

// Parse decodes and validates a table on its own. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errcode.Wrap(errcode.InvalidDescriptor, "config", err)
	}
	if _, err := f.Registry(nil); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads the table at path and builds the registry it describes.
func Load(path string) (*boards.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	var base *boards.Registry
	if f.UseDefaults() {
		if base, err = Builtin(); err != nil {
			return nil, err
		}
	}
	return f.Registry(base)
}

// Summaries renders a registry for publication.
func Summaries(r *boards.Registry) []types.FamilySummary {
	return lo.Map(r.Families(), func(f boards.Family, _ int) types.FamilySummary {
		s := types.FamilySummary{
			Name:      f.Name,
			BoardName: f.BoardName,
			IDs:       append([]uint8(nil), f.IDs...),
			Versions:  lo.Map(f.Versions, func(v boards.Version, _ int) string { return v.String() }),
			LEDs:      f.LEDs,
		}
		if len(f.GPIO) > 0 {
			s.GPIO = lo.MapValues(f.GPIO, func(l boards.PinLocator, _ string) string { return l.String() })
		}
		return s
	})
}
