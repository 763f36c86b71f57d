package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"

	"cynthion-go/services/boards"
	"cynthion-go/transport"
	"cynthion-go/types"
)

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

// renderFamilies prints one row per family in selection order.
func renderFamilies(w io.Writer, fams []types.FamilySummary) {
	t := newTable(w, table.Row{"#", "Family", "Board", "IDs", "Versions", "LEDs", "GPIO"})
	for i, f := range fams {
		ids := lo.Map(f.IDs, func(id uint8, _ int) string { return fmt.Sprintf("0x%02x", id) })
		t.AppendRow(table.Row{
			i + 1,
			f.Name,
			f.BoardName,
			strings.Join(ids, " "),
			strings.Join(f.Versions, " "),
			f.LEDs,
			joinSorted(f.GPIO),
		})
	}
	t.Render()
}

// renderIdentities prints enumerated devices.
func renderIdentities(w io.Writer, ids []transport.Identity) {
	t := newTable(w, table.Row{"#", "Path", "Version", "Release", "Serial"})
	for i, id := range ids {
		v := boards.Version(id.Version)
		t.AppendRow(table.Row{i + 1, id.Path, v.String(), v.Label(), id.Serial})
	}
	t.Render()
}

// renderConnections prints one row per board.
func renderConnections(w io.Writer, conns []*boards.Connection) {
	t := newTable(w, table.Row{"Board", "Family", "Version", "Release", "State", "APIs", "Peripherals"})
	for _, c := range conns {
		info := c.Info()
		counts := lo.MapValues(lo.MapKeys(info.Peripherals, func(_ int, k types.Kind) string { return string(k) }),
			func(n int, _ string) string { return fmt.Sprint(n) })
		apis := lo.Map(info.APIs, func(a types.API, _ int) string { return string(a) })
		t.AppendRow(table.Row{
			c.Name(),
			info.Family,
			info.Version,
			c.Version().Label(),
			c.State().String(),
			strings.Join(apis, " "),
			joinSorted(counts),
		})
	}
	t.Render()
}

// renderPeripherals prints every peripheral of every ready board.
func renderPeripherals(w io.Writer, conns []*boards.Connection) {
	t := newTable(w, table.Row{"Board", "Name", "Kind", "Info"})
	for _, c := range conns {
		for _, p := range c.Peripherals() {
			info := lo.MapValues(p.Info(), func(v any, _ string) string { return fmt.Sprint(v) })
			t.AppendRow(table.Row{c.Name(), p.Name(), string(p.Kind()), joinSorted(info)})
		}
	}
	t.Render()
}

// joinSorted renders a map as "k=v" pairs in key order.
func joinSorted(m map[string]string) string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return strings.Join(lo.Map(keys, func(k string, _ int) string { return k + "=" + m[k] }), " ")
}
