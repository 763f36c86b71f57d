package config

import (
	_ "embed"
	"sync"

	"cynthion-go/services/boards"
)

//go:embed builtin.yaml
var builtinTable []byte

var builtin = sync.OnceValues(func() (*File, error) {
	return Parse(builtinTable)
})

// Builtin returns the embedded family table layered over the families
// registered from code with boards.Register.
func Builtin() (*boards.Registry, error) {
	f, err := builtin()
	if err != nil {
		return nil, err
	}
	return f.Registry(boards.Default())
}
