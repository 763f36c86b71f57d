// Package peripherals holds the host-side objects that stand in for a
// board's physical peripherals. Each one issues RPCs through the
// transport.Caller it was built with and owns no goroutines.
package peripherals

import (
	"context"

	"cynthion-go/types"
)

// Peripheral is one registered peripheral object.
type Peripheral interface {
	Name() string
	Kind() types.Kind
	// Info is a small JSON-able description.
	Info() map[string]any
	// Control is a generic pass-through for named methods.
	Control(ctx context.Context, method string, payload any) (any, error)
	Close() error
}
