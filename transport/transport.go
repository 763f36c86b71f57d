// Package transport declares the device-facing collaborator that board
// connections are built on. Implementations own the physical session.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cynthion-go/errcode"
	"cynthion-go/types"
)

// Identity is what enumeration reports about an attached device.
type Identity struct {
	BoardID  uint8
	Version  uint16 // packed hex digits, see boards.Version
	Serial   string
	Firmware string // free-form version string, may be empty
	Path     string // transport-specific location, e.g. "usb:1-4"
}

// Name returns the serial when known, else the path.
func (id Identity) Name() string {
	if id.Serial != "" {
		return id.Serial
	}
	return id.Path
}

// PinLocator addresses one physical GPIO line.
type PinLocator struct {
	Port uint8
	Pin  uint8
}

func (l PinLocator) String() string { return fmt.Sprintf("%d:%d", l.Port, l.Pin) }

// ParsePinLocator accepts "port:pin".
func ParsePinLocator(s string) (PinLocator, error) {
	port, pin, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return PinLocator{}, errcode.Newf(errcode.InvalidDescriptor, "pin locator", "%q is not port:pin", s)
	}
	p, err := strconv.ParseUint(strings.TrimSpace(port), 0, 8)
	if err != nil {
		return PinLocator{}, errcode.Newf(errcode.InvalidDescriptor, "pin locator", "bad port in %q", s)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(pin), 0, 8)
	if err != nil {
		return PinLocator{}, errcode.Newf(errcode.InvalidDescriptor, "pin locator", "bad pin in %q", s)
	}
	return PinLocator{Port: uint8(p), Pin: uint8(n)}, nil
}

// InterfaceInfo describes one interface the firmware exposes through
// introspection alone.
type InterfaceInfo struct {
	Name  string
	API   types.API
	Verbs []string
}

// Caller issues one RPC against a firmware API.
type Caller interface {
	Call(ctx context.Context, api types.API, verb string, args []byte) ([]byte, error)
}

// Device is a live session with one attached board. Every method may block
// on a device round trip; none of them retry.
type Device interface {
	Caller

	Identity(ctx context.Context) (Identity, error)
	// APIs lists the firmware APIs available on this device.
	APIs(ctx context.Context) ([]types.API, error)
	// LEDChannels reports how many LED outputs the firmware drives.
	LEDChannels(ctx context.Context) (int, error)
	// GPIOLines reports the physical pin namespace.
	GPIOLines(ctx context.Context) ([]PinLocator, error)
	// SimpleInterfaces reports interfaces derivable from protocol introspection.
	SimpleInterfaces(ctx context.Context) ([]InterfaceInfo, error)

	Close() error
}
