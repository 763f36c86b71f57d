// Package fake provides an in-memory transport.Device for host-side tests and
// dry runs. It emulates the LED, GPIO and I2C verbs the peripherals issue.
package fake

import (
	"context"
	"sync"

	"cynthion-go/errcode"
	"cynthion-go/peripherals"
	"cynthion-go/transport"
	"cynthion-go/types"
)

// Call records one RPC.
type Call struct {
	API  types.API
	Verb string
	Args []byte
}

// I2CTx records one emulated I2C transaction.
type I2CTx struct {
	Addr uint16
	W    []byte
	Rn   int
}

// Device is a configurable fake board. Exported fields are read at call time
// and may be set before the device is handed out.
type Device struct {
	ID         transport.Identity
	APIList    []types.API
	LEDs       int
	Lines      []transport.PinLocator
	Interfaces []transport.InterfaceInfo

	// Injected failures, returned from the matching method when non-nil.
	IdentityErr   error
	APIsErr       error
	LEDsErr       error
	LinesErr      error
	InterfacesErr error
	CallErr       error
	CloseErr      error

	// I2CRead, when set, produces read bytes for an I2C transaction.
	I2CRead func(addr uint16, w []byte, n int) []byte

	mu         sync.Mutex
	calls      []Call
	apiQueries int
	ledOn      map[int]bool
	levels     map[transport.PinLocator]bool
	dirs       map[transport.PinLocator]peripherals.Direction
	lastTx     I2CTx
	closed     bool
	closeCount int
}

// New returns a fake exposing identity id and the given APIs.
func New(id transport.Identity, apis ...types.API) *Device {
	return &Device{ID: id, APIList: apis}
}

func (d *Device) Identity(ctx context.Context) (transport.Identity, error) {
	if err := d.check(ctx); err != nil {
		return transport.Identity{}, err
	}
	if d.IdentityErr != nil {
		return transport.Identity{}, d.IdentityErr
	}
	return d.ID, nil
}

func (d *Device) APIs(ctx context.Context) ([]types.API, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.apiQueries++
	d.mu.Unlock()
	if d.APIsErr != nil {
		return nil, d.APIsErr
	}
	return append([]types.API(nil), d.APIList...), nil
}

func (d *Device) LEDChannels(ctx context.Context) (int, error) {
	if err := d.check(ctx); err != nil {
		return 0, err
	}
	if d.LEDsErr != nil {
		return 0, d.LEDsErr
	}
	return d.LEDs, nil
}

func (d *Device) GPIOLines(ctx context.Context) ([]transport.PinLocator, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	if d.LinesErr != nil {
		return nil, d.LinesErr
	}
	return append([]transport.PinLocator(nil), d.Lines...), nil
}

func (d *Device) SimpleInterfaces(ctx context.Context) ([]transport.InterfaceInfo, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	if d.InterfacesErr != nil {
		return nil, d.InterfacesErr
	}
	return append([]transport.InterfaceInfo(nil), d.Interfaces...), nil
}

func (d *Device) Call(ctx context.Context, api types.API, verb string, args []byte) ([]byte, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{API: api, Verb: verb, Args: append([]byte(nil), args...)})
	if d.CallErr != nil {
		return nil, d.CallErr
	}

	switch api {
	case types.APILEDs:
		return nil, d.led(verb, args)
	case types.APIGPIO:
		return d.gpio(verb, args)
	case types.APII2C:
		return d.i2c(verb, args)
	}
	return nil, nil
}

func (d *Device) led(verb string, args []byte) error {
	if len(args) != 1 || int(args[0]) >= d.LEDs {
		return errcode.InvalidPayload
	}
	if d.ledOn == nil {
		d.ledOn = map[int]bool{}
	}
	i := int(args[0])
	switch verb {
	case peripherals.VerbLEDOn:
		d.ledOn[i] = true
	case peripherals.VerbLEDOff:
		d.ledOn[i] = false
	case peripherals.VerbLEDToggle:
		d.ledOn[i] = !d.ledOn[i]
	default:
		return errcode.Unsupported
	}
	return nil
}

func (d *Device) gpio(verb string, args []byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, errcode.InvalidPayload
	}
	loc := transport.PinLocator{Port: args[0], Pin: args[1]}
	if d.levels == nil {
		d.levels = map[transport.PinLocator]bool{}
		d.dirs = map[transport.PinLocator]peripherals.Direction{}
	}
	switch verb {
	case peripherals.VerbSetDirection:
		if len(args) != 3 {
			return nil, errcode.InvalidPayload
		}
		d.dirs[loc] = peripherals.Direction(args[2])
	case peripherals.VerbWritePin:
		if len(args) != 3 {
			return nil, errcode.InvalidPayload
		}
		d.levels[loc] = args[2] != 0
	case peripherals.VerbReadPin:
		if d.levels[loc] {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, errcode.Unsupported
	}
	return nil, nil
}

func (d *Device) i2c(verb string, args []byte) ([]byte, error) {
	if verb != peripherals.VerbI2CReadWrite {
		return nil, errcode.Unsupported
	}
	addr, w, n, err := peripherals.DecodeI2C(args)
	if err != nil {
		return nil, err
	}
	d.lastTx = I2CTx{Addr: addr, W: append([]byte(nil), w...), Rn: n}
	if d.I2CRead != nil {
		return d.I2CRead(addr, w, n), nil
	}
	return make([]byte, n), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.closeCount++
	return d.CloseErr
}

func (d *Device) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.Closed
	}
	return nil
}

// ---- inspection helpers for tests ----

// Calls returns a copy of the recorded RPCs.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// APIQueries counts APIs round trips.
func (d *Device) APIQueries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apiQueries
}

// LEDOn reports the emulated LED state.
func (d *Device) LEDOn(i int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ledOn[i]
}

// Level reports the emulated pin level.
func (d *Device) Level(loc transport.PinLocator) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levels[loc]
}

// SetLevel drives an emulated input.
func (d *Device) SetLevel(loc transport.PinLocator, level bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.levels == nil {
		d.levels = map[transport.PinLocator]bool{}
		d.dirs = map[transport.PinLocator]peripherals.Direction{}
	}
	d.levels[loc] = level
}

// LastTx returns the most recent I2C transaction.
func (d *Device) LastTx() I2CTx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTx
}

// Closed reports whether Close was called, and how many times.
func (d *Device) Closed() (bool, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed, d.closeCount
}
