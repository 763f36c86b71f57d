package boards

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cynthion-go/errcode"
	"cynthion-go/peripherals"
	"cynthion-go/transport"
	"cynthion-go/types"
)

// State of a connection's initialization.
type State uint8

const (
	StateIdentified State = iota
	StateInitializing
	StateBaseReady // base peripherals ready
	StateReady     // fully initialized
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdentified:
		return "identified"
	case StateInitializing:
		return "initializing"
	case StateBaseReady:
		return "base_peripherals_ready"
	case StateReady:
		return "fully_initialized"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Level maps the state onto the published lifecycle level.
func (s State) Level() types.Level {
	switch s {
	case StateBaseReady:
		return types.LevelBaseReady
	case StateReady:
		return types.LevelReady
	case StateFailed:
		return types.LevelFailed
	case StateClosed:
		return types.LevelClosed
	default:
		return types.LevelIdentified
	}
}

// StateHook observes state transitions. err is set for StateFailed.
type StateHook func(c *Connection, s State, err error)

// ConnOption configures a Connection.
type ConnOption func(*Connection)

func WithConnLogger(l *zap.SugaredLogger) ConnOption {
	return func(c *Connection) { c.log = l }
}

func WithStateHook(h StateHook) ConnOption {
	return func(c *Connection) { c.hook = h }
}

// Connection is the runtime state of one attached, matched board. It owns
// the device session and every peripheral built on it.
type Connection struct {
	family   Family
	dev      transport.Device
	identity transport.Identity
	log      *zap.SugaredLogger
	hook     StateHook

	mu     sync.Mutex
	state  State
	caps   *Capabilities
	periph map[string]peripherals.Peripheral
	order  []string
}

// NewConnection wraps a device already matched to family f.
func NewConnection(f Family, dev transport.Device, id transport.Identity, opts ...ConnOption) *Connection {
	c := &Connection{
		family:   f,
		dev:      dev,
		identity: id,
		log:      zap.NewNop().Sugar(),
		periph:   map[string]peripherals.Peripheral{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("board", id.Name(), "family", f.Name)
	return c
}

func (c *Connection) Family() Family               { return c.family }
func (c *Connection) Identity() transport.Identity { return c.identity }
func (c *Connection) Version() Version             { return Version(c.identity.Version) }
func (c *Connection) Name() string                 { return c.identity.Name() }

// Device exposes the underlying session for family-specific initializers.
func (c *Connection) Device() transport.Device { return c.dev }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState moves to s and reports it to the hook. Closed is terminal: once
// closed, setState changes nothing and returns false.
func (c *Connection) setState(s State, err error) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = s
	c.mu.Unlock()
	c.notify(s, err)
	return true
}

func (c *Connection) notify(s State, err error) {
	c.log.Debugw("state", "state", s.String())
	if c.hook != nil {
		c.hook(c, s, err)
	}
}

// SupportsAPI reports whether the firmware exposes api. The API list is read
// from the device on first use and kept for the life of the connection.
func (c *Connection) SupportsAPI(ctx context.Context, api types.API) (bool, error) {
	caps, err := c.capabilities(ctx)
	if err != nil {
		return false, err
	}
	return caps.Has(api), nil
}

func (c *Connection) capabilities(ctx context.Context) (Capabilities, error) {
	c.mu.Lock()
	if c.caps != nil {
		caps := *c.caps
		c.mu.Unlock()
		return caps, nil
	}
	c.mu.Unlock()

	apis, err := c.dev.APIs(ctx)
	if err != nil {
		return Capabilities{}, errcode.Wrap(errcode.CapabilityQueryFailed, "supports_api", err)
	}
	caps := NewCapabilities(apis...)

	c.mu.Lock()
	if c.caps == nil {
		c.caps = &caps
	}
	caps = *c.caps
	c.mu.Unlock()
	return caps, nil
}

// register adds a peripheral under its unique name.
func (c *Connection) register(p peripherals.Peripheral) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return errcode.Newf(errcode.Closed, "register", "board %s is closed", c.Name())
	}
	name := p.Name()
	if _, dup := c.periph[name]; dup {
		return errcode.Newf(errcode.PeripheralConstructionFailed, "register", "duplicate peripheral %q", name)
	}
	c.periph[name] = p
	c.order = append(c.order, name)
	return nil
}

// dropPeripherals closes and forgets every registered peripheral.
func (c *Connection) dropPeripherals() error {
	c.mu.Lock()
	ps := make([]peripherals.Peripheral, 0, len(c.order))
	for _, n := range c.order {
		ps = append(ps, c.periph[n])
	}
	c.periph = map[string]peripherals.Peripheral{}
	c.order = nil
	c.mu.Unlock()

	var err error
	for _, p := range ps {
		err = multierr.Append(err, p.Close())
	}
	return err
}

// ---- read access, only once fully initialized ----

func (c *Connection) ready() bool { return c.state == StateReady }

// Peripherals returns every peripheral in construction order.
func (c *Connection) Peripherals() []peripherals.Peripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return nil
	}
	out := make([]peripherals.Peripheral, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.periph[n])
	}
	return out
}

// Peripheral looks a peripheral up by name.
func (c *Connection) Peripheral(name string) (peripherals.Peripheral, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return nil, false
	}
	p, ok := c.periph[name]
	return p, ok
}

// Count returns how many peripherals of kind are registered.
func (c *Connection) Count(kind types.Kind) int {
	n := 0
	for _, p := range c.Peripherals() {
		if p.Kind() == kind {
			n++
		}
	}
	return n
}

// LEDs returns the LED objects ordered by index.
func (c *Connection) LEDs() []*peripherals.LED {
	var out []*peripherals.LED
	for _, p := range c.Peripherals() {
		if l, ok := p.(*peripherals.LED); ok {
			out = append(out, l)
		}
	}
	return out
}

func (c *Connection) LED(index int) (*peripherals.LED, bool) {
	p, ok := c.Peripheral(peripherals.LEDName(index))
	if !ok {
		return nil, false
	}
	l, ok := p.(*peripherals.LED)
	return l, ok
}

func (c *Connection) GPIO(name string) (*peripherals.GPIOPin, bool) {
	p, ok := c.Peripheral(name)
	if !ok {
		return nil, false
	}
	g, ok := p.(*peripherals.GPIOPin)
	return g, ok
}

func (c *Connection) Interface(name string) (*peripherals.Interface, bool) {
	p, ok := c.Peripheral(name)
	if !ok {
		return nil, false
	}
	switch v := p.(type) {
	case *peripherals.Interface:
		return v, true
	case *peripherals.I2CBus:
		return v.Interface, true
	}
	return nil, false
}

func (c *Connection) I2C(name string) (*peripherals.I2CBus, bool) {
	p, ok := c.Peripheral(name)
	if !ok {
		return nil, false
	}
	b, ok := p.(*peripherals.I2CBus)
	return b, ok
}

// Info summarises the board for publication.
func (c *Connection) Info() types.BoardInfo {
	info := types.BoardInfo{
		Serial:      c.identity.Serial,
		Family:      c.family.Name,
		BoardName:   c.family.BoardName,
		BoardID:     c.identity.BoardID,
		Version:     c.Version().String(),
		Firmware:    c.identity.Firmware,
		Peripherals: map[types.Kind]int{},
	}
	c.mu.Lock()
	if c.caps != nil {
		info.APIs = c.caps.List()
	}
	c.mu.Unlock()
	for _, p := range c.Peripherals() {
		info.Peripherals[p.Kind()]++
	}
	return info
}

// Ping checks the board still answers as the same board.
func (c *Connection) Ping(ctx context.Context) error {
	id, err := c.dev.Identity(ctx)
	if err != nil {
		return errcode.Wrap(errcode.TransportError, "ping", err)
	}
	if id.BoardID != c.identity.BoardID {
		return errcode.Newf(errcode.NoDevice, "ping", "board id changed from 0x%02x to 0x%02x", c.identity.BoardID, id.BoardID)
	}
	return nil
}

// Close releases every peripheral and then the device session.
// Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	err := c.dropPeripherals()
	err = multierr.Append(err, c.dev.Close())
	c.notify(StateClosed, nil)
	return err
}
