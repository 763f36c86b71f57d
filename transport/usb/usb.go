// Package usb talks to boards over libusb vendor control requests.
package usb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/types"
)

const (
	DefaultVendor  gousb.ID = 0x1d50
	DefaultProduct gousb.ID = 0x615b
)

type Option func(*Host)

// WithIDs matches devices on vid:pid instead of the defaults.
func WithIDs(vid, pid gousb.ID) Option {
	return func(h *Host) { h.vid, h.pid = vid, pid }
}

func WithLogger(l *zap.SugaredLogger) Option { return func(h *Host) { h.log = l } }

// WithRetry sets how often and how far apart opening is attempted.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(h *Host) { h.attempts, h.delay = attempts, delay }
}

// WithTimeout bounds each control transfer.
func WithTimeout(d time.Duration) Option { return func(h *Host) { h.timeout = d } }

// Host owns the libusb context. Devices opened through it must be closed
// before the host.
type Host struct {
	ctx      *gousb.Context
	log      *zap.SugaredLogger
	vid, pid gousb.ID
	attempts uint
	delay    time.Duration
	timeout  time.Duration
}

func NewHost(opts ...Option) *Host {
	h := &Host{
		ctx:      gousb.NewContext(),
		log:      zap.NewNop().Sugar(),
		vid:      DefaultVendor,
		pid:      DefaultProduct,
		attempts: 3,
		delay:    250 * time.Millisecond,
		timeout:  time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Host) Close() error { return h.ctx.Close() }

func (h *Host) match(desc *gousb.DeviceDesc) bool {
	return desc.Vendor == h.vid && desc.Product == h.pid
}

// Open opens every matching device. A freshly re-enumerated board can refuse
// to open for a moment, so opening is retried; devices that opened before a
// later failure are closed.
func (h *Host) Open(ctx context.Context) ([]transport.Device, error) {
	return h.open(ctx, h.match)
}

// OpenNew opens matching devices whose path is not already known.
func (h *Host) OpenNew(ctx context.Context, known func(path string) bool) ([]transport.Device, error) {
	return h.open(ctx, func(desc *gousb.DeviceDesc) bool {
		return h.match(desc) && !known(devicePath(desc))
	})
}

func (h *Host) open(ctx context.Context, pred func(*gousb.DeviceDesc) bool) ([]transport.Device, error) {
	var devs []*gousb.Device
	err := retry.Do(
		func() error {
			ds, err := h.ctx.OpenDevices(pred)
			if err != nil {
				for _, d := range ds {
					_ = d.Close()
				}
				return err
			}
			devs = ds
			return nil
		},
		retry.Attempts(h.attempts),
		retry.Delay(h.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			h.log.Debugw("open retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, "usb open", err)
	}

	out := make([]transport.Device, 0, len(devs))
	for _, d := range devs {
		d.ControlTimeout = h.timeout
		out = append(out, newDevice(d, h.log))
	}
	h.log.Debugw("opened", "count", len(out), "vid", h.vid.String(), "pid", h.pid.String())
	return out, nil
}

// Scan lists matching devices without opening them.
func (h *Host) Scan() ([]transport.Identity, error) {
	var ids []transport.Identity
	_, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if h.match(desc) {
			ids = append(ids, transport.Identity{Version: uint16(desc.Device), Path: devicePath(desc)})
		}
		return false
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, "usb scan", err)
	}
	if len(ids) == 0 {
		return nil, errcode.Newf(errcode.NoDevice, "usb scan", "no %s:%s device", h.vid, h.pid)
	}
	return ids, nil
}

// Device is one open board.
type Device struct {
	dev *gousb.Device
	log *zap.SugaredLogger

	mu     sync.Mutex // serialises command/response pairs
	verbs  map[uint32]map[string]uint32
	closed bool
}

func newDevice(d *gousb.Device, log *zap.SugaredLogger) *Device {
	return &Device{
		dev:   d,
		log:   log.With("path", devicePath(d.Desc)),
		verbs: map[uint32]map[string]uint32{},
	}
}

// rpc sends one command and reads its reply.
func (d *Device) rpc(ctx context.Context, class, verb uint32, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errcode.Closed
	}

	cmd := encodeCommand(class, verb, args)
	if _, err := d.dev.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice, requestRPC, 0, 0, cmd); err != nil {
		return nil, errors.Wrapf(err, "class 0x%x verb 0x%x out", class, verb)
	}
	buf := make([]byte, maxResponse)
	n, err := d.dev.Control(gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice, requestRPC, 0, 0, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "class 0x%x verb 0x%x in", class, verb)
	}
	return buf[:n], nil
}

func (d *Device) core(ctx context.Context, verb uint32, args []byte) ([]byte, error) {
	b, err := d.rpc(ctx, apiClass[types.APICore], verb, args)
	return b, errcode.Wrap(errcode.TransportError, "core", err)
}

// Path is the bus location the device was opened at.
func (d *Device) Path() string { return devicePath(d.dev.Desc) }

func (d *Device) Identity(ctx context.Context) (transport.Identity, error) {
	id := transport.Identity{Version: uint16(d.dev.Desc.Device), Path: devicePath(d.dev.Desc)}

	b, err := d.core(ctx, verbReadBoardID, nil)
	if err != nil {
		return id, err
	}
	if len(b) == 0 {
		return id, errcode.New(errcode.InvalidPayload, "identity", "empty board id")
	}
	id.BoardID = b[0]

	if b, err := d.core(ctx, verbReadSerial, nil); err == nil {
		id.Serial = cString(b)
	} else if s, serr := d.dev.SerialNumber(); serr == nil {
		id.Serial = s
	}
	if b, err := d.core(ctx, verbReadVersion, nil); err == nil {
		id.Firmware = cString(b)
	}
	return id, nil
}

func (d *Device) APIs(ctx context.Context) ([]types.API, error) {
	b, err := d.core(ctx, verbAvailableClasses, nil)
	if err != nil {
		return nil, err
	}
	classes, err := parseClassList(b)
	if err != nil {
		return nil, err
	}
	var out []types.API
	for _, c := range classes {
		if a, ok := classAPI[c]; ok {
			out = append(out, a)
		} else {
			d.log.Debugw("unknown class", "class", c)
		}
	}
	return out, nil
}

// verbTable lists a class's verbs, querying the device on first use.
func (d *Device) verbTable(ctx context.Context, class uint32) (map[string]uint32, error) {
	d.mu.Lock()
	table, ok := d.verbs[class]
	d.mu.Unlock()
	if ok {
		return table, nil
	}
	b, err := d.core(ctx, verbList, u32(class))
	if err != nil {
		return nil, err
	}
	if table, err = parseVerbList(b); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.verbs[class] = table
	d.mu.Unlock()
	return table, nil
}

func (d *Device) Call(ctx context.Context, api types.API, verb string, args []byte) ([]byte, error) {
	class, ok := apiClass[api]
	if !ok {
		return nil, errcode.Newf(errcode.Unsupported, "call", "unknown api %q", api)
	}
	table, err := d.verbTable(ctx, class)
	if err != nil {
		return nil, err
	}
	num, ok := table[verb]
	if !ok {
		return nil, errcode.Newf(errcode.Unsupported, "call", "%s has no verb %q", api, verb)
	}
	b, err := d.rpc(ctx, class, num, args)
	return b, errcode.Wrap(errcode.TransportError, string(api)+"."+verb, err)
}

func (d *Device) LEDChannels(ctx context.Context) (int, error) {
	b, err := d.Call(ctx, types.APILEDs, "count", nil)
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, errcode.New(errcode.InvalidPayload, "leds", "empty count")
	}
	return int(b[0]), nil
}

func (d *Device) GPIOLines(ctx context.Context) ([]transport.PinLocator, error) {
	b, err := d.Call(ctx, types.APIGPIO, "get_available_pins", nil)
	if err != nil {
		return nil, err
	}
	return parsePins(b)
}

func (d *Device) SimpleInterfaces(ctx context.Context) ([]transport.InterfaceInfo, error) {
	apis, err := d.APIs(ctx)
	if err != nil {
		return nil, err
	}
	var out []transport.InterfaceInfo
	for _, a := range apis {
		if dedicated[a] {
			continue
		}
		table, err := d.verbTable(ctx, apiClass[a])
		if err != nil {
			return nil, err
		}
		verbs := lo.Keys(table)
		sort.Strings(verbs)
		out = append(out, transport.InterfaceInfo{Name: string(a), API: a, Verbs: verbs})
	}
	return out, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.dev.Close()
}
