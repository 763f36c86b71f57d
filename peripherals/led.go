package peripherals

import (
	"context"
	"strconv"
	"sync/atomic"

	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/types"
)

// LED drives one fixed LED output, addressed by index.
type LED struct {
	c      transport.Caller
	index  int
	closed atomic.Bool
}

func NewLED(c transport.Caller, index int) *LED {
	return &LED{c: c, index: index}
}

// LEDName is the registry name for LED index i.
func LEDName(i int) string { return "led" + strconv.Itoa(i) }

func (l *LED) Name() string     { return LEDName(l.index) }
func (l *LED) Kind() types.Kind { return types.KindLED }
func (l *LED) Index() int       { return l.index }

func (l *LED) Info() map[string]any {
	return map[string]any{"index": l.index, "schema_version": 1, "driver": "leds"}
}

func (l *LED) On(ctx context.Context) error     { return l.call(ctx, VerbLEDOn) }
func (l *LED) Off(ctx context.Context) error    { return l.call(ctx, VerbLEDOff) }
func (l *LED) Toggle(ctx context.Context) error { return l.call(ctx, VerbLEDToggle) }

// Set switches the LED on or off.
func (l *LED) Set(ctx context.Context, on bool) error {
	if on {
		return l.On(ctx)
	}
	return l.Off(ctx)
}

func (l *LED) call(ctx context.Context, verb string) error {
	if l.closed.Load() {
		return errcode.Closed
	}
	_, err := l.c.Call(ctx, types.APILEDs, verb, []byte{byte(l.index)})
	return errcode.Wrap(errcode.TransportError, "led "+verb, err)
}

// Control supports "on", "off", "toggle" and "set" with payload {"on": bool}.
func (l *LED) Control(ctx context.Context, method string, payload any) (any, error) {
	var err error
	switch method {
	case VerbLEDOn, VerbLEDOff, VerbLEDToggle:
		err = l.call(ctx, method)
	case "set":
		m, ok := payload.(map[string]any)
		if !ok {
			return nil, errcode.InvalidPayload
		}
		on, ok := m["on"].(bool)
		if !ok {
			return nil, errcode.InvalidPayload
		}
		err = l.Set(ctx, on)
	default:
		return nil, errcode.Unsupported
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (l *LED) Close() error {
	l.closed.Store(true)
	return nil
}
