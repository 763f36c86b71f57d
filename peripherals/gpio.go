package peripherals

import (
	"context"
	"sync"

	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/types"
)

// GPIOPin is a named logical pin bound to one physical line.
type GPIOPin struct {
	c    transport.Caller
	name string
	loc  transport.PinLocator

	mu     sync.Mutex
	dir    Direction
	closed bool
}

func NewGPIOPin(c transport.Caller, name string, loc transport.PinLocator) *GPIOPin {
	return &GPIOPin{c: c, name: name, loc: loc}
}

func (p *GPIOPin) Name() string                  { return p.name }
func (p *GPIOPin) Kind() types.Kind              { return types.KindGPIO }
func (p *GPIOPin) Locator() transport.PinLocator { return p.loc }

func (p *GPIOPin) Info() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"port":           p.loc.Port,
		"pin":            p.loc.Pin,
		"mode":           p.dir.String(),
		"schema_version": 1,
		"driver":         "gpio",
	}
}

func (p *GPIOPin) Direction() Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dir
}

func (p *GPIOPin) SetDirection(ctx context.Context, d Direction) error {
	if err := p.call(ctx, VerbSetDirection, byte(d)); err != nil {
		return err
	}
	p.mu.Lock()
	p.dir = d
	p.mu.Unlock()
	return nil
}

// Write drives an output pin.
func (p *GPIOPin) Write(ctx context.Context, level bool) error {
	if p.Direction() != DirOutput {
		return errcode.Newf(errcode.Unsupported, "gpio write", "pin %s is an input", p.name)
	}
	var b byte
	if level {
		b = 1
	}
	return p.call(ctx, VerbWritePin, b)
}

// Read samples the pin level.
func (p *GPIOPin) Read(ctx context.Context) (bool, error) {
	if p.isClosed() {
		return false, errcode.Closed
	}
	resp, err := p.c.Call(ctx, types.APIGPIO, VerbReadPin, []byte{p.loc.Port, p.loc.Pin})
	if err != nil {
		return false, errcode.Wrap(errcode.TransportError, "gpio read", err)
	}
	if len(resp) < 1 {
		return false, errcode.Newf(errcode.InvalidPayload, "gpio read", "empty response for %s", p.name)
	}
	return resp[0] != 0, nil
}

func (p *GPIOPin) call(ctx context.Context, verb string, arg byte) error {
	if p.isClosed() {
		return errcode.Closed
	}
	_, err := p.c.Call(ctx, types.APIGPIO, verb, []byte{p.loc.Port, p.loc.Pin, arg})
	return errcode.Wrap(errcode.TransportError, "gpio "+verb, err)
}

func (p *GPIOPin) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Control supports:
//   - "configure_input", "configure_output"
//   - "set" payload {"level": bool}
//   - "get" -> {"level": bool}
func (p *GPIOPin) Control(ctx context.Context, method string, payload any) (any, error) {
	switch method {
	case "configure_input":
		if err := p.SetDirection(ctx, DirInput); err != nil {
			return nil, err
		}
		return map[string]any{"mode": DirInput.String()}, nil
	case "configure_output":
		if err := p.SetDirection(ctx, DirOutput); err != nil {
			return nil, err
		}
		return map[string]any{"mode": DirOutput.String()}, nil
	case "set":
		m, ok := payload.(map[string]any)
		if !ok {
			return nil, errcode.InvalidPayload
		}
		level, ok := m["level"].(bool)
		if !ok {
			return nil, errcode.InvalidPayload
		}
		if err := p.Write(ctx, level); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	case "get":
		level, err := p.Read(ctx)
		if err != nil {
			return nil, err
		}
		return types.GPIOValue{Name: p.name, Level: level}, nil
	default:
		return nil, errcode.Unsupported
	}
}

func (p *GPIOPin) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
