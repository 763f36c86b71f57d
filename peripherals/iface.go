package peripherals

import (
	"context"
	"sync/atomic"

	"github.com/samber/lo"

	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/types"
)

// Interface proxies an auto-discovered firmware interface. It knows only the
// verbs introspection reported.
type Interface struct {
	c      transport.Caller
	info   transport.InterfaceInfo
	closed atomic.Bool
}

func NewInterface(c transport.Caller, info transport.InterfaceInfo) *Interface {
	return &Interface{c: c, info: info}
}

func (i *Interface) Name() string     { return i.info.Name }
func (i *Interface) Kind() types.Kind { return types.KindInterface }
func (i *Interface) API() types.API   { return i.info.API }
func (i *Interface) Verbs() []string  { return append([]string(nil), i.info.Verbs...) }

func (i *Interface) Info() map[string]any {
	return map[string]any{"api": string(i.info.API), "verbs": i.Verbs(), "schema_version": 1}
}

// Supports reports whether introspection listed verb.
func (i *Interface) Supports(verb string) bool {
	return lo.Contains(i.info.Verbs, verb)
}

// Call invokes a listed verb.
func (i *Interface) Call(ctx context.Context, verb string, args []byte) ([]byte, error) {
	if i.closed.Load() {
		return nil, errcode.Closed
	}
	if !i.Supports(verb) {
		return nil, errcode.Newf(errcode.Unsupported, "interface "+i.info.Name, "no verb %q", verb)
	}
	resp, err := i.c.Call(ctx, i.info.API, verb, args)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, "interface "+i.info.Name, err)
	}
	return resp, nil
}

// Control treats method as a verb and payload as raw argument bytes.
func (i *Interface) Control(ctx context.Context, method string, payload any) (any, error) {
	var args []byte
	switch v := payload.(type) {
	case nil:
	case []byte:
		args = v
	case string:
		args = []byte(v)
	default:
		return nil, errcode.InvalidPayload
	}
	return i.Call(ctx, method, args)
}

func (i *Interface) Close() error {
	i.closed.Store(true)
	return nil
}
