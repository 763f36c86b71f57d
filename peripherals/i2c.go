package peripherals

import (
	"context"
	"time"

	"tinygo.org/x/drivers"

	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/types"
)

var _ drivers.I2C = (*I2CBus)(nil)

// DefaultI2CTimeout bounds one Tx round trip.
const DefaultI2CTimeout = time.Second

// I2CBus exposes an auto-discovered i2c interface as a TinyGo drivers.I2C,
// so existing sensor drivers can run against the board from the host.
type I2CBus struct {
	*Interface
	Timeout time.Duration
}

func NewI2CBus(c transport.Caller, info transport.InterfaceInfo) *I2CBus {
	return &I2CBus{Interface: NewInterface(c, info), Timeout: DefaultI2CTimeout}
}

func (b *I2CBus) Kind() types.Kind { return types.KindI2C }

// Tx performs one combined write-then-read transaction.
func (b *I2CBus) Tx(addr uint16, w, r []byte) error {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultI2CTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return b.TxContext(ctx, addr, w, r)
}

func (b *I2CBus) TxContext(ctx context.Context, addr uint16, w, r []byte) error {
	args, err := EncodeI2C(addr, w, len(r))
	if err != nil {
		return err
	}
	resp, err := b.Call(ctx, VerbI2CReadWrite, args)
	if err != nil {
		return err
	}
	if len(resp) != len(r) {
		return errcode.Newf(errcode.InvalidPayload, "i2c tx", "addr 0x%02x: read %d bytes, want %d", addr, len(resp), len(r))
	}
	copy(r, resp)
	return nil
}
