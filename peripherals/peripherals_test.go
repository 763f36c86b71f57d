package peripherals_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers"

	"cynthion-go/errcode"
	"cynthion-go/peripherals"
	"cynthion-go/transport"
	"cynthion-go/transport/fake"
	"cynthion-go/types"
)

func newDev() *fake.Device {
	d := fake.New(transport.Identity{BoardID: 0x10, Version: 0x1101, Serial: "abc"},
		types.APICore, types.APILEDs, types.APIGPIO, types.APII2C)
	d.LEDs = 6
	return d
}

func TestLED_OnOffToggle(t *testing.T) {
	ctx := context.Background()
	d := newDev()
	led := peripherals.NewLED(d, 2)

	assert.Equal(t, "led2", led.Name())
	assert.Equal(t, types.KindLED, led.Kind())

	require.NoError(t, led.On(ctx))
	assert.True(t, d.LEDOn(2))
	require.NoError(t, led.Toggle(ctx))
	assert.False(t, d.LEDOn(2))

	_, err := led.Control(ctx, "set", map[string]any{"on": true})
	require.NoError(t, err)
	assert.True(t, d.LEDOn(2))

	_, err = led.Control(ctx, "set", map[string]any{"on": "yes"})
	assert.Equal(t, errcode.InvalidPayload, errcode.Of(err))
	_, err = led.Control(ctx, "blink", nil)
	assert.Equal(t, errcode.Unsupported, errcode.Of(err))
}

func TestLED_ClosedRejectsCalls(t *testing.T) {
	d := newDev()
	led := peripherals.NewLED(d, 0)
	require.NoError(t, led.Close())

	err := led.On(context.Background())
	assert.Equal(t, errcode.Closed, errcode.Of(err))
	assert.Empty(t, d.Calls())
}

func TestLED_TransportErrorWrapped(t *testing.T) {
	d := newDev()
	d.CallErr = errcode.New(errcode.Error, "usb", "stall")
	led := peripherals.NewLED(d, 0)

	err := led.On(context.Background())
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.TransportError))
}

func TestGPIOPin_DirectionWriteRead(t *testing.T) {
	ctx := context.Background()
	d := newDev()
	loc := transport.PinLocator{Port: 0, Pin: 8}
	pin := peripherals.NewGPIOPin(d, "J1_P3", loc)

	// Inputs refuse writes.
	err := pin.Write(ctx, true)
	assert.Equal(t, errcode.Unsupported, errcode.Of(err))

	require.NoError(t, pin.SetDirection(ctx, peripherals.DirOutput))
	require.NoError(t, pin.Write(ctx, true))
	assert.True(t, d.Level(loc))

	d.SetLevel(loc, false)
	level, err := pin.Read(ctx)
	require.NoError(t, err)
	assert.False(t, level)

	res, err := pin.Control(ctx, "get", nil)
	require.NoError(t, err)
	assert.Equal(t, types.GPIOValue{Name: "J1_P3", Level: false}, res)

	info := pin.Info()
	assert.Equal(t, "output", info["mode"])
	assert.Equal(t, uint8(8), info["pin"])
}

func TestGPIOPin_ControlConfigure(t *testing.T) {
	ctx := context.Background()
	d := newDev()
	pin := peripherals.NewGPIOPin(d, "p", transport.PinLocator{Port: 1, Pin: 2})

	res, err := pin.Control(ctx, "configure_output", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mode": "output"}, res)

	_, err = pin.Control(ctx, "set", map[string]any{"level": true})
	require.NoError(t, err)
	assert.True(t, d.Level(transport.PinLocator{Port: 1, Pin: 2}))

	_, err = pin.Control(ctx, "configure_input", nil)
	require.NoError(t, err)
	assert.Equal(t, peripherals.DirInput, pin.Direction())
}

func TestInterface_OnlyListedVerbs(t *testing.T) {
	ctx := context.Background()
	d := newDev()
	iface := peripherals.NewInterface(d, transport.InterfaceInfo{
		Name: "selftest", API: types.APISelfTest, Verbs: []string{"measure_clocks"},
	})

	_, err := iface.Call(ctx, "measure_clocks", nil)
	require.NoError(t, err)
	_, err = iface.Call(ctx, "reset", nil)
	assert.Equal(t, errcode.Unsupported, errcode.Of(err))

	calls := d.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, types.APISelfTest, calls[0].API)

	_, err = iface.Control(ctx, "measure_clocks", 12)
	assert.Equal(t, errcode.InvalidPayload, errcode.Of(err))
}

func TestI2CBus_ImplementsDriversI2C(t *testing.T) {
	d := newDev()
	d.I2CRead = func(addr uint16, w []byte, n int) []byte {
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(addr) + byte(i)
		}
		return out
	}
	var bus drivers.I2C = peripherals.NewI2CBus(d, transport.InterfaceInfo{
		Name: "i2c", API: types.APII2C, Verbs: []string{peripherals.VerbI2CReadWrite},
	})

	r := make([]byte, 3)
	require.NoError(t, bus.Tx(0x38, []byte{0xAC, 0x33}, r))
	assert.Equal(t, []byte{0x38, 0x39, 0x3A}, r)

	tx := d.LastTx()
	assert.Equal(t, uint16(0x38), tx.Addr)
	assert.Equal(t, []byte{0xAC, 0x33}, tx.W)
	assert.Equal(t, 3, tx.Rn)
}

func TestI2CBus_ShortRead(t *testing.T) {
	d := newDev()
	d.I2CRead = func(uint16, []byte, int) []byte { return []byte{1} }
	b := peripherals.NewI2CBus(d, transport.InterfaceInfo{
		Name: "i2c", API: types.APII2C, Verbs: []string{peripherals.VerbI2CReadWrite},
	})

	err := b.Tx(0x10, nil, make([]byte, 2))
	assert.Equal(t, errcode.InvalidPayload, errcode.Of(err))
}

func TestI2CCodecRoundTrip(t *testing.T) {
	args, err := peripherals.EncodeI2C(0x1234, []byte{9}, 7)
	require.NoError(t, err)
	addr, w, n, err := peripherals.DecodeI2C(args)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), addr)
	assert.Equal(t, []byte{9}, w)
	assert.Equal(t, 7, n)

	_, _, _, err = peripherals.DecodeI2C([]byte{1})
	assert.Error(t, err)
	_, err = peripherals.EncodeI2C(0, nil, 1<<16)
	assert.Error(t, err)
}
