package boards

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cynthion-go/errcode"
	"cynthion-go/transport"
	"cynthion-go/transport/fake"
	"cynthion-go/types"
)

func moondancerDevice(apis ...types.API) *fake.Device {
	d := fake.New(transport.Identity{BoardID: 0x10, Version: 0x1101, Serial: "c0ffee"}, apis...)
	d.LEDs = 6
	return d
}

func newConn(t *testing.T, f Family, d *fake.Device, hook StateHook) *Connection {
	t.Helper()
	opts := []ConnOption{WithConnLogger(zaptest.NewLogger(t).Sugar())}
	if hook != nil {
		opts = append(opts, WithStateHook(hook))
	}
	return NewConnection(f, d, d.ID, opts...)
}

func TestInitializeMoondancer(t *testing.T) {
	d := moondancerDevice(types.APICore, types.APIGPIO, types.APILEDs)
	c := newConn(t, Family{Descriptor: moondancerLike()}, d, nil)

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, "fully_initialized", c.State().String())
	assert.Equal(t, 6, c.Count(types.KindLED))
	assert.Equal(t, 0, c.Count(types.KindGPIO))

	leds := c.LEDs()
	require.Len(t, leds, 6)
	for i, l := range leds {
		assert.Equal(t, i, l.Index())
	}
	require.NoError(t, leds[5].On(context.Background()))
	assert.True(t, d.LEDOn(5))
}

func TestGPIOGatedOnCapability(t *testing.T) {
	desc := moondancerLike()
	desc.GPIO = map[string]PinLocator{
		"user_button": {Port: 0, Pin: 1},
		"pmod_a0":     {Port: 1, Pin: 0},
		"pmod_a1":     {Port: 1, Pin: 1},
	}
	lines := []transport.PinLocator{{Port: 0, Pin: 1}, {Port: 1, Pin: 0}, {Port: 1, Pin: 1}, {Port: 2, Pin: 0}}

	t.Run("supported", func(t *testing.T) {
		d := moondancerDevice(types.APIGPIO, types.APILEDs)
		d.Lines = lines
		c := newConn(t, Family{Descriptor: desc}, d, nil)
		require.NoError(t, c.Initialize(context.Background()))
		assert.Equal(t, 3, c.Count(types.KindGPIO))
		assert.Equal(t, 6, c.Count(types.KindLED))

		pin, ok := c.GPIO("pmod_a1")
		require.True(t, ok)
		assert.Equal(t, transport.PinLocator{Port: 1, Pin: 1}, pin.Locator())
	})

	t.Run("absent", func(t *testing.T) {
		d := moondancerDevice(types.APILEDs)
		d.Lines = lines
		c := newConn(t, Family{Descriptor: desc}, d, nil)
		require.NoError(t, c.Initialize(context.Background()))
		assert.Equal(t, 0, c.Count(types.KindGPIO))
		assert.Equal(t, 6, c.Count(types.KindLED))
	})
}

func TestGPIOBuiltBeforeLEDs(t *testing.T) {
	desc := moondancerLike()
	desc.LEDs = 2
	desc.GPIO = map[string]PinLocator{"b": {Port: 0, Pin: 2}, "a": {Port: 0, Pin: 1}}
	d := moondancerDevice(types.APIGPIO)
	d.Lines = []transport.PinLocator{{Port: 0, Pin: 1}, {Port: 0, Pin: 2}}
	d.Interfaces = []transport.InterfaceInfo{{Name: "selftest", API: types.APISelfTest, Verbs: []string{"run"}}}

	c := newConn(t, Family{Descriptor: desc}, d, nil)
	require.NoError(t, c.Initialize(context.Background()))

	var names []string
	for _, p := range c.Peripherals() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"selftest", "a", "b", "led0", "led1"}, names)
}

func TestSecondInitializeRejected(t *testing.T) {
	d := moondancerDevice(types.APIGPIO, types.APILEDs)
	c := newConn(t, Family{Descriptor: moondancerLike()}, d, nil)
	require.NoError(t, c.Initialize(context.Background()))

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.AlreadyInitialized, errcode.Of(err))
	assert.Equal(t, StateReady, c.State())
	assert.Len(t, c.Peripherals(), 6)
}

func TestCapabilityQueryFailure(t *testing.T) {
	d := moondancerDevice()
	d.APIsErr = errors.New("usb: pipe stall")
	var seen []State
	c := newConn(t, Family{Descriptor: moondancerLike()}, d, func(_ *Connection, s State, _ error) {
		seen = append(seen, s)
	})

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.CapabilityQueryFailed, errcode.Of(err))
	assert.Contains(t, err.Error(), "pipe stall")
	assert.Equal(t, StateFailed, c.State())
	assert.Empty(t, c.Peripherals())
	assert.Equal(t, []State{StateFailed}, seen)
}

func TestCapabilitiesQueriedOnce(t *testing.T) {
	desc := moondancerLike()
	desc.GPIO = map[string]PinLocator{"a": {Port: 0, Pin: 0}}
	d := moondancerDevice(types.APIGPIO)
	d.Lines = []transport.PinLocator{{Port: 0, Pin: 0}}
	c := newConn(t, Family{Descriptor: desc}, d, nil)

	require.NoError(t, c.Initialize(context.Background()))
	ok, err := c.SupportsAPI(context.Background(), types.APIGPIO)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SupportsAPI(context.Background(), types.APIUSBProxy)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, d.APIQueries())
}

func TestGPIOMappingMismatch(t *testing.T) {
	desc := moondancerLike()
	desc.GPIO = map[string]PinLocator{"a": {Port: 0, Pin: 0}, "ghost": {Port: 7, Pin: 7}}
	d := moondancerDevice(types.APIGPIO)
	d.Lines = []transport.PinLocator{{Port: 0, Pin: 0}}
	d.Interfaces = []transport.InterfaceInfo{{Name: "i2c0", API: types.APII2C}}
	c := newConn(t, Family{Descriptor: desc}, d, nil)

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.PeripheralConstructionFailed, errcode.Of(err))
	assert.Contains(t, err.Error(), "mapping/hardware mismatch")
	assert.Equal(t, StateFailed, c.State())
	assert.Empty(t, c.Peripherals())
}

func TestInsufficientLEDs(t *testing.T) {
	d := moondancerDevice(types.APILEDs)
	d.LEDs = 4
	c := newConn(t, Family{Descriptor: moondancerLike()}, d, nil)

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.PeripheralConstructionFailed, errcode.Of(err))
	assert.Contains(t, err.Error(), "insufficient peripheral count")
	assert.Equal(t, StateFailed, c.State())
}

func TestLEDsWithoutCapabilityStillBuilt(t *testing.T) {
	d := moondancerDevice(types.APICore)
	c := newConn(t, Family{Descriptor: moondancerLike()}, d, nil)

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, 6, c.Count(types.KindLED))
}

func TestInitializerMustRunBase(t *testing.T) {
	skip := Family{
		Descriptor: moondancerLike(),
		Init: func(ctx context.Context, c *Connection) error {
			return PopulateLEDs(ctx, c)
		},
	}
	c := newConn(t, skip, moondancerDevice(types.APILEDs), nil)
	err := c.Initialize(context.Background())
	assert.Equal(t, errcode.BaseNotInitialized, errcode.Of(err))
	assert.Equal(t, StateFailed, c.State())

	noop := Family{Descriptor: moondancerLike(), Init: func(context.Context, *Connection) error { return nil }}
	c = newConn(t, noop, moondancerDevice(types.APILEDs), nil)
	err = c.Initialize(context.Background())
	assert.Equal(t, errcode.BaseNotInitialized, errcode.Of(err))
}

func TestCustomInitializer(t *testing.T) {
	var seen []State
	f := Family{
		Descriptor: moondancerLike(),
		Init: func(ctx context.Context, c *Connection) error {
			if err := c.InitializeBase(ctx); err != nil {
				return err
			}
			// Twice is refused.
			if err := c.InitializeBase(ctx); !errcode.Is(err, errcode.AlreadyInitialized) {
				return err
			}
			return PopulateLEDs(ctx, c)
		},
	}
	c := newConn(t, f, moondancerDevice(types.APILEDs), func(_ *Connection, s State, _ error) {
		seen = append(seen, s)
	})
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, []State{StateBaseReady, StateReady}, seen)
	assert.Equal(t, 6, c.Count(types.KindLED))
}

func TestAccessorsBeforeReady(t *testing.T) {
	d := moondancerDevice(types.APILEDs)
	var during int
	f := Family{
		Descriptor: moondancerLike(),
		Init: func(ctx context.Context, c *Connection) error {
			if err := StandardInit(ctx, c); err != nil {
				return err
			}
			during = len(c.Peripherals())
			return nil
		},
	}
	c := newConn(t, f, d, nil)
	assert.Empty(t, c.Peripherals())
	_, ok := c.LED(0)
	assert.False(t, ok)

	require.NoError(t, c.Initialize(context.Background()))
	assert.Zero(t, during)
	l, ok := c.LED(0)
	require.True(t, ok)
	assert.Equal(t, "led0", l.Name())
}

func TestCloseReleasesEverything(t *testing.T) {
	d := moondancerDevice(types.APILEDs)
	var seen []State
	c := newConn(t, Family{Descriptor: moondancerLike()}, d, func(_ *Connection, s State, _ error) {
		seen = append(seen, s)
	})
	require.NoError(t, c.Initialize(context.Background()))
	l, _ := c.LED(0)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	closed, n := d.Closed()
	assert.True(t, closed)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, errcode.Closed, errcode.Of(l.On(context.Background())))
	assert.Equal(t, StateClosed, seen[len(seen)-1])

	err := c.Initialize(context.Background())
	assert.Equal(t, errcode.Closed, errcode.Of(err))
}

func TestCloseDuringInitializeStaysClosed(t *testing.T) {
	var seen []State
	f := Family{
		Descriptor: moondancerLike(),
		Init: func(ctx context.Context, c *Connection) error {
			if err := c.InitializeBase(ctx); err != nil {
				return err
			}
			require.NoError(t, c.Close())
			return PopulateLEDs(ctx, c)
		},
	}
	d := moondancerDevice(types.APILEDs)
	c := newConn(t, f, d, func(_ *Connection, s State, _ error) {
		seen = append(seen, s)
	})

	err := c.Initialize(context.Background())
	assert.Equal(t, errcode.Closed, errcode.Of(err))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, []State{StateBaseReady, StateClosed}, seen)
	assert.Zero(t, c.Count(types.KindLED))
	_, n := d.Closed()
	assert.Equal(t, 1, n)
}

func TestCloseAfterInitializerSucceeds(t *testing.T) {
	f := Family{
		Descriptor: moondancerLike(),
		Init: func(ctx context.Context, c *Connection) error {
			if err := StandardInit(ctx, c); err != nil {
				return err
			}
			return c.Close()
		},
	}
	c := newConn(t, f, moondancerDevice(types.APILEDs), nil)

	err := c.Initialize(context.Background())
	assert.Equal(t, errcode.Closed, errcode.Of(err))
	assert.Equal(t, StateClosed, c.State())
	_, ok := c.LED(0)
	assert.False(t, ok)
}
