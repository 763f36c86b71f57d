package boards

import (
	"context"

	"github.com/samber/lo"

	"cynthion-go/errcode"
	"cynthion-go/peripherals"
	"cynthion-go/types"
)

// ---- Peripheral populators ----
// Each populator runs against the live device and the family descriptor,
// registering peripherals into the connection. None is safe to call twice.

// PopulateSimpleInterfaces builds one proxy per interface the firmware
// reports through introspection. i2c interfaces become drivers.I2C buses.
func PopulateSimpleInterfaces(ctx context.Context, c *Connection) error {
	if st := c.State(); st != StateInitializing {
		return errcode.Newf(errcode.NotReady, "simple interfaces", "board %s is %s", c.Name(), st)
	}
	infos, err := c.dev.SimpleInterfaces(ctx)
	if err != nil {
		return errcode.Wrap(errcode.TransportError, "simple interfaces", err)
	}
	for _, info := range infos {
		var p peripherals.Peripheral
		if info.API == types.APII2C {
			p = peripherals.NewI2CBus(c.dev, info)
		} else {
			p = peripherals.NewInterface(c.dev, info)
		}
		if err := c.register(p); err != nil {
			return err
		}
	}
	c.log.Debugw("simple interfaces", "count", len(infos))
	return nil
}

// PopulateGPIO builds one pin per descriptor mapping, in name order. Every
// mapped line must exist in the device's pin namespace.
func PopulateGPIO(ctx context.Context, c *Connection) error {
	if err := c.requireBase("gpio"); err != nil {
		return err
	}
	names := c.family.GPIONames()
	if len(names) == 0 {
		return nil
	}
	lines, err := c.dev.GPIOLines(ctx)
	if err != nil {
		return errcode.Wrap(errcode.TransportError, "gpio", err)
	}
	for _, name := range names {
		loc := c.family.GPIO[name]
		if !lo.Contains(lines, loc) {
			return errcode.Newf(errcode.PeripheralConstructionFailed, "gpio",
				"mapping/hardware mismatch: pin %s at %s not present on board", name, loc)
		}
		if err := c.register(peripherals.NewGPIOPin(c.dev, name, loc)); err != nil {
			return err
		}
	}
	c.log.Debugw("gpio pins", "count", len(names))
	return nil
}

// PopulateLEDs builds LEDs 0..N-1 for the descriptor's LED count. The device
// must drive at least that many channels.
func PopulateLEDs(ctx context.Context, c *Connection) error {
	if err := c.requireBase("leds"); err != nil {
		return err
	}
	want := c.family.LEDs
	if want == 0 {
		return nil
	}
	if caps, err := c.capabilities(ctx); err == nil && !caps.Has(types.APILEDs) {
		c.log.Warnw("firmware does not list the leds api", "leds", want)
	}
	have, err := c.dev.LEDChannels(ctx)
	if err != nil {
		return errcode.Wrap(errcode.TransportError, "leds", err)
	}
	if have < want {
		return errcode.Newf(errcode.PeripheralConstructionFailed, "leds",
			"insufficient peripheral count: board drives %d LEDs, family %s declares %d", have, c.family.Name, want)
	}
	for i := 0; i < want; i++ {
		if err := c.register(peripherals.NewLED(c.dev, i)); err != nil {
			return err
		}
	}
	c.log.Debugw("leds", "count", want)
	return nil
}

func (c *Connection) requireBase(op string) error {
	switch st := c.State(); st {
	case StateBaseReady:
		return nil
	case StateInitializing:
		return errcode.Newf(errcode.BaseNotInitialized, op, "board %s: base hook has not run", c.Name())
	default:
		return errcode.Newf(errcode.NotReady, op, "board %s is %s", c.Name(), st)
	}
}
