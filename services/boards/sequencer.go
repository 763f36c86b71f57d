package boards

import (
	"context"

	"cynthion-go/errcode"
	"cynthion-go/types"
)

// Initialize runs the family initializer once. It either leaves the
// connection fully initialized or failed with no peripherals; a second call
// fails without touching the peripheral registry.
func (c *Connection) Initialize(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	if st != StateIdentified {
		c.mu.Unlock()
		code := errcode.AlreadyInitialized
		if st == StateClosed {
			code = errcode.Closed
		}
		return errcode.Newf(code, "initialize", "board %s is %s", c.Name(), st)
	}
	c.state = StateInitializing
	c.mu.Unlock()

	c.log.Debugw("initializing", "version", c.Version().String())

	err := c.family.initializer()(ctx, c)
	if err == nil && c.State() != StateBaseReady {
		err = errcode.New(errcode.BaseNotInitialized, "initialize", "initializer skipped the base hook")
	}
	if err != nil {
		if derr := c.dropPeripherals(); derr != nil {
			c.log.Warnw("closing peripherals after failure", "error", derr)
		}
		if !c.setState(StateFailed, err) {
			return c.closedDuringInit(err)
		}
		c.log.Errorw("initialization failed", "error", err)
		return &errcode.E{C: errcode.Of(err), Op: "initialize", Msg: "board " + c.Name(), Err: err}
	}

	if !c.setState(StateReady, nil) {
		if derr := c.dropPeripherals(); derr != nil {
			c.log.Warnw("closing peripherals after close", "error", derr)
		}
		return c.closedDuringInit(nil)
	}
	c.log.Infow("board ready",
		"leds", c.Count(types.KindLED),
		"gpio", c.Count(types.KindGPIO),
		"interfaces", c.Count(types.KindInterface)+c.Count(types.KindI2C))
	return nil
}

// InitializeBase is the base hook: it reads the capability set and builds
// the simple interfaces. It takes no capability gate and must run first in
// every initializer.
func (c *Connection) InitializeBase(ctx context.Context) error {
	if st := c.State(); st != StateInitializing {
		code := errcode.NotReady
		if st == StateBaseReady {
			code = errcode.AlreadyInitialized
		}
		return errcode.Newf(code, "initialize base", "board %s is %s", c.Name(), st)
	}
	if _, err := c.capabilities(ctx); err != nil {
		return err
	}
	if err := PopulateSimpleInterfaces(ctx, c); err != nil {
		return err
	}
	if !c.setState(StateBaseReady, nil) {
		return errcode.Newf(errcode.Closed, "initialize base", "board %s is closed", c.Name())
	}
	return nil
}

func (c *Connection) closedDuringInit(cause error) error {
	c.log.Infow("closed during initialization", "error", cause)
	return &errcode.E{C: errcode.Closed, Op: "initialize", Msg: "board " + c.Name() + " closed during initialization", Err: cause}
}

// StandardInit is the default initializer: base setup, then GPIO when the
// firmware supports it, then LEDs.
//
// LEDs carry no capability gate; a firmware without the leds API fails in
// PopulateLEDs through the channel count rather than being skipped.
func StandardInit(ctx context.Context, c *Connection) error {
	if err := c.InitializeBase(ctx); err != nil {
		return err
	}

	ok, err := c.SupportsAPI(ctx, types.APIGPIO)
	if err != nil {
		return err
	}
	if ok {
		if err := PopulateGPIO(ctx, c); err != nil {
			return err
		}
	} else {
		c.log.Debugw("gpio api absent, skipping pin mappings")
	}

	return PopulateLEDs(ctx, c)
}
