// Command boardtest attaches the first board it finds and exercises it through
// the HAL: LEDs are walked up and down, input pins must report a level, and
// the result is flashed on led0.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"cynthion-go/bus"
	"cynthion-go/peripherals"
	"cynthion-go/services/boards"
	"cynthion-go/services/config"
	"cynthion-go/services/hal"
	"cynthion-go/transport"
	"cynthion-go/transport/fake"
	"cynthion-go/transport/usb"
	"cynthion-go/types"
)

// ---------- Configuration ----------

const (
	readyTimeout   = 5 * time.Second
	requestTimeout = time.Second

	// Sequencing timing
	stepDelayUp   = 150 * time.Millisecond
	stepDelayDown = 150 * time.Millisecond
	dwellUp       = time.Second
	dwellDown     = time.Second

	// Retained input state must arrive within this window.
	stateWait = 200 * time.Millisecond
)

// ---------- Topics ----------

func tLED(board string, i int, method string) bus.Topic {
	return hal.ControlTopic(board, fmt.Sprintf("led%d", i), method)
}

// ---------- Run ----------

type tester struct {
	ui    *bus.Connection
	board string
	leds  int
	log   *zap.SugaredLogger

	inputs []string
}

func (t *tester) led(ctx context.Context, i int, on bool) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	m, err := t.ui.Request(ctx, tLED(t.board, i, "set"), map[string]any{"on": on})
	if err != nil {
		return errors.Wrapf(err, "led%d", i)
	}
	if r, ok := m.Payload.(types.ControlReply); ok && !r.OK {
		return errors.Errorf("led%d: %s %s", i, r.Error, r.Detail)
	}
	return nil
}

// cycle walks the LEDs up then down and reports what failed.
func (t *tester) cycle(ctx context.Context) []string {
	var fails []string
	step := func(i int, on bool, d time.Duration) {
		if err := t.led(ctx, i, on); err != nil {
			fails = append(fails, err.Error())
		}
		sleep(ctx, d)
	}

	for i := 0; i < t.leds; i++ {
		step(i, true, stepDelayUp)
	}
	sleep(ctx, dwellUp)
	for i := t.leds - 1; i >= 0; i-- {
		step(i, false, stepDelayDown)
	}
	sleep(ctx, dwellDown)

	for _, name := range t.inputs {
		if !t.inputLive(ctx, name) {
			fails = append(fails, "no level from input "+name)
		}
	}
	return fails
}

// inputLive reports whether the HAL holds a sampled level for the pin.
func (t *tester) inputLive(ctx context.Context, name string) bool {
	sub := t.ui.Subscribe(hal.CapTopic(t.board, name, hal.TokState))
	defer t.ui.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(ctx, stateWait)
	defer cancel()
	select {
	case m := <-sub.Channel():
		st, ok := m.Payload.(types.CapState)
		return ok && st.Link == types.LinkUp && st.Level != nil
	case <-ctx.Done():
		return false
	}
}

// flash signals the verdict: double short for pass, single long for fail.
func (t *tester) flash(ctx context.Context, pass bool) {
	if t.leds == 0 {
		return
	}
	if pass {
		for i := 0; i < 2; i++ {
			_ = t.led(ctx, 0, true)
			sleep(ctx, 120*time.Millisecond)
			_ = t.led(ctx, 0, false)
			sleep(ctx, 200*time.Millisecond)
		}
		return
	}
	_ = t.led(ctx, 0, true)
	sleep(ctx, 400*time.Millisecond)
	_ = t.led(ctx, 0, false)
	sleep(ctx, 200*time.Millisecond)
}

// ---------- Helpers ----------

func waitReady(ctx context.Context, c *bus.Connection, d time.Duration) (string, bool) {
	sub := c.Subscribe(boards.AllStates())
	defer c.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for {
		select {
		case m := <-sub.Channel():
			if st, ok := m.Payload.(types.BoardState); ok && st.Level == types.LevelReady {
				name, _ := m.Topic[1].(string)
				return name, true
			}
		case <-ctx.Done():
			return "", false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// dryRunDevice stands in for hardware: a Moondancer-mode board with six LEDs.
func dryRunDevice() transport.Device {
	d := fake.New(transport.Identity{BoardID: 0x10, Version: 0x1101, Serial: "dryrun", Path: "fake:0"},
		types.APICore, types.APILEDs)
	d.LEDs = 6
	return d
}

// ---------- Main ----------

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	log := zl.Sugar().Named("boardtest")
	defer func() { _ = log.Sync() }()

	reg, err := config.NewConfigService(c.String("config"), log).Load()
	if err != nil {
		return err
	}

	// Local bus and connections
	b := bus.NewBus(16)
	ui := b.NewConnection("ui")
	mgr := boards.NewManager(reg, boards.WithLogger(log), boards.WithBus(b.NewConnection("boards")))
	defer func() { _ = mgr.Close() }()

	go hal.Run(ctx, b.NewConnection("hal"), mgr, hal.WithLogger(log))

	var devs []transport.Device
	if c.Bool("dry-run") {
		devs = []transport.Device{dryRunDevice()}
	} else {
		host := usb.NewHost(usb.WithLogger(log))
		defer host.Close()
		if devs, err = host.Open(ctx); err != nil {
			return err
		}
	}
	if len(devs) == 0 {
		return errors.New("no board attached")
	}
	// Only the first board is exercised.
	for _, d := range devs[1:] {
		_ = d.Close()
	}

	// Subscribe before attaching so the ready state is not missed.
	readyCh := make(chan string, 1)
	go func() {
		name, _ := waitReady(ctx, ui, readyTimeout)
		readyCh <- name
	}()
	conn, err := mgr.Attach(ctx, devs[0])
	if err != nil {
		return err
	}
	if name := <-readyCh; name == "" {
		log.Warnw("ready state not observed; continuing", "board", conn.Name())
	}

	inputs := lo.FilterMap(conn.Peripherals(), func(p peripherals.Peripheral, _ int) (string, bool) {
		g, ok := p.(*peripherals.GPIOPin)
		return p.Name(), ok && g.Direction() == peripherals.DirInput
	})
	t := &tester{ui: ui, board: conn.Name(), leds: len(conn.LEDs()), log: log, inputs: inputs}

	cycles := c.Int("cycles")
	for cycle := 1; cycles == 0 || cycle <= cycles; cycle++ {
		log.Infow("cycle", "n", cycle, "board", t.board, "leds", t.leds, "inputs", len(t.inputs))
		fails := t.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		pass := len(fails) == 0
		if pass {
			log.Infow("PASS", "cycle", cycle)
		} else {
			log.Warnw("FAIL", "cycle", cycle, "problems", fails)
		}
		t.flash(ctx, pass)
	}
	log.Infow("completed", "cycles", cycles)
	return nil
}

func main() {
	app := &cli.App{
		Name:  "boardtest",
		Usage: "exercise an attached board through the HAL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "family table `FILE`"},
			&cli.IntFlag{Name: "cycles", Value: 1, Usage: "cycles to run, 0 loops forever"},
			&cli.BoolFlag{Name: "dry-run", Usage: "use an emulated board instead of USB"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "boardtest:", err)
		os.Exit(1)
	}
}
