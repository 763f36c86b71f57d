package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cynthion-go/bus"
	"cynthion-go/errcode"
	"cynthion-go/services/boards"
	"cynthion-go/services/bridge"
	"cynthion-go/services/config"
	"cynthion-go/services/hal"
	"cynthion-go/services/heartbeat"
	"cynthion-go/transport"
	"cynthion-go/transport/usb"
	"cynthion-go/types"
)

const rescanInterval = 3 * time.Second

func openHost(c *cli.Context, log *zap.SugaredLogger) *usb.Host {
	return usb.NewHost(
		usb.WithIDs(gousb.ID(c.Uint(flagVendorID)), gousb.ID(c.Uint(flagProductID))),
		usb.WithLogger(log.Named("usb")),
		usb.WithRetry(c.Uint(flagOpenRetries), 250*time.Millisecond),
	)
}

func loadRegistry(c *cli.Context, log *zap.SugaredLogger) (*boards.Registry, error) {
	reg, err := config.NewConfigService(c.String(flagConfig), log).Load()
	return reg, errors.Wrap(err, "loading family table")
}

func familiesAction(c *cli.Context, log *zap.SugaredLogger) error {
	reg, err := loadRegistry(c, log)
	if err != nil {
		return err
	}
	renderFamilies(c.App.Writer, config.Summaries(reg))
	return nil
}

func scanAction(c *cli.Context, log *zap.SugaredLogger) error {
	host := openHost(c, log)
	defer host.Close()

	ids, err := host.Scan()
	if err != nil {
		return err
	}
	renderIdentities(c.App.Writer, ids)
	return nil
}

func initAction(c *cli.Context, log *zap.SugaredLogger) error {
	reg, err := loadRegistry(c, log)
	if err != nil {
		return err
	}
	host := openHost(c, log)
	defer host.Close()

	devs, err := host.Open(c.Context)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return errcode.New(errcode.NoDevice, "init", "no matching device attached")
	}

	mgr := boards.NewManager(reg, boards.WithLogger(log), boards.WithParallelism(c.Int(flagParallel)))
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			log.Warnw("closing boards", "error", cerr)
		}
	}()

	conns, err := mgr.AttachAll(c.Context, devs)
	for _, e := range multierr.Errors(err) {
		log.Errorw("attach failed", "code", errcode.Of(e), "error", e)
	}
	if len(conns) > 0 {
		renderConnections(c.App.Writer, conns)
		renderPeripherals(c.App.Writer, conns)
	}
	return err
}

func serveAction(c *cli.Context, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(32)

	mgr := boards.NewManager(nil,
		boards.WithLogger(log),
		boards.WithBus(b.NewConnection("boards")),
		boards.WithParallelism(c.Int(flagParallel)),
	)
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warnw("closing boards", "error", err)
		}
	}()

	cfgSvc := config.NewConfigService(c.String(flagConfig), log)
	reg, err := cfgSvc.Start(ctx, b.NewConnection("config"), mgr.SetRegistry)
	if err != nil {
		return errors.Wrap(err, "loading family table")
	}
	mgr.SetRegistry(reg)

	halCfg, err := halConfig(c)
	if err != nil {
		return err
	}
	go hal.Run(ctx, b.NewConnection("hal"), mgr, hal.WithLogger(log), hal.WithConfig(halCfg))

	hb := &heartbeat.Service{Fleet: mgr, Log: log.Named("heartbeat"), Cfg: heartbeat.Config{Interval: c.Duration(flagHBInterval)}}
	if err := hb.Start(ctx, b.NewConnection("heartbeat")); err != nil {
		return err
	}

	if addr := c.String(flagBridge); addr != "" {
		network, address, ok := strings.Cut(addr, ":")
		if !ok {
			return errors.Errorf("bridge address %q: want NETWORK:ADDRESS", addr)
		}
		bc := b.NewConnection("bridge")
		go bridge.Start(ctx, bc, log)
		bc.Publish(bc.NewMessage(bus.T("config", "bridge"), bridge.Config{
			Transport: bridge.TransportConfig{Type: network, Address: address},
		}, true))
	}

	if c.Bool(flagWatch) {
		go watchStates(ctx, b.NewConnection("watch"), c.App.Writer)
	}

	host := openHost(c, log)
	defer host.Close()

	log.Infow("serving", "families", reg.Len())
	rejected := map[string]bool{}
	attachNew(ctx, host, mgr, rejected, log)

	tick := time.NewTicker(rescanInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infow("shutting down")
			return nil
		case <-tick.C:
			attachNew(ctx, host, mgr, rejected, log)
		}
	}
}

func halConfig(c *cli.Context) (hal.Config, error) {
	cfg := hal.Config{PollMS: c.Int(flagHALPollMS)}
	for _, v := range c.StringSlice(flagSensor) {
		parts := strings.Split(v, ":")
		if len(parts) != 3 || lo.Contains(parts, "") {
			return cfg, errors.Errorf("--%s %q: want BOARD:BUS:NAME", flagSensor, v)
		}
		cfg.Sensors = append(cfg.Sensors, hal.SensorConfig{Board: parts[0], Bus: parts[1], Type: "aht20", Name: parts[2]})
	}
	return cfg, nil
}

// attachNew opens devices the manager is not yet tracking and attaches them.
// Devices that fail to attach are not retried until they leave the bus.
func attachNew(ctx context.Context, host *usb.Host, mgr *boards.Manager, rejected map[string]bool, log *zap.SugaredLogger) {
	ids, err := host.Scan()
	if err != nil && !errcode.Is(err, errcode.NoDevice) {
		log.Debugw("rescan", "error", err)
		return
	}
	present := lo.SliceToMap(ids, func(id transport.Identity) (string, bool) { return id.Path, true })
	for path := range rejected {
		if !present[path] {
			delete(rejected, path)
		}
	}

	known := lo.SliceToMap(mgr.Connections(), func(c *boards.Connection) (string, bool) {
		return c.Identity().Path, true
	})
	devs, err := host.OpenNew(ctx, func(path string) bool { return known[path] || rejected[path] })
	if err != nil {
		log.Debugw("rescan", "error", err)
		return
	}
	if len(devs) == 0 {
		return
	}
	paths := lo.Map(devs, func(d transport.Device, _ int) string { return d.(*usb.Device).Path() })

	conns, err := mgr.AttachAll(ctx, devs)
	for _, e := range multierr.Errors(err) {
		log.Warnw("attach failed", "code", errcode.Of(e), "error", e)
	}
	attached := lo.Map(conns, func(c *boards.Connection, _ int) string { return c.Identity().Path })
	for _, p := range lo.Without(paths, attached...) {
		rejected[p] = true
	}
}

func watchStates(ctx context.Context, conn *bus.Connection, w io.Writer) {
	sub := conn.Subscribe(boards.AllStates())
	defer conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-sub.Channel():
			st, ok := m.Payload.(types.BoardState)
			if !ok {
				continue
			}
			line := fmt.Sprintf("%s  %-8v %-24s %s", time.UnixMilli(st.TS).Format(time.TimeOnly), m.Topic[1], st.Level, st.Family)
			if st.Error != "" {
				line += "  error=" + st.Error
			}
			fmt.Fprintln(w, line)
		}
	}
}
