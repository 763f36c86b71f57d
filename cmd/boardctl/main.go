// Command boardctl inspects and serves Cynthion-class boards attached over USB.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	// Flags.
	flagConfig      = "config"
	flagDebug       = "debug"
	flagWatch       = "watch"
	flagBridge      = "bridge"
	flagParallel    = "parallel"
	flagHBInterval  = "heartbeat-interval"
	flagHALPollMS   = "poll-ms"
	flagSensor      = "aht20"
	flagVendorID    = "vid"
	flagProductID   = "pid"
	flagOpenRetries = "open-retries"
)

func main() {
	var logger *zap.SugaredLogger

	app := &cli.App{
		Name:  "boardctl",
		Usage: "identify, initialize and serve attached boards",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load the board family table from `FILE`",
				EnvVars: []string{"BOARDCTL_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.UintFlag{
				Name:  flagVendorID,
				Usage: "USB vendor id to match",
				Value: 0x1d50,
			},
			&cli.UintFlag{
				Name:  flagProductID,
				Usage: "USB product id to match",
				Value: 0x615b,
			},
			&cli.UintFlag{
				Name:  flagOpenRetries,
				Usage: "attempts when opening devices",
				Value: 3,
			},
		},
		Before: func(c *cli.Context) error {
			l, err := newLogger(c.Bool(flagDebug))
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		After: func(*cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "families",
				Usage: "list the board families in the active table",
				Action: func(c *cli.Context) error {
					return familiesAction(c, logger)
				},
			},
			{
				Name:  "scan",
				Usage: "list matching USB devices without opening them",
				Action: func(c *cli.Context) error {
					return scanAction(c, logger)
				},
			},
			{
				Name:  "init",
				Usage: "attach every matching board and print what was built",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagParallel,
						Usage: "boards initialized concurrently (0 is unbounded)",
						Value: 4,
					},
				},
				Action: func(c *cli.Context) error {
					return initAction(c, logger)
				},
			},
			{
				Name:  "serve",
				Usage: "attach boards and serve them on the local bus until interrupted",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagParallel,
						Usage: "boards initialized concurrently (0 is unbounded)",
						Value: 4,
					},
					&cli.StringFlag{
						Name:  flagBridge,
						Usage: "forward the bus to `NETWORK:ADDRESS` (tcp:host:port or unix:/path)",
					},
					&cli.DurationFlag{
						Name:  flagHBInterval,
						Usage: "interval between liveness probes",
					},
					&cli.IntFlag{
						Name:  flagHALPollMS,
						Usage: "input pin sampling period in milliseconds",
					},
					&cli.StringSliceFlag{
						Name:  flagSensor,
						Usage: "attach an AHT20 as `BOARD:BUS:NAME` (BOARD may be *)",
					},
					&cli.BoolFlag{
						Name:  flagWatch,
						Usage: "print board state changes as they happen",
					},
				},
				Action: func(c *cli.Context) error {
					return serveAction(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "boardctl:", err)
		os.Exit(1)
	}
}
