package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/tensorpool/tensorpool/bus"
	"github.com/tensorpool/tensorpool/config"
	"github.com/tensorpool/tensorpool/driver"
	"github.com/tensorpool/tensorpool/tplog"
)

func main() {
	app := cli.NewApp()
	app.Name = "tensorpool-driverd"
	app.Usage = "attach/lease driver for shared-memory tensor streams"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Value: "driver.toml", Usage: "path to driver config"},
		cli.StringFlag{Name: "bus, b", Value: "ws://127.0.0.1:7700/", Usage: "bus endpoint to dial"},
		cli.BoolFlag{Name: "listen", Usage: "run as the bus server instead of dialing one"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := tplog.New(os.Stderr, "tensorpool-driverd")

	cfgPath := c.String("config")
	cfg, err := config.LoadWithEnv(cfgPath)
	if err != nil {
		return errors.Wrapf(err, "load config %s", cfgPath)
	}

	var b bus.Bus
	if c.Bool("listen") {
		addr := c.String("bus")
		srv, err := bus.Local(addr, logger)
		if err != nil {
			return errors.Wrap(err, "start bus listener")
		}
		defer srv.Close()
		logger.Infof("bus listening on %s", srv.Addr())
		client, err := bus.Dial(context.Background(), "ws://"+srv.Addr()+"/", logger)
		if err != nil {
			return errors.Wrap(err, "dial local bus")
		}
		b = client
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := bus.Dial(ctx, c.String("bus"), logger)
		if err != nil {
			return errors.Wrap(err, "dial bus")
		}
		b = client
	}

	d := driver.New(cfg, b, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Infof("driver %s starting", cfg.InstanceID)
	if err := d.Run(ctx); err != nil {
		return errors.Wrap(err, "driver run")
	}
	logger.Infof("driver stopped")
	return nil
}
