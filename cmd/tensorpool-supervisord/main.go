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
	"github.com/tensorpool/tensorpool/supervisor"
	"github.com/tensorpool/tensorpool/tplog"
)

func main() {
	app := cli.NewApp()
	app.Name = "tensorpool-supervisord"
	app.Usage = "consumer registry: HELLO/CONFIG assignment and QoS aggregation"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Value: "driver.toml", Usage: "path to config (uses its [supervisor] block)"},
		cli.StringFlag{Name: "bus, b", Value: "ws://127.0.0.1:7700/", Usage: "bus endpoint to dial"},
		cli.StringFlag{Name: "channel", Value: "announce", Usage: "channel to listen for HELLO/QOS/ANNOUNCE traffic on"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := tplog.New(os.Stderr, "tensorpool-supervisord")

	cfgPath := c.String("config")
	cfg, err := config.LoadWithEnv(cfgPath)
	if err != nil {
		return errors.Wrapf(err, "load config %s", cfgPath)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()
	b, err := bus.Dial(dialCtx, c.String("bus"), logger)
	if err != nil {
		return errors.Wrap(err, "dial bus")
	}
	defer b.Close()

	sup := supervisor.New(cfg.Supervisor, c.String("channel"), b, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Infof("supervisor starting, capacity=%d", cfg.Supervisor.ConsumerCapacity)
	if err := sup.Run(ctx); err != nil {
		return errors.Wrap(err, "supervisor run")
	}
	logger.Infof("supervisor stopped")
	return nil
}
