// Command tensorpool-ctl is a diagnostic CLI with no equivalent in the
// original implementation: it requests supervisor stats over the bus and
// prints the result as JSON, either pretty-printed in full or narrowed to
// one field with --query.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/urfave/cli"

	"github.com/tensorpool/tensorpool/bus"
	"github.com/tensorpool/tensorpool/internal/idgen"
	"github.com/tensorpool/tensorpool/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "tensorpool-ctl"
	app.Usage = "query supervisor stats"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bus, b", Value: "ws://127.0.0.1:7700/", Usage: "bus endpoint to dial"},
		cli.StringFlag{Name: "channel", Value: "announce", Usage: "channel the supervisor listens on"},
		cli.StringFlag{Name: "query, q", Usage: "gjson path to extract a single field instead of the whole blob"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := bus.Dial(ctx, c.String("bus"), nil)
	if err != nil {
		return errors.Wrap(err, "dial bus")
	}
	defer b.Close()

	channel := c.String("channel")
	if err := b.Subscribe(channel); err != nil {
		return errors.Wrap(err, "subscribe")
	}

	resp, err := requestStats(ctx, b, channel)
	if err != nil {
		return errors.Wrap(err, "request stats")
	}

	blob, err := json.Marshal(map[string]uint64{
		"hello_count":        resp.HelloCount,
		"config_count":       resp.ConfigCount,
		"qos_consumer_count": resp.QOSConsumerCount,
		"qos_producer_count": resp.QOSProducerCount,
		"announce_count":     resp.AnnounceCount,
		"metadata_count":     resp.MetadataCount,
	})
	if err != nil {
		return errors.Wrap(err, "marshal stats")
	}

	if q := c.String("query"); q != "" {
		fmt.Println(gjson.GetBytes(blob, q).String())
		return nil
	}
	os.Stdout.Write(pretty.Pretty(blob))
	return nil
}

func requestStats(ctx context.Context, b bus.Bus, channel string) (*wire.StatsResponse, error) {
	corrID := idgen.NextCorrelationID()
	req := &wire.StatsRequest{CorrelationID: corrID}
	if err := b.Publish(ctx, channel, req.Encode()); err != nil {
		return nil, errors.Wrap(err, "publish stats request")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := b.DoWork(ctx); err != nil {
			return nil, err
		}
		for {
			_, frame, ok := b.Poll()
			if !ok {
				break
			}
			templateID, ok := wire.PeekTemplate(frame)
			if !ok || templateID != wire.TemplateStatsResponse {
				continue
			}
			resp, err := wire.DecodeStatsResponse(frame)
			if err != nil {
				continue
			}
			if resp.CorrelationID != corrID {
				continue
			}
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil, errors.New("stats request timed out")
}
