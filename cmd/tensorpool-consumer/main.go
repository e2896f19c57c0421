// Command tensorpool-consumer is a reference consumer: it attaches to a
// stream read-only, then busy-polls read_frame for newly committed
// sequences and prints decoded frames, grounding the original's
// tools/tp_example_consumer.c.
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
	"github.com/tensorpool/tensorpool/consumer"
	"github.com/tensorpool/tensorpool/internal/idgen"
	"github.com/tensorpool/tensorpool/shm"
	"github.com/tensorpool/tensorpool/tplog"
	"github.com/tensorpool/tensorpool/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "tensorpool-consumer"
	app.Usage = "attach and print committed tensor frames from a stream"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bus, b", Value: "ws://127.0.0.1:7700/", Usage: "bus endpoint to dial"},
		cli.StringFlag{Name: "channel", Value: "control", Usage: "control channel to attach over"},
		cli.IntFlag{Name: "stream-id, s", Value: 1, Usage: "stream id to attach as consumer"},
		cli.DurationFlag{Name: "idle", Value: 5 * time.Millisecond, Usage: "sleep between empty poll rounds"},
		cli.StringFlag{Name: "allowed-dir", Value: "/dev/shm/tensorpool", Usage: "base dir the attach response's region uri must live under"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := tplog.New(os.Stderr, "tensorpool-consumer")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialCtx, cancelDial := context.WithTimeout(ctx, 5*time.Second)
	defer cancelDial()
	b, err := bus.Dial(dialCtx, c.String("bus"), logger)
	if err != nil {
		return errors.Wrap(err, "dial bus")
	}
	defer b.Close()

	channel := c.String("channel")
	if err := b.Subscribe(channel); err != nil {
		return errors.Wrap(err, "subscribe control channel")
	}

	allowedDirs := []string{c.String("allowed-dir")}
	resp, err := attach(ctx, b, channel, uint32(c.Int("stream-id")))
	if err != nil {
		return errors.Wrap(err, "attach")
	}
	logger.Infof("attached: lease_id=%d epoch=%d header_nslots=%d", resp.LeaseID, resp.Epoch, resp.HeaderNslots)

	headerPath, err := shm.ParseShmFileURI(resp.HeaderRegionURI, allowedDirs)
	if err != nil {
		return errors.Wrap(err, "resolve header region uri")
	}
	headerSize := shm.SuperblockBytes + int(resp.HeaderNslots)*wire.HeaderSlotBytes
	headerRegion, err := shm.OpenReadOnly(headerPath, headerSize)
	if err != nil {
		return errors.Wrap(err, "open header region")
	}
	defer headerRegion.Close()
	ring, err := shm.NewHeaderRing(headerRegion, resp.HeaderNslots)
	if err != nil {
		return errors.Wrap(err, "wrap header ring")
	}

	pools := make([]*shm.Pool, 0, len(resp.Pools))
	for _, pd := range resp.Pools {
		path, err := shm.ParseShmFileURI(pd.URI, allowedDirs)
		if err != nil {
			return errors.Wrapf(err, "resolve pool %d uri", pd.PoolID)
		}
		size := shm.SuperblockBytes + int(resp.HeaderNslots)*int(pd.StrideBytes)
		region, err := shm.OpenReadOnly(path, size)
		if err != nil {
			return errors.Wrapf(err, "open pool %d region", pd.PoolID)
		}
		defer region.Close()
		pool, err := shm.NewPool(region, pd.PoolID, resp.HeaderNslots, pd.StrideBytes)
		if err != nil {
			return errors.Wrapf(err, "wrap pool %d", pd.PoolID)
		}
		pools = append(pools, pool)
	}
	poolSet, err := shm.NewPoolSet(pools, 0)
	if err != nil {
		return errors.Wrap(err, "build pool set")
	}

	reader := consumer.New(ring, poolSet)
	idle := c.Duration("idle")

	var nextSeq uint64 = 1
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		index := ring.Index(nextSeq)
		frame, status, err := reader.ReadFrame(nextSeq, index)
		switch status {
		case consumer.Ready:
			fmt.Printf("seq=%d dtype=%v ndims=%d payload_len=%d timestamp_ns=%d\n",
				nextSeq, frame.TensorHeader.Dtype, frame.TensorHeader.NDims, frame.PayloadLen, frame.TimestampNs)
			nextSeq++
		case consumer.StatusError:
			logger.Errorf("read_frame(%d): %v", nextSeq, err)
			time.Sleep(idle)
		case consumer.NotReady:
			time.Sleep(idle)
		}
	}
}

func attach(ctx context.Context, b bus.Bus, channel string, streamID uint32) (*wire.AttachResponse, error) {
	corrID := idgen.NextCorrelationID()
	req := &wire.AttachRequest{
		CorrelationID: corrID,
		StreamID:      streamID,
		Role:          wire.RoleConsumer,
		PublishMode:   wire.PublishRequireExisting,
		DesiredNodeID: -1,
	}
	if err := b.Publish(ctx, channel, req.Encode()); err != nil {
		return nil, errors.Wrap(err, "publish attach request")
	}

	deadline := time.Now().Add(5 * time.Second)
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
			if !ok || templateID != wire.TemplateAttachResponse {
				continue
			}
			resp, err := wire.DecodeAttachResponse(frame)
			if err != nil {
				continue
			}
			if resp.CorrelationID != corrID {
				continue
			}
			if resp.Code != wire.CodeOK {
				return nil, errors.Errorf("attach failed: %v: %s", resp.Code, resp.ErrorMessage)
			}
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil, errors.New("attach timed out waiting for ATTACH_RESPONSE")
}
