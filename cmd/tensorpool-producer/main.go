// Command tensorpool-producer is a reference producer: it attaches to a
// stream, then claims/commits synthetic float32 tensor frames at a fixed
// rate, grounding the original's tools/tp_example_producer.c.
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
	"github.com/tensorpool/tensorpool/internal/idgen"
	"github.com/tensorpool/tensorpool/producer"
	"github.com/tensorpool/tensorpool/shm"
	"github.com/tensorpool/tensorpool/tplog"
	"github.com/tensorpool/tensorpool/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "tensorpool-producer"
	app.Usage = "attach and publish synthetic tensor frames to a stream"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bus, b", Value: "ws://127.0.0.1:7700/", Usage: "bus endpoint to dial"},
		cli.StringFlag{Name: "channel", Value: "control", Usage: "control channel to attach over"},
		cli.IntFlag{Name: "stream-id, s", Value: 1, Usage: "stream id to attach as producer"},
		cli.IntFlag{Name: "elems, n", Value: 8, Usage: "number of float32 elements per frame"},
		cli.DurationFlag{Name: "period", Value: 100 * time.Millisecond, Usage: "interval between frames"},
		cli.StringFlag{Name: "allowed-dir", Value: "/dev/shm/tensorpool", Usage: "base dir the attach response's region uri must live under"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := tplog.New(os.Stderr, "tensorpool-producer")

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

	resp, err := attach(ctx, b, channel, uint32(c.Int("stream-id")), []string{c.String("allowed-dir")})
	if err != nil {
		return errors.Wrap(err, "attach")
	}
	logger.Infof("attached: lease_id=%d epoch=%d header_nslots=%d", resp.LeaseID, resp.Epoch, resp.HeaderNslots)

	headerPath, err := shm.ParseShmFileURI(resp.HeaderRegionURI, []string{c.String("allowed-dir")})
	if err != nil {
		return errors.Wrap(err, "resolve header region uri")
	}
	headerSize := shm.SuperblockBytes + int(resp.HeaderNslots)*wire.HeaderSlotBytes
	headerRegion, err := shm.Open(headerPath, headerSize)
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
		path, err := shm.ParseShmFileURI(pd.URI, []string{c.String("allowed-dir")})
		if err != nil {
			return errors.Wrapf(err, "resolve pool %d uri", pd.PoolID)
		}
		size := shm.SuperblockBytes + int(resp.HeaderNslots)*int(pd.StrideBytes)
		region, err := shm.Open(path, size)
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

	p := producer.New(ring, poolSet)
	nElems := c.Int("elems")
	ticker := time.NewTicker(c.Duration("period"))
	defer ticker.Stop()
	keepaliveTicker := time.NewTicker(time.Second)
	defer keepaliveTicker.Stop()

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepaliveTicker.C:
			if err := b.Publish(ctx, channel, (&wire.Keepalive{LeaseID: resp.LeaseID}).Encode()); err != nil {
				logger.Warnf("keepalive publish: %v", err)
			}
		case <-ticker.C:
			frame++
			length := uint32(nElems * 4)
			claim, err := p.TryClaim(length)
			if err != nil {
				logger.Warnf("try_claim: %v", err)
				continue
			}
			for i := range claim.Payload {
				claim.Payload[i] = byte(frame)
			}
			th := &wire.TensorHeader{
				Dtype:      wire.DtypeFloat32,
				MajorOrder: wire.MajorOrderRow,
				NDims:      1,
				Dims:       [8]int32{int32(nElems)},
			}
			meta := producer.CommitMeta{TimestampNs: uint64(time.Now().UnixNano()), MetaVersion: 1}
			if err := p.Commit(claim, th, meta); err != nil {
				logger.Warnf("commit: %v", err)
				continue
			}
		}
	}
}

func attach(ctx context.Context, b bus.Bus, channel string, streamID uint32, allowedDirs []string) (*wire.AttachResponse, error) {
	corrID := idgen.NextCorrelationID()
	req := &wire.AttachRequest{
		CorrelationID: corrID,
		StreamID:      streamID,
		Role:          wire.RoleProducer,
		PublishMode:   wire.PublishExistingOrCreate,
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
