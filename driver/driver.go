package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tensorpool/tensorpool/bus"
	"github.com/tensorpool/tensorpool/config"
	"github.com/tensorpool/tensorpool/shm"
	"github.com/tensorpool/tensorpool/tperr"
	"github.com/tensorpool/tensorpool/tplog"
	"github.com/tensorpool/tensorpool/wire"
)

const layoutVersion uint32 = 1

// streamState is the driver's view of one live stream: its current
// epoch's regions, opened once per epoch and replaced wholesale by
// epoch GC (spec.md §4.6 "Epoch GC").
type streamState struct {
	streamID uint32
	profile  string
	epoch    uint64

	headerRegion *shm.Region
	headerRing   *shm.HeaderRing
	headerURI    string

	poolRegions map[uint16]*shm.Region
	pools       *shm.PoolSet
	poolURIs    map[uint16]string

	baseDir string
}

// Driver implements the attach/lease lifecycle for every configured (or
// dynamically created) stream (spec.md §4.6 component G/H).
type Driver struct {
	cfg *config.Config
	log *tplog.Logger
	bus bus.Bus

	leases   *LeaseTable
	nodeIDs  *nodeIDAllocator
	cooldown time.Duration

	mu      sync.Mutex
	streams map[uint32]*streamState
}

// New builds a Driver. b may be nil for tests that only exercise Attach
// directly; Run requires a non-nil bus.
func New(cfg *config.Config, b bus.Bus, logger *tplog.Logger) *Driver {
	if logger == nil {
		logger = tplog.Discard()
	}
	cooldown := time.Duration(cfg.Policies.NodeIDReuseCooldownMs) * time.Millisecond
	if cooldown == 0 {
		cooldown = time.Second
	}
	return &Driver{
		cfg:     cfg,
		log:     logger.With("driver"),
		bus:     b,
		leases:  NewLeaseTable(),
		nodeIDs: newNodeIDAllocator(cooldown),
		streams: make(map[uint32]*streamState),
	}
}

// resolveStream finds or (per publish_mode) creates the stream state for
// streamID, allocating fresh region files the first time a stream is
// seen.
func (d *Driver) resolveStream(streamID uint32, publishMode wire.PublishMode) (*streamState, wire.AttachCode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.streams[streamID]; ok {
		return s, wire.CodeOK, nil
	}
	if publishMode == wire.PublishRequireExisting {
		return nil, wire.CodeStreamNotFound, tperr.New(tperr.NotReady, "stream %d not found", streamID)
	}

	profileName, profile, err := d.profileForStream(streamID)
	if err != nil {
		return nil, wire.CodeInvalidArgument, err
	}

	baseDir, err := pickBaseDir(streamID, d.cfg.SHM.AllowedBaseDirs)
	if err != nil {
		return nil, wire.CodeInternal, err
	}

	s, err := d.createStreamRegions(streamID, profileName, profile, baseDir, 1)
	if err != nil {
		return nil, wire.CodeInternal, err
	}
	d.streams[streamID] = s
	return s, wire.CodeOK, nil
}

func (d *Driver) profileForStream(streamID uint32) (string, config.ProfileConfig, error) {
	for name, s := range d.cfg.Streams {
		if s.StreamID == streamID {
			profile, ok := d.cfg.Profiles[s.Profile]
			if !ok {
				return "", config.ProfileConfig{}, tperr.New(tperr.InvalidArgument, "stream %q references unknown profile %q", name, s.Profile)
			}
			return s.Profile, profile, nil
		}
	}
	if !d.cfg.Policies.AllowDynamicStreams {
		return "", config.ProfileConfig{}, tperr.New(tperr.InvalidArgument, "stream %d not preconfigured and dynamic streams are disallowed", streamID)
	}
	profile, ok := d.cfg.Profiles[d.cfg.Policies.DefaultProfile]
	if !ok {
		return "", config.ProfileConfig{}, tperr.New(tperr.InvalidArgument, "no default_profile configured for dynamic stream %d", streamID)
	}
	return d.cfg.Policies.DefaultProfile, profile, nil
}

func (d *Driver) createStreamRegions(streamID uint32, profileName string, profile config.ProfileConfig, baseDir string, epoch uint64) (*streamState, error) {
	mode, err := d.cfg.SHM.PermissionsFileMode()
	if err != nil {
		return nil, err
	}
	opts := shm.CreateOptions{PermissionsMode: mode, Prefault: d.cfg.Policies.PrefaultSHM, Mlock: d.cfg.Policies.MlockSHM}

	dir := filepath.Join(baseDir, d.cfg.SHM.Namespace, fmt.Sprintf("%d", streamID), fmt.Sprintf("epoch-%d", epoch))

	headerPath := filepath.Join(dir, "header")
	headerSize := shm.SuperblockBytes + int(profile.HeaderNslots)*wire.HeaderSlotBytes
	headerRegion, err := shm.Create(headerPath, headerSize, opts)
	if err != nil {
		return nil, err
	}
	sb := &shm.Superblock{Magic: shm.Magic, LayoutVersion: layoutVersion, Epoch: epoch, StreamID: streamID, RegionKind: shm.RegionHeaderRing, Nslots: profile.HeaderNslots, SlotBytes: wire.HeaderSlotBytes}
	copy(headerRegion.Bytes(), sb.Encode())
	headerRing, err := shm.NewHeaderRing(headerRegion, profile.HeaderNslots)
	if err != nil {
		headerRegion.Close()
		return nil, err
	}

	poolRegions := make(map[uint16]*shm.Region, len(profile.PayloadPools))
	poolURIs := make(map[uint16]string, len(profile.PayloadPools))
	pools := make([]*shm.Pool, 0, len(profile.PayloadPools))
	for _, pp := range profile.PayloadPools {
		path := filepath.Join(dir, fmt.Sprintf("pool-%d", pp.PoolID))
		size := shm.SuperblockBytes + int(profile.HeaderNslots)*int(pp.StrideBytes)
		region, err := shm.Create(path, size, opts)
		if err != nil {
			headerRegion.Close()
			for _, r := range poolRegions {
				r.Close()
			}
			return nil, err
		}
		poolSb := &shm.Superblock{Magic: shm.Magic, LayoutVersion: layoutVersion, Epoch: epoch, StreamID: streamID, RegionKind: shm.RegionPayloadPool, PoolID: pp.PoolID, Nslots: profile.HeaderNslots, StrideBytes: pp.StrideBytes}
		copy(region.Bytes(), poolSb.Encode())
		pool, err := shm.NewPool(region, pp.PoolID, profile.HeaderNslots, pp.StrideBytes)
		if err != nil {
			region.Close()
			headerRegion.Close()
			return nil, err
		}
		poolRegions[pp.PoolID] = region
		poolURIs[pp.PoolID] = shm.BuildShmFileURI(path)
		pools = append(pools, pool)
	}
	poolSet, err := shm.NewPoolSet(pools, 0)
	if err != nil {
		return nil, err
	}

	return &streamState{
		streamID:     streamID,
		profile:      profileName,
		epoch:        epoch,
		headerRegion: headerRegion,
		headerRing:   headerRing,
		headerURI:    shm.BuildShmFileURI(headerPath),
		poolRegions:  poolRegions,
		pools:        poolSet,
		poolURIs:     poolURIs,
		baseDir:      baseDir,
	}, nil
}

// Attach handles one ATTACH_REQUEST synchronously (the caller is
// responsible for correlating the reply by CorrelationID across whatever
// async transport carries it — spec.md §4.6 "the client correlates
// replies by correlation_id").
func (d *Driver) Attach(req *wire.AttachRequest, now time.Time) *wire.AttachResponse {
	resp := &wire.AttachResponse{CorrelationID: req.CorrelationID}

	if req.ExpectedLayoutVersion != 0 && req.ExpectedLayoutVersion != layoutVersion {
		resp.Code = wire.CodeLayoutMismatch
		resp.ErrorMessage = "layout_version mismatch"
		return resp
	}

	s, code, err := d.resolveStream(req.StreamID, req.PublishMode)
	if err != nil {
		resp.Code = code
		resp.ErrorMessage = err.Error()
		return resp
	}

	var nodeID int32
	if req.DesiredNodeID >= 0 {
		nodeID = req.DesiredNodeID
	} else {
		nodeID = d.nodeIDs.Allocate(now)
	}

	interval := d.cfg.Policies.LeaseKeepaliveIntervalMs * uint64(time.Millisecond)
	grace := d.cfg.Policies.LeaseExpiryGraceIntervals
	if grace == 0 {
		grace = 3
	}
	lease := d.leases.New(req.StreamID, req.ClientID, req.Role, nodeID, uint64(now.UnixNano()), interval, grace)

	resp.Code = wire.CodeOK
	resp.LeaseID = lease.ID
	resp.LeaseExpiryNs = lease.ExpiryNs
	resp.StreamID = s.streamID
	resp.Epoch = s.epoch
	resp.LayoutVersion = layoutVersion
	resp.HeaderNslots = s.headerRing.Nslots()
	resp.HeaderSlotBytes = wire.HeaderSlotBytes
	resp.NodeID = nodeID
	resp.HeaderRegionURI = s.headerURI
	for poolID, uri := range s.poolURIs {
		pool, _ := s.pools.ByID(poolID)
		resp.Pools = append(resp.Pools, wire.PoolDescriptor{PoolID: poolID, StrideBytes: pool.StrideBytes(), URI: uri})
	}
	return resp
}

// Keepalive renews a lease (spec.md §4.6 "Keepalive").
func (d *Driver) Keepalive(k *wire.Keepalive, now time.Time) error {
	_, err := d.leases.Renew(k.LeaseID, uint64(now.UnixNano()))
	return err
}

// Detach releases a lease synchronously (spec.md §4.6 "Detach").
func (d *Driver) Detach(req *wire.DetachRequest, now time.Time) *wire.DetachResponse {
	lease, err := d.leases.Detach(req.LeaseID)
	if err != nil {
		return &wire.DetachResponse{CorrelationID: req.CorrelationID, OK: false}
	}
	d.nodeIDs.Release(lease.NodeID, now)
	return &wire.DetachResponse{CorrelationID: req.CorrelationID, OK: true}
}

// SweepExpiredLeases revokes every lease past its expiry as of now and
// returns the LEASE_REVOKED events to publish for them (spec.md §4.6,
// §8 scenario 6).
func (d *Driver) SweepExpiredLeases(now time.Time) []*wire.LeaseRevoked {
	revoked := d.leases.SweepExpired(uint64(now.UnixNano()))
	events := make([]*wire.LeaseRevoked, 0, len(revoked))
	for _, l := range revoked {
		d.nodeIDs.Release(l.NodeID, now)
		events = append(events, &wire.LeaseRevoked{LeaseID: l.ID, StreamID: l.StreamID, ClientID: l.ClientID, Role: l.Role, Reason: wire.RevokeExpired})
	}
	return events
}

// SweepEpochGC advances the epoch of every stream whose last PRODUCER
// lease ended at least epoch_gc_min_age_ns ago, optionally unlinking and
// recreating region files (spec.md §4.6 "Epoch GC").
func (d *Driver) SweepEpochGC(now time.Time) error {
	if !d.cfg.Policies.EpochGCEnabled {
		return nil
	}
	d.mu.Lock()
	streams := make([]*streamState, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, s)
	}
	d.mu.Unlock()

	for _, s := range streams {
		if len(d.leases.ByStreamRole(s.streamID, wire.RoleProducer)) > 0 {
			continue
		}
		if err := d.advanceEpoch(s); err != nil {
			return err
		}
	}
	return nil
}

// advanceEpoch closes the stream's current regions and recreates them at
// the next epoch (spec.md §4.6 "recreating the region files"), replacing
// d.streams[streamID] in place so the next attach sees the fresh URIs.
func (d *Driver) advanceEpoch(s *streamState) error {
	profile, ok := d.cfg.Profiles[s.profile]
	if !ok {
		return tperr.New(tperr.Internal, "stream %d: profile %q no longer configured", s.streamID, s.profile)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	nextEpoch := s.epoch + 1
	next, err := d.createStreamRegions(s.streamID, s.profile, profile, s.baseDir, nextEpoch)
	if err != nil {
		return tperr.Wrap(tperr.Internal, err, "stream %d: recreate regions for epoch %d", s.streamID, nextEpoch)
	}

	s.headerRegion.Close()
	for _, r := range s.poolRegions {
		r.Close()
	}

	d.streams[s.streamID] = next
	d.log.Infof("stream %d: epoch advanced to %d", s.streamID, nextEpoch)
	return nil
}

// Run drives the driver's bus subscriptions and periodic sweeps until ctx
// is cancelled, fanning one goroutine out per concern and joining them
// with an errgroup (SPEC_FULL §4.12).
func (d *Driver) Run(ctx context.Context) error {
	if d.cfg.Policies.EpochGCOnStartup {
		if err := d.SweepEpochGC(time.Now()); err != nil {
			return err
		}
	}
	if d.bus == nil {
		return tperr.New(tperr.Internal, "driver.Run requires a non-nil bus")
	}
	if err := d.bus.Subscribe(d.cfg.ControlChannel); err != nil {
		return tperr.Wrap(tperr.Internal, err, "subscribe control channel")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.pumpControl(ctx) })
	group.Go(func() error { return d.pumpSweeps(ctx) })
	return group.Wait()
}

func (d *Driver) pumpControl(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.bus.DoWork(ctx); err != nil {
				return err
			}
			for {
				channel, frame, ok := d.bus.Poll()
				if !ok {
					break
				}
				d.dispatch(ctx, channel, frame)
			}
		}
	}
}

func (d *Driver) dispatch(ctx context.Context, channel string, frame []byte) {
	templateID, ok := wire.PeekTemplate(frame)
	if !ok {
		return
	}
	switch templateID {
	case wire.TemplateAttachRequest:
		req, err := wire.DecodeAttachRequest(frame)
		if err != nil {
			d.log.Warnf("dropping malformed attach request: %v", err)
			return
		}
		resp := d.Attach(req, time.Now())
		_ = d.bus.Publish(ctx, channel, resp.Encode())
	case wire.TemplateKeepalive:
		ka, err := wire.DecodeKeepalive(frame)
		if err != nil {
			d.log.Warnf("dropping malformed keepalive: %v", err)
			return
		}
		if err := d.Keepalive(ka, time.Now()); err != nil {
			d.log.Warnf("keepalive for lease %d: %v", ka.LeaseID, err)
		}
	case wire.TemplateDetachRequest:
		req, err := wire.DecodeDetachRequest(frame)
		if err != nil {
			d.log.Warnf("dropping malformed detach request: %v", err)
			return
		}
		resp := d.Detach(req, time.Now())
		_ = d.bus.Publish(ctx, channel, resp.Encode())
	}
}

func (d *Driver) pumpSweeps(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			for _, ev := range d.SweepExpiredLeases(now) {
				if err := d.bus.Publish(ctx, d.cfg.ControlChannel, ev.Encode()); err != nil {
					d.log.Warnf("publish lease_revoked: %v", err)
				}
			}
			if err := d.SweepEpochGC(now); err != nil {
				d.log.Warnf("epoch gc sweep: %v", err)
			}
		}
	}
}

// QoSSink lets a producer-side driver client emit periodic QoS reports
// (SPEC_FULL §10 "QoS messages").
type QoSSink interface {
	ReportProducer(q *wire.QOSProducer) error
	ReportConsumer(q *wire.QOSConsumer) error
}

type busQoSSink struct {
	b       bus.Bus
	channel string
}

// NewQoSSink builds a QoSSink that publishes reports on a bus channel.
func NewQoSSink(b bus.Bus, channel string) QoSSink { return &busQoSSink{b: b, channel: channel} }

func (s *busQoSSink) ReportProducer(q *wire.QOSProducer) error {
	return s.b.Publish(context.Background(), s.channel, q.Encode())
}

func (s *busQoSSink) ReportConsumer(q *wire.QOSConsumer) error {
	return s.b.Publish(context.Background(), s.channel, q.Encode())
}
