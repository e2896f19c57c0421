package driver

import (
	"testing"
	"time"

	"github.com/tensorpool/tensorpool/config"
	"github.com/tensorpool/tensorpool/wire"
)

func testConfig(t *testing.T, keepaliveMs uint64, grace uint32) *config.Config {
	t.Helper()
	return &config.Config{
		InstanceID:     "test",
		ControlChannel: "control",
		SHM: config.ShmConfig{
			Namespace:       "test",
			PermissionsMode: "0600",
			AllowedBaseDirs: []string{t.TempDir()},
		},
		Policies: config.PoliciesConfig{
			AllowDynamicStreams:      true,
			DefaultProfile:           "default",
			LeaseKeepaliveIntervalMs: keepaliveMs,
			LeaseExpiryGraceIntervals: grace,
		},
		Profiles: map[string]config.ProfileConfig{
			"default": {
				HeaderNslots: 4,
				PayloadPools: []config.PayloadPoolConfig{{PoolID: 1, StrideBytes: 128}},
			},
		},
		Streams: map[string]config.StreamConfig{},
	}
}

func TestAttachCreatesStreamAndIssuesLease(t *testing.T) {
	d := New(testConfig(t, 1000, 3), nil, nil)
	now := time.Unix(0, 0)

	req := &wire.AttachRequest{CorrelationID: 1, StreamID: 42, ClientID: 7, Role: wire.RoleProducer, PublishMode: wire.PublishExistingOrCreate, DesiredNodeID: -1}
	resp := d.Attach(req, now)

	if resp.Code != wire.CodeOK {
		t.Fatalf("code = %v, want OK (%s)", resp.Code, resp.ErrorMessage)
	}
	if resp.LeaseID == 0 {
		t.Fatalf("expected nonzero lease id")
	}
	if resp.HeaderNslots != 4 {
		t.Fatalf("header_nslots = %d, want 4", resp.HeaderNslots)
	}
	if len(resp.Pools) != 1 || resp.Pools[0].StrideBytes != 128 {
		t.Fatalf("pools = %+v", resp.Pools)
	}
	if resp.HeaderRegionURI == "" {
		t.Fatalf("expected a header region uri")
	}
}

func TestAttachRequireExistingFailsForUnknownStream(t *testing.T) {
	d := New(testConfig(t, 1000, 3), nil, nil)
	req := &wire.AttachRequest{CorrelationID: 1, StreamID: 99, Role: wire.RoleConsumer, PublishMode: wire.PublishRequireExisting, DesiredNodeID: -1}
	resp := d.Attach(req, time.Unix(0, 0))
	if resp.Code != wire.CodeStreamNotFound {
		t.Fatalf("code = %v, want STREAM_NOT_FOUND", resp.Code)
	}
}

func TestAttachRejectsLayoutMismatch(t *testing.T) {
	d := New(testConfig(t, 1000, 3), nil, nil)
	req := &wire.AttachRequest{CorrelationID: 1, StreamID: 1, Role: wire.RoleProducer, PublishMode: wire.PublishExistingOrCreate, ExpectedLayoutVersion: 99, DesiredNodeID: -1}
	resp := d.Attach(req, time.Unix(0, 0))
	if resp.Code != wire.CodeLayoutMismatch {
		t.Fatalf("code = %v, want LAYOUT_MISMATCH", resp.Code)
	}
}

// TestLeaseExpiry is spec.md §8 scenario 6: keepalive_interval=1s, grace=3,
// attach at t=0, last keepalive at t=1s (expiry = 1s + 3×1s = 4s). At
// t=4s+ε the lease is expired and a sweep revokes it.
func TestLeaseExpiry(t *testing.T) {
	d := New(testConfig(t, 1000, 3), nil, nil)
	t0 := time.Unix(0, 0)

	req := &wire.AttachRequest{CorrelationID: 1, StreamID: 7, ClientID: 99, Role: wire.RoleProducer, PublishMode: wire.PublishExistingOrCreate, DesiredNodeID: -1}
	resp := d.Attach(req, t0)
	if resp.Code != wire.CodeOK {
		t.Fatalf("attach failed: %s", resp.ErrorMessage)
	}
	if err := d.Keepalive(&wire.Keepalive{LeaseID: resp.LeaseID}, t0.Add(time.Second)); err != nil {
		t.Fatalf("keepalive at t=1s: %v", err)
	}

	beforeExpiry := t0.Add(3500 * time.Millisecond)
	if revoked := d.SweepExpiredLeases(beforeExpiry); len(revoked) != 0 {
		t.Fatalf("lease revoked too early: %+v", revoked)
	}

	afterExpiry := t0.Add(4*time.Second + time.Millisecond)
	revoked := d.SweepExpiredLeases(afterExpiry)
	if len(revoked) != 1 {
		t.Fatalf("expected exactly one revoked lease, got %d", len(revoked))
	}
	ev := revoked[0]
	if ev.LeaseID != resp.LeaseID || ev.StreamID != 7 || ev.ClientID != 99 || ev.Role != wire.RoleProducer || ev.Reason != wire.RevokeExpired {
		t.Fatalf("unexpected revocation event: %+v", ev)
	}
}

func TestKeepaliveRenewsLease(t *testing.T) {
	d := New(testConfig(t, 1000, 3), nil, nil)
	t0 := time.Unix(0, 0)
	req := &wire.AttachRequest{CorrelationID: 1, StreamID: 7, Role: wire.RoleConsumer, PublishMode: wire.PublishExistingOrCreate, DesiredNodeID: -1}
	resp := d.Attach(req, t0)

	if err := d.Keepalive(&wire.Keepalive{LeaseID: resp.LeaseID}, t0.Add(3500*time.Millisecond)); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if revoked := d.SweepExpiredLeases(t0.Add(4 * time.Second)); len(revoked) != 0 {
		t.Fatalf("lease revoked despite keepalive: %+v", revoked)
	}
}

// TestEpochGCRecreatesRegionsAndStaysAttachable guards against epoch GC
// bumping s.epoch without recreating the region files: a stream must
// remain attachable, with its URI and epoch in sync, after a GC sweep.
func TestEpochGCRecreatesRegionsAndStaysAttachable(t *testing.T) {
	cfg := testConfig(t, 1000, 3)
	cfg.Policies.EpochGCEnabled = true
	d := New(cfg, nil, nil)
	t0 := time.Unix(0, 0)

	req := &wire.AttachRequest{CorrelationID: 1, StreamID: 7, ClientID: 1, Role: wire.RoleProducer, PublishMode: wire.PublishExistingOrCreate, DesiredNodeID: -1}
	resp := d.Attach(req, t0)
	if resp.Code != wire.CodeOK {
		t.Fatalf("attach failed: %s", resp.ErrorMessage)
	}
	firstURI := resp.HeaderRegionURI

	detachResp := d.Detach(&wire.DetachRequest{CorrelationID: 2, LeaseID: resp.LeaseID}, t0)
	if !detachResp.OK {
		t.Fatalf("detach failed")
	}

	if err := d.SweepEpochGC(t0); err != nil {
		t.Fatalf("SweepEpochGC: %v", err)
	}

	req2 := &wire.AttachRequest{CorrelationID: 3, StreamID: 7, ClientID: 2, Role: wire.RoleConsumer, PublishMode: wire.PublishRequireExisting, DesiredNodeID: -1}
	resp2 := d.Attach(req2, t0)
	if resp2.Code != wire.CodeOK {
		t.Fatalf("attach after epoch gc: code = %v (%s)", resp2.Code, resp2.ErrorMessage)
	}
	if resp2.Epoch != 2 {
		t.Fatalf("epoch = %d, want 2", resp2.Epoch)
	}
	if resp2.HeaderRegionURI == "" || resp2.HeaderRegionURI == firstURI {
		t.Fatalf("header_region_uri = %q, want a fresh epoch-2 uri (first was %q)", resp2.HeaderRegionURI, firstURI)
	}
	if len(resp2.Pools) != 1 || resp2.Pools[0].URI == "" {
		t.Fatalf("pools after epoch gc = %+v", resp2.Pools)
	}
}

func TestDetachReleasesLease(t *testing.T) {
	d := New(testConfig(t, 1000, 3), nil, nil)
	t0 := time.Unix(0, 0)
	req := &wire.AttachRequest{CorrelationID: 1, StreamID: 7, Role: wire.RoleConsumer, PublishMode: wire.PublishExistingOrCreate, DesiredNodeID: -1}
	resp := d.Attach(req, t0)

	detachResp := d.Detach(&wire.DetachRequest{CorrelationID: 2, LeaseID: resp.LeaseID}, t0)
	if !detachResp.OK {
		t.Fatalf("detach failed")
	}
	if err := d.Keepalive(&wire.Keepalive{LeaseID: resp.LeaseID}, t0); err == nil {
		t.Fatalf("keepalive on detached lease should fail")
	}
}
