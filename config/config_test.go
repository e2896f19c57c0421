package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tensorpool.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validConfig = `
instance_id = "driver-1"
aeron_dir = "/tmp/tensorpool-aeron"
control_channel = "aeron:udp?endpoint=localhost:20000"
control_stream_id = 1000

[shm]
base_dir = "/dev/shm/tensorpool"
namespace = "default"
allowed_base_dirs = ["/dev/shm/tensorpool"]

[policies]
lease_keepalive_interval_ms = 1000
lease_expiry_grace_intervals = 3

[profiles.default]
header_nslots = 4

[[profiles.default.payload_pools]]
pool_id = 1
stride_bytes = 128

[streams.market_data]
stream_id = 10000
profile = "default"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.InstanceID != "driver-1" {
		t.Fatalf("instance_id = %q", c.InstanceID)
	}
	prof, ok := c.Profiles["default"]
	if !ok || prof.HeaderNslots != 4 {
		t.Fatalf("unexpected profile: %+v, ok=%v", prof, ok)
	}
	stream, ok := c.Streams["market_data"]
	if !ok || stream.StreamID != 10000 {
		t.Fatalf("unexpected stream: %+v, ok=%v", stream, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateRejectsNonPowerOfTwoNslots(t *testing.T) {
	path := writeTempConfig(t, `
[profiles.default]
header_nslots = 5
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for non-power-of-two header_nslots")
	}
}

func TestValidateRejectsBadStrideBytes(t *testing.T) {
	path := writeTempConfig(t, `
[profiles.default]
header_nslots = 4

[[profiles.default.payload_pools]]
pool_id = 1
stride_bytes = 100
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for stride_bytes not a multiple of 64")
	}
}

func TestValidateRejectsDuplicateStreamID(t *testing.T) {
	path := writeTempConfig(t, `
[streams.a]
stream_id = 10000

[streams.b]
stream_id = 10000
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for duplicate stream_id")
	}
}

func TestValidateRejectsDuplicatePoolID(t *testing.T) {
	path := writeTempConfig(t, `
[profiles.default]
header_nslots = 4

[[profiles.default.payload_pools]]
pool_id = 1
stride_bytes = 64

[[profiles.default.payload_pools]]
pool_id = 1
stride_bytes = 128
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for duplicate pool_id")
	}
}

func TestPermissionsFileMode(t *testing.T) {
	s := ShmConfig{PermissionsMode: "0640"}
	mode, err := s.PermissionsFileMode()
	if err != nil {
		t.Fatalf("PermissionsFileMode: %v", err)
	}
	if mode != 0o640 {
		t.Fatalf("mode = %o, want 0640", mode)
	}

	def := ShmConfig{}
	mode, err = def.PermissionsFileMode()
	if err != nil {
		t.Fatalf("PermissionsFileMode default: %v", err)
	}
	if mode != 0o600 {
		t.Fatalf("default mode = %o, want 0600", mode)
	}
}
