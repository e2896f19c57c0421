// Package config loads the driver/supervisor configuration surface
// (spec.md §6 "Configuration surface") from TOML, grounded on the
// teacher's feeder/config.Load (a thin github.com/pelletier/go-toml/v2
// wrapper around os.ReadFile), generalized from a flat exchange map to
// the spec's nested policies/profiles/streams structure and a
// godotenv-backed environment-override layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/tensorpool/tensorpool/shm"
	"github.com/tensorpool/tensorpool/tperr"
)

// ShmConfig is the `shm.*` config block (spec.md §6).
type ShmConfig struct {
	BaseDir          string   `toml:"base_dir"`
	Namespace        string   `toml:"namespace"`
	RequireHugepages bool     `toml:"require_hugepages"`
	PageSizeBytes    uint64   `toml:"page_size_bytes"`
	PermissionsMode  string   `toml:"permissions_mode"`
	AllowedBaseDirs  []string `toml:"allowed_base_dirs"`
}

// PoliciesConfig is the `policies.*` config block.
type PoliciesConfig struct {
	AllowDynamicStreams       bool   `toml:"allow_dynamic_streams"`
	DefaultProfile            string `toml:"default_profile"`
	AnnouncePeriodMs          uint64 `toml:"announce_period_ms"`
	LeaseKeepaliveIntervalMs  uint64 `toml:"lease_keepalive_interval_ms"`
	LeaseExpiryGraceIntervals uint32 `toml:"lease_expiry_grace_intervals"`
	PrefaultSHM               bool   `toml:"prefault_shm"`
	MlockSHM                  bool   `toml:"mlock_shm"`
	EpochGCEnabled            bool   `toml:"epoch_gc_enabled"`
	EpochGCKeep               uint32 `toml:"epoch_gc_keep"`
	EpochGCMinAgeNs           uint64 `toml:"epoch_gc_min_age_ns"`
	EpochGCOnStartup          bool   `toml:"epoch_gc_on_startup"`
	NodeIDReuseCooldownMs     uint64 `toml:"node_id_reuse_cooldown_ms"`
}

// PayloadPoolConfig is one entry of `profiles.<name>.payload_pools`.
type PayloadPoolConfig struct {
	PoolID      uint16 `toml:"pool_id"`
	StrideBytes uint32 `toml:"stride_bytes"`
}

// ProfileConfig is one `profiles.<name>` block.
type ProfileConfig struct {
	HeaderNslots uint32              `toml:"header_nslots"`
	PayloadPools []PayloadPoolConfig `toml:"payload_pools"`
}

// StreamConfig is one `streams.<name>` block.
type StreamConfig struct {
	StreamID uint32 `toml:"stream_id"`
	Profile  string `toml:"profile"`
}

// SupervisorConfig is the embedded per-consumer-channel assignment
// surface the supervisor uses to answer HELLO (spec.md §4.7, scenario 5).
type SupervisorConfig struct {
	ConsumerCapacity      uint32 `toml:"consumer_capacity"`
	ConsumerStaleMs       uint64 `toml:"consumer_stale_ms"`
	PerConsumerEnabled    bool   `toml:"per_consumer_enabled"`
	DescriptorBase        uint32 `toml:"descriptor_base"`
	DescriptorRange        uint32 `toml:"descriptor_range"`
	DescriptorChannel      string `toml:"descriptor_channel"`
	ControlBase            uint32 `toml:"control_base"`
	ControlRange            uint32 `toml:"control_range"`
	ControlChannel          string `toml:"control_channel"`
	ForceMode               string `toml:"force_mode"`
	ForceNoSHM              bool   `toml:"force_no_shm"`
	PayloadFallbackURI      string `toml:"payload_fallback_uri"`
}

// Config is the complete driver/supervisor configuration surface
// (spec.md §6 "Configuration surface (driver)").
type Config struct {
	InstanceID string `toml:"instance_id"`
	AeronDir   string `toml:"aeron_dir"`

	ControlChannel    string `toml:"control_channel"`
	ControlStreamID   uint32 `toml:"control_stream_id"`
	AnnounceChannel   string `toml:"announce_channel"`
	AnnounceStreamID  uint32 `toml:"announce_stream_id"`
	QOSChannel        string `toml:"qos_channel"`
	QOSStreamID       uint32 `toml:"qos_stream_id"`

	StreamIDRange             uint32 `toml:"stream_id_range"`
	DescriptorStreamIDRange   uint32 `toml:"descriptor_stream_id_range"`
	ControlStreamIDRange      uint32 `toml:"control_stream_id_range"`

	SHM        ShmConfig                `toml:"shm"`
	Policies   PoliciesConfig           `toml:"policies"`
	Profiles   map[string]ProfileConfig `toml:"profiles"`
	Streams    map[string]StreamConfig  `toml:"streams"`
	Supervisor SupervisorConfig         `toml:"supervisor"`
}

// Load parses path as TOML into a Config and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, tperr.Wrap(tperr.Internal, err, "read config %s", path)
	}
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, tperr.Wrap(tperr.InvalidArgument, err, "parse config %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadWithEnv loads path the way Load does, first applying a sibling
// `.env` file (if present) via godotenv and a documented set of
// TENSORPOOL_* overrides, grounded on the teacher's main.go
// os.Getenv("ALEPH_FEEDER_CONFIG") override pattern generalized to a
// small fixed set of overridable keys.
func LoadWithEnv(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, tperr.Wrap(tperr.Internal, err, "load env file %s", envPath)
		}
	}
	if override := os.Getenv("TENSORPOOL_CONFIG"); override != "" {
		path = override
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("TENSORPOOL_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("TENSORPOOL_SHM_BASE_DIR"); v != "" {
		c.SHM.BaseDir = v
	}
	return c, nil
}

// Validate enforces spec.md §6/§9's configuration invariants: power-of-two
// header_nslots, unique nonzero stream_id, stride_bytes a multiple of 64,
// and a unique pool_id per profile.
func (c *Config) Validate() error {
	for name, prof := range c.Profiles {
		if !shm.IsPowerOfTwo(prof.HeaderNslots) {
			return tperr.New(tperr.InvalidArgument, "profile %q: header_nslots %d is not a power of two", name, prof.HeaderNslots)
		}
		seenPools := make(map[uint16]bool, len(prof.PayloadPools))
		for _, pp := range prof.PayloadPools {
			if pp.PoolID == 0 {
				return tperr.New(tperr.InvalidArgument, "profile %q: pool_id 0 is reserved", name)
			}
			if pp.StrideBytes == 0 || pp.StrideBytes%64 != 0 {
				return tperr.New(tperr.InvalidArgument, "profile %q: pool %d stride_bytes %d is not a nonzero multiple of 64", name, pp.PoolID, pp.StrideBytes)
			}
			if seenPools[pp.PoolID] {
				return tperr.New(tperr.InvalidArgument, "profile %q: duplicate pool_id %d", name, pp.PoolID)
			}
			seenPools[pp.PoolID] = true
		}
	}

	seenStreamIDs := make(map[uint32]string, len(c.Streams))
	for name, s := range c.Streams {
		if s.StreamID == 0 {
			return tperr.New(tperr.InvalidArgument, "stream %q: stream_id must be nonzero", name)
		}
		if other, dup := seenStreamIDs[s.StreamID]; dup {
			return tperr.New(tperr.InvalidArgument, "streams %q and %q share stream_id %d", other, name, s.StreamID)
		}
		seenStreamIDs[s.StreamID] = name
		if s.Profile != "" {
			if _, ok := c.Profiles[s.Profile]; !ok {
				return tperr.New(tperr.InvalidArgument, "stream %q references unknown profile %q", name, s.Profile)
			}
		}
	}
	return nil
}

// PermissionsFileMode parses SHM.PermissionsMode (an octal string, e.g.
// "0600") into an os.FileMode, defaulting to 0600 when unset.
func (s ShmConfig) PermissionsFileMode() (os.FileMode, error) {
	if s.PermissionsMode == "" {
		return 0o600, nil
	}
	var mode uint32
	if _, err := fmt.Sscanf(s.PermissionsMode, "%o", &mode); err != nil {
		return 0, tperr.Wrap(tperr.InvalidArgument, err, "parse permissions_mode %q", s.PermissionsMode)
	}
	return os.FileMode(mode), nil
}
