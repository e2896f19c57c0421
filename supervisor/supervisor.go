package supervisor

import (
	"context"
	"time"

	"github.com/tensorpool/tensorpool/bus"
	"github.com/tensorpool/tensorpool/config"
	"github.com/tensorpool/tensorpool/tplog"
	"github.com/tensorpool/tensorpool/wire"
)

// Stats holds the monotonic, wrap-free counters get_stats exposes
// (spec.md §4.7 "Stats").
type Stats struct {
	HelloCount       uint64
	ConfigCount      uint64
	QOSConsumerCount uint64
	QOSProducerCount uint64
	AnnounceCount    uint64
	MetadataCount    uint64
}

// Supervisor answers consumer HELLOs with per-consumer channel
// assignments and tracks QoS/announce traffic (spec.md §4.7).
type Supervisor struct {
	cfg      config.SupervisorConfig
	registry *Registry
	staleNs  uint64

	channel string
	log     *tplog.Logger
	b       bus.Bus

	stats Stats
}

// New builds a Supervisor from its config block, listening for HELLO/QOS/
// ANNOUNCE traffic on channel. b may be nil for tests that only exercise
// HandleHello directly.
func New(cfg config.SupervisorConfig, channel string, b bus.Bus, logger *tplog.Logger) *Supervisor {
	if logger == nil {
		logger = tplog.Discard()
	}
	capacity := cfg.ConsumerCapacity
	if capacity == 0 {
		capacity = 1024
	}
	return &Supervisor{
		cfg:      cfg,
		registry: NewRegistry(capacity),
		staleNs:  cfg.ConsumerStaleMs * uint64(time.Millisecond),
		channel:  channel,
		log:      logger.With("supervisor"),
		b:        b,
	}
}

// HandleHello processes one CONSUMER_HELLO and returns the CONSUMER_CONFIG
// reply (spec.md §4.7 steps 1-4, §8 scenario 5).
func (s *Supervisor) HandleHello(h *wire.ConsumerHello, now time.Time) (*wire.ConsumerConfig, error) {
	s.stats.HelloCount++
	nowNs := uint64(now.UnixNano())

	e, ok := s.registry.Touch(h.ConsumerID, nowNs)
	if !ok {
		var err error
		e, err = s.registry.Allocate(h.ConsumerID, h.StreamID, nowNs, s.staleNs)
		if err != nil {
			return nil, err
		}
	}
	e.streamID = h.StreamID

	cfg := &wire.ConsumerConfig{
		ConsumerID: h.ConsumerID,
		StreamID:   h.StreamID,
		Mode:       wire.ModeStream,
		UseSHM:     true,
	}

	if s.cfg.PerConsumerEnabled && s.cfg.DescriptorRange > 0 && s.cfg.ControlRange > 0 {
		cfg.DescriptorStreamID = int32(s.cfg.DescriptorBase + h.ConsumerID%s.cfg.DescriptorRange)
		cfg.ControlStreamID = int32(s.cfg.ControlBase + h.ConsumerID%s.cfg.ControlRange)
		cfg.DescriptorChannel = s.cfg.DescriptorChannel
		cfg.ControlChannel = s.cfg.ControlChannel
	}

	switch s.cfg.ForceMode {
	case "STREAM":
		cfg.Mode = wire.ModeStream
	case "RATE_LIMITED":
		cfg.Mode = wire.ModeRateLimited
	}
	if s.cfg.ForceNoSHM {
		cfg.UseSHM = false
		cfg.PayloadFallbackURI = s.cfg.PayloadFallbackURI
	}

	e.descriptorStreamID = cfg.DescriptorStreamID
	e.controlStreamID = cfg.ControlStreamID
	e.useSHM = cfg.UseSHM
	e.mode = uint8(cfg.Mode)

	s.stats.ConfigCount++
	return cfg, nil
}

// ObserveQOSConsumer records a QOS_CONSUMER message for stats.
func (s *Supervisor) ObserveQOSConsumer(*wire.QOSConsumer) { s.stats.QOSConsumerCount++ }

// ObserveQOSProducer records a QOS_PRODUCER message for stats.
func (s *Supervisor) ObserveQOSProducer(*wire.QOSProducer) { s.stats.QOSProducerCount++ }

// ObserveAnnounce records an ANNOUNCE_OPAQUE message for stats.
func (s *Supervisor) ObserveAnnounce(*wire.AnnounceOpaque) { s.stats.AnnounceCount++ }

// ObserveMetadata records a DATA_SOURCE_META_* or META_BLOB_* message for
// stats (spec.md §4.7 "Stats", §8 metadata_count property).
func (s *Supervisor) ObserveMetadata(*wire.AnnounceOpaque) { s.stats.MetadataCount++ }

// isMetadataTemplate reports whether templateID belongs to the
// DATA_SOURCE_META_*/META_BLOB_* families, which count against
// metadata_count rather than announce_count even though neither family
// has a dedicated decoded type (they ride AnnounceOpaque).
func isMetadataTemplate(templateID uint16) bool {
	switch templateID {
	case wire.TemplateDataSourceMetaBegin, wire.TemplateDataSourceMetaAttr, wire.TemplateDataSourceMetaEnd,
		wire.TemplateMetaBlobAnnounce, wire.TemplateMetaBlobChunk, wire.TemplateMetaBlobComplete:
		return true
	default:
		return false
	}
}

// GetStats returns a snapshot of the supervisor's monotonic counters.
func (s *Supervisor) GetStats() Stats { return s.stats }

// SweepStale releases consumer entries that have not sent a HELLO within
// consumer_stale_ms (spec.md §4.7 "swept on each do_work").
func (s *Supervisor) SweepStale(now time.Time) {
	s.registry.Sweep(uint64(now.UnixNano()), s.staleNs)
}

// Run drives the supervisor's bus subscription until ctx is cancelled. It
// is a single loop: every 10ms it calls DoWork and dispatches whatever Poll
// returns (HELLO/QOS/ANNOUNCE traffic), and every 100ms it sweeps stale
// entries.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.b == nil {
		return nil
	}
	if err := s.b.Subscribe(s.channel); err != nil {
		return err
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(100 * time.Millisecond)
	defer sweepTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			s.SweepStale(time.Now())
		case <-ticker.C:
			if err := s.b.DoWork(ctx); err != nil {
				return err
			}
			for {
				channel, frame, ok := s.b.Poll()
				if !ok {
					break
				}
				s.dispatch(ctx, channel, frame)
			}
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, channel string, frame []byte) {
	templateID, ok := wire.PeekTemplate(frame)
	if !ok {
		return
	}
	switch templateID {
	case wire.TemplateConsumerHello:
		h, err := wire.DecodeConsumerHello(frame)
		if err != nil {
			s.log.Warnf("dropping malformed hello: %v", err)
			return
		}
		cfg, err := s.HandleHello(h, time.Now())
		if err != nil {
			s.log.Warnf("hello from consumer %d: %v", h.ConsumerID, err)
			return
		}
		_ = s.b.Publish(ctx, channel, cfg.Encode())
	case wire.TemplateQOSConsumer:
		q, err := wire.DecodeQOSConsumer(frame)
		if err == nil {
			s.ObserveQOSConsumer(q)
		}
	case wire.TemplateQOSProducer:
		q, err := wire.DecodeQOSProducer(frame)
		if err == nil {
			s.ObserveQOSProducer(q)
		}
	case wire.TemplateStatsRequest:
		req, err := wire.DecodeStatsRequest(frame)
		if err != nil {
			s.log.Warnf("dropping malformed stats request: %v", err)
			return
		}
		st := s.GetStats()
		resp := &wire.StatsResponse{
			CorrelationID:    req.CorrelationID,
			HelloCount:       st.HelloCount,
			ConfigCount:      st.ConfigCount,
			QOSConsumerCount: st.QOSConsumerCount,
			QOSProducerCount: st.QOSProducerCount,
			AnnounceCount:    st.AnnounceCount,
			MetadataCount:    st.MetadataCount,
		}
		_ = s.b.Publish(ctx, channel, resp.Encode())
	default:
		a, err := wire.DecodeAnnounceOpaque(frame)
		if err != nil {
			return
		}
		if isMetadataTemplate(a.TemplateID) {
			s.ObserveMetadata(a)
		} else {
			s.ObserveAnnounce(a)
		}
	}
}
