package wire

import (
	"encoding/binary"

	"github.com/tensorpool/tensorpool/tperr"
)

// Role distinguishes a producer attach from a consumer attach.
type Role uint8

const (
	RoleProducer Role = 1
	RoleConsumer Role = 2
)

// PublishMode selects attach behavior toward an existing/nonexistent
// stream (spec.md §4.6).
type PublishMode uint8

const (
	PublishRequireExisting  PublishMode = 1
	PublishExistingOrCreate PublishMode = 2
	PublishCreateOnly       PublishMode = 3
)

// AttachCode is one of spec.md §4.6's attach error codes.
type AttachCode uint8

const (
	CodeOK                   AttachCode = 0
	CodeStreamNotFound        AttachCode = 1
	CodeLayoutMismatch        AttachCode = 2
	CodePermissionDenied      AttachCode = 3
	CodeHugepagesUnavailable  AttachCode = 4
	CodeResourceExhausted     AttachCode = 5
	CodeInvalidArgument       AttachCode = 6
	CodeInternal              AttachCode = 7
)

// Mode is a consumer's stream-reading mode (spec.md §3 "Consumer session").
type Mode uint8

const (
	ModeStream      Mode = 1
	ModeRateLimited Mode = 2
)

// RevokeReason explains a LEASE_REVOKED event.
type RevokeReason uint8

const (
	RevokeExpired  RevokeReason = 1
	RevokeAdmin    RevokeReason = 2
	RevokeEpochGC  RevokeReason = 3
)

// AttachRequest is the client->driver ATTACH_REQUEST record.
type AttachRequest struct {
	CorrelationID         uint64
	StreamID               uint32
	ClientID                uint64
	Role                     Role
	ExpectedLayoutVersion   uint32
	PublishMode              PublishMode
	RequireHugepages         bool
	DesiredNodeID            int32
}

func (r *AttachRequest) Encode() []byte {
	const block = 8 + 4 + 8 + 1 + 4 + 1 + 1 + 4
	buf := make([]byte, outerHeaderBytes+block)
	putOuterHeader(buf, TemplateAttachRequest, block)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint64(b[0:8], r.CorrelationID)
	binary.LittleEndian.PutUint32(b[8:12], r.StreamID)
	binary.LittleEndian.PutUint64(b[12:20], r.ClientID)
	b[20] = byte(r.Role)
	binary.LittleEndian.PutUint32(b[21:25], r.ExpectedLayoutVersion)
	b[25] = byte(r.PublishMode)
	if r.RequireHugepages {
		b[26] = 1
	}
	binary.LittleEndian.PutUint32(b[27:31], uint32(r.DesiredNodeID))
	return buf
}

func DecodeAttachRequest(buf []byte) (*AttachRequest, error) {
	_, b, err := decodeOuterHeader(buf, TemplateAttachRequest)
	if err != nil {
		return nil, err
	}
	if len(b) < 31 {
		return nil, tperr.New(tperr.CodecError, "attach request truncated")
	}
	return &AttachRequest{
		CorrelationID:       binary.LittleEndian.Uint64(b[0:8]),
		StreamID:            binary.LittleEndian.Uint32(b[8:12]),
		ClientID:            binary.LittleEndian.Uint64(b[12:20]),
		Role:                Role(b[20]),
		ExpectedLayoutVersion: binary.LittleEndian.Uint32(b[21:25]),
		PublishMode:          PublishMode(b[25]),
		RequireHugepages:     b[26] != 0,
		DesiredNodeID:        int32(binary.LittleEndian.Uint32(b[27:31])),
	}, nil
}

// PoolDescriptor is one entry of an AttachResponse's Pools list: enough
// to validate a PAYLOAD_POOL region's superblock and map it.
type PoolDescriptor struct {
	PoolID      uint16
	StrideBytes uint32
	URI         string
}

// AttachResponse is the driver->client ATTACH_RESPONSE record.
type AttachResponse struct {
	CorrelationID    uint64
	Code             AttachCode
	ErrorMessage     string
	LeaseID          uint64
	LeaseExpiryNs    uint64
	StreamID         uint32
	Epoch            uint64
	LayoutVersion    uint32
	HeaderNslots     uint32
	HeaderSlotBytes  uint32
	NodeID           int32
	HeaderRegionURI  string
	Pools            []PoolDescriptor
}

func (r *AttachResponse) Encode() []byte {
	fixed := 8 + 1 + 8 + 8 + 4 + 8 + 4 + 4 + 4 + 4
	buf := make([]byte, outerHeaderBytes+fixed)
	putOuterHeader(buf, TemplateAttachResponse, uint16(fixed))
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint64(b[0:8], r.CorrelationID)
	b[8] = byte(r.Code)
	binary.LittleEndian.PutUint64(b[9:17], r.LeaseID)
	binary.LittleEndian.PutUint64(b[17:25], r.LeaseExpiryNs)
	binary.LittleEndian.PutUint32(b[25:29], r.StreamID)
	binary.LittleEndian.PutUint64(b[29:37], r.Epoch)
	binary.LittleEndian.PutUint32(b[37:41], r.LayoutVersion)
	binary.LittleEndian.PutUint32(b[41:45], r.HeaderNslots)
	binary.LittleEndian.PutUint32(b[45:49], r.HeaderSlotBytes)
	binary.LittleEndian.PutUint32(b[49:53], uint32(r.NodeID))

	buf = putString(buf, r.ErrorMessage)
	buf = putString(buf, r.HeaderRegionURI)
	var poolCount [4]byte
	binary.LittleEndian.PutUint32(poolCount[:], uint32(len(r.Pools)))
	buf = append(buf, poolCount[:]...)
	for _, p := range r.Pools {
		var fields [6]byte
		binary.LittleEndian.PutUint16(fields[0:2], p.PoolID)
		binary.LittleEndian.PutUint32(fields[2:6], p.StrideBytes)
		buf = append(buf, fields[:]...)
		buf = putString(buf, p.URI)
	}
	return buf
}

func DecodeAttachResponse(buf []byte) (*AttachResponse, error) {
	_, b, err := decodeOuterHeader(buf, TemplateAttachResponse)
	if err != nil {
		return nil, err
	}
	if len(b) < 53 {
		return nil, tperr.New(tperr.CodecError, "attach response truncated")
	}
	r := &AttachResponse{
		CorrelationID:   binary.LittleEndian.Uint64(b[0:8]),
		Code:            AttachCode(b[8]),
		LeaseID:         binary.LittleEndian.Uint64(b[9:17]),
		LeaseExpiryNs:   binary.LittleEndian.Uint64(b[17:25]),
		StreamID:        binary.LittleEndian.Uint32(b[25:29]),
		Epoch:           binary.LittleEndian.Uint64(b[29:37]),
		LayoutVersion:   binary.LittleEndian.Uint32(b[37:41]),
		HeaderNslots:    binary.LittleEndian.Uint32(b[41:45]),
		HeaderSlotBytes: binary.LittleEndian.Uint32(b[45:49]),
		NodeID:          int32(binary.LittleEndian.Uint32(b[49:53])),
	}
	tail := b[53:]
	r.ErrorMessage, tail, err = getString(tail)
	if err != nil {
		return nil, err
	}
	r.HeaderRegionURI, tail, err = getString(tail)
	if err != nil {
		return nil, err
	}
	if len(tail) < 4 {
		return nil, tperr.New(tperr.CodecError, "attach response pool count truncated")
	}
	count := int(binary.LittleEndian.Uint32(tail[0:4]))
	tail = tail[4:]
	r.Pools = make([]PoolDescriptor, 0, count)
	for i := 0; i < count; i++ {
		if len(tail) < 6 {
			return nil, tperr.New(tperr.CodecError, "attach response pool entry truncated")
		}
		pd := PoolDescriptor{
			PoolID:      binary.LittleEndian.Uint16(tail[0:2]),
			StrideBytes: binary.LittleEndian.Uint32(tail[2:6]),
		}
		tail = tail[6:]
		pd.URI, tail, err = getString(tail)
		if err != nil {
			return nil, err
		}
		r.Pools = append(r.Pools, pd)
	}
	return r, nil
}

// DetachRequest/DetachResponse: small correlation-id round trips.
type DetachRequest struct {
	CorrelationID uint64
	LeaseID       uint64
}

func (r *DetachRequest) Encode() []byte {
	buf := make([]byte, outerHeaderBytes+16)
	putOuterHeader(buf, TemplateDetachRequest, 16)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint64(b[0:8], r.CorrelationID)
	binary.LittleEndian.PutUint64(b[8:16], r.LeaseID)
	return buf
}

func DecodeDetachRequest(buf []byte) (*DetachRequest, error) {
	_, b, err := decodeOuterHeader(buf, TemplateDetachRequest)
	if err != nil {
		return nil, err
	}
	if len(b) < 16 {
		return nil, tperr.New(tperr.CodecError, "detach request truncated")
	}
	return &DetachRequest{
		CorrelationID: binary.LittleEndian.Uint64(b[0:8]),
		LeaseID:       binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

type DetachResponse struct {
	CorrelationID uint64
	OK            bool
}

func (r *DetachResponse) Encode() []byte {
	buf := make([]byte, outerHeaderBytes+9)
	putOuterHeader(buf, TemplateDetachResponse, 9)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint64(b[0:8], r.CorrelationID)
	if r.OK {
		b[8] = 1
	}
	return buf
}

func DecodeDetachResponse(buf []byte) (*DetachResponse, error) {
	_, b, err := decodeOuterHeader(buf, TemplateDetachResponse)
	if err != nil {
		return nil, err
	}
	if len(b) < 9 {
		return nil, tperr.New(tperr.CodecError, "detach response truncated")
	}
	return &DetachResponse{CorrelationID: binary.LittleEndian.Uint64(b[0:8]), OK: b[8] != 0}, nil
}

// Keepalive is the client->driver lease-renewal heartbeat.
type Keepalive struct {
	LeaseID uint64
}

func (k *Keepalive) Encode() []byte {
	buf := make([]byte, outerHeaderBytes+8)
	putOuterHeader(buf, TemplateKeepalive, 8)
	binary.LittleEndian.PutUint64(buf[outerHeaderBytes:], k.LeaseID)
	return buf
}

func DecodeKeepalive(buf []byte) (*Keepalive, error) {
	_, b, err := decodeOuterHeader(buf, TemplateKeepalive)
	if err != nil {
		return nil, err
	}
	if len(b) < 8 {
		return nil, tperr.New(tperr.CodecError, "keepalive truncated")
	}
	return &Keepalive{LeaseID: binary.LittleEndian.Uint64(b[0:8])}, nil
}

// LeaseRevoked is the driver-initiated revocation event.
type LeaseRevoked struct {
	LeaseID  uint64
	StreamID uint32
	ClientID uint64
	Role     Role
	Reason   RevokeReason
}

func (r *LeaseRevoked) Encode() []byte {
	const block = 8 + 4 + 8 + 1 + 1
	buf := make([]byte, outerHeaderBytes+block)
	putOuterHeader(buf, TemplateLeaseRevoked, block)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint64(b[0:8], r.LeaseID)
	binary.LittleEndian.PutUint32(b[8:12], r.StreamID)
	binary.LittleEndian.PutUint64(b[12:20], r.ClientID)
	b[20] = byte(r.Role)
	b[21] = byte(r.Reason)
	return buf
}

func DecodeLeaseRevoked(buf []byte) (*LeaseRevoked, error) {
	_, b, err := decodeOuterHeader(buf, TemplateLeaseRevoked)
	if err != nil {
		return nil, err
	}
	if len(b) < 22 {
		return nil, tperr.New(tperr.CodecError, "lease revoked truncated")
	}
	return &LeaseRevoked{
		LeaseID:  binary.LittleEndian.Uint64(b[0:8]),
		StreamID: binary.LittleEndian.Uint32(b[8:12]),
		ClientID: binary.LittleEndian.Uint64(b[12:20]),
		Role:     Role(b[20]),
		Reason:   RevokeReason(b[21]),
	}, nil
}

// ConsumerHello is a consumer's announcement to the supervisor.
type ConsumerHello struct {
	ConsumerID uint32
	StreamID   uint32
}

func (h *ConsumerHello) Encode() []byte {
	buf := make([]byte, outerHeaderBytes+8)
	putOuterHeader(buf, TemplateConsumerHello, 8)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint32(b[0:4], h.ConsumerID)
	binary.LittleEndian.PutUint32(b[4:8], h.StreamID)
	return buf
}

func DecodeConsumerHello(buf []byte) (*ConsumerHello, error) {
	_, b, err := decodeOuterHeader(buf, TemplateConsumerHello)
	if err != nil {
		return nil, err
	}
	if len(b) < 8 {
		return nil, tperr.New(tperr.CodecError, "consumer hello truncated")
	}
	return &ConsumerHello{
		ConsumerID: binary.LittleEndian.Uint32(b[0:4]),
		StreamID:   binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// ConsumerConfig is the supervisor's per-consumer channel assignment
// reply (spec.md §4.7, scenario 5).
type ConsumerConfig struct {
	ConsumerID            uint32
	StreamID              uint32
	DescriptorStreamID    int32
	ControlStreamID       int32
	UseSHM                bool
	Mode                  Mode
	DescriptorChannel     string
	ControlChannel        string
	PayloadFallbackURI    string
}

func (c *ConsumerConfig) Encode() []byte {
	const block = 4 + 4 + 4 + 4 + 1 + 1
	buf := make([]byte, outerHeaderBytes+block)
	putOuterHeader(buf, TemplateConsumerConfig, block)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint32(b[0:4], c.ConsumerID)
	binary.LittleEndian.PutUint32(b[4:8], c.StreamID)
	binary.LittleEndian.PutUint32(b[8:12], uint32(c.DescriptorStreamID))
	binary.LittleEndian.PutUint32(b[12:16], uint32(c.ControlStreamID))
	if c.UseSHM {
		b[16] = 1
	}
	b[17] = byte(c.Mode)
	buf = putString(buf, c.DescriptorChannel)
	buf = putString(buf, c.ControlChannel)
	buf = putString(buf, c.PayloadFallbackURI)
	return buf
}

func DecodeConsumerConfig(buf []byte) (*ConsumerConfig, error) {
	fullLen := len(buf)
	_, b, err := decodeOuterHeader(buf, TemplateConsumerConfig)
	if err != nil {
		return nil, err
	}
	if len(b) < 18 {
		return nil, tperr.New(tperr.CodecError, "consumer config truncated")
	}
	c := &ConsumerConfig{
		ConsumerID:         binary.LittleEndian.Uint32(b[0:4]),
		StreamID:           binary.LittleEndian.Uint32(b[4:8]),
		DescriptorStreamID: int32(binary.LittleEndian.Uint32(b[8:12])),
		ControlStreamID:    int32(binary.LittleEndian.Uint32(b[12:16])),
		UseSHM:             b[16] != 0,
		Mode:               Mode(b[17]),
	}
	blockLen := int(binary.LittleEndian.Uint16(buf[4:6]))
	tail := buf[outerHeaderBytes+blockLen : fullLen]
	c.DescriptorChannel, tail, err = getString(tail)
	if err != nil {
		return nil, err
	}
	c.ControlChannel, tail, err = getString(tail)
	if err != nil {
		return nil, err
	}
	c.PayloadFallbackURI, _, err = getString(tail)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FrameProgress reports how many payload bytes of a frame have been filled,
// for streaming consumers (spec.md §4.4). consumer.Reader.ValidateProgress
// accepts it only when the slot it names is committed at its seq.
type FrameProgress struct {
	StreamID           uint32
	Epoch              uint64
	Seq                uint64
	PayloadBytesFilled uint32
}

func (p *FrameProgress) Encode() []byte {
	const block = 4 + 8 + 8 + 4
	buf := make([]byte, outerHeaderBytes+block)
	putOuterHeader(buf, TemplateFrameProgress, block)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint32(b[0:4], p.StreamID)
	binary.LittleEndian.PutUint64(b[4:12], p.Epoch)
	binary.LittleEndian.PutUint64(b[12:20], p.Seq)
	binary.LittleEndian.PutUint32(b[20:24], p.PayloadBytesFilled)
	return buf
}

func DecodeFrameProgress(buf []byte) (*FrameProgress, error) {
	_, b, err := decodeOuterHeader(buf, TemplateFrameProgress)
	if err != nil {
		return nil, err
	}
	if len(b) < 24 {
		return nil, tperr.New(tperr.CodecError, "frame progress truncated")
	}
	return &FrameProgress{
		StreamID:           binary.LittleEndian.Uint32(b[0:4]),
		Epoch:              binary.LittleEndian.Uint64(b[4:12]),
		Seq:                binary.LittleEndian.Uint64(b[12:20]),
		PayloadBytesFilled: binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// QOSProducer/QOSConsumer: periodic rate/backpressure reports, counted by
// the supervisor (spec.md §4.7) and emitted by a driver.QoSSink client.
type QOSProducer struct {
	StreamID       uint32
	FramesPerSec   uint32
	BytesPerSec    uint64
}

func (q *QOSProducer) Encode() []byte {
	const block = 4 + 4 + 8
	buf := make([]byte, outerHeaderBytes+block)
	putOuterHeader(buf, TemplateQOSProducer, block)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint32(b[0:4], q.StreamID)
	binary.LittleEndian.PutUint32(b[4:8], q.FramesPerSec)
	binary.LittleEndian.PutUint64(b[8:16], q.BytesPerSec)
	return buf
}

func DecodeQOSProducer(buf []byte) (*QOSProducer, error) {
	_, b, err := decodeOuterHeader(buf, TemplateQOSProducer)
	if err != nil {
		return nil, err
	}
	if len(b) < 16 {
		return nil, tperr.New(tperr.CodecError, "qos producer truncated")
	}
	return &QOSProducer{
		StreamID:     binary.LittleEndian.Uint32(b[0:4]),
		FramesPerSec: binary.LittleEndian.Uint32(b[4:8]),
		BytesPerSec:  binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

type QOSConsumer struct {
	StreamID     uint32
	ConsumerID   uint32
	DroppedFrames uint32
}

func (q *QOSConsumer) Encode() []byte {
	const block = 4 + 4 + 4
	buf := make([]byte, outerHeaderBytes+block)
	putOuterHeader(buf, TemplateQOSConsumer, block)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint32(b[0:4], q.StreamID)
	binary.LittleEndian.PutUint32(b[4:8], q.ConsumerID)
	binary.LittleEndian.PutUint32(b[8:12], q.DroppedFrames)
	return buf
}

func DecodeQOSConsumer(buf []byte) (*QOSConsumer, error) {
	_, b, err := decodeOuterHeader(buf, TemplateQOSConsumer)
	if err != nil {
		return nil, err
	}
	if len(b) < 12 {
		return nil, tperr.New(tperr.CodecError, "qos consumer truncated")
	}
	return &QOSConsumer{
		StreamID:      binary.LittleEndian.Uint32(b[0:4]),
		ConsumerID:    binary.LittleEndian.Uint32(b[4:8]),
		DroppedFrames: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// Shutdown is a cooperative drain notice.
type Shutdown struct {
	Reason string
}

func (s *Shutdown) Encode() []byte {
	buf := make([]byte, outerHeaderBytes)
	putOuterHeader(buf, TemplateShutdown, 0)
	return putString(buf, s.Reason)
}

func DecodeShutdown(buf []byte) (*Shutdown, error) {
	_, _, err := decodeOuterHeader(buf, TemplateShutdown)
	if err != nil {
		return nil, err
	}
	reason, _, err := getString(buf[outerHeaderBytes:])
	if err != nil {
		return nil, err
	}
	return &Shutdown{Reason: reason}, nil
}

// DataSourceAnnounce, the *MetaBlob* family and ControlResponse/
// FrameDescriptor/SHMPoolAnnounce round out the families spec.md §6 names
// for discovery/metadata side-channels that this repository's driver and
// supervisor do not themselves originate; AnnounceOpaque lets a caller
// forward one verbatim (e.g. replaying it to another subscriber) without
// a dedicated struct per family, honoring "unknown template ids are
// ignored, not fatal" for anything this package doesn't decode deeply.
type AnnounceOpaque struct {
	TemplateID uint16
	Body       []byte
}

func (a *AnnounceOpaque) Encode() []byte {
	buf := make([]byte, outerHeaderBytes+len(a.Body))
	putOuterHeader(buf, a.TemplateID, uint16(len(a.Body)))
	copy(buf[outerHeaderBytes:], a.Body)
	return buf
}

func DecodeAnnounceOpaque(buf []byte) (*AnnounceOpaque, error) {
	templateID, ok := PeekTemplate(buf)
	if !ok {
		return nil, tperr.New(tperr.CodecError, "not a tensorpool frame")
	}
	return &AnnounceOpaque{TemplateID: templateID, Body: append([]byte(nil), buf[outerHeaderBytes:]...)}, nil
}

// StatsRequest asks the supervisor for its counters (SPEC_FULL §4.11
// "tensorpool-ctl"; the original has no equivalent for this message).
type StatsRequest struct {
	CorrelationID uint64
}

func (r *StatsRequest) Encode() []byte {
	buf := make([]byte, outerHeaderBytes+8)
	putOuterHeader(buf, TemplateStatsRequest, 8)
	binary.LittleEndian.PutUint64(buf[outerHeaderBytes:], r.CorrelationID)
	return buf
}

func DecodeStatsRequest(buf []byte) (*StatsRequest, error) {
	_, b, err := decodeOuterHeader(buf, TemplateStatsRequest)
	if err != nil {
		return nil, err
	}
	if len(b) < 8 {
		return nil, tperr.New(tperr.CodecError, "stats request truncated")
	}
	return &StatsRequest{CorrelationID: binary.LittleEndian.Uint64(b[0:8])}, nil
}

// StatsResponse carries the supervisor's get_stats counters (spec.md
// §4.7 "Stats").
type StatsResponse struct {
	CorrelationID    uint64
	HelloCount       uint64
	ConfigCount      uint64
	QOSConsumerCount uint64
	QOSProducerCount uint64
	AnnounceCount    uint64
	MetadataCount    uint64
}

func (r *StatsResponse) Encode() []byte {
	const block = 8 * 7
	buf := make([]byte, outerHeaderBytes+block)
	putOuterHeader(buf, TemplateStatsResponse, block)
	b := buf[outerHeaderBytes:]
	binary.LittleEndian.PutUint64(b[0:8], r.CorrelationID)
	binary.LittleEndian.PutUint64(b[8:16], r.HelloCount)
	binary.LittleEndian.PutUint64(b[16:24], r.ConfigCount)
	binary.LittleEndian.PutUint64(b[24:32], r.QOSConsumerCount)
	binary.LittleEndian.PutUint64(b[32:40], r.QOSProducerCount)
	binary.LittleEndian.PutUint64(b[40:48], r.AnnounceCount)
	binary.LittleEndian.PutUint64(b[48:56], r.MetadataCount)
	return buf
}

func DecodeStatsResponse(buf []byte) (*StatsResponse, error) {
	_, b, err := decodeOuterHeader(buf, TemplateStatsResponse)
	if err != nil {
		return nil, err
	}
	if len(b) < 56 {
		return nil, tperr.New(tperr.CodecError, "stats response truncated")
	}
	return &StatsResponse{
		CorrelationID:    binary.LittleEndian.Uint64(b[0:8]),
		HelloCount:       binary.LittleEndian.Uint64(b[8:16]),
		ConfigCount:      binary.LittleEndian.Uint64(b[16:24]),
		QOSConsumerCount: binary.LittleEndian.Uint64(b[24:32]),
		QOSProducerCount: binary.LittleEndian.Uint64(b[32:40]),
		AnnounceCount:    binary.LittleEndian.Uint64(b[40:48]),
		MetadataCount:    binary.LittleEndian.Uint64(b[48:56]),
	}, nil
}
