package webrtc

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Sink receives RTP packets for one role.
type Sink interface {
	WriteRTP(role domain.TrackRole, pkt *rtp.Packet) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(role domain.TrackRole, pkt *rtp.Packet) error

func (f SinkFunc) WriteRTP(role domain.TrackRole, pkt *rtp.Packet) error { return f(role, pkt) }

const metricsEvery = 100

// boundTrack is one remote track attached to a role.
type boundTrack struct {
	role      domain.TrackRole
	track     RemoteTrack
	packets   atomic.Uint64
	bytes     atomic.Uint64
	keyframes atomic.Uint64
}

func (b *boundTrack) info() domain.TrackInfo {
	return domain.TrackInfo{
		Role:      b.role.String(),
		TrackID:   b.track.ID(),
		StreamID:  b.track.StreamID(),
		Packets:   b.packets.Load(),
		Bytes:     b.bytes.Load(),
		Keyframes: b.keyframes.Load(),
	}
}

// TrackBinder binds inbound tracks to roles in arrival order: the first
// track goes to the primary (screen) role, the next to the secondary
// (camera) role. The agent adds screen then camera, so this holds only as
// long as it keeps that order.
type TrackBinder struct {
	rtcp        func([]rtcp.Packet) error
	sink        Sink
	pliInterval time.Duration
	metrics     ports.Metrics
	logger      *zap.SugaredLogger

	mu     sync.Mutex
	roles  map[domain.TrackRole]*boundTrack
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewTrackBinder(writeRTCP func([]rtcp.Packet) error, sink Sink, pliInterval time.Duration, metrics ports.Metrics, logger *zap.SugaredLogger) *TrackBinder {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &TrackBinder{
		rtcp:        writeRTCP,
		sink:        sink,
		pliInterval: pliInterval,
		metrics:     metrics,
		logger:      logger,
		roles:       make(map[domain.TrackRole]*boundTrack),
		done:        make(chan struct{}),
	}
}

// Bind attaches a track to the next free role and starts pumping it. It
// returns false when both roles are taken or the binder is closed.
func (b *TrackBinder) Bind(track RemoteTrack, receiver RTCPSource) (domain.TrackRole, bool) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		b.logger.Infow("ignoring non-video track", "track_id", track.ID(), "kind", track.Kind())
		return 0, false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, false
	}
	role := domain.RolePrimary
	if _, taken := b.roles[domain.RolePrimary]; taken {
		role = domain.RoleSecondary
		if _, taken := b.roles[domain.RoleSecondary]; taken {
			b.mu.Unlock()
			b.logger.Warnw("both roles bound, ignoring track", "track_id", track.ID(), "stream_id", track.StreamID())
			return 0, false
		}
	}
	bt := &boundTrack{role: role, track: track}
	b.roles[role] = bt
	b.wg.Add(1)
	go b.pump(bt)
	if receiver != nil {
		b.wg.Add(1)
		go b.drainRTCP(receiver)
	}
	if role == domain.RolePrimary && b.pliInterval > 0 {
		b.wg.Add(1)
		go b.requestKeyframes(bt)
	}
	b.mu.Unlock()

	b.logger.Infow("track bound",
		"role", role,
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.MimeType(),
	)
	b.sendPLI(bt)
	return role, true
}

func (b *TrackBinder) pump(bt *boundTrack) {
	defer b.wg.Done()
	role := bt.role.String()
	unreported := 0
	for {
		pkt, err := bt.track.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) && !b.isClosed() {
				b.logger.Warnw("error reading track", "role", role, "track_id", bt.track.ID(), "error", err)
			}
			break
		}

		bt.packets.Add(1)
		bt.bytes.Add(uint64(len(pkt.Payload)))
		if isKeyframe(bt.track.MimeType(), pkt.Payload) {
			bt.keyframes.Add(1)
		}
		if b.sink != nil {
			if err := b.sink.WriteRTP(bt.role, pkt); err != nil {
				b.logger.Debugw("sink rejected packet", "role", role, "error", err)
			}
		}

		unreported++
		if unreported == metricsEvery {
			b.metrics.RTPPackets(role, unreported)
			unreported = 0
		}
	}
	if unreported > 0 {
		b.metrics.RTPPackets(role, unreported)
	}
}

// drainRTCP keeps the receiver's interceptors running.
func (b *TrackBinder) drainRTCP(receiver RTCPSource) {
	defer b.wg.Done()
	for {
		if _, err := receiver.ReadPackets(); err != nil {
			return
		}
	}
}

func (b *TrackBinder) requestKeyframes(bt *boundTrack) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sendPLI(bt)
		}
	}
}

func (b *TrackBinder) sendPLI(bt *boundTrack) {
	if b.rtcp == nil {
		return
	}
	err := b.rtcp([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(bt.track.SSRC())}})
	if err != nil && !b.isClosed() {
		b.logger.Debugw("failed to send PLI", "role", bt.role, "error", err)
	}
}

func (b *TrackBinder) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Tracks snapshots the bound tracks, primary first.
func (b *TrackBinder) Tracks() []domain.TrackInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.TrackInfo
	for _, role := range []domain.TrackRole{domain.RolePrimary, domain.RoleSecondary} {
		if bt, ok := b.roles[role]; ok {
			out = append(out, bt.info())
		}
	}
	return out
}

// Close stops keyframe requests. Pumps end when their tracks do, which
// happens once the peer connection is closed.
func (b *TrackBinder) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

// Wait blocks until every pump has exited.
func (b *TrackBinder) Wait() {
	b.wg.Wait()
}

// isKeyframe reports whether an RTP payload starts a keyframe.
func isKeyframe(mimeType string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return vp8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return h264Keyframe(payload)
	default:
		return false
	}
}

// vp8Keyframe parses the VP8 payload descriptor (RFC 7741) and checks the
// P bit of the first partition of a frame start.
func vp8Keyframe(payload []byte) bool {
	first := payload[0]
	if first&0x10 == 0 || first&0x07 != 0 {
		return false // not S=1, PID=0
	}
	i := 1
	if first&0x80 != 0 {
		if len(payload) <= i {
			return false
		}
		ext := payload[i]
		i++
		if ext&0x80 != 0 { // I: picture id
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i++
			}
			i++
		}
		if ext&0x40 != 0 { // L: tl0picidx
			i++
		}
		if ext&0x30 != 0 { // T or K
			i++
		}
	}
	if len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}

// h264Keyframe detects an IDR slice, alone, in a STAP-A or starting a FU-A.
func h264Keyframe(payload []byte) bool {
	const (
		nalIDR  = 5
		nalSPS  = 7
		nalSTAP = 24
		nalFUA  = 28
	)
	switch nal := payload[0] & 0x1F; nal {
	case nalIDR, nalSPS:
		return true
	case nalSTAP:
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				break
			}
			if t := payload[i] & 0x1F; t == nalIDR || t == nalSPS {
				return true
			}
			i += size
		}
	case nalFUA:
		return len(payload) > 1 && payload[1]&0x80 != 0 && payload[1]&0x1F == nalIDR
	}
	return false
}
