package webrtc

import (
	"fmt"
	"time"

	"fleetdesk/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// WaitForGathering holds a local description back until ICE gathering
	// completes, so it carries every candidate (no trickle).
	WaitForGathering   bool
	NegotiationTimeout time.Duration
	PLIInterval        time.Duration
}

// DefaultConfig returns a config using the public Google STUN server.
func DefaultConfig() Config {
	return Config{
		ICEServers:         []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		WaitForGathering:   true,
		NegotiationTimeout: 30 * time.Second,
		PLIInterval:        3 * time.Second,
	}
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	SSRC() webrtc.SSRC
	Kind() webrtc.RTPCodecType
	MimeType() string
	ReadPacket() (*rtp.Packet, error)
}

// RTCPSource yields RTCP arriving for a receiver.
type RTCPSource interface {
	ReadPackets() ([]rtcp.Packet, error)
}

// PeerConnection is the subset of a pion peer connection the session drives.
type PeerConnection interface {
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	// GatheringComplete must be requested before SetLocalDescription.
	GatheringComplete() <-chan struct{}
	OnTrack(f func(RemoteTrack, RTCPSource))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// PeerFactory creates a fresh peer connection per session attempt.
type PeerFactory func() (PeerConnection, error)

// NewPeerFactory builds pion peer connections with default codecs and
// interceptors, the configured ICE servers and UDP port range.
func NewPeerFactory(cfg Config) (PeerFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	config := webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, err
		}
		return &pionPeer{PeerConnection: pc}, nil
	}, nil
}

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.PeerConnection)
}

func (p *pionPeer) OnTrack(f func(RemoteTrack, RTCPSource)) {
	p.PeerConnection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f(pionTrack{track}, pionReceiver{receiver})
	})
}

type pionTrack struct {
	*webrtc.TrackRemote
}

func (t pionTrack) MimeType() string { return t.Codec().MimeType }

func (t pionTrack) ReadPacket() (*rtp.Packet, error) {
	pkt, _, err := t.ReadRTP()
	return pkt, err
}

type pionReceiver struct {
	*webrtc.RTPReceiver
}

func (r pionReceiver) ReadPackets() ([]rtcp.Packet, error) {
	pkts, _, err := r.ReadRTCP()
	return pkts, err
}

// toPion converts a wire description, rejecting unknown types.
func toPion(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(desc.Type)
	if t == webrtc.SDPType(webrtc.Unknown) {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", desc.Type)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{SDP: desc.SDP, Type: desc.Type.String()}
}
