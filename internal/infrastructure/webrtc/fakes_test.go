package webrtc

import (
	"context"
	"io"
	"sync"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakePeer struct {
	rec *recorder

	mu           sync.Mutex
	transceivers []webrtc.RTPTransceiverInit
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	remoteErr    error
	onTrack      func(RemoteTrack, RTCPSource)
	onICE        func(webrtc.ICEConnectionState)
	rtcp         []rtcp.Packet
	closed       int
}

var _ PeerConnection = (*fakePeer)(nil)

func (p *fakePeer) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transceivers = append(p.transceivers, init...)
	return nil, nil
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) GatheringComplete() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *fakePeer) OnTrack(f func(RemoteTrack, RTCPSource)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *fakePeer) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	if p.rec != nil {
		p.rec.add("peer")
	}
	return nil
}

func (p *fakePeer) setICE(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	f(state)
}

func (p *fakePeer) remoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeSignaling struct {
	rec     *recorder
	openErr error
	signals chan domain.Signal

	mu       sync.Mutex
	opened   int
	sent     []domain.Signal
	requests int
	closed   int
}

var _ ports.SignalingChannel = (*fakeSignaling)(nil)

func newFakeSignaling(rec *recorder) *fakeSignaling {
	return &fakeSignaling{rec: rec, signals: make(chan domain.Signal, 8)}
}

func (s *fakeSignaling) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return &domain.SignalingError{Op: "subscribe", Err: s.openErr}
	}
	s.opened++
	return nil
}

func (s *fakeSignaling) Send(_ context.Context, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sig)
	return nil
}

func (s *fakeSignaling) RequestOffer(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	return nil
}

func (s *fakeSignaling) Signals() <-chan domain.Signal { return s.signals }

func (s *fakeSignaling) OfferRequests() <-chan struct{} { return nil }

func (s *fakeSignaling) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	if s.rec != nil {
		s.rec.add("signaling")
	}
	return nil
}

func (s *fakeSignaling) sentSignals() []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Signal(nil), s.sent...)
}

func (s *fakeSignaling) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeControl struct {
	rec *recorder

	mu     sync.Mutex
	events []domain.ControlEvent
	closed int
}

func (c *fakeControl) Send(event domain.ControlEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == 0 {
		c.events = append(c.events, event)
	}
}

func (c *fakeControl) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	if c.rec != nil {
		c.rec.add("control")
	}
	return nil
}

func (c *fakeControl) sent() []domain.ControlEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ControlEvent(nil), c.events...)
}

func (c *fakeControl) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTrack struct {
	id       string
	streamID string
	ssrc     webrtc.SSRC
	kind     webrtc.RTPCodecType
	mime     string
	packets  chan *rtp.Packet
}

func newFakeTrack(id string, ssrc webrtc.SSRC) *fakeTrack {
	return &fakeTrack{
		id:       id,
		streamID: "stream-" + id,
		ssrc:     ssrc,
		kind:     webrtc.RTPCodecTypeVideo,
		mime:     webrtc.MimeTypeVP8,
		packets:  make(chan *rtp.Packet, 16),
	}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) StreamID() string          { return t.streamID }
func (t *fakeTrack) SSRC() webrtc.SSRC         { return t.ssrc }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) MimeType() string          { return t.mime }

func (t *fakeTrack) ReadPacket() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type phaseLog struct {
	mu      sync.Mutex
	entries []domain.SessionPhase
	status  []string
}

func (l *phaseLog) observe(_ domain.AgentID, phase domain.SessionPhase, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, phase)
	l.status = append(l.status, status)
}

func (l *phaseLog) last() (domain.SessionPhase, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return "", ""
	}
	return l.entries[len(l.entries)-1], l.status[len(l.status)-1]
}
