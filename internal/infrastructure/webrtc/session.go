package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ControlOpener opens the control channel once a session is streaming.
type ControlOpener func(ctx context.Context, agentID domain.AgentID) (ports.ControlChannel, error)

// SessionDeps are the collaborators of one session.
type SessionDeps struct {
	NewPeer     PeerFactory
	Signaling   ports.SignalingChannel
	OpenControl ControlOpener
	Sink        Sink
	Observer    ports.PhaseObserver
	Metrics     ports.Metrics
	Logger      *zap.SugaredLogger
}

// Session negotiates and holds one live media session with an agent.
//
// Offer mode:  idle -> offering -> negotiating -> streaming
// Answer mode: idle -> awaiting_offer -> answering -> streaming
//
// Any phase may move to error; closed and error are terminal. Resources
// are released by the first terminal transition, whichever path gets
// there.
type Session struct {
	agentID domain.AgentID
	mode    domain.SessionMode
	cfg     Config
	deps    SessionDeps
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	phase   domain.SessionPhase
	status  string
	lastErr string
	pc      PeerConnection
	binder  *TrackBinder
	control ports.ControlChannel
	started bool
	timer   *time.Timer

	stopOnce sync.Once
}

func NewSession(agentID domain.AgentID, mode domain.SessionMode, cfg Config, deps SessionDeps) *Session {
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if mode == "" {
		mode = domain.ModeOffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		agentID: agentID,
		mode:    mode,
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("agent_id", agentID, "session_mode", mode),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		phase:   domain.PhaseIdle,
		status:  webrtc.ICEConnectionStateNew.String(),
	}
}

// Start runs the local half of the negotiation: in offer mode it publishes
// the OFFER, in answer mode it asks the agent for one. The remote half
// continues in the background. A failure moves the session to error and
// releases everything.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return domain.ErrSessionActive
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := tracing.TraceWebRTC(ctx, "start", string(s.agentID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.SessionModeKey.String(string(s.mode)))

	pc, err := s.deps.NewPeer()
	if err != nil {
		tracing.RecordError(ctx, err)
		return s.fail(&domain.NegotiationError{Op: "create_peer", Err: err})
	}
	binder := NewTrackBinder(pc.WriteRTCP, s.deps.Sink, s.cfg.PLIInterval, s.deps.Metrics, s.logger)

	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		pc.Close()
		return domain.ErrSessionClosed
	}
	s.pc = pc
	s.binder = binder
	s.mu.Unlock()
	s.deps.Metrics.SessionsActive(1)

	pc.OnTrack(func(track RemoteTrack, receiver RTCPSource) {
		binder.Bind(track, receiver)
	})
	pc.OnICEConnectionStateChange(s.onICEState)

	if s.cfg.NegotiationTimeout > 0 {
		t := time.AfterFunc(s.cfg.NegotiationTimeout, s.negotiationExpired)
		s.mu.Lock()
		s.timer = t
		s.mu.Unlock()
	}

	if s.mode == domain.ModeAnswer {
		err = s.requestOffer(ctx)
	} else {
		err = s.offer(ctx, pc)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return s.fail(err)
	}

	go s.awaitRemote(pc)
	return nil
}

func (s *Session) offer(ctx context.Context, pc PeerConnection) error {
	if !s.setPhase(domain.PhaseOffering) {
		return domain.ErrSessionClosed
	}
	if err := s.deps.Signaling.Open(ctx); err != nil {
		return err
	}

	// role 0 screen, role 1 camera
	for i := 0; i < 2; i++ {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return &domain.NegotiationError{Op: "add_transceiver", Err: err}
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return &domain.NegotiationError{Op: "create_offer", Err: err}
	}
	local, err := s.setLocal(ctx, pc, offer)
	if err != nil {
		return err
	}
	return s.send(ctx, domain.SignalOffer, local)
}

func (s *Session) requestOffer(ctx context.Context) error {
	if err := s.deps.Signaling.Open(ctx); err != nil {
		return err
	}
	if !s.setPhase(domain.PhaseAwaitingOffer) {
		return domain.ErrSessionClosed
	}
	return s.deps.Signaling.RequestOffer(ctx)
}

// setLocal applies a local description and, if configured, waits for ICE
// gathering so the published description carries all candidates.
func (s *Session) setLocal(ctx context.Context, pc PeerConnection, desc webrtc.SessionDescription) (domain.SessionDescription, error) {
	var gathered <-chan struct{}
	if s.cfg.WaitForGathering {
		gathered = pc.GatheringComplete()
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return domain.SessionDescription{}, &domain.NegotiationError{Op: "set_local_description", Err: err}
	}
	if gathered != nil {
		select {
		case <-gathered:
		case <-ctx.Done():
			return domain.SessionDescription{}, &domain.NegotiationError{Op: "gather", Err: ctx.Err()}
		case <-s.ctx.Done():
			return domain.SessionDescription{}, domain.ErrSessionClosed
		}
	}
	if ld := pc.LocalDescription(); ld != nil {
		desc = *ld
	}
	return fromPion(desc), nil
}

func (s *Session) send(ctx context.Context, kind domain.SignalKind, desc domain.SessionDescription) error {
	return s.deps.Signaling.Send(ctx, domain.Signal{Kind: kind, Description: desc, Scope: s.agentID})
}

// awaitRemote waits for the peer's description. The first one wins the
// negotiation, but signals already queued behind it supersede it.
func (s *Session) awaitRemote(pc PeerConnection) {
	want := domain.SignalAnswer
	if s.mode == domain.ModeAnswer {
		want = domain.SignalOffer
	}
	signals := s.deps.Signaling.Signals()
	applied := false

	for {
		select {
		case <-s.ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				if !applied {
					s.fail(&domain.SignalingError{Op: "receive", Err: domain.ErrRelayClosed})
				}
				return
			}
			if !s.accept(sig, want) {
				continue
			}
			if applied {
				s.logger.Infow("ignoring signal after negotiation", "type", sig.Kind)
				continue
			}
			sig = s.latest(signals, sig, want)
			applied = true
			if err := s.applyRemote(pc, sig); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) accept(sig domain.Signal, want domain.SignalKind) bool {
	if sig.Scope != s.agentID {
		s.logger.Warnw("ignoring signal for another agent", "scope", sig.Scope, "type", sig.Kind)
		return false
	}
	if sig.Kind != want {
		s.logger.Debugw("ignoring unexpected signal", "type", sig.Kind, "want", want)
		return false
	}
	return true
}

func (s *Session) latest(signals <-chan domain.Signal, sig domain.Signal, want domain.SignalKind) domain.Signal {
	for {
		select {
		case next, ok := <-signals:
			if !ok {
				return sig
			}
			if s.accept(next, want) {
				sig = next
			}
		default:
			return sig
		}
	}
}

func (s *Session) applyRemote(pc PeerConnection, sig domain.Signal) error {
	ctx, span := tracing.TraceWebRTC(s.ctx, "set_remote_description", string(s.agentID))
	defer span.End()

	desc, err := toPion(sig.Description)
	if err != nil {
		return &domain.NegotiationError{Op: "parse_description", Err: err}
	}

	if s.mode == domain.ModeOffer {
		if desc.Type != webrtc.SDPTypeAnswer {
			return &domain.NegotiationError{Op: "parse_description", Err: fmt.Errorf("expected answer, got %s", desc.Type)}
		}
		// the phase moves first so a fast ICE connect finds it
		if !s.setPhase(domain.PhaseNegotiating) {
			return domain.ErrSessionClosed
		}
		if err := pc.SetRemoteDescription(desc); err != nil {
			tracing.RecordError(ctx, err)
			return &domain.NegotiationError{Op: "set_remote_description", Err: err}
		}
		return nil
	}

	if desc.Type != webrtc.SDPTypeOffer {
		return &domain.NegotiationError{Op: "parse_description", Err: fmt.Errorf("expected offer, got %s", desc.Type)}
	}
	if !s.setPhase(domain.PhaseAnswering) {
		return domain.ErrSessionClosed
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		tracing.RecordError(ctx, err)
		return &domain.NegotiationError{Op: "set_remote_description", Err: err}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return &domain.NegotiationError{Op: "create_answer", Err: err}
	}
	local, err := s.setLocal(ctx, pc, answer)
	if err != nil {
		return err
	}
	return s.send(ctx, domain.SignalAnswer, local)
}

func (s *Session) onICEState(state webrtc.ICEConnectionState) {
	s.logger.Infow("ICE connection state changed", "ice_state", state)

	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = state.String()
	s.mu.Unlock()

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.streaming()
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		// not from inside the pion callback
		go s.teardown(domain.PhaseClosed, state.String())
	default:
		s.notify()
	}
}

func (s *Session) streaming() {
	s.mu.Lock()
	if s.phase != domain.PhaseNegotiating && s.phase != domain.PhaseAnswering {
		s.mu.Unlock()
		s.notify()
		return
	}
	s.mu.Unlock()

	if !s.setPhase(domain.PhaseStreaming) {
		return
	}
	s.stopTimer()
	if s.deps.OpenControl != nil {
		go s.openControl()
	}
}

func (s *Session) openControl() {
	ctrl, err := s.deps.OpenControl(s.ctx, s.agentID)
	if err != nil {
		s.logger.Warnw("failed to open control channel", "error", err)
		return
	}
	s.mu.Lock()
	if s.phase != domain.PhaseStreaming {
		s.mu.Unlock()
		ctrl.Close()
		return
	}
	s.control = ctrl
	s.mu.Unlock()
	s.logger.Infow("control channel open")
}

func (s *Session) negotiationExpired() {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	if phase == domain.PhaseStreaming || phase.Terminal() {
		return
	}
	s.fail(&domain.NegotiationError{Op: "timeout", Err: context.DeadlineExceeded})
}

// setPhase moves to a non-terminal phase; false once the session has ended.
func (s *Session) setPhase(phase domain.SessionPhase) bool {
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.phase = phase
	s.mu.Unlock()

	s.deps.Metrics.SessionPhase(string(phase))
	s.logger.Infow("session phase changed", "session_phase", phase)
	s.notify()
	return true
}

func (s *Session) notify() {
	if s.deps.Observer == nil {
		return
	}
	s.mu.Lock()
	phase, status := s.phase, s.status
	s.mu.Unlock()
	s.deps.Observer(s.agentID, phase, status)
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	if !s.phase.Terminal() {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	s.logger.Errorw("session failed", "error", err)
	s.teardown(domain.PhaseError, "failed")
	return err
}

func (s *Session) stopTimer() {
	s.mu.Lock()
	t := s.timer
	s.timer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Stop closes the session. It is safe to call any number of times from
// any goroutine.
func (s *Session) Stop() {
	s.teardown(domain.PhaseClosed, "closed")
}

// teardown releases the peer connection, the signaling channel and the
// control channel, in that order, exactly once.
func (s *Session) teardown(phase domain.SessionPhase, status string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.phase = phase
		s.status = status
		pc, ctrl, binder, started := s.pc, s.control, s.binder, s.started && s.pc != nil
		s.control = nil
		s.mu.Unlock()

		s.cancel()
		s.stopTimer()

		if binder != nil {
			binder.Close()
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				s.logger.Warnw("failed to close peer connection", "error", err)
			}
		}
		if s.deps.Signaling != nil {
			if err := s.deps.Signaling.Close(); err != nil {
				s.logger.Warnw("failed to close signaling channel", "error", err)
			}
		}
		if ctrl != nil {
			if err := ctrl.Close(); err != nil {
				s.logger.Warnw("failed to close control channel", "error", err)
			}
		}

		if started {
			s.deps.Metrics.SessionsActive(-1)
		}
		s.deps.Metrics.SessionPhase(string(phase))
		s.logger.Infow("session ended", "session_phase", phase, "status", status)
		s.notify()
		close(s.done)
	})
}

// SendControl forwards an input event while streaming and is a no-op
// otherwise.
func (s *Session) SendControl(event domain.ControlEvent) {
	s.mu.Lock()
	ctrl := s.control
	streaming := s.phase == domain.PhaseStreaming
	s.mu.Unlock()
	if streaming && ctrl != nil {
		ctrl.Send(event)
	}
}

func (s *Session) Phase() domain.SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	st := domain.SessionStatus{
		AgentID:   s.agentID,
		Mode:      s.mode,
		Phase:     s.phase,
		Status:    s.status,
		LastError: s.lastErr,
	}
	binder := s.binder
	s.mu.Unlock()
	if binder != nil {
		st.Tracks = binder.Tracks()
	}
	return st
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }
