// Command agentsim is a stand-in remote agent for local testing. It
// registers itself, heartbeats, completes commands with placeholder artifacts, answers or sends
// offers with two idle VP8 tracks and prints control events.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/internal/infrastructure/repositories"
	signalinginfra "fleetdesk/internal/infrastructure/signaling"
	"fleetdesk/pkg/config"
	"fleetdesk/pkg/logger"
	"fleetdesk/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// vp8Keyframe is a minimal 320x240 keyframe header; enough for ingest
// counters, not for decoding.
var vp8Keyframe = []byte{0x50, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00}

type agent struct {
	id     domain.AgentID
	store  ports.Store
	relay  ports.Relay
	sig    ports.SignalingChannel
	ice    []webrtc.ICEServer
	logger *zap.SugaredLogger

	pc *webrtc.PeerConnection
}

func main() {
	path := os.Getenv("FLEETDESK_CONFIG")
	if path == "" {
		path = "configs/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := repositories.NewFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer factory.Close()

	store := factory.CreateStore()
	defer store.Close()

	relay, err := factory.CreateRelay(ctx)
	if err != nil {
		log.Fatalw("failed to connect relay", "error", err)
	}
	defer relay.Close()

	id := domain.AgentID(os.Getenv("FLEETDESK_AGENT_ID"))
	if id == "" {
		id = "agent-sim"
	}
	signals, err := signalinginfra.NewFactory(cfg.Signaling.Transport, store, relay, cfg.Signaling.OperatorID, ports.NopMetrics{}, log)
	if err != nil {
		log.Fatalw("failed to build signaling", "error", err)
	}

	a := &agent{
		id:     id,
		store:  store,
		relay:  relay,
		sig:    signals(id, domain.PartyAgent),
		logger: log.With("agent_id", id),
	}
	for _, s := range cfg.WebRTC.ICEServers {
		a.ice = append(a.ice, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}

	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalw("agent stopped", "error", err)
	}
}

func (a *agent) run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	commands, err := a.store.Subscribe(ctx, domain.ChangeFilter{
		Table:  domain.TableCommands,
		Op:     domain.OpInsert,
		Column: "employee_id",
		Value:  string(a.id),
	})
	if err != nil {
		return err
	}
	defer commands.Close()

	pending, err := a.store.ListPendingCommands(ctx, a.id)
	if err != nil {
		return err
	}
	for _, cmd := range pending {
		a.execute(ctx, cmd)
	}

	if err := a.sig.Open(ctx); err != nil {
		return err
	}
	defer a.sig.Close()

	control, err := a.relay.Join(ctx, domain.ControlTopic(a.id))
	if err != nil {
		return err
	}
	defer control.Close()

	defer a.closePeer()

	a.logger.Info("agent simulator ready")
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := a.store.Touch(ctx, a.id, utils.FormatTimestamp(time.Now())); err != nil {
				a.logger.Warnw("heartbeat failed", "error", err)
			}
		case ev, ok := <-commands.Events():
			if !ok {
				return errors.New("command feed closed")
			}
			var cmd domain.Command
			if err := json.Unmarshal(ev.New, &cmd); err != nil {
				a.logger.Warnw("malformed command row", "error", err)
				continue
			}
			a.execute(ctx, &cmd)
		case sig := <-a.sig.Signals():
			switch sig.Kind {
			case domain.SignalOffer:
				a.answer(ctx, sig)
			case domain.SignalAnswer:
				a.accept(sig)
			}
		case <-a.sig.OfferRequests():
			a.offer(ctx)
		case msg, ok := <-control.Messages():
			if !ok {
				return errors.New("control channel closed")
			}
			a.logger.Infow("control event", "type", msg.Event, "payload", string(msg.Payload))
		}
	}
}

func (a *agent) register(ctx context.Context) error {
	now := utils.FormatTimestamp(time.Now())
	_, err := a.store.GetAgent(ctx, a.id)
	if errors.Is(err, domain.ErrAgentNotFound) {
		host, _ := os.Hostname()
		return a.store.AddAgent(ctx, &domain.Agent{
			ID:       a.id,
			Hostname: host,
			LastSeen: now,
			Settings: domain.DefaultAgentSettings(),
		})
	}
	if err != nil {
		return err
	}
	return a.store.Touch(ctx, a.id, now)
}

func (a *agent) execute(ctx context.Context, cmd *domain.Command) {
	a.logger.Infow("executing command", "command_id", cmd.ID, "type", cmd.Kind)
	if artifact := placeholderArtifact(a.id, cmd); artifact != nil {
		if err := a.store.InsertArtifact(ctx, artifact); err != nil {
			a.logger.Warnw("failed to store artifact", "command_id", cmd.ID, "error", err)
		}
	}
	if _, err := a.store.UpdateCommandStatus(ctx, cmd.ID, domain.CommandExecuted); err != nil {
		a.logger.Warnw("failed to complete command", "command_id", cmd.ID, "error", err)
	}
}

// placeholderArtifact is the row a capture command leaves behind. Nothing
// is uploaded, so the storage path resolves to nothing.
func placeholderArtifact(id domain.AgentID, cmd *domain.Command) *domain.Artifact {
	switch cmd.Kind {
	case domain.CommandTakeScreenshot:
		return &domain.Artifact{AgentID: id, Kind: domain.ArtifactScreenshot, StoragePath: string(id) + "/" + string(cmd.ID) + ".png"}
	case domain.CommandRecordClip:
		return &domain.Artifact{AgentID: id, Kind: domain.ArtifactVideo, StoragePath: string(id) + "/" + string(cmd.ID) + ".webm"}
	}
	return nil
}

// newPeer replaces any previous peer with one carrying screen and camera
// tracks.
func (a *agent) newPeer(ctx context.Context) (*webrtc.PeerConnection, error) {
	a.closePeer()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: a.ice})
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"screen", "camera"} {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, name, "agent-"+string(a.id))
		if err != nil {
			pc.Close()
			return nil, err
		}
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}); err != nil {
			pc.Close()
			return nil, err
		}
		go a.pump(ctx, pc, track)
	}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		a.logger.Infow("ice state", "state", state.String())
	})
	a.pc = pc
	return pc, nil
}

func (a *agent) pump(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
				return
			}
			_ = track.WriteSample(media.Sample{Data: vp8Keyframe, Duration: time.Second})
		}
	}
}

func (a *agent) closePeer() {
	if a.pc != nil {
		a.pc.Close()
		a.pc = nil
	}
}

func (a *agent) answer(ctx context.Context, offer domain.Signal) {
	pc, err := a.newPeer(ctx)
	if err != nil {
		a.logger.Warnw("failed to create peer", "error", err)
		return
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.Description.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		a.logger.Warnw("rejected offer", "error", err)
		return
	}
	desc, err := pc.CreateAnswer(nil)
	if err != nil {
		a.logger.Warnw("failed to create answer", "error", err)
		return
	}
	a.publish(ctx, pc, domain.SignalAnswer, desc)
}

// accept applies the operator's answer to our reverse offer.
func (a *agent) accept(answer domain.Signal) {
	if a.pc == nil {
		return
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.Description.SDP}
	if err := a.pc.SetRemoteDescription(remote); err != nil {
		a.logger.Warnw("rejected answer", "error", err)
	}
}

func (a *agent) offer(ctx context.Context) {
	pc, err := a.newPeer(ctx)
	if err != nil {
		a.logger.Warnw("failed to create peer", "error", err)
		return
	}
	desc, err := pc.CreateOffer(nil)
	if err != nil {
		a.logger.Warnw("failed to create offer", "error", err)
		return
	}
	a.publish(ctx, pc, domain.SignalOffer, desc)
}

func (a *agent) publish(ctx context.Context, pc *webrtc.PeerConnection, kind domain.SignalKind, desc webrtc.SessionDescription) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		a.logger.Warnw("failed to set local description", "error", err)
		return
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return
	}
	local := pc.LocalDescription()
	sig := domain.Signal{
		Kind:        kind,
		Description: domain.SessionDescription{SDP: local.SDP, Type: local.Type.String()},
		Scope:       a.id,
	}
	if err := a.sig.Send(ctx, sig); err != nil {
		a.logger.Warnw("failed to send signal", "type", kind, "error", err)
		return
	}
	a.logger.Infow("sent signal", "type", kind)
}
