package webrtc

import (
	"context"
	"testing"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/internal/infrastructure/relay"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type managerFixture struct {
	manager *SessionManager
	relay   *relay.MemoryRelay
	peers   chan *fakePeer
	sigs    map[domain.AgentID]*fakeSignaling
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		relay: relay.NewMemoryRelay(),
		peers: make(chan *fakePeer, 8),
		sigs:  make(map[domain.AgentID]*fakeSignaling),
	}
	f.manager = NewSessionManager(ManagerDeps{
		Config: testConfig(),
		NewPeer: func() (PeerConnection, error) {
			p := &fakePeer{}
			f.peers <- p
			return p, nil
		},
		Signaling: func(id domain.AgentID, self domain.Party) ports.SignalingChannel {
			sig := newFakeSignaling(nil)
			f.sigs[id] = sig
			return sig
		},
		Relay:  f.relay,
		Logger: zaptest.NewLogger(t).Sugar(),
	})
	t.Cleanup(func() {
		f.manager.Close()
		f.relay.Close()
	})
	return f
}

func TestSessionManagerOneSessionPerAgent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	st, err := f.manager.Start(ctx, agentID, domain.ModeOffer)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOffering, st.Phase)
	assert.Equal(t, domain.ModeOffer, st.Mode)

	st, err = f.manager.Start(ctx, agentID, domain.ModeOffer)
	assert.ErrorIs(t, err, domain.ErrSessionActive)
	assert.Equal(t, domain.PhaseOffering, st.Phase)

	_, err = f.manager.Start(ctx, "agent-2", domain.ModeAnswer)
	require.NoError(t, err)

	require.NoError(t, f.manager.Stop(agentID))
	st, err = f.manager.Status(agentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseClosed, st.Phase)
	require.NoError(t, f.manager.Stop(agentID))

	st, err = f.manager.Start(ctx, agentID, domain.ModeOffer)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOffering, st.Phase)
}

func TestSessionManagerUnknownAgentStopIsNoop(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Status("nobody")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.NoError(t, f.manager.Stop("nobody"))
	assert.NoError(t, f.manager.Stop("nobody"))
	assert.ErrorIs(t, f.manager.SendControl("nobody", domain.KeyPress("a")), domain.ErrSessionNotFound)
}

func TestSessionManagerRejectsInvalidControl(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Start(context.Background(), agentID, domain.ModeOffer)
	require.NoError(t, err)

	err = f.manager.SendControl(agentID, domain.ControlEvent{Kind: domain.ControlPointerMove})
	assert.Error(t, err)
	assert.NoError(t, f.manager.SendControl(agentID, domain.KeyPress("a")))
}

func TestSessionManagerControlOverRelay(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	agent, err := f.relay.Join(ctx, domain.ControlTopic(agentID))
	require.NoError(t, err)

	_, err = f.manager.Start(ctx, agentID, domain.ModeOffer)
	require.NoError(t, err)
	peer := <-f.peers

	f.sigs[agentID].signals <- answer(agentID, "v=0 remote")
	require.Eventually(t, func() bool {
		st, _ := f.manager.Status(agentID)
		return st.Phase == domain.PhaseNegotiating
	}, time.Second, 5*time.Millisecond)

	peer.setICE(webrtc.ICEConnectionStateConnected)
	require.Eventually(t, func() bool {
		return f.relay.Subscribers(domain.ControlTopic(agentID)) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.SendControl(agentID, domain.PointerClick(0.2, 0.8, "")))
	select {
	case msg := <-agent.Messages():
		assert.Equal(t, "POINTER_CLICK", msg.Event)
		assert.JSONEq(t, `{"x":0.2,"y":0.8,"button":"left"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("no control event")
	}

	require.NoError(t, f.manager.Stop(agentID))
	assert.Equal(t, 1, f.relay.Subscribers(domain.ControlTopic(agentID)))
}

func TestSessionManagerCloseRejectsStart(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.Close()
	_, err := f.manager.Start(context.Background(), agentID, domain.ModeOffer)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}
