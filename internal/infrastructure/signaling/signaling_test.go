package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/internal/infrastructure/relay"
	"fleetdesk/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const agentID = domain.AgentID("a1")

func offer(sdp string) domain.Signal {
	return domain.Signal{
		Kind:        domain.SignalOffer,
		Description: domain.SessionDescription{SDP: sdp, Type: "offer"},
		Scope:       agentID,
	}
}

func nextSignal(t *testing.T, ch ports.SignalingChannel) domain.Signal {
	t.Helper()
	select {
	case sig := <-ch.Signals():
		return sig
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
		return domain.Signal{}
	}
}

func assertNoSignal(t *testing.T, ch ports.SignalingChannel) {
	t.Helper()
	select {
	case sig := <-ch.Signals():
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(30 * time.Millisecond):
	}
}

func waitOfferRequest(t *testing.T, ch ports.SignalingChannel) {
	t.Helper()
	select {
	case <-ch.OfferRequests():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for offer request")
	}
}

type pair struct {
	operator ports.SignalingChannel
	agent    ports.SignalingChannel
}

func openPair(t *testing.T, factory ports.SignalingFactory) pair {
	t.Helper()
	ctx := context.Background()
	p := pair{operator: factory(agentID, domain.PartyOperator), agent: factory(agentID, domain.PartyAgent)}
	require.NoError(t, p.operator.Open(ctx))
	require.NoError(t, p.agent.Open(ctx))
	t.Cleanup(func() {
		p.operator.Close()
		p.agent.Close()
	})
	return p
}

func transports(t *testing.T) map[string]ports.SignalingFactory {
	log := zaptest.NewLogger(t).Sugar()
	out := map[string]ports.SignalingFactory{}
	for _, name := range []string{TransportStore, TransportBroadcast} {
		store := memory.NewStore()
		r := relay.NewMemoryRelay()
		t.Cleanup(func() {
			r.Close()
			store.Close()
		})
		f, err := NewFactory(name, store, r, "op-1", nil, log)
		require.NoError(t, err)
		out[name] = f
	}
	return out
}

func TestOfferAnswerExchange(t *testing.T) {
	for name, factory := range transports(t) {
		t.Run(name, func(t *testing.T) {
			p := openPair(t, factory)
			ctx := context.Background()

			require.NoError(t, p.operator.Send(ctx, offer("v=0 operator")))
			got := nextSignal(t, p.agent)
			assert.Equal(t, domain.SignalOffer, got.Kind)
			assert.Equal(t, "v=0 operator", got.Description.SDP)
			assert.Equal(t, "offer", got.Description.Type)
			assert.Equal(t, agentID, got.Scope)
			assertNoSignal(t, p.operator)

			require.NoError(t, p.agent.Send(ctx, domain.Signal{
				Kind:        domain.SignalAnswer,
				Description: domain.SessionDescription{SDP: "v=0 agent", Type: "answer"},
			}))
			got = nextSignal(t, p.operator)
			assert.Equal(t, domain.SignalAnswer, got.Kind)
			assert.Equal(t, "v=0 agent", got.Description.SDP)
			assertNoSignal(t, p.agent)
		})
	}
}

func TestRequestOfferReachesAgentOnly(t *testing.T) {
	for name, factory := range transports(t) {
		t.Run(name, func(t *testing.T) {
			p := openPair(t, factory)

			require.NoError(t, p.operator.RequestOffer(context.Background()))
			waitOfferRequest(t, p.agent)
			assertNoSignal(t, p.agent)

			select {
			case <-p.operator.OfferRequests():
				t.Fatal("operator received its own offer request")
			case <-time.After(30 * time.Millisecond):
			}
		})
	}
}

func TestOtherAgentsSignalsAreInvisible(t *testing.T) {
	for name, factory := range transports(t) {
		t.Run(name, func(t *testing.T) {
			p := openPair(t, factory)
			ctx := context.Background()

			other := factory("a2", domain.PartyOperator)
			require.NoError(t, other.Open(ctx))
			defer other.Close()

			require.NoError(t, other.Send(ctx, offer("v=0 for a2")))
			assertNoSignal(t, p.agent)
		})
	}
}

func TestSendBeforeOpenAndAfterClose(t *testing.T) {
	for name, factory := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ch := factory(agentID, domain.PartyOperator)
			var sigErr *domain.SignalingError
			err := ch.Send(context.Background(), offer("v=0"))
			require.ErrorAs(t, err, &sigErr)
			assert.Equal(t, "send", sigErr.Op)

			require.NoError(t, ch.Open(context.Background()))
			require.NoError(t, ch.Close())
			require.NoError(t, ch.Close())

			err = ch.Send(context.Background(), offer("v=0"))
			assert.ErrorIs(t, err, domain.ErrSessionClosed)
			assert.ErrorIs(t, ch.Open(context.Background()), domain.ErrSessionClosed)
		})
	}
}

func TestStoreChannelRowAddressing(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	log := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()

	rows, err := store.Subscribe(ctx, domain.ChangeFilter{Table: domain.TableSignaling, Op: domain.OpInsert})
	require.NoError(t, err)
	defer rows.Close()

	operator := NewStoreChannel(store, agentID, domain.PartyOperator, "op-1", nil, log)
	require.NoError(t, operator.Open(ctx))
	defer operator.Close()
	require.NoError(t, operator.Send(ctx, offer("v=0 operator")))

	select {
	case ev := <-rows.Events():
		var row domain.SignalRow
		require.NoError(t, json.Unmarshal(ev.New, &row))
		assert.Equal(t, "op-1", row.SenderID)
		assert.Equal(t, string(agentID), row.RecipientID)
		assert.Equal(t, domain.SignalOffer, row.Type)
		assert.NotEmpty(t, row.ID)
		assert.JSONEq(t, `{"sdp":"v=0 operator","type":"offer"}`, string(row.Payload))
	case <-time.After(time.Second):
		t.Fatal("no signaling row inserted")
	}
}

func TestStoreChannelDropsMalformedRows(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	ctx := context.Background()

	operator := NewStoreChannel(store, agentID, domain.PartyOperator, "op-1", nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, operator.Open(ctx))
	defer operator.Close()

	require.NoError(t, store.InsertSignal(ctx, &domain.SignalRow{
		SenderID: string(agentID), RecipientID: "op-1", Type: "BOGUS", Payload: json.RawMessage(`{}`),
	}))
	require.NoError(t, store.InsertSignal(ctx, &domain.SignalRow{
		SenderID: string(agentID), RecipientID: "op-1", Type: domain.SignalAnswer, Payload: json.RawMessage(`"nope"`),
	}))
	require.NoError(t, store.InsertSignal(ctx, &domain.SignalRow{
		SenderID: string(agentID), RecipientID: "op-1", Type: domain.SignalAnswer, Payload: json.RawMessage(`{"sdp":"v=0 ok","type":"answer"}`),
	}))

	assert.Equal(t, "v=0 ok", nextSignal(t, operator).Description.SDP)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) InsertSignal(context.Context, *domain.SignalRow) error {
	return errors.New("disk full")
}

func TestStoreChannelWriteFailure(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	ch := NewStoreChannel(failingStore{store}, agentID, domain.PartyOperator, "op-1", nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, ch.Open(context.Background()))
	defer ch.Close()

	err := ch.Send(context.Background(), offer("v=0"))
	var writeErr *domain.StoreWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, domain.TableSignaling, writeErr.Table)
}

type failingRelay struct{ relay.MemoryRelay }

func (*failingRelay) Join(context.Context, string) (ports.RelayChannel, error) {
	return nil, errors.New("relay unreachable")
}

func TestBroadcastChannelJoinFailure(t *testing.T) {
	ch := NewBroadcastChannel(&failingRelay{}, agentID, domain.PartyOperator, nil, zaptest.NewLogger(t).Sugar())
	err := ch.Open(context.Background())
	var sigErr *domain.SignalingError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, "subscribe", sigErr.Op)
}

func TestBroadcastChannelIgnoresOtherEvents(t *testing.T) {
	r := relay.NewMemoryRelay()
	defer r.Close()
	ctx := context.Background()

	agent := NewBroadcastChannel(r, agentID, domain.PartyAgent, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, agent.Open(ctx))
	defer agent.Close()

	raw, err := r.Join(ctx, domain.SignalingTopic(agentID))
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.Broadcast(ctx, "PRESENCE", json.RawMessage(`{}`)))
	require.NoError(t, raw.Broadcast(ctx, "OFFER", json.RawMessage(`[1,2]`)))
	require.NoError(t, raw.Broadcast(ctx, "OFFER", json.RawMessage(`{"sdp":"v=0 ok","type":"offer"}`)))

	assert.Equal(t, "v=0 ok", nextSignal(t, agent).Description.SDP)
}

func TestNewFactory(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	store := memory.NewStore()
	defer store.Close()

	_, err := NewFactory("carrier-pigeon", store, nil, "op", nil, log)
	assert.ErrorContains(t, err, "unknown signaling transport")

	_, err = NewFactory(TransportBroadcast, store, nil, "op", nil, log)
	assert.Error(t, err)

	_, err = NewFactory(TransportStore, nil, relay.NewMemoryRelay(), "op", nil, log)
	assert.Error(t, err)

	f, err := NewFactory("", nil, relay.NewMemoryRelay(), "op", nil, log)
	require.NoError(t, err)
	assert.IsType(t, &BroadcastChannel{}, f(agentID, domain.PartyOperator))
}
