package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockMetrics struct {
	ports.NopMetrics
	mock.Mock
}

func (m *mockMetrics) CommandIssued(kind string) {
	m.Called(kind)
}

func (m *mockMetrics) CommandCompleted(kind, status string, latency time.Duration) {
	m.Called(kind, status, latency)
}

func newDispatcher(t *testing.T, timeout time.Duration, metrics ports.Metrics) (*CommandDispatcher, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	d := NewCommandDispatcher(store, store, metrics, timeout, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() {
		d.Close()
		store.Close()
	})
	return d, store
}

func waitDone(t *testing.T, h ports.CommandHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("command handle did not complete")
	}
}

func assertPending(t *testing.T, h ports.CommandHandle) {
	t.Helper()
	select {
	case <-h.Done():
		t.Fatal("command handle completed unexpectedly")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestCommandDispatcher_IssueAndComplete(t *testing.T) {
	metrics := &mockMetrics{}
	metrics.On("CommandIssued", "TAKE_SCREENSHOT").Once()
	metrics.On("CommandCompleted", "TAKE_SCREENSHOT", "EXECUTED", mock.AnythingOfType("time.Duration")).Once()

	d, store := newDispatcher(t, time.Minute, metrics)
	ctx := context.Background()

	h, err := d.Issue(ctx, "a1", domain.CommandTakeScreenshot, nil)
	require.NoError(t, err)

	row, err := store.GetCommand(ctx, h.Command().ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandPending, row.Status)
	assert.Equal(t, domain.AgentID("a1"), row.AgentID)
	assert.JSONEq(t, `{}`, string(row.Payload))
	assert.Equal(t, 1, d.Pending("a1"))

	assertPending(t, h)
	_, err = store.UpdateCommandStatus(ctx, h.Command().ID, domain.CommandExecuted)
	require.NoError(t, err)
	waitDone(t, h)

	status, err := h.Result()
	assert.NoError(t, err)
	assert.Equal(t, domain.CommandExecuted, status)
	assert.Equal(t, 0, d.Pending("a1"))

	got, err := d.Get(ctx, h.Command().ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandExecuted, got.Status)
	metrics.AssertExpectations(t)
}

func TestCommandDispatcher_FailedStatus(t *testing.T) {
	d, store := newDispatcher(t, time.Minute, nil)
	ctx := context.Background()

	h, err := d.Issue(ctx, "a1", domain.CommandRecordClip, json.RawMessage(`{"duration":5}`))
	require.NoError(t, err)
	_, err = store.UpdateCommandStatus(ctx, h.Command().ID, domain.CommandFailed)
	require.NoError(t, err)
	waitDone(t, h)

	status, err := h.Result()
	assert.NoError(t, err)
	assert.Equal(t, domain.CommandFailed, status)
}

func TestCommandDispatcher_ForeignRowCompletesEarliestSameKind(t *testing.T) {
	d, store := newDispatcher(t, time.Minute, nil)
	ctx := context.Background()

	clip, err := d.Issue(ctx, "a1", domain.CommandRecordClip, nil)
	require.NoError(t, err)
	first, err := d.Issue(ctx, "a1", domain.CommandTakeScreenshot, nil)
	require.NoError(t, err)
	second, err := d.Issue(ctx, "a1", domain.CommandTakeScreenshot, nil)
	require.NoError(t, err)

	foreign := &domain.Command{AgentID: "a1", Kind: domain.CommandTakeScreenshot, Payload: json.RawMessage(`{}`)}
	require.NoError(t, store.InsertCommand(ctx, foreign))
	_, err = store.UpdateCommandStatus(ctx, foreign.ID, domain.CommandExecuted)
	require.NoError(t, err)

	waitDone(t, first)
	assertPending(t, second)
	assertPending(t, clip)

	// The matched handle's own row is settled and must not complete second.
	_, err = store.UpdateCommandStatus(ctx, first.Command().ID, domain.CommandExecuted)
	require.NoError(t, err)
	assertPending(t, second)

	_, err = store.UpdateCommandStatus(ctx, second.Command().ID, domain.CommandExecuted)
	require.NoError(t, err)
	waitDone(t, second)
}

func TestCommandDispatcher_OtherAgentsUpdatesIgnored(t *testing.T) {
	d, store := newDispatcher(t, time.Minute, nil)
	ctx := context.Background()

	h, err := d.Issue(ctx, "a1", domain.CommandTakeScreenshot, nil)
	require.NoError(t, err)

	other := &domain.Command{AgentID: "a2", Kind: domain.CommandTakeScreenshot}
	require.NoError(t, store.InsertCommand(ctx, other))
	_, err = store.UpdateCommandStatus(ctx, other.ID, domain.CommandExecuted)
	require.NoError(t, err)

	assertPending(t, h)
}

func TestCommandDispatcher_Timeout(t *testing.T) {
	metrics := &mockMetrics{}
	metrics.On("CommandIssued", "START_VIDEO")
	metrics.On("CommandCompleted", "START_VIDEO", "TIMEOUT", 20*time.Millisecond).Once()

	d, store := newDispatcher(t, 20*time.Millisecond, metrics)
	ctx := context.Background()

	h, err := d.Issue(ctx, "a1", domain.CommandStartVideo, nil)
	require.NoError(t, err)
	waitDone(t, h)

	status, err := h.Result()
	assert.Equal(t, domain.CommandPending, status)
	var timeoutErr *domain.CommandTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, h.Command().ID, timeoutErr.CommandID)

	// A late update for the expired row changes nothing.
	_, err = store.UpdateCommandStatus(ctx, h.Command().ID, domain.CommandExecuted)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	status, _ = h.Result()
	assert.Equal(t, domain.CommandPending, status)
	metrics.AssertExpectations(t)
}

func TestCommandDispatcher_Validation(t *testing.T) {
	d, _ := newDispatcher(t, time.Minute, nil)
	ctx := context.Background()

	_, err := d.Issue(ctx, "", domain.CommandTakeScreenshot, nil)
	assert.Error(t, err)
	_, err = d.Issue(ctx, "a1", "REBOOT", nil)
	assert.ErrorContains(t, err, "unknown command type")
}

type failingCommands struct {
	*memory.Store
}

func (failingCommands) InsertCommand(context.Context, *domain.Command) error {
	return errors.New("connection reset")
}

func TestCommandDispatcher_InsertFailure(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	d := NewCommandDispatcher(failingCommands{store}, store, nil, time.Minute, zaptest.NewLogger(t).Sugar())
	defer d.Close()

	_, err := d.Issue(context.Background(), "a1", domain.CommandTakeScreenshot, nil)
	var writeErr *domain.StoreWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, domain.TableCommands, writeErr.Table)
	assert.Equal(t, 0, d.Pending("a1"))
}

func TestCommandDispatcher_CloseFailsOutstanding(t *testing.T) {
	d, _ := newDispatcher(t, 0, nil)

	h, err := d.Issue(context.Background(), "a1", domain.CommandTakeScreenshot, nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	waitDone(t, h)
	_, err = h.Result()
	assert.ErrorIs(t, err, ErrDispatcherClosed)

	_, err = d.Issue(context.Background(), "a1", domain.CommandTakeScreenshot, nil)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}
