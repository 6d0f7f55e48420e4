package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingLog struct{ EventLog }

func (failingLog) Since(context.Context, string, int64) ([]Event, error) {
	return nil, errors.New("unavailable")
}

func newTestReconnector(registry *Registry, log EventLog, clock *manualClock) *Reconnector {
	return NewReconnector(ReconnectorConfig{
		Registry:          registry,
		Log:               log,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		Clock:             clock.Now,
		Logger:            zap.NewNop(),
	})
}

func TestOnDisconnectIsIdempotent(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	reconnector := newTestReconnector(registry, nil, newManualClock())
	session := joinLive(t, registry, "conn-a", "alice", 0)

	require.True(t, reconnector.OnDisconnect(session, LeaveDisconnected))
	require.False(t, reconnector.OnDisconnect(session, LeaveDisconnected))
	require.False(t, reconnector.Evict(session, LeaveEvicted))
	require.Equal(t, StateLeft, session.State())
	require.Equal(t, Stats{}, registry.Stats())

	select {
	case <-session.Done():
	default:
		t.Fatalf("expected done to be closed")
	}

	_, err := reconnector.Heartbeat(session)
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestEvictQueuesNotice(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	reconnector := newTestReconnector(registry, nil, newManualClock())
	session := joinLive(t, registry, "conn-a", "alice", 0)

	require.True(t, reconnector.Evict(session, LeaveRevoked))
	message := <-session.Outbound()
	require.Equal(t, MessageEvicted, message.Kind)
	require.Equal(t, LeaveRevoked, message.Reason)
}

func TestReconnectReplaysMissedEventsInOrder(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	log := NewMemoryEventLog(16)
	appendSequences(t, log, 1, 7)
	reconnector := newTestReconnector(registry, log, newManualClock())

	session, _ := registry.Join("conn-a", identityOf("alice"), testSchemeID)
	outcome, err := reconnector.OnReconnect(context.Background(), session, 4, 7)
	require.NoError(t, err)
	require.Equal(t, ReplayOutcome{Replayed: 3}, outcome)
	require.Equal(t, []int64{5, 6, 7}, drainEvents(session))
	require.Equal(t, StateJoined, session.State())
	require.False(t, session.NeedsResync())
}

func TestReconnectUpToDateGoesLive(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	reconnector := newTestReconnector(registry, NewMemoryEventLog(4), newManualClock())
	session, _ := registry.Join("conn-a", identityOf("alice"), testSchemeID)

	outcome, err := reconnector.OnReconnect(context.Background(), session, 9, 9)
	require.NoError(t, err)
	require.Equal(t, ReplayOutcome{}, outcome)
	require.Equal(t, int64(9), session.LastSequence())
}

func TestReconnectOutsideWindowRequiresResync(t *testing.T) {
	testCases := []struct {
		name      string
		log       EventLog
		lastKnown int64
		current   int64
	}{
		{name: "trimmed window", log: func() EventLog {
			log := NewMemoryEventLog(3)
			appendSequences(t, log, 1, 10)
			return log
		}(), lastKnown: 2, current: 10},
		{name: "empty log after restart", log: NewMemoryEventLog(3), lastKnown: 1, current: 2},
		{name: "client ahead of server", log: NewMemoryEventLog(3), lastKnown: 12, current: 10},
		{name: "log unavailable", log: failingLog{}, lastKnown: 1, current: 2},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			registry := NewRegistry(RegistryConfig{})
			reconnector := newTestReconnector(registry, testCase.log, newManualClock())
			session, _ := registry.Join("conn-a", identityOf("alice"), testSchemeID)

			outcome, err := reconnector.OnReconnect(context.Background(), session, testCase.lastKnown, testCase.current)
			require.NoError(t, err)
			require.True(t, outcome.ResyncRequired)
			require.True(t, session.NeedsResync())
			require.Equal(t, []MessageKind{MessageResyncRequired}, drainKinds(session))
		})
	}
}

func TestReconnectWithMoreEventsThanBufferRequiresResync(t *testing.T) {
	registry := NewRegistry(RegistryConfig{SessionBuffer: 2})
	log := NewMemoryEventLog(16)
	appendSequences(t, log, 1, 5)
	reconnector := newTestReconnector(registry, log, newManualClock())
	session, _ := registry.Join("conn-a", identityOf("alice"), testSchemeID)

	outcome, err := reconnector.OnReconnect(context.Background(), session, 0, 5)
	require.NoError(t, err)
	require.True(t, outcome.ResyncRequired)
}

func TestHeartbeatAndSweepDriveLifecycle(t *testing.T) {
	clock := newManualClock()
	registry := NewRegistry(RegistryConfig{Clock: clock.Now})
	reconnector := newTestReconnector(registry, nil, clock)
	session, _ := registry.Join("conn-a", identityOf("alice"), testSchemeID)
	require.True(t, reconnector.Activate(session, 0))
	require.Equal(t, StateJoined, session.State())

	result, err := reconnector.Heartbeat(session)
	require.NoError(t, err)
	require.Equal(t, StateActive, result.State)
	require.False(t, result.ResyncRequired)

	clock.Advance(11 * time.Second)
	stale, expired := reconnector.Sweep()
	require.Equal(t, 1, stale)
	require.Equal(t, 0, expired)
	require.Equal(t, StateStale, session.State())

	result, err = reconnector.Heartbeat(session)
	require.NoError(t, err)
	require.Equal(t, StateActive, result.State)

	clock.Advance(31 * time.Second)
	stale, expired = reconnector.Sweep()
	require.Equal(t, 0, stale)
	require.Equal(t, 1, expired)
	require.Equal(t, StateLeft, session.State())
	require.Equal(t, Stats{}, registry.Stats())
}

func TestRunStopsWithContext(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	reconnector := NewReconnector(ReconnectorConfig{Registry: registry, HeartbeatInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reconnector.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}
