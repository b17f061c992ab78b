package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taderjoe-dash/internal/orchestrator"
)

func strPtr(s string) *string { return &s }

func findService(t *testing.T, st State, kind orchestrator.ServiceKind) orchestrator.ServiceInfo {
	t.Helper()
	for _, svc := range st.Services {
		if svc.Service == kind {
			return svc
		}
	}
	t.Fatalf("service %s not found", kind)
	return orchestrator.ServiceInfo{}
}

func TestNewStoreSeedsAllKnownServices(t *testing.T) {
	st := NewStore().Snapshot()

	require.Len(t, st.Services, len(orchestrator.KnownServices))
	for i, kind := range orchestrator.KnownServices {
		assert.Equal(t, kind, st.Services[i].Service)
		assert.Equal(t, orchestrator.ServiceStopped, st.Services[i].State)
	}
	assert.Nil(t, st.Session)
	assert.Nil(t, st.LastSnapshotAt)
}

func TestSnapshotDefaultsMissingServices(t *testing.T) {
	s := NewStore()

	s.ApplyFullSnapshot(orchestrator.SystemStateSnapshot{
		Services: []orchestrator.ServiceInfo{
			{Service: orchestrator.ServiceMarketData, State: orchestrator.ServiceReady},
		},
	})

	st := s.Snapshot()
	require.Len(t, st.Services, len(orchestrator.KnownServices))
	assert.Equal(t, orchestrator.ServiceReady, findService(t, st, orchestrator.ServiceMarketData).State)
	assert.Equal(t, orchestrator.ServiceStopped, findService(t, st, orchestrator.ServiceResearch).State)
	assert.True(t, st.Connected)
	require.NotNil(t, st.LastSnapshotAt)
}

func TestSnapshotKeepsStickyFault(t *testing.T) {
	s := NewStore()

	reason := strPtr("disk full")
	s.ApplyServiceDelta(orchestrator.ServiceStateChanged{
		Service: orchestrator.ServiceStrategyEngine,
		State:   orchestrator.ServiceFatal,
		Reason:  reason,
	})

	// A later snapshot demoting the fault to Unhealthy must not mask it.
	s.ApplyFullSnapshot(orchestrator.SystemStateSnapshot{
		Services: []orchestrator.ServiceInfo{
			{Service: orchestrator.ServiceStrategyEngine, State: orchestrator.ServiceUnhealthy},
		},
	})
	svc := findService(t, s.Snapshot(), orchestrator.ServiceStrategyEngine)
	assert.Equal(t, orchestrator.ServiceFatal, svc.State)
	require.NotNil(t, svc.Error)
	assert.Equal(t, "disk full", *svc.Error)

	// An explicit Ready clears the sticky fault.
	s.ApplyFullSnapshot(orchestrator.SystemStateSnapshot{
		Services: []orchestrator.ServiceInfo{
			{Service: orchestrator.ServiceStrategyEngine, State: orchestrator.ServiceReady},
		},
	})
	svc = findService(t, s.Snapshot(), orchestrator.ServiceStrategyEngine)
	assert.Equal(t, orchestrator.ServiceReady, svc.State)
}

func TestSnapshotWithoutConfigKeepsDraft(t *testing.T) {
	s := NewStore()
	draft := orchestrator.PlatformConfig(json.RawMessage(`{"risk":1}`))
	s.SetLocalConfig(draft)

	s.ApplyFullSnapshot(orchestrator.SystemStateSnapshot{})

	st := s.Snapshot()
	assert.Equal(t, json.RawMessage(`{"risk":1}`), json.RawMessage(st.Config))
}

func TestSnapshotReplacesConfigWholesale(t *testing.T) {
	s := NewStore()
	s.SetLocalConfig(orchestrator.PlatformConfig(json.RawMessage(`{"risk":1}`)))

	s.ApplyFullSnapshot(orchestrator.SystemStateSnapshot{
		Config: &orchestrator.ConfigInfo{
			Editable: json.RawMessage(`{"risk":2}`),
			Frozen:   json.RawMessage(`{"mode":"live"}`),
		},
	})

	st := s.Snapshot()
	assert.Equal(t, json.RawMessage(`{"risk":2}`), json.RawMessage(st.Config))
	assert.Equal(t, json.RawMessage(`{"mode":"live"}`), json.RawMessage(st.FrozenConfig))
}

func TestSessionDeltaBeforeSnapshotSynthesizesSession(t *testing.T) {
	s := NewStore()

	s.ApplySessionDelta(orchestrator.SessionStateChanged{
		State:     orchestrator.SessionStarting,
		SessionID: strPtr("s1"),
	})

	st := s.Snapshot()
	require.NotNil(t, st.Session)
	assert.Equal(t, orchestrator.SessionStarting, st.Session.State)
	assert.Equal(t, "s1", *st.Session.SessionID)
	assert.Nil(t, st.Session.StartedAt)
	assert.Equal(t, "s1", s.SessionID())
}

func TestSessionDeltaPreservesStartedAt(t *testing.T) {
	s := NewStore()
	started := time.Now().UTC()
	s.ApplyFullSnapshot(orchestrator.SystemStateSnapshot{
		Session: &orchestrator.SessionInfo{
			SessionID: strPtr("s1"),
			State:     orchestrator.SessionRunning,
			StartedAt: &started,
		},
	})

	s.ApplySessionDelta(orchestrator.SessionStateChanged{
		State:     orchestrator.SessionStopping,
		SessionID: strPtr("s1"),
	})

	st := s.Snapshot()
	assert.Equal(t, orchestrator.SessionStopping, st.Session.State)
	require.NotNil(t, st.Session.StartedAt)
	assert.Equal(t, started, *st.Session.StartedAt)
}

func TestHeartbeatOnlyTouchesTimestamp(t *testing.T) {
	s := NewStore()
	s.ApplyServiceDelta(orchestrator.ServiceStateChanged{
		Service: orchestrator.ServiceMarketData,
		State:   orchestrator.ServiceUnhealthy,
		Reason:  strPtr("lagging"),
	})

	ts := time.Now().UTC()
	s.ApplyHeartbeat(orchestrator.ServiceHeartbeat{
		Service:   orchestrator.ServiceMarketData,
		Timestamp: ts,
	})

	svc := findService(t, s.Snapshot(), orchestrator.ServiceMarketData)
	require.NotNil(t, svc.LastHeartbeat)
	assert.Equal(t, ts, *svc.LastHeartbeat)
	assert.Equal(t, orchestrator.ServiceUnhealthy, svc.State)
	require.NotNil(t, svc.Error)
	assert.Equal(t, "lagging", *svc.Error)
}

func TestServiceDeltaReadyClearsError(t *testing.T) {
	s := NewStore()
	s.ApplyServiceDelta(orchestrator.ServiceStateChanged{
		Service: orchestrator.ServiceIndicatorEngine,
		State:   orchestrator.ServiceUnhealthy,
		Reason:  strPtr("stalled"),
	})

	s.ApplyServiceDelta(orchestrator.ServiceStateChanged{
		Service: orchestrator.ServiceIndicatorEngine,
		State:   orchestrator.ServiceReady,
	})

	svc := findService(t, s.Snapshot(), orchestrator.ServiceIndicatorEngine)
	assert.Equal(t, orchestrator.ServiceReady, svc.State)
	assert.Nil(t, svc.Error)
}

func TestConfigRejectionFillsErrorSlot(t *testing.T) {
	s := NewStore()

	s.ApplyConfigUpdateResult(orchestrator.ConfigUpdateResult{
		Status: orchestrator.ConfigRejected,
		Reason: strPtr("invalid stop loss"),
	})
	st := s.Snapshot()
	require.NotNil(t, st.ConfigUpdateResult)
	assert.Equal(t, "invalid stop loss", st.Error)

	s.ApplyConfigUpdateResult(orchestrator.ConfigUpdateResult{
		Status: orchestrator.ConfigAccepted,
	})
	st = s.Snapshot()
	assert.Empty(t, st.Error)
}

func TestConfigRejectionWithoutReasonGetsGenericError(t *testing.T) {
	s := NewStore()

	s.ApplyConfigUpdateResult(orchestrator.ConfigUpdateResult{
		Status: orchestrator.ConfigRejected,
	})

	assert.Equal(t, "config update rejected", s.Snapshot().Error)
}

func TestEditingDraftInvalidatesVerdict(t *testing.T) {
	s := NewStore()
	s.ApplyConfigUpdateResult(orchestrator.ConfigUpdateResult{
		Status: orchestrator.ConfigAccepted,
	})

	s.SetLocalConfig(orchestrator.PlatformConfig(json.RawMessage(`{"risk":3}`)))

	assert.Nil(t, s.Snapshot().ConfigUpdateResult)
}

func TestDisconnectWithSessionMarksStale(t *testing.T) {
	s := NewStore()

	s.SetConnected(false)
	assert.False(t, s.Snapshot().Stale, "no session yet, nothing to be stale about")

	s.ApplySessionDelta(orchestrator.SessionStateChanged{
		State:     orchestrator.SessionRunning,
		SessionID: strPtr("s1"),
	})
	s.SetConnected(false)
	st := s.Snapshot()
	assert.True(t, st.Stale)
	require.NotNil(t, st.Session, "disconnect keeps the last known session")

	s.SetConnected(true)
	assert.False(t, s.Snapshot().Stale)
}

func TestSessionStateUnknownBeforeFirstSession(t *testing.T) {
	s := NewStore()

	_, known := s.SessionState()
	assert.False(t, known)
	assert.Empty(t, s.SessionID())
}
