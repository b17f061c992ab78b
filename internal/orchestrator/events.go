package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event names pushed by the orchestrator hub.
const (
	EventSystemStateSnapshot = "SystemStateSnapshot"
	EventSessionStateChanged = "SessionStateChanged"
	EventServiceStateChanged = "ServiceStateChanged"
	EventServiceHeartbeat    = "ServiceHeartbeat"
	EventConfigUpdateResult  = "ConfigUpdateResult"
	EventMarketUiUpdate      = "MarketUiUpdate"
	EventStrategyTradeEvent  = "StrategyTradeEvent"
)

// Hub methods invocable on the orchestrator.
const (
	MethodRequestFullState  = "RequestFullState"
	MethodStartSession      = "StartSession"
	MethodStopSession       = "StopSession"
	MethodUpdateConfig      = "UpdateConfig"
	MethodSubscribeSymbol   = "SubscribeSymbol"
	MethodUnsubscribeSymbol = "UnsubscribeSymbol"
)

// SessionState is the lifecycle state of a trading session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionValidatingConfig
	SessionStarting
	SessionRunning
	SessionStopping
	SessionCompleted
	SessionFailedStartup
	SessionFailedRuntime
)

var sessionStateNames = [...]string{
	"Idle", "ValidatingConfig", "Starting", "Running",
	"Stopping", "Completed", "FailedStartup", "FailedRuntime",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
	return sessionStateNames[s]
}

// MarshalJSON emits the canonical string label.
func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the string label or the legacy integer code.
// The backend has emitted both encodings across versions, so the boundary
// normalizes rather than guessing which one is live.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	n, err := decodeEnum(data, sessionStateNames[:])
	if err != nil {
		return fmt.Errorf("session state: %w", err)
	}
	*s = SessionState(n)
	return nil
}

// ServiceKind identifies one of the fixed platform services.
type ServiceKind int

const (
	ServiceMarketData ServiceKind = iota
	ServiceIndicatorEngine
	ServiceStrategyEngine
	ServiceTimeMachine
	ServiceResearch
)

// KnownServices lists every service identity in display order. The session
// store guarantees exactly one ServiceInfo per entry at all times.
var KnownServices = [...]ServiceKind{
	ServiceMarketData,
	ServiceIndicatorEngine,
	ServiceStrategyEngine,
	ServiceTimeMachine,
	ServiceResearch,
}

var serviceKindNames = [...]string{
	"MarketData", "IndicatorEngine", "StrategyEngine", "TimeMachine", "Research",
}

func (k ServiceKind) String() string {
	if k < 0 || int(k) >= len(serviceKindNames) {
		return fmt.Sprintf("ServiceKind(%d)", int(k))
	}
	return serviceKindNames[k]
}

func (k ServiceKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ServiceKind) UnmarshalJSON(data []byte) error {
	n, err := decodeEnum(data, serviceKindNames[:])
	if err != nil {
		return fmt.Errorf("service kind: %w", err)
	}
	*k = ServiceKind(n)
	return nil
}

// ServiceState is the health state reported for a platform service.
type ServiceState int

const (
	ServiceStopped ServiceState = iota
	ServiceStarting
	ServiceReady
	ServiceUnhealthy
	ServiceFatal
	ServiceCompleted
	ServiceConnected
	ServiceStarted
)

var serviceStateNames = [...]string{
	"Stopped", "Starting", "Ready", "Unhealthy",
	"Fatal", "Completed", "Connected", "Started",
}

func (s ServiceState) String() string {
	if s < 0 || int(s) >= len(serviceStateNames) {
		return fmt.Sprintf("ServiceState(%d)", int(s))
	}
	return serviceStateNames[s]
}

func (s ServiceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ServiceState) UnmarshalJSON(data []byte) error {
	n, err := decodeEnum(data, serviceStateNames[:])
	if err != nil {
		return fmt.Errorf("service state: %w", err)
	}
	*s = ServiceState(n)
	return nil
}

// decodeEnum resolves a JSON number or string label against names.
func decodeEnum(data []byte, names []string) (int, error) {
	var label string
	if err := json.Unmarshal(data, &label); err == nil {
		for i, name := range names {
			if name == label {
				return i, nil
			}
		}
		// Numeric code delivered as a string.
		if n, err := strconv.Atoi(label); err == nil && n >= 0 && n < len(names) {
			return n, nil
		}
		return 0, fmt.Errorf("unknown label %q", label)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, fmt.Errorf("neither label nor code: %s", string(data))
	}
	if n < 0 || n >= len(names) {
		return 0, fmt.Errorf("code %d out of range", n)
	}
	return n, nil
}

// PlatformConfig is the opaque configuration document. The dashboard stores
// and round-trips it whole; its contents are never interpreted here.
type PlatformConfig = json.RawMessage

// SessionInfo describes the current (or last known) session.
type SessionInfo struct {
	SessionID *string      `json:"sessionId"`
	State     SessionState `json:"state"`
	StartedAt *time.Time   `json:"startedAt"`
}

// ServiceInfo is the reported status of one platform service.
type ServiceInfo struct {
	Service       ServiceKind  `json:"service"`
	State         ServiceState `json:"state"`
	LastHeartbeat *time.Time   `json:"lastHeartbeat"`
	Error         *string      `json:"error"`
}

// DefaultServiceInfo is the placeholder for a service the orchestrator has
// not reported yet.
func DefaultServiceInfo(kind ServiceKind) ServiceInfo {
	return ServiceInfo{Service: kind, State: ServiceStopped}
}

// ConfigInfo carries both config variants inside a snapshot.
type ConfigInfo struct {
	Editable PlatformConfig `json:"editable"`
	Frozen   PlatformConfig `json:"frozen"`
}

// SystemStateSnapshot is the authoritative full-state push. Applying it
// replaces all session/service/config state.
type SystemStateSnapshot struct {
	Session  *SessionInfo  `json:"session"`
	Services []ServiceInfo `json:"services"`
	Config   *ConfigInfo   `json:"config"`
}

// SessionStateChanged is the fast-path session delta.
type SessionStateChanged struct {
	State     SessionState `json:"state"`
	SessionID *string      `json:"sessionId"`
}

// ServiceStateChanged is the fast-path per-service delta.
type ServiceStateChanged struct {
	Service ServiceKind  `json:"service"`
	State   ServiceState `json:"state"`
	Reason  *string      `json:"reason,omitempty"`
}

// ServiceHeartbeat updates only the liveness timestamp of one service.
type ServiceHeartbeat struct {
	Service   ServiceKind `json:"service"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConfigUpdateStatus is the backend's verdict on a pushed config.
type ConfigUpdateStatus string

const (
	ConfigAccepted        ConfigUpdateStatus = "Accepted"
	ConfigRequiresRestart ConfigUpdateStatus = "RequiresRestart"
	ConfigRejected        ConfigUpdateStatus = "Rejected"
)

// ConfigUpdateResult reports the outcome of an UpdateConfig command.
type ConfigUpdateResult struct {
	Status        ConfigUpdateStatus `json:"status"`
	AffectedPaths []string           `json:"affectedPaths"`
	Reason        *string            `json:"reason"`
}

// Market update types carried inside MarketUiUpdate.
const (
	MarketUpdateOrderBook    = "orderbook"
	MarketUpdateTrade        = "trade"
	MarketUpdateKline        = "kline"
	MarketUpdateCurrentKline = "kline_current"
)

// MarketUiUpdate wraps every market-data push. Payload is a JSON-encoded
// string whose schema depends on Type.
type MarketUiUpdate struct {
	Type    string `json:"type"`
	Symbol  string `json:"symbol"`
	Payload string `json:"payload"`
}

// Trade-signal discriminants.
const (
	TradeEventEntry = "entry"
	TradeEventExit  = "exit"
)

// StrategyTradeEvent is an entry or exit signal emitted by the strategy
// engine. ExitReason and Pnl are only meaningful for exits.
type StrategyTradeEvent struct {
	SessionID        string  `json:"SessionId"`
	EventType        string  `json:"EventType"`
	Symbol           string  `json:"Symbol"`
	Interval         string  `json:"Interval"`
	SnapshotStreamID string  `json:"SnapshotStreamId"`
	Time             int64   `json:"Time"`
	Price            float64 `json:"Price"`
	StrategyMode     string  `json:"StrategyMode,omitempty"`
	ExitReason       string  `json:"ExitReason,omitempty"`
	Pnl              float64 `json:"Pnl,omitempty"`
}
