// Package session holds the reconciled session/service/config state pushed by
// the orchestrator. It is a single-writer reducer in front of a read-mostly
// cache: every event is applied to completion under the lock, so readers never
// observe a half-applied update.
package session

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taderjoe-dash/internal/orchestrator"
)

// State is the full session-side state tree. Snapshot() returns copies; the
// store owns the live tree.
type State struct {
	Connected          bool                             `json:"connected"`
	Stale              bool                             `json:"stale"`
	Session            *orchestrator.SessionInfo        `json:"session"`
	Services           []orchestrator.ServiceInfo       `json:"services"`
	Config             orchestrator.PlatformConfig      `json:"config"`
	FrozenConfig       orchestrator.PlatformConfig      `json:"frozenConfig"`
	ConfigUpdateResult *orchestrator.ConfigUpdateResult `json:"configUpdateResult"`
	Error              string                           `json:"error,omitempty"`
	LastSnapshotAt     *time.Time                       `json:"lastSnapshotAt"`
}

// Store reduces orchestrator events into a consistent State.
type Store struct {
	mu  sync.RWMutex
	st  State
	log *log.Entry
}

// NewStore creates a store with the full default service list and no session.
func NewStore() *Store {
	services := make([]orchestrator.ServiceInfo, 0, len(orchestrator.KnownServices))
	for _, kind := range orchestrator.KnownServices {
		services = append(services, orchestrator.DefaultServiceInfo(kind))
	}
	return &Store{
		st:  State{Services: services},
		log: log.WithField("component", "session"),
	}
}

// Bind registers this store's event handlers and connectivity listener on the
// orchestrator client. Malformed payloads are logged and dropped.
func (s *Store) Bind(c *orchestrator.Client) {
	c.On(orchestrator.EventSystemStateSnapshot, func(payload json.RawMessage) {
		var snap orchestrator.SystemStateSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			s.log.WithError(err).Warn("dropping malformed snapshot")
			return
		}
		s.ApplyFullSnapshot(snap)
	})
	c.On(orchestrator.EventSessionStateChanged, func(payload json.RawMessage) {
		var ev orchestrator.SessionStateChanged
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.log.WithError(err).Warn("dropping malformed session delta")
			return
		}
		s.ApplySessionDelta(ev)
	})
	c.On(orchestrator.EventServiceStateChanged, func(payload json.RawMessage) {
		var ev orchestrator.ServiceStateChanged
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.log.WithError(err).Warn("dropping malformed service delta")
			return
		}
		s.ApplyServiceDelta(ev)
	})
	c.On(orchestrator.EventServiceHeartbeat, func(payload json.RawMessage) {
		var ev orchestrator.ServiceHeartbeat
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.log.WithError(err).Warn("dropping malformed heartbeat")
			return
		}
		s.ApplyHeartbeat(ev)
	})
	c.On(orchestrator.EventConfigUpdateResult, func(payload json.RawMessage) {
		var res orchestrator.ConfigUpdateResult
		if err := json.Unmarshal(payload, &res); err != nil {
			s.log.WithError(err).Warn("dropping malformed config result")
			return
		}
		s.ApplyConfigUpdateResult(res)
	})
	c.OnStateChange(func(cs orchestrator.ConnectionState) {
		s.SetConnected(cs.Status == orchestrator.StatusConnected)
	})
}

// ApplyFullSnapshot replaces all session-side state. The services list is
// reconciled against the fixed known set and config/frozenConfig are replaced
// wholesale; any pending config verdict and error are cleared.
func (s *Store) ApplyFullSnapshot(snap orchestrator.SystemStateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	next := State{
		Connected:      true,
		Stale:          false,
		Session:        copySession(snap.Session),
		Services:       s.reconcileServices(snap.Services),
		LastSnapshotAt: &now,
	}
	if snap.Config != nil && len(snap.Config.Editable) > 0 {
		next.Config = snap.Config.Editable
		next.FrozenConfig = snap.Config.Frozen
	} else {
		// Snapshot without config: keep the local draft rather than blanking
		// the editor.
		next.Config = s.st.Config
	}
	s.st = next
	s.log.Debug("applied full snapshot")
}

// reconcileServices builds the authoritative service list from an incoming
// snapshot. Missing identities get the default Stopped record. A service we
// last saw Fatal or Unhealthy keeps that state unless the snapshot reports it
// explicitly Ready, so a stale snapshot cannot mask an uncleared fault.
func (s *Store) reconcileServices(incoming []orchestrator.ServiceInfo) []orchestrator.ServiceInfo {
	prev := make(map[orchestrator.ServiceKind]orchestrator.ServiceInfo, len(s.st.Services))
	for _, svc := range s.st.Services {
		prev[svc.Service] = svc
	}
	reported := make(map[orchestrator.ServiceKind]orchestrator.ServiceInfo, len(incoming))
	for _, svc := range incoming {
		reported[svc.Service] = svc
	}

	out := make([]orchestrator.ServiceInfo, 0, len(orchestrator.KnownServices))
	for _, kind := range orchestrator.KnownServices {
		info, ok := reported[kind]
		if !ok {
			info = orchestrator.DefaultServiceInfo(kind)
		}
		if p, ok := prev[kind]; ok && severity(p.State) > severity(info.State) && info.State != orchestrator.ServiceReady {
			info.State = p.State
			if info.Error == nil {
				info.Error = p.Error
			}
		}
		out = append(out, info)
	}
	return out
}

// severity ranks service states for the sticky-fault rule.
func severity(st orchestrator.ServiceState) int {
	switch st {
	case orchestrator.ServiceFatal:
		return 2
	case orchestrator.ServiceUnhealthy:
		return 1
	default:
		return 0
	}
}

// ApplySessionDelta patches session state and id in place. A delta arriving
// before any snapshot synthesizes a session with no start time.
func (s *Store) ApplySessionDelta(ev orchestrator.SessionStateChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.Session == nil {
		s.st.Session = &orchestrator.SessionInfo{}
	}
	s.st.Session.State = ev.State
	s.st.Session.SessionID = ev.SessionID
}

// ApplyServiceDelta patches one service's state and, when a reason is given,
// its error. Recovery to Ready clears any previously stored error.
func (s *Store) ApplyServiceDelta(ev orchestrator.ServiceStateChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.st.Services {
		if s.st.Services[i].Service != ev.Service {
			continue
		}
		s.st.Services[i].State = ev.State
		if ev.Reason != nil {
			s.st.Services[i].Error = ev.Reason
		} else if ev.State == orchestrator.ServiceReady {
			s.st.Services[i].Error = nil
		}
		return
	}
}

// ApplyHeartbeat patches only the liveness timestamp; state and error are
// untouched.
func (s *Store) ApplyHeartbeat(ev orchestrator.ServiceHeartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.st.Services {
		if s.st.Services[i].Service == ev.Service {
			ts := ev.Timestamp
			s.st.Services[i].LastHeartbeat = &ts
			return
		}
	}
}

// ApplyConfigUpdateResult stores the backend verdict. A rejection promotes its
// reason into the error slot.
func (s *Store) ApplyConfigUpdateResult(res orchestrator.ConfigUpdateResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.ConfigUpdateResult = &res
	if res.Status == orchestrator.ConfigRejected {
		if res.Reason != nil {
			s.st.Error = *res.Reason
		} else {
			s.st.Error = "config update rejected"
		}
	} else {
		s.st.Error = ""
	}
}

// SetLocalConfig replaces the editable draft. Editing invalidates the last
// config verdict.
func (s *Store) SetLocalConfig(cfg orchestrator.PlatformConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Config = cfg
	s.st.ConfigUpdateResult = nil
}

// SetConnected records connectivity. Losing the link with a known session
// marks the view stale instead of clearing it.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Connected = connected
	s.st.Stale = !connected && s.st.Session != nil
}

// SetError sets the one-shot user-visible error slot.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Error = msg
}

// ClearError clears the error slot.
func (s *Store) ClearError() { s.SetError("") }

// ClearConfigUpdateResult acknowledges the last config verdict.
func (s *Store) ClearConfigUpdateResult() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.ConfigUpdateResult = nil
}

// SessionState reports the current session state; ok is false before any
// session is known.
func (s *Store) SessionState() (orchestrator.SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.st.Session == nil {
		return 0, false
	}
	return s.st.Session.State, true
}

// SessionID reports the current session id, empty when unknown.
func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.st.Session == nil || s.st.Session.SessionID == nil {
		return ""
	}
	return *s.st.Session.SessionID
}

// Draft returns the current editable config, nil when none is loaded.
func (s *Store) Draft() orchestrator.PlatformConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Config
}

// Snapshot returns a copy of the full state tree safe for concurrent use.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.st
	out.Session = copySession(s.st.Session)
	out.Services = make([]orchestrator.ServiceInfo, len(s.st.Services))
	copy(out.Services, s.st.Services)
	if s.st.LastSnapshotAt != nil {
		ts := *s.st.LastSnapshotAt
		out.LastSnapshotAt = &ts
	}
	return out
}

func copySession(in *orchestrator.SessionInfo) *orchestrator.SessionInfo {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
