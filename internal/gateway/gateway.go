// Package gateway issues guarded commands to the orchestrator. Preconditions
// are validated against the session store before anything touches the wire;
// rejections and invoke failures land in the store's error slot.
package gateway

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"taderjoe-dash/internal/orchestrator"
	"taderjoe-dash/internal/session"
)

// Conn is the orchestrator connection surface the gateway needs. Satisfied by
// *orchestrator.Client.
type Conn interface {
	Invoke(method string, args ...any) error
	State() orchestrator.ConnectionState
}

// Gateway validates and sends session/config commands. It holds no state of
// its own beyond what it reads from the session store.
type Gateway struct {
	conn  Conn
	store *session.Store
	log   *log.Entry
}

// New creates a gateway over the given connection and store.
func New(conn Conn, store *session.Store) *Gateway {
	return &Gateway{
		conn:  conn,
		store: store,
		log:   log.WithField("component", "gateway"),
	}
}

// StartSession starts a new session. Permitted only from Idle; any other state
// is rejected locally without a network call.
func (g *Gateway) StartSession() error {
	if err := g.requireConnected(); err != nil {
		return err
	}
	state, known := g.store.SessionState()
	if !known || state != orchestrator.SessionIdle {
		return g.reject(fmt.Sprintf("cannot start session in state %s", stateLabel(state, known)))
	}
	g.store.ClearError()
	return g.send(orchestrator.MethodStartSession)
}

// StopSession stops the running session. Permitted only from Running or
// Starting.
func (g *Gateway) StopSession() error {
	if err := g.requireConnected(); err != nil {
		return err
	}
	state, known := g.store.SessionState()
	if !known || (state != orchestrator.SessionRunning && state != orchestrator.SessionStarting) {
		return g.reject(fmt.Sprintf("cannot stop session in state %s", stateLabel(state, known)))
	}
	g.store.ClearError()
	return g.send(orchestrator.MethodStopSession)
}

// UpdateConfig pushes the current editable draft to the backend whole.
func (g *Gateway) UpdateConfig() error {
	if err := g.requireConnected(); err != nil {
		return err
	}
	draft := g.store.Draft()
	if len(draft) == 0 {
		return g.reject("no config to save")
	}
	g.store.ClearError()
	g.store.ClearConfigUpdateResult()
	return g.send(orchestrator.MethodUpdateConfig, map[string]any{"config": draft})
}

// RequestFullState asks for a fresh authoritative snapshot. Failures are
// logged only; the next reconnect requests one anyway.
func (g *Gateway) RequestFullState() error {
	if g.conn.State().Status != orchestrator.StatusConnected {
		return orchestrator.ErrNotConnected
	}
	if err := g.conn.Invoke(orchestrator.MethodRequestFullState); err != nil {
		g.log.WithError(err).Warn("full state request failed")
		return err
	}
	return nil
}

func (g *Gateway) requireConnected() error {
	if g.conn.State().Status == orchestrator.StatusConnected {
		return nil
	}
	g.store.SetError("not connected")
	return orchestrator.ErrNotConnected
}

// reject records a precondition failure locally.
func (g *Gateway) reject(msg string) error {
	g.store.SetError(msg)
	return errors.New(msg)
}

// send invokes the method and surfaces an invoke-time failure as a one-shot
// store error. No automatic retry: the command either made it out or it
// didn't, and the user decides what to do next.
func (g *Gateway) send(method string, args ...any) error {
	if err := g.conn.Invoke(method, args...); err != nil {
		g.log.WithError(err).Warnf("%s failed", method)
		g.store.SetError(fmt.Sprintf("%s failed: %v", method, err))
		return err
	}
	return nil
}

func stateLabel(state orchestrator.SessionState, known bool) string {
	if !known {
		return "unknown"
	}
	return state.String()
}
