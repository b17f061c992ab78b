// Package server exposes the dashboard state to UI clients over HTTP and a
// websocket push channel, and routes UI commands to the command gateway.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"taderjoe-dash/internal/config"
	"taderjoe-dash/internal/gateway"
	"taderjoe-dash/internal/history"
	"taderjoe-dash/internal/ledger"
	"taderjoe-dash/internal/market"
	"taderjoe-dash/internal/orchestrator"
	"taderjoe-dash/internal/session"
)

// broadcastInterval is the cadence of the composed state push to UI clients.
const broadcastInterval = 1 * time.Second

// dashboardState is the composed frame pushed to every UI client.
type dashboardState struct {
	Connection    orchestrator.ConnectionState `json:"connection"`
	Session       session.State                `json:"session"`
	Market        market.State                 `json:"market"`
	Ledger        ledger.State                 `json:"ledger"`
	SymbolStats   []ledger.SymbolStats         `json:"symbolStats"`
	CumulativePnl []ledger.PnlPoint            `json:"cumulativePnl"`
	Timestamp     int64                        `json:"timestamp"`
}

// uiCommand is one inbound frame from a UI client.
type uiCommand struct {
	Type    string          `json:"type"`
	Config  json.RawMessage `json:"config,omitempty"`
	Visible *bool           `json:"visible,omitempty"`
}

// Server serves the REST API, the UI websocket, and the periodic state push.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	conn     *orchestrator.Client
	sessions *session.Store
	markets  *market.Store
	trades   *ledger.Ledger
	gw       *gateway.Gateway
	archive  *history.Store // nil when persistence is disabled
	start    time.Time
	log      *log.Entry

	httpSrv *http.Server
}

// New wires a server over the stores. archive may be nil.
func New(cfg config.ServerConfig, conn *orchestrator.Client, sessions *session.Store,
	markets *market.Store, trades *ledger.Ledger, gw *gateway.Gateway, archive *history.Store) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		hub:      NewHub(),
		conn:     conn,
		sessions: sessions,
		markets:  markets,
		trades:   trades,
		gw:       gw,
		archive:  archive,
		start:    time.Now(),
		log:      log.WithField("component", "server"),
	}

	engine.GET("/api/health", s.getHealth)
	engine.GET("/api/state", s.getState)
	engine.GET("/api/trades", s.getTrades)
	engine.GET("/api/config", s.getConfig)
	engine.PUT("/api/config", s.putConfig)
	engine.POST("/api/session/start", s.postStartSession)
	engine.POST("/api/session/stop", s.postStopSession)
	engine.GET("/ws", func(c *gin.Context) { s.hub.ServeWs(c.Writer, c.Request) })

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

// Run starts the hub, the broadcast loop, the command loop, and the HTTP
// listener. It blocks until the listener stops.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()
	go s.broadcastLoop(ctx)
	go s.commandLoop(ctx)

	go func() {
		<-ctx.Done()
		s.hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("Listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// broadcastLoop pushes the composed dashboard state to all UI clients.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			frame, err := json.Marshal(s.composeState())
			if err != nil {
				s.log.WithError(err).Error("Failed to marshal dashboard state")
				continue
			}
			s.hub.Broadcast(frame)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) composeState() dashboardState {
	return dashboardState{
		Connection:    s.conn.State(),
		Session:       s.sessions.Snapshot(),
		Market:        s.markets.Snapshot(),
		Ledger:        s.trades.Snapshot(),
		SymbolStats:   s.trades.SymbolStats(),
		CumulativePnl: s.trades.CumulativePnl(),
		Timestamp:     time.Now().UnixMilli(),
	}
}

// commandLoop drains UI commands from the hub and applies them.
func (s *Server) commandLoop(ctx context.Context) {
	for {
		select {
		case raw := <-s.hub.Commands():
			s.processCommand(raw)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) processCommand(raw []byte) {
	var cmd uiCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.log.WithError(err).Warn("Failed to parse UI command")
		return
	}

	switch cmd.Type {
	case "START_SESSION":
		if err := s.gw.StartSession(); err != nil {
			s.log.WithError(err).Warn("Start session rejected")
		}
	case "STOP_SESSION":
		if err := s.gw.StopSession(); err != nil {
			s.log.WithError(err).Warn("Stop session rejected")
		}
	case "UPDATE_CONFIG":
		if len(cmd.Config) > 0 {
			s.sessions.SetLocalConfig(orchestrator.PlatformConfig(cmd.Config))
		}
		if err := s.gw.UpdateConfig(); err != nil {
			s.log.WithError(err).Warn("Config update rejected")
		}
	case "REQUEST_FULL_STATE":
		if err := s.gw.RequestFullState(); err != nil {
			s.log.WithError(err).Warn("Full state request failed")
		}
	case "SET_LEDGER_VISIBLE":
		if cmd.Visible != nil {
			s.trades.SetVisible(*cmd.Visible)
		}
	case "CLEAR_ERROR":
		s.sessions.ClearError()
	case "CLEAR_CONFIG_RESULT":
		s.sessions.ClearConfigUpdateResult()
	default:
		s.log.Warnf("Unknown UI command type: %s", cmd.Type)
	}
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"connection":    s.conn.State(),
		"uptimeSeconds": int(time.Since(s.start).Seconds()),
	})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.composeState())
}

func (s *Server) getTrades(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade history persistence is not configured"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	trades, err := s.archive.QueryCompletedTrades(c.Request.Context(), c.Query("symbol"), c.Query("session"), limit)
	if err != nil {
		s.log.WithError(err).Error("Trade history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trade history query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getConfig(c *gin.Context) {
	st := s.sessions.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"config":             st.Config,
		"frozenConfig":       st.FrozenConfig,
		"configUpdateResult": st.ConfigUpdateResult,
	})
}

func (s *Server) putConfig(c *gin.Context) {
	var body struct {
		Config json.RawMessage `json:"config"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(body.Config) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config cannot be empty"})
		return
	}
	s.sessions.SetLocalConfig(orchestrator.PlatformConfig(body.Config))
	if err := s.gw.UpdateConfig(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "submitted"})
}

func (s *Server) postStartSession(c *gin.Context) {
	if err := s.gw.StartSession(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "starting"})
}

func (s *Server) postStopSession(c *gin.Context) {
	if err := s.gw.StopSession(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}
