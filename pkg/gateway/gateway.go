// Package gateway bridges WebSocket clients to the broker.
//
// Clients connect over a single /ws endpoint, authenticate, subscribe
// to agent event streams, and forward commands. Fan-out runs over one
// shared broker subscription; each event reaches exactly the sessions
// whose subscription prefixes cover its subject.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/envelope"
	"github.com/fyrsmithlabs/cogentd/pkg/transport"
)

// Config holds gateway configuration.
type Config struct {
	Host           string
	Port           int
	CommandTimeout time.Duration
}

// Gateway is the WebSocket-to-broker bridge.
type Gateway struct {
	echo   *echo.Echo
	nc     *nats.Conn
	auth   Authenticator
	logger *zap.Logger
	config *Config

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	eventSub *nats.Subscription
}

// New creates a gateway. A nil authenticator denies every
// authentication attempt; pass DevAuthenticator explicitly to accept
// any non-empty token during development.
func New(nc *nats.Conn, auth Authenticator, logger *zap.Logger, cfg *Config) (*Gateway, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "0.0.0.0", Port: 8080}
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if auth == nil {
		auth = denyAuthenticator{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	g := &Gateway{
		echo:   e,
		nc:     nc,
		auth:   auth,
		logger: logger.Named("gateway"),
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; access
			// control happens at the authenticate frame.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}

	g.registerRoutes()

	return g, nil
}

func (g *Gateway) registerRoutes() {
	g.echo.GET("/health", g.handleHealth)
	g.echo.GET("/stats", g.handleStats)
	g.echo.GET("/ws", g.handleWS)
}

// Start subscribes to the agent event wildcard and serves HTTP. Blocks
// until Shutdown.
func (g *Gateway) Start() error {
	sub, err := g.nc.Subscribe(transport.EventWildcard, g.handleBrokerEvent)
	if err != nil {
		return fmt.Errorf("subscribe agent events: %w", err)
	}
	g.eventSub = sub

	addr := fmt.Sprintf("%s:%d", g.config.Host, g.config.Port)
	g.logger.Info("starting gateway", zap.String("addr", addr))
	return g.echo.Start(addr)
}

// Shutdown closes all client connections, drops the broker
// subscription, and stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	if g.eventSub != nil {
		_ = g.eventSub.Unsubscribe()
		g.eventSub = nil
	}

	g.mu.Lock()
	for _, s := range g.sessions {
		_ = s.conn.Close()
	}
	g.sessions = make(map[string]*session)
	g.mu.Unlock()

	return g.echo.Shutdown(ctx)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c echo.Context) error {
	status := "ok"
	if !g.nc.IsConnected() {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: status})
}

// Stats describes the connected client population.
type Stats struct {
	ConnectedClients     int            `json:"connected_clients"`
	ClientsByType        map[string]int `json:"clients_by_type"`
	AuthenticatedClients int            `json:"authenticated_clients"`
}

// Stats computes gateway statistics on demand.
func (g *Gateway) Stats() Stats {
	stats := Stats{
		ClientsByType: map[string]int{
			string(ClientWeb):     0,
			string(ClientMobile):  0,
			string(ClientCLI):     0,
			string(ClientBot):     0,
			string(ClientUnknown): 0,
		},
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	stats.ConnectedClients = len(g.sessions)
	for _, s := range g.sessions {
		s.mu.Lock()
		stats.ClientsByType[string(s.clientType)]++
		if s.authenticated {
			stats.AuthenticatedClients++
		}
		s.mu.Unlock()
	}
	return stats
}

func (g *Gateway) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, g.Stats())
}

// clientFrame is the inbound WebSocket message shape. One struct for
// every frame type; unused fields stay zero.
type clientFrame struct {
	Type          string         `json:"type"`
	Token         string         `json:"token,omitempty"`
	ClientType    string         `json:"client_type,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	Command       string         `json:"command,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

func (g *Gateway) handleWS(c echo.Context) error {
	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	s := newSession(uuid.NewString(), conn)

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	g.logger.Info("client connected", zap.String("session_id", s.id))

	defer func() {
		g.mu.Lock()
		delete(g.sessions, s.id)
		g.mu.Unlock()
		_ = conn.Close()
		g.logger.Info("client disconnected", zap.String("session_id", s.id))
	}()

	g.send(s, map[string]any{
		"type":       "welcome",
		"session_id": s.id,
		"message":    "Connected to Cogent Agent Gateway",
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.sendError(s, "invalid JSON")
			continue
		}
		g.handleFrame(c.Request().Context(), s, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, s *session, frame clientFrame) {
	s.touch()

	switch frame.Type {
	case "authenticate":
		g.handleAuthenticate(ctx, s, frame)
	case "subscribe":
		g.handleSubscribe(s, frame)
	case "unsubscribe":
		g.handleUnsubscribe(s, frame)
	case "command":
		g.handleCommand(s, frame)
	case "ping":
		g.send(s, map[string]any{"type": "pong"})
	default:
		g.sendError(s, fmt.Sprintf("unknown message type: %s", frame.Type))
	}
}

func (g *Gateway) handleAuthenticate(ctx context.Context, s *session, frame clientFrame) {
	ok, err := g.auth.Authenticate(ctx, frame.Token, frame.UserID)
	if err != nil {
		g.logger.Warn("authenticator error",
			zap.String("session_id", s.id), zap.Error(err))
		ok = false
	}

	if !ok {
		g.send(s, map[string]any{
			"type":    "authenticated",
			"success": false,
			"error":   "authentication failed",
		})
		return
	}

	s.setAuthenticated(ParseClientType(frame.ClientType), frame.UserID)
	g.send(s, map[string]any{
		"type":    "authenticated",
		"success": true,
		"user_id": frame.UserID,
	})
	g.logger.Info("client authenticated",
		zap.String("session_id", s.id),
		zap.String("user_id", frame.UserID))
}

func (g *Gateway) handleSubscribe(s *session, frame clientFrame) {
	if frame.AgentID == "" {
		g.sendError(s, "agent_id required")
		return
	}

	s.subscribe(transport.EventPrefix(frame.AgentID), frame.AgentID)
	g.send(s, map[string]any{
		"type":     "subscribed",
		"agent_id": frame.AgentID,
	})
	g.logger.Info("client subscribed",
		zap.String("session_id", s.id),
		zap.String("agent_id", frame.AgentID))
}

func (g *Gateway) handleUnsubscribe(s *session, frame clientFrame) {
	if frame.AgentID != "" {
		s.unsubscribe(transport.EventPrefix(frame.AgentID), frame.AgentID)
	}
	g.send(s, map[string]any{
		"type":     "unsubscribed",
		"agent_id": frame.AgentID,
	})
}

// handleCommand forwards one command to an agent over request-reply.
// Transport-level failures come back as command_response frames with an
// error field, never as dropped frames.
func (g *Gateway) handleCommand(s *session, frame clientFrame) {
	agentID := frame.AgentID
	if agentID == "" {
		agentID = s.defaultAgent()
	}
	if agentID == "" {
		g.sendError(s, "agent_id required")
		return
	}
	if frame.Command == "" {
		g.sendError(s, "command required")
		return
	}

	kind, err := envelope.ParseKind(frame.Command)
	if err != nil {
		g.sendError(s, err.Error())
		return
	}

	correlationID := frame.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	env := envelope.New(kind, s.id, frame.Payload).WithCorrelation(correlationID)
	data, err := env.Encode()
	if err != nil {
		g.sendError(s, err.Error())
		return
	}

	msg, err := g.nc.Request(transport.CommandSubject(agentID), data, g.config.CommandTimeout)
	if err != nil {
		reason := "request timed out"
		if errors.Is(err, nats.ErrNoResponders) {
			reason = "agent unreachable"
		}
		g.send(s, map[string]any{
			"type":           "command_response",
			"correlation_id": correlationID,
			"error":          reason,
		})
		return
	}

	var response map[string]any
	if err := json.Unmarshal(msg.Data, &response); err != nil {
		g.sendError(s, fmt.Sprintf("undecodable agent reply: %v", err))
		return
	}

	g.send(s, map[string]any{
		"type":           "command_response",
		"correlation_id": correlationID,
		"response":       response,
	})
}

// handleBrokerEvent fans one agent event out to every session whose
// subscription prefix covers the subject, and to no other.
func (g *Gateway) handleBrokerEvent(msg *nats.Msg) {
	var data map[string]any
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		g.logger.Warn("undecodable agent event",
			zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	g.mu.RLock()
	targets := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		if s.matches(msg.Subject) {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()

	for _, s := range targets {
		g.send(s, map[string]any{
			"type":    "event",
			"subject": msg.Subject,
			"data":    data,
		})
	}
}

func (g *Gateway) send(s *session, frame map[string]any) {
	if err := s.writeJSON(frame); err != nil {
		g.logger.Warn("send to client failed",
			zap.String("session_id", s.id), zap.Error(err))
	}
}

func (g *Gateway) sendError(s *session, message string) {
	g.send(s, map[string]any{"type": "error", "error": message})
}
