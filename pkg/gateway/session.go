package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientType classifies a connected client for statistics.
type ClientType string

const (
	ClientWeb     ClientType = "web"
	ClientMobile  ClientType = "mobile"
	ClientCLI     ClientType = "cli"
	ClientBot     ClientType = "bot"
	ClientUnknown ClientType = "unknown"
)

// ParseClientType maps a client-supplied type to a known value,
// defaulting to unknown.
func ParseClientType(s string) ClientType {
	switch ClientType(s) {
	case ClientWeb, ClientMobile, ClientCLI, ClientBot:
		return ClientType(s)
	default:
		return ClientUnknown
	}
}

// Authenticator validates client credentials. Implementations decide
// what a token means; the gateway only records the outcome.
type Authenticator interface {
	Authenticate(ctx context.Context, token, userID string) (bool, error)
}

// DevAuthenticator accepts any non-empty token. Development only.
type DevAuthenticator struct{}

// Authenticate implements Authenticator.
func (DevAuthenticator) Authenticate(_ context.Context, token, _ string) (bool, error) {
	return token != "", nil
}

// denyAuthenticator rejects every token. It is the fallback when no
// authenticator is configured, so a misconfigured deployment fails
// closed instead of accepting everyone.
type denyAuthenticator struct{}

func (denyAuthenticator) Authenticate(context.Context, string, string) (bool, error) {
	return false, nil
}

// session is one connected WebSocket client. The read loop is the only
// writer of identity fields; subscriptions and auth state are also read
// by the broker fan-out, so they sit behind the mutex. Frame writes go
// through writeMu because gorilla connections allow one writer at a
// time.
type session struct {
	id        string
	conn      *websocket.Conn
	connected time.Time

	writeMu sync.Mutex

	mu            sync.Mutex
	clientType    ClientType
	userID        string
	authenticated bool
	lastActivity  time.Time
	agentID       string
	subscriptions map[string]struct{}
}

func newSession(id string, conn *websocket.Conn) *session {
	now := time.Now().UTC()
	return &session{
		id:            id,
		conn:          conn,
		connected:     now,
		clientType:    ClientUnknown,
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *session) setAuthenticated(clientType ClientType, userID string) {
	s.mu.Lock()
	s.authenticated = true
	s.clientType = clientType
	s.userID = userID
	s.mu.Unlock()
}

func (s *session) subscribe(prefix, agentID string) {
	s.mu.Lock()
	s.subscriptions[prefix] = struct{}{}
	s.agentID = agentID
	s.mu.Unlock()
}

func (s *session) unsubscribe(prefix, agentID string) {
	s.mu.Lock()
	delete(s.subscriptions, prefix)
	if s.agentID == agentID {
		s.agentID = ""
	}
	s.mu.Unlock()
}

func (s *session) defaultAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// matches reports whether the session subscribed to a prefix covering
// the given subject.
func (s *session) matches(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix := range s.subscriptions {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// writeJSON sends one frame, serializing writers.
func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}
