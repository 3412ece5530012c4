// Package auth authenticates network clients against the users table of
// the sqlite module. Clients send {"type":"auth","action":"login"|"register",
// "username":..., "password":...}; every other message from a client that
// has not authenticated is answered with an error and not propagated to
// lower priority handlers.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/eventbus"
	"github.com/GoCodeAlone/modcore/modules/network"
	"github.com/GoCodeAlone/modcore/modules/sqlite"
)

// Name is the module name.
const Name = "auth"

// ServiceName is the name the module registers itself under.
const ServiceName = "auth"

// Events published by the module.
const (
	EventLogin      = "auth.login"
	EventRegistered = "auth.registered"
	EventLogout     = "auth.logout"
)

// Defaults
const (
	DefaultSessionTTL      = 24 * time.Hour
	DefaultCleanupInterval = 5 * time.Minute
)

var ErrBadPayload = errors.New("auth: unexpected event payload")

// LoginPayload is the payload of auth.login, auth.registered and
// auth.logout.
type LoginPayload struct {
	ClientID string `json:"clientId"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// Settings is the module configuration.
type Settings struct {
	BcryptCost      int             `yaml:"bcryptCost"`
	SessionTTL      config.Duration `yaml:"sessionTTL"`
	CleanupInterval config.Duration `yaml:"cleanupInterval"`
}

// Module is the auth module.
type Module struct {
	host     modcore.Host
	logger   modcore.Logger
	settings Settings
	store    *Store

	mu       sync.Mutex
	sessions map[string]Session
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ modcore.Module = (*Module)(nil)

// Registration returns the catalog entry for the module.
func Registration() modcore.Registration {
	return modcore.Registration{
		Descriptor: modcore.Descriptor{
			Name:         Name,
			Version:      "1.0.0",
			Description:  "Handles client authentication and sessions",
			Author:       "modcore",
			Dependencies: []string{sqlite.Name},
		},
		Factory: New,
	}
}

// New is the module factory.
func New(host modcore.Host) (modcore.Module, error) {
	return &Module{
		host:     host,
		logger:   host.Logger(),
		sessions: make(map[string]Session),
	}, nil
}

// Load binds the shared database and creates the schema.
func (m *Module) Load(ctx context.Context) error {
	if err := m.host.DecodeConfig(&m.settings); err != nil {
		return err
	}
	if m.settings.SessionTTL <= 0 {
		m.settings.SessionTTL = config.Duration(DefaultSessionTTL)
	}
	if m.settings.CleanupInterval <= 0 {
		m.settings.CleanupInterval = config.Duration(DefaultCleanupInterval)
	}

	var db *sql.DB
	if err := m.host.GetService(sqlite.ServiceName, &db); err != nil {
		return fmt.Errorf("auth: database unavailable: %w", err)
	}
	m.store = NewStore(db, m.settings.BcryptCost)
	if err := m.store.Migrate(ctx); err != nil {
		return err
	}
	if err := m.host.RegisterService(ServiceName, m); err != nil {
		return err
	}
	m.logger.Info("Auth module loaded")
	return nil
}

// Unload forgets the in-memory sessions.
func (m *Module) Unload(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.sessions)
	return nil
}

// Enable subscribes to client traffic and starts the session cleanup.
func (m *Module) Enable(ctx context.Context) error {
	events := m.host.Events()
	// High priority: auth sees every client message before game logic.
	if _, err := events.Subscribe(network.EventClientMessage, m.handleMessage, eventbus.PriorityHigh); err != nil {
		return err
	}
	if _, err := events.Subscribe(network.EventClientDisconnected, m.handleDisconnected, eventbus.PriorityNormal); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancel, m.done = cancel, make(chan struct{})
	done := m.done
	m.mu.Unlock()
	go m.cleanupLoop(runCtx, done)

	m.logger.Info("Auth module enabled")
	return nil
}

// Disable stops the session cleanup.
func (m *Module) Disable(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("Auth module disabled")
	return nil
}

// Store returns the user store.
func (m *Module) Store() *Store { return m.store }

// Session returns the active session of a client.
func (m *Module) Session(clientID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

func (m *Module) handleMessage(ctx context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(network.MessagePayload)
	if !ok {
		return fmt.Errorf("%w: %T", ErrBadPayload, e.Payload)
	}
	if p.Message.Type() == "auth" {
		m.handleAuthRequest(ctx, p.ClientID, p.Message)
		return eventbus.ErrStopPropagation
	}
	if _, ok := m.Session(p.ClientID); !ok {
		m.logger.Warn("Unauthenticated request", "client", p.ClientID, "type", p.Message.Type())
		m.respond(p.ClientID, false, "Authentication required", "")
		return eventbus.ErrStopPropagation
	}
	return nil
}

func (m *Module) handleAuthRequest(ctx context.Context, clientID string, msg network.Message) {
	action, _ := msg["action"].(string)
	username, _ := msg["username"].(string)
	password, _ := msg["password"].(string)
	if action == "" || username == "" || password == "" {
		m.respond(clientID, false, "Missing required fields", "")
		return
	}

	var (
		user User
		err  error
		done string
		kind string
	)
	switch action {
	case "register":
		email, _ := msg["email"].(string)
		user, err = m.store.CreateUser(ctx, username, password, email)
		done, kind = "Registration successful", EventRegistered
	case "login":
		user, err = m.store.Authenticate(ctx, username, password)
		done, kind = "Login successful", EventLogin
	default:
		m.respond(clientID, false, "Invalid action", "")
		return
	}
	if err != nil {
		m.logger.Warn("Authentication failed", "client", clientID, "action", action, "username", username, "error", err)
		m.respond(clientID, false, failureMessage(err), "")
		return
	}

	session, err := m.store.CreateSession(ctx, user, m.settings.SessionTTL.Std())
	if err != nil {
		m.logger.Error("Failed to create session", "client", clientID, "error", err)
		m.respond(clientID, false, "Failed to create session", "")
		return
	}
	m.mu.Lock()
	m.sessions[clientID] = session
	m.mu.Unlock()

	m.logger.Info("Client authenticated", "client", clientID, "username", user.Username, "action", action)
	m.respond(clientID, true, done, session.Token)
	m.publish(network.EventClientAuthenticated, network.AuthenticatedPayload{ClientID: clientID, Username: user.Username}, eventbus.PriorityHigh)
	m.publish(kind, LoginPayload{ClientID: clientID, UserID: user.ID, Username: user.Username}, eventbus.PriorityNormal)
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrUserExists):
		return "Username already exists"
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid username or password"
	case errors.Is(err, ErrAccountInactive):
		return "Account is not active"
	case errors.Is(err, ErrMissingFields):
		return "Missing required fields"
	default:
		return "Internal server error"
	}
}

func (m *Module) handleDisconnected(ctx context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(network.ClientPayload)
	if !ok {
		return fmt.Errorf("%w: %T", ErrBadPayload, e.Payload)
	}
	m.mu.Lock()
	session, found := m.sessions[p.ClientID]
	delete(m.sessions, p.ClientID)
	m.mu.Unlock()
	if !found {
		return nil
	}
	m.publish(EventLogout, LoginPayload{ClientID: p.ClientID, UserID: session.UserID, Username: session.Username}, eventbus.PriorityNormal)
	return m.store.DeleteSession(ctx, session.Token)
}

func (m *Module) cleanupLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.settings.CleanupInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.expireSessions(ctx, now)
		}
	}
}

func (m *Module) expireSessions(ctx context.Context, now time.Time) {
	m.mu.Lock()
	for clientID, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, clientID)
		}
	}
	m.mu.Unlock()

	n, err := m.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		m.logger.Error("Session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Debug("Expired sessions removed", "count", n)
	}
}

func (m *Module) respond(clientID string, success bool, message, token string) {
	reply := network.Message{"type": "auth_response", "success": success, "message": message}
	if token != "" {
		reply["token"] = token
	}
	m.publish(network.EventSend, network.SendRequest{ClientID: clientID, Message: reply}, eventbus.PriorityNormal)
}

func (m *Module) publish(eventType string, payload any, priority eventbus.Priority) {
	if err := m.host.Events().Publish(eventType, payload, priority); err != nil {
		m.logger.Debug("Failed to publish event", "event", eventType, "error", err)
	}
}
