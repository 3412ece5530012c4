// Package network is the TCP front door of the server. Clients exchange
// length-prefixed JSON frames; every frame other than a ping is published
// on the bus as client.message for other modules to handle. Replies go
// back through network.send events or the "network" service.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/eventbus"
)

// Name is the module name.
const Name = "network"

// ServiceName is the name the module registers its Clients service under.
const ServiceName = "network"

// Events published by the module.
const (
	EventClientConnected    = "client.connected"
	EventClientDisconnected = "client.disconnected"
	EventClientMessage      = "client.message"
)

// Events handled by the module.
const (
	// EventSend delivers a SendRequest to one client.
	EventSend = "network.send"
	// EventBroadcast delivers a SendRequest to every client except
	// SendRequest.ClientID.
	EventBroadcast = "network.broadcast"
	// EventClientAuthenticated marks a client as authenticated. Its
	// payload is an AuthenticatedPayload.
	EventClientAuthenticated = "client.authenticated"
)

// Defaults
const (
	DefaultAddress         = "0.0.0.0:8889"
	DefaultClientTimeout   = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
)

var (
	ErrClientNotFound = errors.New("network: client not found")
	ErrBadPayload     = errors.New("network: unexpected event payload")
)

// ClientPayload is the payload of client.connected and client.disconnected.
type ClientPayload struct {
	ClientID string `json:"clientId"`
	Address  string `json:"address"`
}

// MessagePayload is the payload of client.message.
type MessagePayload struct {
	ClientID      string  `json:"clientId"`
	Message       Message `json:"message"`
	Authenticated bool    `json:"authenticated"`
}

// SendRequest is the payload of network.send and network.broadcast.
type SendRequest struct {
	ClientID string  `json:"clientId"`
	Message  Message `json:"message"`
}

// AuthenticatedPayload is the payload of client.authenticated.
type AuthenticatedPayload struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Authenticated bool      `json:"authenticated"`
	Username      string    `json:"username,omitempty"`
}

// Clients is the service other modules use to reach connected clients.
type Clients interface {
	Send(clientID string, msg Message) error
	Broadcast(msg Message, exclude string) int
	Client(clientID string) (ClientInfo, bool)
	ClientCount() int
	Addr() net.Addr
}

// Settings is the module configuration.
type Settings struct {
	Address         string          `yaml:"address"`
	MaxMessageSize  int             `yaml:"maxMessageSize"`
	ClientTimeout   config.Duration `yaml:"clientTimeout"`
	CleanupInterval config.Duration `yaml:"cleanupInterval"`
}

func (s *Settings) applyDefaults() {
	if s.Address == "" {
		s.Address = DefaultAddress
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = DefaultMaxMessageSize
	}
	if s.ClientTimeout <= 0 {
		s.ClientTimeout = config.Duration(DefaultClientTimeout)
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = config.Duration(DefaultCleanupInterval)
	}
}

// Module is the network module.
type Module struct {
	host     modcore.Host
	logger   modcore.Logger
	settings Settings

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]*client
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type client struct {
	id          string
	address     string
	conn        net.Conn
	connectedAt time.Time

	writeMu       sync.Mutex
	lastActivity  atomic.Int64
	authenticated atomic.Bool
	username      atomic.Value
}

var (
	_ modcore.Module = (*Module)(nil)
	_ Clients        = (*Module)(nil)
)

// Registration returns the catalog entry for the module.
func Registration() modcore.Registration {
	return modcore.Registration{
		Descriptor: modcore.Descriptor{
			Name:        Name,
			Version:     "1.0.0",
			Description: "Handles network communication and client connections",
			Author:      "modcore",
		},
		Factory: New,
	}
}

// New is the module factory.
func New(host modcore.Host) (modcore.Module, error) {
	return &Module{
		host:    host,
		logger:  host.Logger(),
		clients: make(map[string]*client),
	}, nil
}

// Load reads the settings and publishes the Clients service.
func (m *Module) Load(ctx context.Context) error {
	if err := m.host.DecodeConfig(&m.settings); err != nil {
		return err
	}
	m.settings.applyDefaults()
	if err := m.host.RegisterService(ServiceName, m); err != nil {
		return err
	}
	m.logger.Info("Network module loaded", "address", m.settings.Address)
	return nil
}

// Unload has nothing to release; the listener lives between Enable and
// Disable.
func (m *Module) Unload(context.Context) error { return nil }

// Enable starts listening and subscribes to outgoing message requests.
func (m *Module) Enable(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.settings.Address)
	if err != nil {
		return fmt.Errorf("network: listening on %s: %w", m.settings.Address, err)
	}

	events := m.host.Events()
	for eventType, handler := range map[string]eventbus.Handler{
		EventSend:                m.handleSend,
		EventBroadcast:           m.handleBroadcast,
		EventClientAuthenticated: m.handleAuthenticated,
	} {
		if _, err := events.Subscribe(eventType, handler, eventbus.PriorityNormal); err != nil {
			_ = ln.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.listener, m.cancel = ln, cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.acceptLoop(runCtx, ln)
	go m.cleanupLoop(runCtx)

	m.logger.Info("Network module listening", "address", ln.Addr().String())
	return nil
}

// Disable stops accepting, disconnects every client and waits for the
// connection goroutines to finish.
func (m *Module) Disable(ctx context.Context) error {
	m.mu.Lock()
	ln, cancel := m.listener, m.cancel
	m.listener, m.cancel = nil, nil
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := ln.Close()
	for _, c := range clients {
		_ = c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("network: waiting for connections to close: %w", ctx.Err())
	}

	m.logger.Info("Network module disabled", "disconnected", len(clients))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listener address, or nil when not listening.
func (m *Module) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Send writes msg to one client. A "timestamp" is added when missing.
func (m *Module) Send(clientID string, msg Message) error {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	if err := m.write(c, msg); err != nil {
		m.logger.Error("Failed to send message", "client", clientID, "error", err)
		m.disconnect(c)
		return err
	}
	return nil
}

// Broadcast writes msg to every client except exclude and returns how many
// received it.
func (m *Module) Broadcast(msg Message, exclude string) int {
	m.mu.Lock()
	targets := make([]string, 0, len(m.clients))
	for id := range m.clients {
		if id != exclude {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()

	sent := 0
	for _, id := range targets {
		if m.Send(id, msg) == nil {
			sent++
		}
	}
	return sent
}

// Client returns information about a connected client.
func (m *Module) Client(clientID string) (ClientInfo, bool) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	m.mu.Unlock()
	if !ok {
		return ClientInfo{}, false
	}
	return c.info(), true
}

// ClientCount returns the number of connected clients.
func (m *Module) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Module) acceptLoop(ctx context.Context, ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				m.logger.Error("Accept failed", "error", err)
			}
			return
		}

		c := &client{
			id:          uuid.NewString(),
			address:     conn.RemoteAddr().String(),
			conn:        conn,
			connectedAt: time.Now(),
		}
		c.touch()

		m.mu.Lock()
		if m.cancel == nil {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.clients[c.id] = c
		m.wg.Add(1)
		m.mu.Unlock()

		m.publish(EventClientConnected, ClientPayload{ClientID: c.id, Address: c.address})
		m.logger.Info("Client connected", "client", c.id, "address", c.address)
		go m.serve(c)
	}
}

func (m *Module) serve(c *client) {
	defer m.wg.Done()
	defer m.disconnect(c)

	for {
		body, err := ReadFrame(c.conn, m.settings.MaxMessageSize)
		if errors.Is(err, ErrMessageTooLarge) {
			m.logger.Warn("Dropped invalid frame", "client", c.id, "error", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				m.logger.Debug("Client read ended", "client", c.id, "error", err)
			}
			return
		}
		c.touch()

		msg, err := decodeMessage(body)
		if err != nil {
			m.logger.Warn("Invalid JSON from client", "client", c.id, "error", err)
			continue
		}
		if msg.Type() == "ping" {
			if err := m.write(c, Message{"type": "pong"}); err != nil {
				return
			}
			continue
		}
		m.publish(EventClientMessage, MessagePayload{
			ClientID:      c.id,
			Message:       msg,
			Authenticated: c.authenticated.Load(),
		})
	}
}

// disconnect removes c once and publishes client.disconnected.
func (m *Module) disconnect(c *client) {
	m.mu.Lock()
	_, ok := m.clients[c.id]
	delete(m.clients, c.id)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = c.conn.Close()
	m.publish(EventClientDisconnected, ClientPayload{ClientID: c.id, Address: c.address})
	m.logger.Info("Client disconnected", "client", c.id)
}

func (m *Module) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.settings.CleanupInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.dropInactive(time.Now())
		}
	}
}

func (m *Module) dropInactive(now time.Time) int {
	timeout := m.settings.ClientTimeout.Std()
	m.mu.Lock()
	var stale []*client
	for _, c := range m.clients {
		if now.Sub(time.Unix(0, c.lastActivity.Load())) > timeout {
			stale = append(stale, c)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		m.logger.Info("Disconnecting inactive client", "client", c.id)
		m.disconnect(c)
	}
	return len(stale)
}

func (m *Module) write(c *client, msg Message) error {
	if _, ok := msg["timestamp"]; !ok {
		msg = maps.Clone(msg)
		if msg == nil {
			msg = Message{}
		}
		msg["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, msg, m.settings.MaxMessageSize)
}

func (m *Module) publish(eventType string, payload any) {
	if err := m.host.Events().Publish(eventType, payload, eventbus.PriorityNormal); err != nil {
		m.logger.Debug("Failed to publish event", "event", eventType, "error", err)
	}
}

func (m *Module) handleSend(_ context.Context, e eventbus.Event) error {
	req, ok := e.Payload.(SendRequest)
	if !ok {
		return fmt.Errorf("%w: %T", ErrBadPayload, e.Payload)
	}
	return m.Send(req.ClientID, req.Message)
}

func (m *Module) handleBroadcast(_ context.Context, e eventbus.Event) error {
	req, ok := e.Payload.(SendRequest)
	if !ok {
		return fmt.Errorf("%w: %T", ErrBadPayload, e.Payload)
	}
	m.Broadcast(req.Message, req.ClientID)
	return nil
}

func (m *Module) handleAuthenticated(_ context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(AuthenticatedPayload)
	if !ok {
		return fmt.Errorf("%w: %T", ErrBadPayload, e.Payload)
	}
	m.mu.Lock()
	c, found := m.clients[p.ClientID]
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrClientNotFound, p.ClientID)
	}
	c.authenticated.Store(true)
	c.username.Store(p.Username)
	return nil
}

func (c *client) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *client) info() ClientInfo {
	username, _ := c.username.Load().(string)
	return ClientInfo{
		ID:            c.id,
		Address:       c.address,
		ConnectedAt:   c.connectedAt,
		LastActivity:  time.Unix(0, c.lastActivity.Load()),
		Authenticated: c.authenticated.Load(),
		Username:      username,
	}
}
