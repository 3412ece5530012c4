// Package game runs chat rooms for authenticated network clients.
//
// Clients send messages whose type starts with "game:":
//
//	game:join  {"room": "lobby"}
//	game:leave
//	game:chat  {"text": "hello"}
//	game:list
//
// Replies travel back through network.send. Room members receive a
// game:state_update on every server.tick.
package game

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/eventbus"
	"github.com/GoCodeAlone/modcore/modules/auth"
	"github.com/GoCodeAlone/modcore/modules/network"
)

// Name is the module name.
const Name = "game"

// ServiceName is the name the module registers itself under.
const ServiceName = "game"

// Events published by the module.
const (
	EventPlayerJoined = "game.player_joined"
	EventPlayerLeft   = "game.player_left"
	EventChat         = "game.chat"
)

// Defaults
const (
	DefaultRoom            = "lobby"
	DefaultMaxRoomSize     = 16
	DefaultSessionTimeout  = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
	maxChatLength          = 512
)

const messagePrefix = "game:"

var ErrBadPayload = errors.New("game: unexpected event payload")

// Sessions reports the authenticated user of a client. *auth.Module
// implements it.
type Sessions interface {
	Session(clientID string) (auth.Session, bool)
}

// PlayerPayload is the payload of game.player_joined and game.player_left.
type PlayerPayload struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// ChatPayload is the payload of game.chat.
type ChatPayload struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Room     string `json:"room"`
	Text     string `json:"text"`
}

// RoomInfo summarizes a room.
type RoomInfo struct {
	Name    string   `json:"name"`
	Players []string `json:"players"`
}

// Settings is the module configuration.
type Settings struct {
	MaxRoomSize     int             `yaml:"maxRoomSize"`
	SessionTimeout  config.Duration `yaml:"sessionTimeout"`
	CleanupInterval config.Duration `yaml:"cleanupInterval"`
}

func (s *Settings) applyDefaults() {
	if s.MaxRoomSize <= 0 {
		s.MaxRoomSize = DefaultMaxRoomSize
	}
	if s.SessionTimeout <= 0 {
		s.SessionTimeout = config.Duration(DefaultSessionTimeout)
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = config.Duration(DefaultCleanupInterval)
	}
}

type player struct {
	clientID     string
	username     string
	room         string
	lastActivity time.Time
}

// Module is the game module.
type Module struct {
	host     modcore.Host
	logger   modcore.Logger
	settings Settings
	sessions Sessions
	now      func() time.Time

	mu      sync.Mutex
	players map[string]*player
	rooms   map[string][]string
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ modcore.Module = (*Module)(nil)

// Registration returns the catalog entry for the module.
func Registration() modcore.Registration {
	return modcore.Registration{
		Descriptor: modcore.Descriptor{
			Name:         Name,
			Version:      "1.0.0",
			Description:  "Handles game rooms and player interactions",
			Author:       "modcore",
			Dependencies: []string{network.Name, auth.Name},
		},
		Factory: New,
	}
}

// New is the module factory.
func New(host modcore.Host) (modcore.Module, error) {
	return &Module{
		host:    host,
		logger:  host.Logger(),
		now:     time.Now,
		players: make(map[string]*player),
		rooms:   make(map[string][]string),
	}, nil
}

// Load resolves the auth sessions and registers the module.
func (m *Module) Load(context.Context) error {
	if err := m.host.DecodeConfig(&m.settings); err != nil {
		return err
	}
	m.settings.applyDefaults()

	var authModule *auth.Module
	if err := m.host.GetService(auth.ServiceName, &authModule); err != nil {
		return fmt.Errorf("game: auth unavailable: %w", err)
	}
	m.sessions = authModule
	if err := m.host.RegisterService(ServiceName, m); err != nil {
		return err
	}
	m.logger.Info("Game module loaded", "maxRoomSize", m.settings.MaxRoomSize)
	return nil
}

// Unload drops every room.
func (m *Module) Unload(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.players)
	clear(m.rooms)
	return nil
}

// Enable subscribes to client traffic and the server tick.
func (m *Module) Enable(ctx context.Context) error {
	events := m.host.Events()
	subs := []struct {
		event    string
		handler  eventbus.Handler
		priority eventbus.Priority
	}{
		{network.EventClientMessage, m.handleMessage, eventbus.PriorityNormal},
		{network.EventClientDisconnected, m.handleDisconnected, eventbus.PriorityNormal},
		{modcore.EventServerTick, m.handleTick, eventbus.PriorityLow},
	}
	for _, s := range subs {
		if _, err := events.Subscribe(s.event, s.handler, s.priority); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancel, m.done = cancel, make(chan struct{})
	done := m.done
	m.mu.Unlock()
	go m.cleanupLoop(runCtx, done)

	m.logger.Info("Game module enabled")
	return nil
}

// Disable removes every player from their room and stops the cleanup.
func (m *Module) Disable(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	ids := make([]string, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.removePlayer(id)
	}
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("Game module disabled")
	return nil
}

// Rooms lists the rooms sorted by name.
func (m *Module) Rooms() []RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for name, members := range m.rooms {
		out = append(out, RoomInfo{Name: name, Players: m.usernames(members)})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// PlayerCount returns the number of players currently in a room.
func (m *Module) PlayerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.players {
		if p.room != "" {
			n++
		}
	}
	return n
}

func (m *Module) handleMessage(_ context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(network.MessagePayload)
	if !ok {
		return fmt.Errorf("%w: %T", ErrBadPayload, e.Payload)
	}
	kind := p.Message.Type()
	if !strings.HasPrefix(kind, messagePrefix) {
		return nil
	}
	session, ok := m.sessions.Session(p.ClientID)
	if !ok {
		m.sendError(p.ClientID, "Authentication required")
		return nil
	}
	pl := m.touch(p.ClientID, session.Username)

	switch kind {
	case "game:join":
		room, _ := p.Message["room"].(string)
		m.join(pl, strings.TrimSpace(room))
	case "game:leave":
		if !m.removePlayer(p.ClientID) {
			m.sendError(p.ClientID, "Not in a room")
		}
	case "game:chat":
		text, _ := p.Message["text"].(string)
		m.chat(pl, text)
	case "game:list":
		m.send(p.ClientID, network.Message{"type": "game:rooms", "rooms": m.Rooms()})
	default:
		m.logger.Warn("Unknown game message type", "client", p.ClientID, "type", kind)
		m.sendError(p.ClientID, "Unknown game message type")
	}
	return nil
}

// touch returns a snapshot of the client's player, creating it when new.
func (m *Module) touch(clientID, username string) player {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[clientID]
	if !ok {
		p = &player{clientID: clientID}
		m.players[clientID] = p
	}
	p.username = username
	p.lastActivity = m.now()
	return *p
}

func (m *Module) join(pl player, room string) {
	if room == "" {
		room = DefaultRoom
	}
	if pl.room == room {
		m.send(pl.clientID, network.Message{"type": "game:joined", "room": room, "players": m.members(room)})
		return
	}

	m.mu.Lock()
	if len(m.rooms[room]) >= m.settings.MaxRoomSize {
		m.mu.Unlock()
		m.sendError(pl.clientID, "Room is full")
		return
	}
	m.mu.Unlock()

	if pl.room != "" {
		m.removePlayer(pl.clientID)
	}

	m.mu.Lock()
	p, ok := m.players[pl.clientID]
	if !ok {
		p = &player{clientID: pl.clientID, username: pl.username, lastActivity: pl.lastActivity}
		m.players[pl.clientID] = p
	}
	others := slices.Clone(m.rooms[room])
	p.room = room
	m.rooms[room] = append(m.rooms[room], pl.clientID)
	players := m.usernames(m.rooms[room])
	m.mu.Unlock()

	m.logger.Info("Player joined room", "client", pl.clientID, "username", pl.username, "room", room)
	m.send(pl.clientID, network.Message{"type": "game:joined", "room": room, "players": players})
	for _, id := range others {
		m.send(id, network.Message{"type": "game:player_joined", "room": room, "username": pl.username})
	}
	m.publish(EventPlayerJoined, PlayerPayload{ClientID: pl.clientID, Username: pl.username, Room: room})
}

// removePlayer takes a client out of its room and forgets it. It reports
// whether the client was in a room.
func (m *Module) removePlayer(clientID string) bool {
	m.mu.Lock()
	p, ok := m.players[clientID]
	delete(m.players, clientID)
	if !ok || p.room == "" {
		m.mu.Unlock()
		return false
	}
	room := p.room
	members := slices.DeleteFunc(m.rooms[room], func(id string) bool { return id == clientID })
	if len(members) == 0 {
		delete(m.rooms, room)
	} else {
		m.rooms[room] = members
	}
	others := slices.Clone(members)
	m.mu.Unlock()

	m.logger.Info("Player left room", "client", clientID, "username", p.username, "room", room)
	m.send(clientID, network.Message{"type": "game:left", "room": room})
	for _, id := range others {
		m.send(id, network.Message{"type": "game:player_left", "room": room, "username": p.username})
	}
	m.publish(EventPlayerLeft, PlayerPayload{ClientID: clientID, Username: p.username, Room: room})
	return true
}

func (m *Module) chat(pl player, text string) {
	text = strings.TrimSpace(text)
	if pl.room == "" {
		m.sendError(pl.clientID, "Not in a room")
		return
	}
	if text == "" {
		m.sendError(pl.clientID, "Empty message")
		return
	}
	if len(text) > maxChatLength {
		text = text[:maxChatLength]
	}

	msg := network.Message{"type": "game:chat", "room": pl.room, "username": pl.username, "text": text}
	for _, id := range m.memberIDs(pl.room) {
		m.send(id, msg)
	}
	m.publish(EventChat, ChatPayload{ClientID: pl.clientID, Username: pl.username, Room: pl.room, Text: text})
}

func (m *Module) handleDisconnected(_ context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(network.ClientPayload)
	if !ok {
		return fmt.Errorf("%w: %T", ErrBadPayload, e.Payload)
	}
	m.removePlayer(p.ClientID)
	return nil
}

// handleTick sends each room its current member list.
func (m *Module) handleTick(_ context.Context, e eventbus.Event) error {
	for _, room := range m.Rooms() {
		update := network.Message{
			"type":    "game:state_update",
			"room":    room.Name,
			"players": room.Players,
			"tick":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		for _, id := range m.memberIDs(room.Name) {
			m.send(id, update)
		}
	}
	return nil
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
			m.dropInactive(now)
		}
	}
}

// dropInactive removes players idle for longer than the session timeout.
func (m *Module) dropInactive(now time.Time) int {
	timeout := m.settings.SessionTimeout.Std()
	m.mu.Lock()
	var stale []string
	for id, p := range m.players {
		if now.Sub(p.lastActivity) > timeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("Removing inactive player", "client", id)
		m.removePlayer(id)
	}
	return len(stale)
}

func (m *Module) members(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usernames(m.rooms[room])
}

func (m *Module) memberIDs(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rooms[room])
}

// usernames must be called with mu held.
func (m *Module) usernames(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.players[id]; ok {
			out = append(out, p.username)
		}
	}
	return out
}

func (m *Module) sendError(clientID, message string) {
	m.send(clientID, network.Message{"type": "game:error", "message": message})
}

func (m *Module) send(clientID string, msg network.Message) {
	m.publish(network.EventSend, network.SendRequest{ClientID: clientID, Message: msg})
}

func (m *Module) publish(eventType string, payload any) {
	if err := m.host.Events().Publish(eventType, payload, eventbus.PriorityNormal); err != nil {
		m.logger.Debug("Failed to publish event", "event", eventType, "error", err)
	}
}
