package auth

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/eventbus"
	"github.com/GoCodeAlone/modcore/modules/network"
	"github.com/GoCodeAlone/modcore/modules/sqlite"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewStore(db, bcrypt.MinCost)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()), "migrate is idempotent")
	return s
}

func startServer(t *testing.T) (*modcore.Server, *Module) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.LifecycleTimeout = config.Duration(5 * time.Second)
	cfg.Modules = []config.ModuleConfig{
		{Name: Name, Config: map[string]any{"bcryptCost": bcrypt.MinCost, "sessionTTL": "1h"}},
		{Name: sqlite.Name, Config: map[string]any{"path": filepath.Join(t.TempDir(), "auth.db")}},
	}
	catalog := modcore.NewCatalog().MustRegister(sqlite.Registration(), Registration())
	srv, err := modcore.NewServer(cfg, catalog)
	require.NoError(t, err)
	assert.Equal(t, []string{sqlite.Name, Name}, srv.LoadOrder())

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	var mod *Module
	require.NoError(t, srv.GetService(ServiceName, &mod))
	return srv, mod
}

// send delivers a client message and returns the auth reply sent back.
func send(t *testing.T, srv *modcore.Server, clientID string, msg network.Message) network.Message {
	t.Helper()
	before := len(srv.Bus().History().Query(eventbus.HistoryFilter{Type: network.EventSend}))
	require.NoError(t, srv.Bus().PublishAndWait(context.Background(), eventbus.NewEvent(network.EventClientMessage, network.Name,
		network.MessagePayload{ClientID: clientID, Message: msg}, eventbus.PriorityNormal)))

	replies := srv.Bus().History().Query(eventbus.HistoryFilter{Type: network.EventSend})
	require.Len(t, replies, before+1)
	req := replies[len(replies)-1].Payload.(network.SendRequest)
	assert.Equal(t, clientID, req.ClientID)
	assert.Equal(t, "auth_response", req.Message.Type())
	return req.Message
}

func TestStoreUsers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice", "s3cret", "alice@example.com")
	require.NoError(t, err)
	assert.Positive(t, u.ID)
	assert.Equal(t, StatusActive, u.Status)

	_, err = s.CreateUser(ctx, "alice", "other", "")
	assert.ErrorIs(t, err, ErrUserExists)
	_, err = s.CreateUser(ctx, "bob", "pw", "")
	require.NoError(t, err, "empty emails do not collide")
	_, err = s.CreateUser(ctx, "carol", "pw", "")
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, " ", "pw", "")
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	logged, err := s.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.False(t, logged.LastLogin.IsZero())
	stored, err := s.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, logged.LastLogin, stored.LastLogin)
	assert.Equal(t, "alice@example.com", stored.Email)

	require.NoError(t, s.SetStatus(ctx, "alice", StatusSuspended))
	_, err = s.Authenticate(ctx, "alice", "s3cret")
	assert.ErrorIs(t, err, ErrAccountInactive)
	assert.ErrorIs(t, s.SetStatus(ctx, "nobody", StatusActive), ErrUserNotFound)
}

func TestStoreSessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	u, err := s.CreateUser(ctx, "alice", "pw", "")
	require.NoError(t, err)
	short, err := s.CreateSession(ctx, u, time.Minute)
	require.NoError(t, err)
	long, err := s.CreateSession(ctx, u, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, short.Token, long.Token)
	assert.Len(t, short.Token, 43)

	n, err := s.DeleteExpiredSessions(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.DeleteSession(ctx, long.Token))
	count, err = s.SessionCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegisterAndLogin(t *testing.T) {
	srv, mod := startServer(t)

	reply := send(t, srv, "c1", network.Message{"type": "auth", "action": "register", "username": "alice", "password": "pw"})
	assert.Equal(t, true, reply["success"])
	assert.Equal(t, "Registration successful", reply["message"])
	assert.NotEmpty(t, reply["token"])

	session, ok := mod.Session("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", session.Username)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, time.Minute)

	authenticated := srv.Bus().History().Query(eventbus.HistoryFilter{Type: network.EventClientAuthenticated})
	require.Len(t, authenticated, 1)
	assert.Equal(t, network.AuthenticatedPayload{ClientID: "c1", Username: "alice"}, authenticated[0].Payload)
	require.Len(t, srv.Bus().History().Query(eventbus.HistoryFilter{Type: EventRegistered}), 1)

	reply = send(t, srv, "c2", network.Message{"type": "auth", "action": "register", "username": "alice", "password": "x"})
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "Username already exists", reply["message"])

	reply = send(t, srv, "c2", network.Message{"type": "auth", "action": "login", "username": "alice", "password": "bad"})
	assert.Equal(t, "Invalid username or password", reply["message"])

	reply = send(t, srv, "c2", network.Message{"type": "auth", "action": "login", "username": "alice", "password": "pw"})
	assert.Equal(t, "Login successful", reply["message"])
	logins := srv.Bus().History().Query(eventbus.HistoryFilter{Type: EventLogin})
	require.Len(t, logins, 1)
	assert.Equal(t, "c2", logins[0].Payload.(LoginPayload).ClientID)

	reply = send(t, srv, "c3", network.Message{"type": "auth", "action": "login", "username": "alice"})
	assert.Equal(t, "Missing required fields", reply["message"])
	reply = send(t, srv, "c3", network.Message{"type": "auth", "action": "dance", "username": "a", "password": "b"})
	assert.Equal(t, "Invalid action", reply["message"])
}

func TestUnauthenticatedMessagesStopPropagation(t *testing.T) {
	srv, _ := startServer(t)

	var seen []string
	_, err := srv.Bus().Subscribe(network.EventClientMessage, func(_ context.Context, e eventbus.Event) error {
		seen = append(seen, e.Payload.(network.MessagePayload).ClientID)
		return nil
	}, "game", eventbus.PriorityNormal)
	require.NoError(t, err)

	reply := send(t, srv, "anon", network.Message{"type": "chat"})
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "Authentication required", reply["message"])
	assert.Empty(t, seen)

	send(t, srv, "c1", network.Message{"type": "auth", "action": "register", "username": "bob", "password": "pw"})
	require.NoError(t, srv.Bus().PublishAndWait(context.Background(), eventbus.NewEvent(network.EventClientMessage, network.Name,
		network.MessagePayload{ClientID: "c1", Message: network.Message{"type": "chat"}}, eventbus.PriorityNormal)))
	assert.Equal(t, []string{"c1"}, seen)
}

func TestDisconnectEndsSession(t *testing.T) {
	srv, mod := startServer(t)
	send(t, srv, "c1", network.Message{"type": "auth", "action": "register", "username": "dave", "password": "pw"})
	count, err := mod.Store().SessionCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, srv.Bus().PublishAndWait(context.Background(), eventbus.NewEvent(network.EventClientDisconnected, network.Name,
		network.ClientPayload{ClientID: "c1"}, eventbus.PriorityNormal)))

	_, ok := mod.Session("c1")
	assert.False(t, ok)
	count, err = mod.Store().SessionCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, srv.Bus().History().Query(eventbus.HistoryFilter{Type: EventLogout}), 1)
}

func TestExpireSessions(t *testing.T) {
	srv, mod := startServer(t)
	send(t, srv, "c1", network.Message{"type": "auth", "action": "register", "username": "erin", "password": "pw"})

	mod.expireSessions(context.Background(), time.Now())
	_, ok := mod.Session("c1")
	assert.True(t, ok)

	mod.expireSessions(context.Background(), time.Now().Add(2*time.Hour))
	_, ok = mod.Session("c1")
	assert.False(t, ok)
}

func TestLoadRequiresDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.Server.LifecycleTimeout = config.Duration(5 * time.Second)
	// The dependency is overridden away, so the database service is missing.
	cfg.Modules = []config.ModuleConfig{{Name: Name, Dependencies: []string{"noop"}}, {Name: "noop"}}
	catalog := modcore.NewCatalog().MustRegister(Registration(), modcore.Registration{
		Descriptor: modcore.Descriptor{Name: "noop"},
		Factory:    func(modcore.Host) (modcore.Module, error) { return modcore.ModuleBase{}, nil },
	})
	srv, err := modcore.NewServer(cfg, catalog)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	defer func() { _ = srv.Stop(context.Background()) }()

	view, _ := srv.Module(Name)
	assert.Equal(t, modcore.StateError, view.State)
	assert.Contains(t, view.LastError, "database unavailable")

	var db *sql.DB
	assert.ErrorIs(t, srv.GetService(sqlite.ServiceName, &db), modcore.ErrServiceNotFound)
}
