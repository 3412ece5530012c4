package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Account statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

var (
	ErrUserExists         = errors.New("auth: username already exists")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrAccountInactive    = errors.New("auth: account is not active")
	ErrMissingFields      = errors.New("auth: missing required fields")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	email TEXT UNIQUE,
	created_at INTEGER NOT NULL,
	last_login INTEGER,
	status TEXT NOT NULL DEFAULT 'active'
);
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	token TEXT UNIQUE NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at ON sessions (expires_at);
`

// User is a stored account.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	LastLogin time.Time `json:"lastLogin,omitzero"`

	passwordHash string
}

// Session is a login session token.
type Session struct {
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists users and sessions in the shared SQLite database.
type Store struct {
	db   *sql.DB
	cost int
	now  func() time.Time
}

// NewStore creates a store hashing passwords with the given bcrypt cost.
func NewStore(db *sql.DB, cost int) *Store {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Store{db: db, cost: cost, now: time.Now}
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("auth: creating schema: %w", err)
	}
	return nil
}

// CreateUser stores a new active account.
func (s *Store) CreateUser(ctx context.Context, username, password, email string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, ErrMissingFields
	}
	if _, err := s.User(ctx, username); err == nil {
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, username)
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("auth: hashing password: %w", err)
	}
	created := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, email, created_at, status) VALUES (?, ?, ?, ?, ?)`,
		username, string(hash), sql.NullString{String: email, Valid: email != ""}, toMillis(created), StatusActive)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return User{}, fmt.Errorf("auth: inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("auth: reading user id: %w", err)
	}
	return User{
		ID:           id,
		Username:     username,
		Email:        email,
		Status:       StatusActive,
		CreatedAt:    fromMillis(toMillis(created)),
		passwordHash: string(hash),
	}, nil
}

// User loads an account by name.
func (s *Store) User(ctx context.Context, username string) (User, error) {
	var (
		u         User
		email     sql.NullString
		created   int64
		lastLogin sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, email, created_at, last_login, status FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &u.passwordHash, &email, &created, &lastLogin, &u.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return User{}, fmt.Errorf("auth: loading user: %w", err)
	}
	u.Email = email.String
	u.CreatedAt = fromMillis(created)
	if lastLogin.Valid {
		u.LastLogin = fromMillis(lastLogin.Int64)
	}
	return u, nil
}

// Authenticate checks a password and records the login time. Unknown users
// and wrong passwords both report ErrInvalidCredentials.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	if username == "" || password == "" {
		return User{}, ErrMissingFields
	}
	u, err := s.User(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	if u.Status != StatusActive {
		return User{}, ErrAccountInactive
	}

	u.LastLogin = fromMillis(toMillis(s.now()))
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, toMillis(u.LastLogin), u.ID); err != nil {
		return User{}, fmt.Errorf("auth: updating last login: %w", err)
	}
	return u, nil
}

// SetStatus changes an account's status.
func (s *Store) SetStatus(ctx context.Context, username, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status = ? WHERE username = ?`, status, username)
	if err != nil {
		return fmt.Errorf("auth: updating status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return nil
}

// CreateSession issues a random token valid for ttl.
func (s *Store) CreateSession(ctx context.Context, u User, ttl time.Duration) (Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Session{}, fmt.Errorf("auth: generating token: %w", err)
	}
	now := s.now()
	session := Session{
		UserID:    u.ID,
		Username:  u.Username,
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		ExpiresAt: fromMillis(toMillis(now.Add(ttl))),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, token, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		session.UserID, session.Token, toMillis(now), toMillis(session.ExpiresAt))
	if err != nil {
		return Session{}, fmt.Errorf("auth: inserting session: %w", err)
	}
	return session, nil
}

// DeleteSession removes a session token.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("auth: deleting session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("auth: deleting expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// SessionCount returns the number of stored sessions.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("auth: counting sessions: %w", err)
	}
	return n, nil
}
