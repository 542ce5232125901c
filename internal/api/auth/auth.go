// Package auth keeps a single local sign-in session in SQLite.
//
// The first login for an unknown username creates that user. Passwords are
// stored as scrypt hashes together with the KDF parameters used, so the
// parameters can change without invalidating existing records.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"

	"github.com/srymh/template-electron/internal/sqlite"
	"github.com/srymh/template-electron/pkg/ipc"
)

var (
	ErrUsernameRequired   = errors.New("username is required")
	ErrUserDisabled       = errors.New("user is disabled")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrClosed             = errors.New("auth service is closed")
)

// SessionLifetime is how long a session stays valid.
const SessionLifetime = 10 * 365 * 24 * time.Hour

// timeLayout matches JavaScript's Date.toISOString.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Schema creates the user and session tables.
const Schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
CREATE TABLE IF NOT EXISTS auth_users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	password_salt BLOB NOT NULL,
	password_kdf TEXT NOT NULL,
	password_kdf_params TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	disabled_at TEXT
);
CREATE TABLE IF NOT EXISTS auth_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	is_current INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_used_at TEXT,
	expires_at TEXT NOT NULL,
	revoked_at TEXT,
	FOREIGN KEY(user_id) REFERENCES auth_users(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_auth_sessions_current ON auth_sessions(is_current) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS ix_auth_sessions_user_id ON auth_sessions(user_id);
`

type User struct {
	Username string `json:"username"`
}

// Status is the current authentication state.
type Status struct {
	IsAuthenticated bool  `json:"isAuthenticated"`
	User            *User `json:"user"`
}

// Credentials is the object form of the login arguments.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type kdfParams struct {
	KDF             string `json:"kdf"`
	Cost            int    `json:"cost"`
	BlockSize       int    `json:"blockSize"`
	Parallelization int    `json:"parallelization"`
	Keylen          int    `json:"keylen"`
}

var defaultKDF = kdfParams{KDF: "scrypt", Cost: 16384, BlockSize: 8, Parallelization: 1, Keylen: 64}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service implements login, logout and status over an auth database.
type Service struct {
	db  *sqlite.DB
	now func() time.Time
	log zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New creates the schema if needed and returns a Service.
func New(ctx context.Context, db *sqlite.DB, opts ...Option) (*Service, error) {
	s := &Service{db: db, now: time.Now, log: log.Logger}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("auth schema: %w", err)
	}
	s.log.Debug().Str("path", db.Path()).Msg("auth database ready")
	return s, nil
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// enter locks s.mu. On success the caller owns the lock.
func (s *Service) enter() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// Status reports the current session and touches its last_used_at.
func (s *Service) Status(ctx context.Context) (Status, error) {
	if err := s.enter(); err != nil {
		return Status{}, err
	}
	defer s.mu.Unlock()

	row, ok, err := s.db.Get(ctx, `SELECT u.username AS username, s.expires_at AS expires_at
FROM auth_sessions s
JOIN auth_users u ON u.id = s.user_id
WHERE s.is_current = 1 AND s.revoked_at IS NULL AND u.disabled_at IS NULL
LIMIT 1`)
	if err != nil {
		return Status{}, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return Status{}, nil
	}

	expiresAt, _ := row["expires_at"].(string)
	expires, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil || !expires.After(s.now()) {
		return Status{}, nil
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE auth_sessions SET last_used_at = ? WHERE is_current = 1 AND revoked_at IS NULL",
		s.timestamp()); err != nil {
		return Status{}, fmt.Errorf("touch session: %w", err)
	}

	username, _ := row["username"].(string)
	return Status{IsAuthenticated: true, User: &User{Username: username}}, nil
}

// Login signs username in, creating the user on first use, and replaces
// the current session.
func (s *Service) Login(ctx context.Context, username, password string) (Status, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return Status{}, ErrUsernameRequired
	}

	if err := s.enter(); err != nil {
		return Status{}, err
	}
	defer s.mu.Unlock()

	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var (
			id       int64
			hash     string
			salt     []byte
			params   string
			disabled sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, password_hash, password_salt, password_kdf_params, disabled_at FROM auth_users WHERE username = ? LIMIT 1`,
			name).Scan(&id, &hash, &salt, &params, &disabled)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id, err = s.createUser(ctx, tx, name, password)
			if err != nil {
				return err
			}
			s.log.Info().Str("username", name).Msg("auth user created")
		case err != nil:
			return fmt.Errorf("read user: %w", err)
		default:
			if disabled.Valid {
				return ErrUserDisabled
			}
			if !verifyPassword(password, hash, salt, params) {
				return ErrInvalidCredentials
			}
		}

		now := s.timestamp()
		if err := revokeCurrent(ctx, tx, now); err != nil {
			return err
		}
		expires := s.now().Add(SessionLifetime).UTC().Format(timeLayout)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO auth_sessions (user_id, is_current, created_at, last_used_at, expires_at, revoked_at) VALUES (?, 1, ?, ?, ?, NULL)`,
			id, now, now, expires); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	return Status{IsAuthenticated: true, User: &User{Username: name}}, nil
}

// Logout revokes the current session.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		return revokeCurrent(ctx, tx, s.timestamp())
	})
}

// Disable marks username as disabled. Its sessions stop counting as
// authenticated.
func (s *Service) Disable(ctx context.Context, username string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		"UPDATE auth_users SET disabled_at = ?, updated_at = ? WHERE username = ?",
		now, now, strings.TrimSpace(username))
	return err
}

// Close stops the service and closes its database.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Service) createUser(ctx context.Context, tx *sql.Tx, name, password string) (int64, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return 0, err
	}
	key, err := derive(password, salt, defaultKDF)
	if err != nil {
		return 0, err
	}
	params, err := json.Marshal(defaultKDF)
	if err != nil {
		return 0, err
	}

	now := s.timestamp()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO auth_users (username, password_hash, password_salt, password_kdf, password_kdf_params, created_at, updated_at, disabled_at)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		name, hex.EncodeToString(key), salt, defaultKDF.KDF, string(params), now, now)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return res.LastInsertId()
}

func revokeCurrent(ctx context.Context, tx *sql.Tx, at string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE auth_sessions SET revoked_at = ?, is_current = 0 WHERE is_current = 1 AND revoked_at IS NULL",
		at); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func derive(password string, salt []byte, p kdfParams) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, p.Cost, p.BlockSize, p.Parallelization, p.Keylen)
}

func verifyPassword(password, storedHash string, salt []byte, rawParams string) bool {
	var p kdfParams
	if err := json.Unmarshal([]byte(rawParams), &p); err != nil || p.KDF != "scrypt" {
		return false
	}
	want, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	got, err := derive(password, salt, p)
	if err != nil || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Namespace returns the auth channels. login accepts either
// (username, password) or a single {username, password} object.
func (s *Service) Namespace() ipc.Namespace {
	return ipc.Namespace{
		"auth": ipc.Namespace{
			"getStatus": ipc.Invoke(ipc.HandleNoArgs(func(ctx context.Context, _ *ipc.Caller) (Status, error) {
				return s.Status(ctx)
			})),
			"login": ipc.Invoke(func(ctx context.Context, _ *ipc.Caller, args ipc.Args) (any, error) {
				creds, err := decodeCredentials(args)
				if err != nil {
					return nil, err
				}
				return s.Login(ctx, creds.Username, creds.Password)
			}),
			"logout": ipc.Invoke(func(ctx context.Context, _ *ipc.Caller, _ ipc.Args) (any, error) {
				return nil, s.Logout(ctx)
			}),
		},
	}
}

func decodeCredentials(args ipc.Args) (Credentials, error) {
	var creds Credentials
	if args.Len() >= 2 {
		if err := args.Decode(0, &creds.Username); err != nil {
			return creds, err
		}
		if err := args.Decode(1, &creds.Password); err != nil {
			return creds, err
		}
		return creds, nil
	}
	if args.Len() == 1 {
		if err := args.Decode(0, &creds); err != nil {
			return creds, err
		}
	}
	return creds, nil
}
