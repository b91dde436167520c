// Package auth implements operator accounts: scrypt password hashes,
// HMAC-signed session tokens, and the org role permission model.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/store"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{2,32}$`)

// Service issues and validates sessions against the store.
type Service struct {
	st               *store.Store
	log              *slog.Logger
	secret           []byte
	registrationOpen bool
	clock            func() time.Time
}

func NewService(st *store.Store, log *slog.Logger, secret []byte, registrationOpen bool) *Service {
	return &Service{
		st:               st,
		log:              log,
		secret:           secret,
		registrationOpen: registrationOpen,
		clock:            time.Now,
	}
}

// Session is the result of a successful login or registration.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *store.User
}

// EnsureDefaultAdmin creates an admin account with a generated password
// on a zero-user boot and logs the credentials once.
func (s *Service) EnsureDefaultAdmin() error {
	n, err := s.st.CountUsers()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	password := hex.EncodeToString(raw)

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u := &store.User{
		ID:           uuid.NewString(),
		Username:     "admin",
		PasswordHash: hash,
		DisplayName:  "Administrator",
		Role:         RoleAdmin,
	}
	if err := s.st.CreateUser(u); err != nil {
		return err
	}
	s.log.Warn("created default admin account, change this password",
		"username", u.Username, "password", password)
	return nil
}

// Register creates a new user account and returns a session.
func (s *Service) Register(username, password, displayName string) (*Session, error) {
	if !s.registrationOpen {
		return nil, kerr.Permissionf("registration is closed")
	}
	if !usernameRe.MatchString(username) {
		return nil, kerr.Validationf("invalid username %q", username)
	}
	if len(password) < 8 {
		return nil, kerr.Validationf("password must be at least 8 characters")
	}

	existing, err := s.st.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, kerr.Validationf("username %q is taken", username)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = username
	}
	u := &store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		DisplayName:  displayName,
		Role:         RoleUser,
	}
	if err := s.st.CreateUser(u); err != nil {
		return nil, err
	}
	return s.sessionFor(u)
}

// Login checks credentials and returns a session. The same error covers
// unknown users and bad passwords.
func (s *Service) Login(username, password string) (*Session, error) {
	u, err := s.st.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}
	if u == nil || !VerifyPassword(password, u.PasswordHash) {
		return nil, kerr.New(kerr.Permission, kerr.CodeUnauthorized, "invalid credentials")
	}
	return s.sessionFor(u)
}

func (s *Service) sessionFor(u *store.User) (*Session, error) {
	token, exp, err := issueToken(s.secret, u, s.clock())
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: exp, User: u}, nil
}

// Validate checks a session token and confirms the user still exists.
func (s *Service) Validate(token string) (*store.User, error) {
	claims, err := parseToken(s.secret, token)
	if err != nil {
		return nil, err
	}
	u, err := s.st.GetUser(claims.Subject)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, kerr.New(kerr.Permission, kerr.CodeUnauthorized, "user no longer exists")
	}
	return u, nil
}
