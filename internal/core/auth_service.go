package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the username does not exist so failed
// logins take the same time either way.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("branchops-timing-guard"), bcrypt.MinCost)

// PasswordResetRequest is the payload of a password_reset.requested event.
type PasswordResetRequest struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// --- Authentication Service Implementation ---

type AuthenticationService struct {
	store    DataStore
	users    *UserService
	cache    Cache
	events   EventPublisher
	resetTTL time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

func NewAuthenticationService(store DataStore, users *UserService, cache Cache, events EventPublisher, resetTTL time.Duration, logger *logrus.Logger) *AuthenticationService {
	if events == nil {
		events = nopPublisher{}
	}
	if resetTTL <= 0 {
		resetTTL = 30 * time.Minute
	}
	return &AuthenticationService{
		store:    store,
		users:    users,
		cache:    cache,
		events:   events,
		resetTTL: resetTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Authenticate checks a username and password and returns the user with its
// branch resolved.
func (s *AuthenticationService) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.WithField("username", user.Username).Warn("Failed login attempt")
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	return s.users.withBranch(ctx, user)
}

// CurrentUser loads the user behind a session and rejects deactivated accounts.
func (s *AuthenticationService) CurrentUser(ctx context.Context, id string) (*User, error) {
	user, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}
	return user, nil
}

// RevokeSession blocks a session id until its natural expiry.
func (s *AuthenticationService) RevokeSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if s.cache == nil {
		return errors.New("session revocation requires a cache")
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.cache.Set(ctx, revokedKey(sessionID), "1", ttl)
}

// SessionRevoked reports whether a session id was revoked.
func (s *AuthenticationService) SessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	_, found, err := s.cache.Get(ctx, revokedKey(sessionID))
	return found, err
}

// RequestPasswordReset issues a single-use reset token and hands it to the
// mailer through the message bus. Unknown or inactive usernames are ignored.
func (s *AuthenticationService) RequestPasswordReset(ctx context.Context, username string) error {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	if !user.IsActive {
		return nil
	}

	token := &PasswordResetToken{
		Token:     uuid.New().String(),
		UserID:    user.UUID,
		ExpiresAt: s.now().Add(s.resetTTL).UTC(),
	}
	if err := s.store.CreateResetToken(ctx, token); err != nil {
		return fmt.Errorf("failed to create reset token: %w", err)
	}

	event := Event{
		Type:       EventPasswordResetRequested,
		Subject:    user.UUID,
		OccurredAt: s.now().UTC(),
		Data: PasswordResetRequest{
			UserID:    user.UUID,
			Username:  user.Username,
			Email:     user.Email,
			Token:     token.Token,
			ExpiresAt: token.ExpiresAt,
		},
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithField("user_id", user.UUID).Error("Failed to publish password reset request")
	}
	return nil
}

// ResetPassword redeems a reset token and sets a new password.
func (s *AuthenticationService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if strings.TrimSpace(token) == "" {
		return invalid("token", "token is required")
	}
	hash, err := s.users.hash(newPassword)
	if err != nil {
		return err
	}

	return s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		t, err := tx.ConsumeResetToken(ctx, token, s.now().UTC())
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, t.UserID)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		s.logger.WithField("user_id", user.UUID).Info("Password reset")
		return nil
	})
}

func revokedKey(sessionID string) string {
	return "session:revoked:" + sessionID
}
