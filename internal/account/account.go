// Package account resolves callers to users and manages their stored
// exchange credentials.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pnljournal/journal-engine/internal/cache"
	"github.com/pnljournal/journal-engine/internal/identity"
	"github.com/pnljournal/journal-engine/internal/model"
)

// ErrMissingField is returned when a required credential field is empty.
var ErrMissingField = errors.New("account: apiKey and secretKey are required")

// DefaultUserTTL is how long a resolved user stays cached.
const DefaultUserTTL = 5 * time.Minute

type Verifier interface {
	Verify(initData string) (*identity.Identity, error)
}

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Validator checks credentials against the exchange.
type Validator interface {
	ValidateCredentials(ctx context.Context, creds model.Credentials) error
}

type Store interface {
	UpsertUserByTelegramID(ctx context.Context, telegramID string, username *string) (*model.User, error)
	SetUserCredentials(ctx context.Context, userID int64, creds model.EncryptedCredentials) error
	ClearUserCredentials(ctx context.Context, userID int64) error
}

type Service struct {
	verifier Verifier
	vault    Encrypter
	exchange Validator
	store    Store
	gate     *cache.Gate
	userTTL  time.Duration
	logger   *slog.Logger
}

// NewService creates the account service. A zero userTTL uses DefaultUserTTL.
func NewService(v Verifier, enc Encrypter, ex Validator, st Store, gate *cache.Gate, userTTL time.Duration, logger *slog.Logger) *Service {
	if userTTL <= 0 {
		userTTL = DefaultUserTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if gate == nil {
		gate = cache.NewGate(nil, logger)
	}
	return &Service{
		verifier: v,
		vault:    enc,
		exchange: ex,
		store:    st,
		gate:     gate,
		userTTL:  userTTL,
		logger:   logger,
	}
}

// Resolve verifies initData and returns the matching user, creating it on
// first sight.
func (s *Service) Resolve(ctx context.Context, initData string) (*model.User, error) {
	id, err := s.verifier.Verify(initData)
	if err != nil {
		return nil, err
	}

	key := cache.UserKey(id.TelegramID)
	var cached model.User
	if s.gate.Load(ctx, key, &cached) {
		return &cached, nil
	}

	u, err := s.store.UpsertUserByTelegramID(ctx, id.TelegramID, id.Username)
	if err != nil {
		return nil, err
	}
	s.gate.Store(ctx, key, u, s.userTTL)
	return u, nil
}

// RegisterCredentials validates creds with the exchange, then stores them
// encrypted and marks the user connected.
func (s *Service) RegisterCredentials(ctx context.Context, user *model.User, creds model.Credentials) error {
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.SecretKey = strings.TrimSpace(creds.SecretKey)
	creds.Passphrase = strings.TrimSpace(creds.Passphrase)
	if creds.APIKey == "" || creds.SecretKey == "" {
		return ErrMissingField
	}

	if err := s.exchange.ValidateCredentials(ctx, creds); err != nil {
		return err
	}

	var enc model.EncryptedCredentials
	var err error
	if enc.APIKey, err = s.vault.Encrypt(creds.APIKey); err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	if enc.Secret, err = s.vault.Encrypt(creds.SecretKey); err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	if creds.Passphrase != "" {
		p, err := s.vault.Encrypt(creds.Passphrase)
		if err != nil {
			return fmt.Errorf("encrypt passphrase: %w", err)
		}
		enc.Passphrase = &p
	}

	if err := s.store.SetUserCredentials(ctx, user.ID, enc); err != nil {
		return err
	}
	s.gate.InvalidateUser(ctx, user.TelegramID, user.ID, true)
	s.logger.InfoContext(ctx, "exchange credentials registered", "user_id", user.ID)
	return nil
}

// RemoveCredentials drops every stored envelope of user.
func (s *Service) RemoveCredentials(ctx context.Context, user *model.User) error {
	if err := s.store.ClearUserCredentials(ctx, user.ID); err != nil {
		return err
	}
	s.gate.InvalidateUser(ctx, user.TelegramID, user.ID, true)
	s.logger.InfoContext(ctx, "exchange credentials removed", "user_id", user.ID)
	return nil
}
