package securitykeys

import (
	"context"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds relying party and ceremony policy settings
type Config struct {
	RPDisplayName string
	RPID          string
	RPOrigins     []string

	// Attestation conveyance: "none", "indirect" or "direct"
	Attestation string

	// Timeout for issued ceremony options
	Timeout time.Duration

	// UserVerification requirement sent in options: "discouraged",
	// "preferred" or "required"
	UserVerification string

	// HandleMaxAttempts bounds random user handle allocation retries
	HandleMaxAttempts int

	// RetainChallengeOnFailure keeps the stored challenge after a failed
	// completion so the client can retry with the same options. When false,
	// a failed attempt burns the challenge.
	RetainChallengeOnFailure bool
}

// DefaultConfig returns a Config with production-reasonable defaults
func DefaultConfig(rpID string, rpOrigins []string) *Config {
	return &Config{
		RPDisplayName:            "Security Keys",
		RPID:                     rpID,
		RPOrigins:                rpOrigins,
		Attestation:              "none",
		Timeout:                  60 * time.Second,
		UserVerification:         "preferred",
		HandleMaxAttempts:        1000,
		RetainChallengeOnFailure: true,
	}
}

// Service orchestrates WebAuthn ceremonies against the credential store and
// the per-session ceremony state.
type Service struct {
	webAuthn *webauthn.WebAuthn
	store    Store
	sessions SessionStore
	logger   *zap.Logger
	config   *Config
}

// NewService creates a ceremony service
func NewService(cfg *Config, store Store, sessions SessionStore, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.HandleMaxAttempts <= 0 {
		cfg.HandleMaxAttempts = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UserVerification == "" {
		cfg.UserVerification = "preferred"
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName:         cfg.RPDisplayName,
		RPID:                  cfg.RPID,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.ConveyancePreference(cfg.Attestation),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: protocol.UserVerificationRequirement(cfg.UserVerification),
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login: webauthn.TimeoutConfig{
				Enforce: true,
				Timeout: cfg.Timeout,
			},
			Registration: webauthn.TimeoutConfig{
				Enforce: true,
				Timeout: cfg.Timeout,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize webauthn: %w", err)
	}

	return &Service{
		webAuthn: wa,
		store:    store,
		sessions: sessions,
		logger:   logger,
		config:   cfg,
	}, nil
}

// Config returns the active ceremony configuration
func (s *Service) Config() *Config {
	return s.config
}

// Store returns the underlying credential store
func (s *Service) Store() Store {
	return s.store
}

// Sessions returns the per-session ceremony state store
func (s *Service) Sessions() SessionStore {
	return s.sessions
}

// Credentials lists a user's registered security keys
func (s *Service) Credentials(ctx context.Context, userID uuid.UUID) ([]*Credential, error) {
	return s.store.ListCredentials(ctx, userID)
}

// RemoveCredential decommissions a credential owned by userID
func (s *Service) RemoveCredential(ctx context.Context, userID, id uuid.UUID) error {
	return s.store.DeleteCredential(ctx, id, userID)
}

// ClearPasswordlessMarker drops the session's passwordless login marker.
// Conventional password authentication calls this on success so that a later
// step-up ceremony may use any of the user's credentials again.
func (s *Service) ClearPasswordlessMarker(ctx context.Context, sessionID string) error {
	return s.sessions.ClearPasswordless(ctx, sessionID)
}

// ceremonyFailed applies the configured challenge retention policy after a
// failed completion attempt.
func (s *Service) ceremonyFailed(ctx context.Context, sessionID string) {
	if s.config.RetainChallengeOnFailure {
		return
	}
	if err := s.sessions.ClearChallenge(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to clear challenge after ceremony failure", zap.Error(err))
	}
}

// ceremonyUser adapts a user account and its credentials to the webauthn.User
// interface. The handle, not the username, is what authenticators see.
type ceremonyUser struct {
	handle      string
	username    string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.handle)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.username
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.displayName != "" {
		return u.displayName
	}
	return u.username
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}
