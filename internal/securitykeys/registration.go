package securitykeys

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BeginRegistration issues credential creation options for the user and stores
// the challenge in the session's single challenge slot, replacing any prior
// challenge. The user's existing credentials go into the exclude list so one
// authenticator cannot be registered twice.
func (s *Service) BeginRegistration(ctx context.Context, user *User, sessionID string) (*protocol.CredentialCreation, error) {
	handle, err := s.RequireUserHandle(ctx, user)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	cu := &ceremonyUser{
		handle:      handle.Handle,
		username:    user.Username,
		displayName: user.DisplayName,
	}

	creation, sessionData, err := s.webAuthn.BeginRegistration(cu,
		webauthn.WithExclusions(s.credentialDescriptors(existing)),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	if err := s.sessions.SetChallenge(ctx, sessionID, sessionData.Challenge); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	s.logger.Debug("Issued registration options",
		zap.String("user_id", user.ID.String()),
		zap.Int("excluded", len(existing)),
	)

	return creation, nil
}

// FinishRegistration verifies the authenticator's attestation response against
// the session's active challenge and persists the new credential together with
// the user's step-up device record.
//
// On success the challenge is consumed. On failure the challenge is kept or
// burned per the configured retention policy, and nothing is persisted.
func (s *Service) FinishRegistration(ctx context.Context, user *User, sessionID string, response []byte, name string, passwordless bool) (*Credential, error) {
	challenge, err := s.sessions.GetChallenge(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		s.ceremonyFailed(ctx, sessionID)
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	handle, err := s.RequireUserHandle(ctx, user)
	if err != nil {
		return nil, err
	}

	cu := &ceremonyUser{
		handle:      handle.Handle,
		username:    user.Username,
		displayName: user.DisplayName,
	}

	sessionData := webauthn.SessionData{
		Challenge:        challenge,
		UserID:           cu.WebAuthnID(),
		UserVerification: protocol.UserVerificationRequirement(s.config.UserVerification),
	}

	wcred, err := s.webAuthn.CreateCredential(cu, sessionData, parsed)
	if err != nil {
		s.ceremonyFailed(ctx, sessionID)
		s.logger.Warn("Registration verification failed",
			zap.String("user_id", user.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	// Verified: the challenge is spent regardless of what happens next
	if err := s.sessions.ClearChallenge(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("clear challenge: %w", err)
	}

	if name == "" {
		name = DefaultCredentialName
	}

	now := time.Now()
	cred := &Credential{
		ID:                uuid.New(),
		UserID:            user.ID,
		Name:              name,
		CredentialID:      base64RawURL(wcred.ID),
		PublicKey:         wcred.PublicKey,
		SignCount:         wcred.Authenticator.SignCount,
		Attestation:       parsed.Raw.AttestationResponse.AttestationObject,
		Type:              CredentialTypeSecurityKey,
		PasswordlessLogin: passwordless,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.RegisterCredential(ctx, cred); err != nil {
		if errors.Is(err, ErrCredentialExists) {
			return nil, err
		}
		return nil, fmt.Errorf("persist credential: %w", err)
	}

	return cred, nil
}

func base64RawURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
