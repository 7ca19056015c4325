package securitykeys

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"
)

// BeginAuthentication issues assertion options for the named user and purpose
// and stores the challenge in the session's challenge slot.
//
// The allow list carries only the credentials eligible for the purpose. An
// empty allow list is not an error: options are issued anyway, the browser
// simply finds no usable authenticator, and nothing distinguishes an unknown
// username from a user without eligible keys.
func (s *Service) BeginAuthentication(ctx context.Context, username, sessionID string, purpose Purpose) (*protocol.CredentialAssertion, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("unknown ceremony purpose %q", purpose)
	}

	eligible, err := s.EligibleCredentials(ctx, username, sessionID, purpose)
	if err != nil {
		return nil, err
	}

	challenge, err := protocol.CreateChallenge()
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	if err := s.sessions.SetChallenge(ctx, sessionID, base64.RawURLEncoding.EncodeToString(challenge)); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	// Built by hand rather than through BeginLogin so an empty allow list
	// still yields well-formed options
	assertion := &protocol.CredentialAssertion{
		Response: protocol.PublicKeyCredentialRequestOptions{
			Challenge:          challenge,
			Timeout:            int(s.config.Timeout.Milliseconds()),
			RelyingPartyID:     s.config.RPID,
			AllowedCredentials: s.credentialDescriptors(eligible),
			UserVerification:   protocol.UserVerificationRequirement(s.config.UserVerification),
		},
	}

	s.logger.Debug("Issued authentication options",
		zap.String("username", username),
		zap.String("purpose", string(purpose)),
		zap.Int("allowed", len(eligible)),
	)

	return assertion, nil
}

// FinishAuthentication verifies an assertion response against the session's
// active challenge and the stored credential.
//
// Order matters: the challenge must exist, the payload must parse, the
// credential must resolve and pass the purpose's eligibility policy, and only
// then is the signature verified. The sign counter must strictly advance; a
// regression or a concurrent counter update surfaces as ErrPossibleClone and
// the assertion is rejected.
//
// Credential resolution failures are logged with detail but returned as the
// generic ErrAuthenticationFailed so a caller cannot probe which credential
// IDs exist.
func (s *Service) FinishAuthentication(ctx context.Context, username, sessionID string, response []byte, purpose Purpose) (*Credential, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("unknown ceremony purpose %q", purpose)
	}

	challenge, err := s.sessions.GetChallenge(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		s.ceremonyFailed(ctx, sessionID)
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	cred, err := s.store.GetCredentialByID(ctx, parsed.ParsedCredential.ID)
	if err != nil {
		s.ceremonyFailed(ctx, sessionID)
		if errors.Is(err, ErrCredentialNotFound) {
			s.logger.Warn("Assertion for unknown credential",
				zap.String("credential_id", parsed.ParsedCredential.ID),
			)
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	owner, err := s.store.GetUser(ctx, cred.UserID)
	if err != nil {
		s.ceremonyFailed(ctx, sessionID)
		return nil, fmt.Errorf("resolve credential owner: %w", err)
	}
	if username != "" && owner.Username != username {
		s.ceremonyFailed(ctx, sessionID)
		s.logger.Warn("Assertion credential belongs to a different user",
			zap.String("username", username),
			zap.String("credential_id", cred.CredentialID),
		)
		return nil, ErrAuthenticationFailed
	}

	// Policy checks before any cryptography: a key not enabled for
	// passwordless login must not complete a login-purpose ceremony even
	// with a valid signature
	if purpose == PurposeLogin && !cred.PasswordlessLogin {
		s.ceremonyFailed(ctx, sessionID)
		return nil, ErrNotEligible
	}

	// The allow list already excludes the session's passwordless login key
	// from step-up, but a client is free to ignore allow lists; enforce the
	// exclusion here too
	if purpose == PurposeStepUp {
		marked, err := s.sessions.GetPasswordless(ctx, sessionID)
		if err != nil {
			s.ceremonyFailed(ctx, sessionID)
			return nil, fmt.Errorf("read passwordless marker: %w", err)
		}
		if marked != "" && marked == cred.CredentialID {
			s.ceremonyFailed(ctx, sessionID)
			s.logger.Warn("Step-up attempted with the session's login key",
				zap.String("credential_id", cred.CredentialID),
			)
			return nil, ErrNotEligible
		}
	}

	handle, err := s.store.GetUserHandle(ctx, cred.UserID)
	if err != nil {
		s.ceremonyFailed(ctx, sessionID)
		return nil, fmt.Errorf("resolve user handle: %w", err)
	}

	rawID, err := base64.RawURLEncoding.DecodeString(cred.CredentialID)
	if err != nil {
		s.ceremonyFailed(ctx, sessionID)
		return nil, fmt.Errorf("decode credential id: %w", err)
	}

	cu := &ceremonyUser{
		handle:      handle.Handle,
		username:    owner.Username,
		displayName: owner.DisplayName,
		credentials: []webauthn.Credential{{
			ID:        rawID,
			PublicKey: cred.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: cred.SignCount,
			},
		}},
	}

	sessionData := webauthn.SessionData{
		Challenge:        challenge,
		UserID:           cu.WebAuthnID(),
		UserVerification: protocol.UserVerificationRequirement(s.config.UserVerification),
	}

	verified, err := s.webAuthn.ValidateLogin(cu, sessionData, parsed)
	if err != nil {
		s.ceremonyFailed(ctx, sessionID)
		s.logger.Warn("Assertion verification failed",
			zap.String("username", owner.Username),
			zap.String("credential_id", cred.CredentialID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	// The library flags a non-advancing counter instead of failing; treat it
	// as a rejected assertion
	if verified.Authenticator.CloneWarning {
		s.ceremonyFailed(ctx, sessionID)
		s.logger.Warn("Sign count regression, possible cloned authenticator",
			zap.String("credential_id", cred.CredentialID),
			zap.Uint32("stored", cred.SignCount),
			zap.Uint32("asserted", verified.Authenticator.SignCount),
		)
		return nil, ErrPossibleClone
	}

	if err := s.store.UpdateSignCount(ctx, cred.ID, cred.SignCount, verified.Authenticator.SignCount); err != nil {
		s.ceremonyFailed(ctx, sessionID)
		if errors.Is(err, ErrSignCountStale) {
			// Lost a race against another assertion of the same credential;
			// accepting this one would replay an already-spent counter value
			s.logger.Warn("Concurrent sign count update, rejecting assertion",
				zap.String("credential_id", cred.CredentialID),
			)
			return nil, ErrPossibleClone
		}
		return nil, fmt.Errorf("update sign count: %w", err)
	}
	cred.SignCount = verified.Authenticator.SignCount

	if err := s.sessions.ClearChallenge(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("clear challenge: %w", err)
	}

	if purpose == PurposeLogin {
		if err := s.sessions.MarkPasswordless(ctx, sessionID, cred.CredentialID); err != nil {
			return nil, fmt.Errorf("mark passwordless: %w", err)
		}
	}

	s.logger.Info("Security key authentication succeeded",
		zap.String("username", owner.Username),
		zap.String("credential_id", cred.CredentialID),
		zap.String("purpose", string(purpose)),
	)

	return cred, nil
}
