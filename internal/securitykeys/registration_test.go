package securitykeys

import (
	"context"
	"testing"

	"github.com/descope/virtualwebauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistration_FullCeremony(t *testing.T) {
	ctx := context.Background()
	svc, store, sessions := newTestService(t)
	user := newTestUser(store, "alice")

	rp := testRelyingParty(svc)
	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, err := svc.BeginRegistration(ctx, user, "session-a")
	require.NoError(t, err)
	require.NotNil(t, options)

	assert.Equal(t, svc.Config().RPID, options.Response.RelyingParty.ID)
	assert.Equal(t, "alice", options.Response.User.Name)
	assert.NotEmpty(t, options.Response.Challenge)
	assert.Empty(t, options.Response.CredentialExcludeList)

	// The issued challenge sits in the session's challenge slot
	_, err = sessions.GetChallenge(ctx, "session-a")
	require.NoError(t, err)

	response := attestationResponse(t, rp, auth, vcred, options)

	stored, err := svc.FinishRegistration(ctx, user, "session-a", response, "yubikey", true)
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.UserID)
	assert.Equal(t, "yubikey", stored.Name)
	assert.Equal(t, CredentialTypeSecurityKey, stored.Type)
	assert.True(t, stored.PasswordlessLogin)
	assert.NotEmpty(t, stored.CredentialID)
	assert.NotEmpty(t, stored.PublicKey)
	assert.NotEmpty(t, stored.Attestation)

	// Success consumes the challenge
	_, err = sessions.GetChallenge(ctx, "session-a")
	assert.ErrorIs(t, err, ErrNoActiveChallenge)

	// The step-up device is created alongside the first credential
	device, err := store.GetDevice(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviceName, device.Name)

	creds, err := svc.Credentials(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestRegistration_DefaultName(t *testing.T) {
	svc, store, _ := newTestService(t)
	user := newTestUser(store, "alice")

	_, _, stored := registerKey(t, svc, user, "session-a", "", false)
	assert.Equal(t, DefaultCredentialName, stored.Name)
	assert.False(t, stored.PasswordlessLogin)
}

func TestRegistration_ExcludesExistingCredentials(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	user := newTestUser(store, "alice")

	_, _, first := registerKey(t, svc, user, "session-a", "first", true)

	options, err := svc.BeginRegistration(ctx, user, "session-a")
	require.NoError(t, err)

	require.Len(t, options.Response.CredentialExcludeList, 1)
	assert.Equal(t, first.CredentialID, base64RawURL(options.Response.CredentialExcludeList[0].CredentialID))
}

func TestRegistration_DuplicateCredential(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	user := newTestUser(store, "alice")

	rp := testRelyingParty(svc)
	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, err := svc.BeginRegistration(ctx, user, "session-a")
	require.NoError(t, err)
	response := attestationResponse(t, rp, auth, vcred, options)
	_, err = svc.FinishRegistration(ctx, user, "session-a", response, "", false)
	require.NoError(t, err)

	// Same authenticator key presented again
	options, err = svc.BeginRegistration(ctx, user, "session-a")
	require.NoError(t, err)
	response = attestationResponse(t, rp, auth, vcred, options)

	_, err = svc.FinishRegistration(ctx, user, "session-a", response, "", false)
	assert.ErrorIs(t, err, ErrCredentialExists)

	creds, err := svc.Credentials(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestRegistration_NoActiveChallenge(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	user := newTestUser(store, "alice")

	_, err := svc.FinishRegistration(ctx, user, "session-a", []byte(`{}`), "", false)
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}

func TestRegistration_MalformedResponse(t *testing.T) {
	ctx := context.Background()
	svc, store, sessions := newTestService(t)
	user := newTestUser(store, "alice")

	_, err := svc.BeginRegistration(ctx, user, "session-a")
	require.NoError(t, err)

	_, err = svc.FinishRegistration(ctx, user, "session-a", []byte("not json"), "", false)
	assert.ErrorIs(t, err, ErrMalformedCredential)

	// Default policy retains the challenge so the client can retry
	_, err = sessions.GetChallenge(ctx, "session-a")
	assert.NoError(t, err)
}

func TestRegistration_VerificationFailure(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	user := newTestUser(store, "alice")

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, err := svc.BeginRegistration(ctx, user, "session-a")
	require.NoError(t, err)

	// Attestation minted for a different origin fails verification
	evilRP := virtualwebauthn.RelyingParty{
		Name:   svc.Config().RPDisplayName,
		ID:     svc.Config().RPID,
		Origin: "https://evil.example.net",
	}
	response := attestationResponse(t, evilRP, auth, vcred, options)

	_, err = svc.FinishRegistration(ctx, user, "session-a", response, "", false)
	assert.ErrorIs(t, err, ErrRegistrationFailed)

	// Nothing persisted on failure
	creds, err := svc.Credentials(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, creds)
	_, err = store.GetDevice(ctx, user.ID)
	assert.Error(t, err)
}

func TestRegistration_ChallengeBurnedWhenRetentionDisabled(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig("example.com", []string{"https://example.com"})
	cfg.RetainChallengeOnFailure = false
	store := NewMemoryStore()
	sessions := NewMemorySessionStore()
	svc, err := NewService(cfg, store, sessions, zap.NewNop())
	require.NoError(t, err)

	user := newTestUser(store, "alice")

	_, err = svc.BeginRegistration(ctx, user, "session-a")
	require.NoError(t, err)

	_, err = svc.FinishRegistration(ctx, user, "session-a", []byte("not json"), "", false)
	assert.ErrorIs(t, err, ErrMalformedCredential)

	// Failed attempt burned the challenge; a fresh Begin is required
	_, err = sessions.GetChallenge(ctx, "session-a")
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}
