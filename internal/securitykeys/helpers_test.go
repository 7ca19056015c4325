package securitykeys

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestService wires a ceremony service against in-memory stores
func newTestService(t *testing.T) (*Service, *MemoryStore, *MemorySessionStore) {
	t.Helper()

	cfg := DefaultConfig("example.com", []string{"https://example.com"})
	store := NewMemoryStore()
	sessions := NewMemorySessionStore()

	svc, err := NewService(cfg, store, sessions, zap.NewNop())
	require.NoError(t, err)

	return svc, store, sessions
}

func newTestUser(store *MemoryStore, username string) *User {
	user := &User{
		ID:          uuid.New(),
		Username:    username,
		DisplayName: username,
	}
	store.AddUser(user)
	return user
}

func testRelyingParty(svc *Service) virtualwebauthn.RelyingParty {
	return virtualwebauthn.RelyingParty{
		Name:   svc.Config().RPDisplayName,
		ID:     svc.Config().RPID,
		Origin: svc.Config().RPOrigins[0],
	}
}

// attestationResponse runs a virtual authenticator against creation options
// and returns the browser-format attestation payload.
func attestationResponse(t *testing.T, rp virtualwebauthn.RelyingParty, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential, options *protocol.CredentialCreation) []byte {
	t.Helper()

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)

	parsed, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	return []byte(virtualwebauthn.CreateAttestationResponse(rp, auth, cred, *parsed))
}

// assertionResponse runs a virtual authenticator against assertion options
// and returns the browser-format assertion payload.
func assertionResponse(t *testing.T, rp virtualwebauthn.RelyingParty, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential, options *protocol.CredentialAssertion) []byte {
	t.Helper()

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)

	parsed, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	return []byte(virtualwebauthn.CreateAssertionResponse(rp, auth, cred, *parsed))
}

// registerKey completes a full registration ceremony for the user and returns
// the virtual authenticator, its key material, and the stored credential. The
// authenticator and credential are what later assertions sign with; mutate
// credential.Counter before each assertion the way hardware counters advance.
func registerKey(t *testing.T, svc *Service, user *User, sessionID, name string, passwordless bool) (virtualwebauthn.Authenticator, virtualwebauthn.Credential, *Credential) {
	t.Helper()
	ctx := context.Background()

	rp := testRelyingParty(svc)
	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, err := svc.BeginRegistration(ctx, user, sessionID)
	require.NoError(t, err)

	response := attestationResponse(t, rp, auth, vcred, options)

	stored, err := svc.FinishRegistration(ctx, user, sessionID, response, name, passwordless)
	require.NoError(t, err)

	auth.AddCredential(vcred)
	return auth, vcred, stored
}

// loginAssertion issues login-purpose options and produces a matching
// assertion payload, advancing the virtual key's counter first.
func loginAssertion(t *testing.T, svc *Service, username, sessionID string, purpose Purpose, auth virtualwebauthn.Authenticator, vcred *virtualwebauthn.Credential) []byte {
	t.Helper()
	ctx := context.Background()

	options, err := svc.BeginAuthentication(ctx, username, sessionID, purpose)
	require.NoError(t, err)

	vcred.Counter++
	return assertionResponse(t, testRelyingParty(svc), auth, *vcred, options)
}
