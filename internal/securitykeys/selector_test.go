package securitykeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credentialIDs(creds []*Credential) []string {
	ids := make([]string, 0, len(creds))
	for _, cred := range creds {
		ids = append(ids, cred.CredentialID)
	}
	return ids
}

func TestEligibleCredentials_LoginPurpose(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	user := newTestUser(store, "alice")

	passwordless := testCredential(user.ID, "key-passwordless", true)
	secondFactor := testCredential(user.ID, "key-second-factor", false)
	require.NoError(t, store.RegisterCredential(ctx, passwordless))
	require.NoError(t, store.RegisterCredential(ctx, secondFactor))

	eligible, err := svc.EligibleCredentials(ctx, "alice", "session-a", PurposeLogin)
	require.NoError(t, err)

	// Only keys enabled for passwordless login may begin a login ceremony
	assert.Equal(t, []string{passwordless.CredentialID}, credentialIDs(eligible))
}

func TestEligibleCredentials_StepUpExcludesLoginKey(t *testing.T) {
	ctx := context.Background()
	svc, store, sessions := newTestService(t)
	user := newTestUser(store, "alice")

	loginKey := testCredential(user.ID, "key-login", true)
	backupKey := testCredential(user.ID, "key-backup", false)
	require.NoError(t, store.RegisterCredential(ctx, loginKey))
	require.NoError(t, store.RegisterCredential(ctx, backupKey))

	t.Run("all keys eligible for a password session", func(t *testing.T) {
		eligible, err := svc.EligibleCredentials(ctx, "alice", "session-a", PurposeStepUp)
		require.NoError(t, err)
		assert.Len(t, eligible, 2)
	})

	t.Run("key that logged the session in is excluded", func(t *testing.T) {
		require.NoError(t, sessions.MarkPasswordless(ctx, "session-a", loginKey.CredentialID))

		eligible, err := svc.EligibleCredentials(ctx, "alice", "session-a", PurposeStepUp)
		require.NoError(t, err)
		assert.Equal(t, []string{backupKey.CredentialID}, credentialIDs(eligible))
	})

	t.Run("exclusion is per session", func(t *testing.T) {
		eligible, err := svc.EligibleCredentials(ctx, "alice", "session-b", PurposeStepUp)
		require.NoError(t, err)
		assert.Len(t, eligible, 2)
	})
}

func TestEligibleCredentials_UnknownUser(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	user := newTestUser(store, "alice")
	require.NoError(t, store.RegisterCredential(ctx, testCredential(user.ID, "key-1", true)))

	// An unknown username is indistinguishable from a user without keys
	eligible, err := svc.EligibleCredentials(ctx, "nobody", "session-a", PurposeLogin)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestCredentialDescriptors_SkipsUndecodable(t *testing.T) {
	svc, store, _ := newTestService(t)
	user := newTestUser(store, "alice")

	good := testCredential(user.ID, "key-1", true)
	bad := testCredential(user.ID, "key-2", true)
	bad.CredentialID = "not base64url!!"

	descriptors := svc.credentialDescriptors([]*Credential{good, bad})
	require.Len(t, descriptors, 1)
	assert.Equal(t, []byte("key-1"), []byte(descriptors[0].CredentialID))
}
