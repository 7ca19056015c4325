package securitykeys

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCredential(userID uuid.UUID, credentialID string, passwordless bool) *Credential {
	now := time.Now()
	return &Credential{
		ID:                uuid.New(),
		UserID:            userID,
		Name:              DefaultCredentialName,
		CredentialID:      base64RawURL([]byte(credentialID)),
		PublicKey:         []byte("public-key"),
		SignCount:         0,
		Type:              CredentialTypeSecurityKey,
		PasswordlessLogin: passwordless,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestMemoryStore_Credentials(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := newTestUser(store, "alice")

	cred := testCredential(user.ID, "key-1", true)
	require.NoError(t, store.RegisterCredential(ctx, cred))

	t.Run("lookup by database id", func(t *testing.T) {
		got, err := store.GetCredential(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, cred.CredentialID, got.CredentialID)
	})

	t.Run("lookup by authenticator id", func(t *testing.T) {
		got, err := store.GetCredentialByID(ctx, cred.CredentialID)
		require.NoError(t, err)
		assert.Equal(t, cred.ID, got.ID)
	})

	t.Run("unknown credential", func(t *testing.T) {
		_, err := store.GetCredential(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrCredentialNotFound)

		_, err = store.GetCredentialByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})

	t.Run("duplicate registration rejected", func(t *testing.T) {
		dup := testCredential(user.ID, "key-1", false)
		assert.ErrorIs(t, store.RegisterCredential(ctx, dup), ErrCredentialExists)
	})

	t.Run("list by user and username", func(t *testing.T) {
		require.NoError(t, store.RegisterCredential(ctx, testCredential(user.ID, "key-2", false)))

		creds, err := store.ListCredentials(ctx, user.ID)
		require.NoError(t, err)
		assert.Len(t, creds, 2)

		creds, err = store.ListCredentialsByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, creds, 2)
	})

	t.Run("unknown username yields empty list", func(t *testing.T) {
		creds, err := store.ListCredentialsByUsername(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, creds)
	})
}

func TestMemoryStore_RegisterCredentialEnsuresDevice(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := newTestUser(store, "alice")

	_, err := store.GetDevice(ctx, user.ID)
	require.Error(t, err)

	require.NoError(t, store.RegisterCredential(ctx, testCredential(user.ID, "key-1", true)))

	device, err := store.GetDevice(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, device.UserID)
	assert.Equal(t, DefaultDeviceName, device.Name)

	// A second credential reuses the existing device
	require.NoError(t, store.RegisterCredential(ctx, testCredential(user.ID, "key-2", false)))

	again, err := store.GetDevice(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, device.ID, again.ID)
}

func TestMemoryStore_UpdateSignCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := newTestUser(store, "alice")

	cred := testCredential(user.ID, "key-1", true)
	require.NoError(t, store.RegisterCredential(ctx, cred))

	t.Run("advances when expectation matches", func(t *testing.T) {
		require.NoError(t, store.UpdateSignCount(ctx, cred.ID, 0, 5))

		got, err := store.GetCredential(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(5), got.SignCount)
	})

	t.Run("stale expectation rejected", func(t *testing.T) {
		err := store.UpdateSignCount(ctx, cred.ID, 0, 6)
		assert.ErrorIs(t, err, ErrSignCountStale)

		// Counter unchanged after the rejected update
		got, err := store.GetCredential(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(5), got.SignCount)
	})

	t.Run("unknown credential", func(t *testing.T) {
		err := store.UpdateSignCount(ctx, uuid.New(), 0, 1)
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})
}

func TestMemoryStore_DeleteCredential(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alice := newTestUser(store, "alice")
	bob := newTestUser(store, "bob")

	cred := testCredential(alice.ID, "key-1", true)
	require.NoError(t, store.RegisterCredential(ctx, cred))

	t.Run("scoped to owner", func(t *testing.T) {
		err := store.DeleteCredential(ctx, cred.ID, bob.ID)
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})

	t.Run("owner can delete", func(t *testing.T) {
		require.NoError(t, store.DeleteCredential(ctx, cred.ID, alice.ID))

		_, err := store.GetCredential(ctx, cred.ID)
		assert.ErrorIs(t, err, ErrCredentialNotFound)
		_, err = store.GetCredentialByID(ctx, cred.CredentialID)
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})
}

func TestMemoryStore_UserHandles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alice := newTestUser(store, "alice")
	bob := newTestUser(store, "bob")

	_, err := store.GetUserHandle(ctx, alice.ID)
	assert.ErrorIs(t, err, ErrHandleNotFound)

	handle := &UserHandle{UserID: alice.ID, Handle: "handle-1", CreatedAt: time.Now()}
	require.NoError(t, store.CreateUserHandle(ctx, handle))

	got, err := store.GetUserHandle(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "handle-1", got.Handle)

	t.Run("one handle per user", func(t *testing.T) {
		err := store.CreateUserHandle(ctx, &UserHandle{UserID: alice.ID, Handle: "handle-2"})
		assert.ErrorIs(t, err, ErrHandleTaken)
	})

	t.Run("handle values are unique across users", func(t *testing.T) {
		err := store.CreateUserHandle(ctx, &UserHandle{UserID: bob.ID, Handle: "handle-1"})
		assert.ErrorIs(t, err, ErrHandleTaken)
	})
}

func TestMemoryStore_Users(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alice := newTestUser(store, "alice")

	got, err := store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	got, err = store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = store.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = store.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
