package securitykeys

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for testing and development
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[uuid.UUID]*Credential
	byID        map[string]*Credential
	handles     map[uuid.UUID]*UserHandle
	handleSet   map[string]bool
	devices     map[uuid.UUID]*Device
	users       map[uuid.UUID]*User
	byUsername  map[string]*User
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[uuid.UUID]*Credential),
		byID:        make(map[string]*Credential),
		handles:     make(map[uuid.UUID]*UserHandle),
		handleSet:   make(map[string]bool),
		devices:     make(map[uuid.UUID]*Device),
		users:       make(map[uuid.UUID]*User),
		byUsername:  make(map[string]*User),
	}
}

// AddUser registers a user account in the store
func (s *MemoryStore) AddUser(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	s.byUsername[user.Username] = user
}

// GetCredential retrieves a credential by database ID
func (s *MemoryStore) GetCredential(ctx context.Context, id uuid.UUID) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	copied := *cred
	return &copied, nil
}

// GetCredentialByID retrieves a credential by authenticator-assigned ID
func (s *MemoryStore) GetCredentialByID(ctx context.Context, credentialID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.byID[credentialID]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	copied := *cred
	return &copied, nil
}

// ListCredentials retrieves all credentials for a user
func (s *MemoryStore) ListCredentials(ctx context.Context, userID uuid.UUID) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := []*Credential{}
	for _, cred := range s.credentials {
		if cred.UserID == userID {
			copied := *cred
			creds = append(creds, &copied)
		}
	}
	return creds, nil
}

// ListCredentialsByUsername retrieves all credentials owned by the named user.
// Unknown usernames yield an empty slice.
func (s *MemoryStore) ListCredentialsByUsername(ctx context.Context, username string) ([]*Credential, error) {
	s.mu.RLock()
	user, ok := s.byUsername[username]
	s.mu.RUnlock()

	if !ok {
		return []*Credential{}, nil
	}
	return s.ListCredentials(ctx, user.ID)
}

// RegisterCredential inserts the credential and ensures the step-up device
func (s *MemoryStore) RegisterCredential(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[cred.CredentialID]; exists {
		return ErrCredentialExists
	}

	copied := *cred
	s.credentials[cred.ID] = &copied
	s.byID[cred.CredentialID] = &copied

	if _, exists := s.devices[cred.UserID]; !exists {
		s.devices[cred.UserID] = &Device{
			ID:        uuid.New(),
			UserID:    cred.UserID,
			Name:      DefaultDeviceName,
			CreatedAt: time.Now(),
		}
	}

	return nil
}

// UpdateSignCount advances the counter with compare-and-set semantics
func (s *MemoryStore) UpdateSignCount(ctx context.Context, id uuid.UUID, expected, next uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return ErrCredentialNotFound
	}
	if cred.SignCount != expected {
		return ErrSignCountStale
	}

	cred.SignCount = next
	cred.UpdatedAt = time.Now()
	return nil
}

// DeleteCredential removes a credential, scoped to its owner
func (s *MemoryStore) DeleteCredential(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok || cred.UserID != userID {
		return ErrCredentialNotFound
	}

	delete(s.credentials, id)
	delete(s.byID, cred.CredentialID)
	return nil
}

// GetUser retrieves a user by ID
func (s *MemoryStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byUsername[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// GetUserHandle retrieves the user's WebAuthn handle
func (s *MemoryStore) GetUserHandle(ctx context.Context, userID uuid.UUID) (*UserHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handle, ok := s.handles[userID]
	if !ok {
		return nil, ErrHandleNotFound
	}
	return handle, nil
}

// CreateUserHandle stores a freshly allocated handle
func (s *MemoryStore) CreateUserHandle(ctx context.Context, handle *UserHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handles[handle.UserID]; exists {
		return ErrHandleTaken
	}
	if s.handleSet[handle.Handle] {
		return ErrHandleTaken
	}

	copied := *handle
	s.handles[handle.UserID] = &copied
	s.handleSet[handle.Handle] = true
	return nil
}

// GetDevice retrieves the user's step-up device
func (s *MemoryStore) GetDevice(ctx context.Context, userID uuid.UUID) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return device, nil
}

// Ping checks the store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
