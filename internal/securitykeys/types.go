// Package securitykeys implements WebAuthn security key ceremonies: challenge
// lifecycle, credential registration, passwordless and step-up authentication,
// and sign count replay defense.
package securitykeys

import (
	"time"

	"github.com/google/uuid"
)

// Purpose selects the credential eligibility policy for an authentication
// ceremony.
type Purpose string

const (
	// PurposeLogin is passwordless login: only credentials the user explicitly
	// enabled for passwordless use are eligible.
	PurposeLogin Purpose = "login"

	// PurposeStepUp is second-factor verification for an already
	// password-authenticated session.
	PurposeStepUp Purpose = "mfa"
)

// Valid reports whether p is a known ceremony purpose.
func (p Purpose) Valid() bool {
	return p == PurposeLogin || p == PurposeStepUp
}

// User is the account a credential belongs to. Accounts themselves are managed
// elsewhere; this service only reads them.
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
}

// UserHandle is the opaque identifier presented to authenticators in place of
// the username. One handle per user, allocated lazily and never rotated.
type UserHandle struct {
	UserID    uuid.UUID `json:"user_id"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is a registered security key.
type Credential struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	// Name is a user-facing label, defaults to "main" when not provided
	Name string `json:"name"`

	// CredentialID is the authenticator-assigned ID, base64url without padding
	CredentialID string `json:"credential_id"`

	PublicKey []byte `json:"-"`
	SignCount uint32 `json:"sign_count"`

	// Attestation is the raw attestation object captured at registration
	Attestation []byte `json:"-"`

	Type              string    `json:"type"`
	PasswordlessLogin bool      `json:"passwordless_login"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CredentialTypeSecurityKey is the only credential type currently issued.
const CredentialTypeSecurityKey = "security-key"

// DefaultCredentialName is used when registration does not supply a label.
const DefaultCredentialName = "main"

// Device is the per-user step-up factor backed by the user's security keys.
// It exists once per user and is created together with the first credential.
type Device struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultDeviceName is the label for the step-up device record.
const DefaultDeviceName = "security-keys"
