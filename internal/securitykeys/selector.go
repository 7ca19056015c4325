package securitykeys

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"go.uber.org/zap"
)

// EligibleCredentials returns the user's credentials that may satisfy an
// authentication ceremony for the given purpose.
//
// For passwordless login only credentials with the passwordless flag are
// eligible. For step-up, all credentials are eligible except the one that
// already performed passwordless login for this session: a key that logged
// the session in must not vouch for it a second time.
//
// Unknown usernames produce an empty list, indistinguishable from a user
// without keys.
func (s *Service) EligibleCredentials(ctx context.Context, username, sessionID string, purpose Purpose) ([]*Credential, error) {
	creds, err := s.store.ListCredentialsByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	var excluded string
	if purpose == PurposeStepUp {
		excluded, err = s.sessions.GetPasswordless(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("read passwordless marker: %w", err)
		}
	}

	eligible := []*Credential{}
	seen := make(map[string]bool, len(creds))
	for _, cred := range creds {
		if seen[cred.CredentialID] {
			continue
		}
		if purpose == PurposeLogin && !cred.PasswordlessLogin {
			continue
		}
		if excluded != "" && cred.CredentialID == excluded {
			continue
		}
		seen[cred.CredentialID] = true
		eligible = append(eligible, cred)
	}

	return eligible, nil
}

// credentialDescriptors converts credentials into the allow-list descriptors
// that go into assertion options.
func (s *Service) credentialDescriptors(creds []*Credential) []protocol.CredentialDescriptor {
	descriptors := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, cred := range creds {
		rawID, err := base64.RawURLEncoding.DecodeString(cred.CredentialID)
		if err != nil {
			// A stored credential ID that does not decode can never be
			// asserted; skip it rather than fail the whole ceremony
			s.logger.Warn("Skipping credential with undecodable ID",
				zap.String("id", cred.ID.String()),
			)
			continue
		}
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: rawID,
		})
	}
	return descriptors
}
