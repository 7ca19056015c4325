package securitykeys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// handleByteLen is the entropy of a user handle before encoding
const handleByteLen = 32

// RequireUserHandle returns the user's WebAuthn handle, allocating one on
// first use. The handle is what authenticators bind credentials to, so once
// allocated it is never changed.
//
// Allocation retries on collision up to the configured attempt ceiling and
// returns ErrHandleExhausted past it. The caller may simply retry the
// operation; with 256 bits of entropy, exhaustion in practice means the
// randomness source or the store is broken.
func (s *Service) RequireUserHandle(ctx context.Context, user *User) (*UserHandle, error) {
	handle, err := s.store.GetUserHandle(ctx, user.ID)
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, ErrHandleNotFound) {
		return nil, fmt.Errorf("load user handle: %w", err)
	}

	for attempt := 0; attempt < s.config.HandleMaxAttempts; attempt++ {
		candidate := &UserHandle{
			UserID:    user.ID,
			Handle:    newHandleValue(),
			CreatedAt: time.Now(),
		}

		err := s.store.CreateUserHandle(ctx, candidate)
		if err == nil {
			s.logger.Info("Allocated user handle",
				zap.String("user_id", user.ID.String()),
				zap.Int("attempts", attempt+1),
			)
			return candidate, nil
		}
		if !errors.Is(err, ErrHandleTaken) {
			return nil, fmt.Errorf("create user handle: %w", err)
		}

		// A concurrent request may have allocated this user's handle while
		// we were generating; use theirs if so
		if existing, getErr := s.store.GetUserHandle(ctx, user.ID); getErr == nil {
			return existing, nil
		}
	}

	s.logger.Error("User handle allocation exhausted",
		zap.String("user_id", user.ID.String()),
		zap.Int("max_attempts", s.config.HandleMaxAttempts),
	)
	return nil, ErrHandleExhausted
}

// newHandleValue generates a random handle, base64url without padding
func newHandleValue() string {
	buf := make([]byte, handleByteLen)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
