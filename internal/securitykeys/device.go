package securitykeys

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// StepUpResult reports the outcome of a step-up verification. It is returned
// by value; nothing about the session or device is mutated to signal success.
type StepUpResult struct {
	Verified     bool      `json:"verified"`
	DeviceID     string    `json:"device_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	Token        string    `json:"token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// StepUpGate decides whether a password-authenticated session must present a
// security key as a second factor, and verifies the presented key.
type StepUpGate struct {
	service  *Service
	logger   *zap.Logger
	secret   []byte
	tokenTTL time.Duration
}

// NewStepUpGate creates a step-up gate. secret signs the short-lived grant
// tokens handed out on successful verification.
func NewStepUpGate(service *Service, secret []byte, tokenTTL time.Duration, logger *zap.Logger) *StepUpGate {
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	return &StepUpGate{
		service:  service,
		logger:   logger,
		secret:   secret,
		tokenTTL: tokenTTL,
	}
}

// Applicable reports whether step-up applies to this session: the user must
// own at least one credential eligible for step-up. A session logged in
// passwordlessly with the user's only key has nothing left to present and is
// not challenged again.
func (g *StepUpGate) Applicable(ctx context.Context, username, sessionID string) (bool, error) {
	eligible, err := g.service.EligibleCredentials(ctx, username, sessionID, PurposeStepUp)
	if err != nil {
		return false, err
	}
	return len(eligible) > 0, nil
}

// Verify completes a step-up authentication ceremony. On success it returns a
// StepUpResult carrying the verified device, the credential that vouched, and
// a signed short-lived grant token.
func (g *StepUpGate) Verify(ctx context.Context, username, sessionID string, response []byte) (*StepUpResult, error) {
	cred, err := g.service.FinishAuthentication(ctx, username, sessionID, response, PurposeStepUp)
	if err != nil {
		return &StepUpResult{Verified: false}, err
	}

	device, err := g.service.Store().GetDevice(ctx, cred.UserID)
	if err != nil {
		return &StepUpResult{Verified: false}, fmt.Errorf("resolve step-up device: %w", err)
	}

	expiresAt := time.Now().Add(g.tokenTTL)
	token, err := g.issueToken(cred.UserID.String(), device.ID.String(), expiresAt)
	if err != nil {
		return &StepUpResult{Verified: false}, fmt.Errorf("issue step-up token: %w", err)
	}

	g.logger.Info("Step-up verification succeeded",
		zap.String("username", username),
		zap.String("device_id", device.ID.String()),
		zap.String("credential_id", cred.CredentialID),
	)

	return &StepUpResult{
		Verified:     true,
		DeviceID:     device.ID.String(),
		CredentialID: cred.CredentialID,
		Token:        token,
		ExpiresAt:    expiresAt,
	}, nil
}

// issueToken mints a signed grant asserting that step-up completed
func (g *StepUpGate) issueToken(userID, deviceID string, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       userID,
		"device_id": deviceID,
		"amr":       []string{"webauthn"},
		"step_up":   true,
		"iat":       now.Unix(),
		"exp":       expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a step-up grant token and returns its claims
func (g *StepUpGate) ParseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if stepUp, _ := claims["step_up"].(bool); !stepUp {
		return nil, fmt.Errorf("not a step-up token")
	}

	return claims, nil
}
