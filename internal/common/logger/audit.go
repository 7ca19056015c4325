// Package logger provides structured logging utilities for the security keys service
package logger

import (
	"time"

	"go.uber.org/zap"
)

// AuditEvent represents a security audit log event
type AuditEvent struct {
	EventType  string                 `json:"event_type"`
	Actor      string                 `json:"actor"` // User or username the event concerns
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Status     string                 `json:"status"` // success, failure, denied
	Reason     string                 `json:"reason,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// AuditLogger emits structured security audit events
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With(zap.String("log_type", "audit")),
	}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("actor", event.Actor),
		zap.String("action", event.Action),
		zap.String("resource", event.Resource),
		zap.String("resource_id", event.ResourceID),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}

	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}

	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}

	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}

	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	// Log at appropriate level based on status
	switch event.Status {
	case "failure", "error":
		a.logger.Error("Audit event", fields...)
	case "denied", "forbidden":
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LogKeyRegistered logs a successful security key registration
func (a *AuditLogger) LogKeyRegistered(userID, credentialID, name string, passwordless bool, ipAddress string) {
	a.Log(&AuditEvent{
		EventType:  "securitykey.registered",
		Actor:      userID,
		Action:     "register",
		Resource:   "credential",
		ResourceID: credentialID,
		Status:     "success",
		IPAddress:  ipAddress,
		Metadata: map[string]interface{}{
			"name":               name,
			"passwordless_login": passwordless,
		},
		Timestamp: time.Now(),
	})
}

// LogRegistrationFailed logs a failed registration attempt
func (a *AuditLogger) LogRegistrationFailed(userID, ipAddress, reason string) {
	a.Log(&AuditEvent{
		EventType: "securitykey.registration_failed",
		Actor:     userID,
		Action:    "register",
		Resource:  "credential",
		Status:    "failure",
		Reason:    reason,
		IPAddress: ipAddress,
		Timestamp: time.Now(),
	})
}

// LogKeyAuthenticated logs a successful security key authentication
func (a *AuditLogger) LogKeyAuthenticated(username, credentialID, purpose, ipAddress, userAgent string) {
	a.Log(&AuditEvent{
		EventType:  "securitykey.authenticated",
		Actor:      username,
		Action:     "authenticate",
		Resource:   "credential",
		ResourceID: credentialID,
		Status:     "success",
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Metadata:   map[string]interface{}{"purpose": purpose},
		Timestamp:  time.Now(),
	})
}

// LogAuthenticationFailed logs a failed authentication attempt
func (a *AuditLogger) LogAuthenticationFailed(username, purpose, ipAddress, userAgent, reason string) {
	a.Log(&AuditEvent{
		EventType: "securitykey.authentication_failed",
		Actor:     username,
		Action:    "authenticate",
		Resource:  "credential",
		Status:    "failure",
		Reason:    reason,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Metadata:  map[string]interface{}{"purpose": purpose},
		Timestamp: time.Now(),
	})
}

// LogKeyRemoved logs a security key decommission
func (a *AuditLogger) LogKeyRemoved(userID, credentialID, ipAddress string) {
	a.Log(&AuditEvent{
		EventType:  "securitykey.removed",
		Actor:      userID,
		Action:     "delete",
		Resource:   "credential",
		ResourceID: credentialID,
		Status:     "success",
		IPAddress:  ipAddress,
		Timestamp:  time.Now(),
	})
}

// LogStepUpVerified logs a completed step-up verification
func (a *AuditLogger) LogStepUpVerified(username, deviceID, credentialID, ipAddress string) {
	a.Log(&AuditEvent{
		EventType:  "securitykey.stepup_verified",
		Actor:      username,
		Action:     "step_up",
		Resource:   "device",
		ResourceID: deviceID,
		Status:     "success",
		IPAddress:  ipAddress,
		Metadata:   map[string]interface{}{"credential_id": credentialID},
		Timestamp:  time.Now(),
	})
}
