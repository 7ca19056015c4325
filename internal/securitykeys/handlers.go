package securitykeys

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/20c/security-keys/internal/common/logger"
	"github.com/20c/security-keys/internal/common/middleware"
)

// Handlers exposes the ceremony service over HTTP
type Handlers struct {
	service    *Service
	gate       *StepUpGate
	logger     *zap.Logger
	audit      *logger.AuditLogger
	cookieName string
}

// NewHandlers creates the HTTP handler set. cookieName is the ceremony
// session cookie; an empty value defaults to "sk_session".
func NewHandlers(service *Service, gate *StepUpGate, cookieName string, log *zap.Logger) *Handlers {
	if cookieName == "" {
		cookieName = "sk_session"
	}
	return &Handlers{
		service:    service,
		gate:       gate,
		logger:     log,
		audit:      logger.NewAuditLogger(log),
		cookieName: cookieName,
	}
}

// RegisterRoutes mounts the ceremony endpoints under /api/v1/security-keys
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/api/v1/security-keys")
	{
		group.POST("/registration/options", h.BeginRegistration)
		group.POST("/registration/verify", h.FinishRegistration)
		group.POST("/authentication/options", h.BeginAuthentication)
		group.POST("/authentication/verify", h.FinishAuthentication)
		group.POST("/step-up/verify", h.VerifyStepUp)
		group.GET("/step-up/required", h.StepUpRequired)
		group.GET("/credentials", h.ListCredentials)
		group.DELETE("/credentials/:id", h.DeleteCredential)
	}
}

// sessionID returns the ceremony session identifier from the request cookie,
// minting one when absent. The cookie scopes challenges and the passwordless
// marker to a single browser session.
func (h *Handlers) sessionID(c *gin.Context) string {
	if sid, err := c.Cookie(h.cookieName); err == nil && sid != "" {
		return sid
	}
	sid := uuid.New().String()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, sid, 86400, "/", "", false, true)
	return sid
}

type beginRegistrationRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

// BeginRegistration issues credential creation options
func (h *Handlers) BeginRegistration(c *gin.Context) {
	var req beginRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	user, err := h.service.Store().GetUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	options, err := h.service.BeginRegistration(c.Request.Context(), user, h.sessionID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, options)
}

type finishRegistrationRequest struct {
	UserID            string          `json:"user_id" binding:"required,uuid"`
	Credential        json.RawMessage `json:"credential" binding:"required"`
	Name              string          `json:"name"`
	PasswordlessLogin bool            `json:"passwordless_login"`
}

// FinishRegistration verifies the attestation response and stores the credential
func (h *Handlers) FinishRegistration(c *gin.Context) {
	var req finishRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	user, err := h.service.Store().GetUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	cred, err := h.service.FinishRegistration(c.Request.Context(), user, h.sessionID(c),
		req.Credential, req.Name, req.PasswordlessLogin)
	if err != nil {
		middleware.CeremoniesTotal.WithLabelValues("registration", "", "failure").Inc()
		h.audit.LogRegistrationFailed(req.UserID, c.ClientIP(), err.Error())
		h.respondError(c, err)
		return
	}

	middleware.CeremoniesTotal.WithLabelValues("registration", "", "success").Inc()
	h.audit.LogKeyRegistered(req.UserID, cred.CredentialID, cred.Name, cred.PasswordlessLogin, c.ClientIP())
	c.JSON(http.StatusCreated, cred)
}

type beginAuthenticationRequest struct {
	Username string `json:"username"`
	Purpose  string `json:"purpose" binding:"required,oneof=login mfa"`
}

// BeginAuthentication issues assertion options
func (h *Handlers) BeginAuthentication(c *gin.Context) {
	var req beginAuthenticationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	options, err := h.service.BeginAuthentication(c.Request.Context(), req.Username,
		h.sessionID(c), Purpose(req.Purpose))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, options)
}

type finishAuthenticationRequest struct {
	Username   string          `json:"username"`
	Credential json.RawMessage `json:"credential" binding:"required"`
	Purpose    string          `json:"purpose" binding:"required,oneof=login mfa"`
}

// FinishAuthentication verifies an assertion response
func (h *Handlers) FinishAuthentication(c *gin.Context) {
	var req finishAuthenticationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	cred, err := h.service.FinishAuthentication(c.Request.Context(), req.Username,
		h.sessionID(c), req.Credential, Purpose(req.Purpose))
	if err != nil {
		middleware.CeremoniesTotal.WithLabelValues("authentication", req.Purpose, "failure").Inc()
		h.audit.LogAuthenticationFailed(req.Username, req.Purpose, c.ClientIP(),
			c.Request.UserAgent(), err.Error())
		h.respondError(c, err)
		return
	}

	middleware.CeremoniesTotal.WithLabelValues("authentication", req.Purpose, "success").Inc()
	h.audit.LogKeyAuthenticated(req.Username, cred.CredentialID, req.Purpose,
		c.ClientIP(), c.Request.UserAgent())
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"user_id":       cred.UserID,
		"credential_id": cred.CredentialID,
	})
}

type stepUpVerifyRequest struct {
	Username   string          `json:"username" binding:"required"`
	Credential json.RawMessage `json:"credential" binding:"required"`
}

// VerifyStepUp completes a step-up ceremony and returns the grant
func (h *Handlers) VerifyStepUp(c *gin.Context) {
	var req stepUpVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	result, err := h.gate.Verify(c.Request.Context(), req.Username, h.sessionID(c), req.Credential)
	if err != nil {
		middleware.CeremoniesTotal.WithLabelValues("authentication", string(PurposeStepUp), "failure").Inc()
		h.audit.LogAuthenticationFailed(req.Username, string(PurposeStepUp), c.ClientIP(),
			c.Request.UserAgent(), err.Error())
		h.respondError(c, err)
		return
	}

	middleware.CeremoniesTotal.WithLabelValues("authentication", string(PurposeStepUp), "success").Inc()
	h.audit.LogStepUpVerified(req.Username, result.DeviceID, result.CredentialID, c.ClientIP())
	c.JSON(http.StatusOK, result)
}

// StepUpRequired reports whether the session's user must present a key
func (h *Handlers) StepUpRequired(c *gin.Context) {
	username := c.Query("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	required, err := h.gate.Applicable(c.Request.Context(), username, h.sessionID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"required": required})
}

// ListCredentials returns the user's registered keys
func (h *Handlers) ListCredentials(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	creds, err := h.service.Credentials(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// DeleteCredential decommissions a key. Ownership is enforced: the credential
// must belong to the requesting user.
func (h *Handlers) DeleteCredential(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credential id"})
		return
	}
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	if err := h.service.RemoveCredential(c.Request.Context(), userID, id); err != nil {
		h.respondError(c, err)
		return
	}

	h.audit.LogKeyRemoved(userID.String(), id.String(), c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// respondError maps service errors to HTTP responses. All authentication
// failures collapse into one generic 403 body regardless of whether the
// credential was unknown, ineligible, cryptographically invalid, or replayed.
func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNoActiveChallenge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no active challenge"})
	case errors.Is(err, ErrMalformedCredential):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed credential"})
	case errors.Is(err, ErrCredentialExists):
		c.JSON(http.StatusConflict, gin.H{"error": "credential already registered"})
	case errors.Is(err, ErrRegistrationFailed):
		c.JSON(http.StatusForbidden, gin.H{"error": "security key registration failed"})
	case errors.Is(err, ErrPossibleClone):
		middleware.CloneWarningsTotal.Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "security key authentication failed"})
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrNotEligible):
		c.JSON(http.StatusForbidden, gin.H{"error": "security key authentication failed"})
	case errors.Is(err, ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, ErrHandleExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporary allocation failure, retry"})
	default:
		h.logger.Error("Unhandled service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
