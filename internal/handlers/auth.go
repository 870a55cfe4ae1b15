package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/services"
)

// AuthHandler exchanges a pre-shared API key for a short-lived bearer token.
// The admin key unlocks the admin role, the reader key the reader role.
type AuthHandler struct {
	log         *logger.Logger
	authService services.AuthService
	adminKey    string
	readerKey   string
}

func NewAuthHandler(log *logger.Logger, authService services.AuthService, adminKey, readerKey string) *AuthHandler {
	return &AuthHandler{
		log:         log.With("handler", "AuthHandler"),
		authService: authService,
		adminKey:    adminKey,
		readerKey:   readerKey,
	}
}

type tokenRequest struct {
	APIKey  string `json:"api_key" binding:"required"`
	Subject string `json:"subject" binding:"required"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	role := ""
	switch {
	case h.adminKey != "" && subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.adminKey)) == 1:
		role = services.RoleAdmin
	case h.readerKey != "" && subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.readerKey)) == 1:
		role = services.RoleReader
	default:
		h.log.Warn("token request with unknown api key", "subject", req.Subject)
		RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("unknown api key"))
		return
	}
	token, err := h.authService.IssueToken(c.Request.Context(), req.Subject, role)
	if err != nil {
		h.log.Error("IssueToken failed", "error", err, "subject", req.Subject)
		RespondError(c, http.StatusInternalServerError, "issue_token_failed", err)
		return
	}
	RespondOK(c, gin.H{"token": token, "role": role})
}
