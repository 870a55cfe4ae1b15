package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/waypointops/cutoverd/internal/services"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps service failures onto HTTP statuses: precondition
// failures become 4xx (404 for not-found messages, 409 otherwise), everything
// else is a 500.
func RespondServiceError(c *gin.Context, code string, err error) {
	var pe *services.PreconditionError
	if errors.As(err, &pe) {
		status := http.StatusConflict
		if strings.Contains(pe.Msg, "not found") || strings.Contains(pe.Msg, "not in batch") {
			status = http.StatusNotFound
		}
		RespondError(c, status, code, err)
		return
	}
	RespondError(c, http.StatusInternalServerError, code, err)
}
