package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/services"
)

type RunbookHandler struct {
	log            *logger.Logger
	runbookService services.RunbookService
	batchService   services.BatchService
}

func NewRunbookHandler(log *logger.Logger, runbookService services.RunbookService, batchService services.BatchService) *RunbookHandler {
	return &RunbookHandler{
		log:            log.With("handler", "RunbookHandler"),
		runbookService: runbookService,
		batchService:   batchService,
	}
}

type publishRequest struct {
	Document        string `json:"document" binding:"required"`
	OverdueBehavior string `json:"overdue_behavior"`
	RerunInit       bool   `json:"rerun_init"`
}

func (h *RunbookHandler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	rb, err := h.runbookService.Publish(c.Request.Context(), req.Document, req.OverdueBehavior, req.RerunInit)
	if err != nil {
		h.log.Error("Publish failed", "error", err)
		RespondError(c, http.StatusUnprocessableEntity, "publish_failed", err)
		return
	}
	RespondOK(c, gin.H{"runbook": rb})
}

func (h *RunbookHandler) ListActive(c *gin.Context) {
	runbooks, err := h.runbookService.ListActive(c.Request.Context())
	if err != nil {
		h.log.Error("ListActive failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "list_runbooks_failed", err)
		return
	}
	RespondOK(c, gin.H{"runbooks": runbooks})
}

func (h *RunbookHandler) GetActive(c *gin.Context) {
	name := c.Param("name")
	rb, err := h.runbookService.GetActive(c.Request.Context(), name)
	if err != nil {
		h.log.Error("GetActive failed", "error", err, "runbook", name)
		RespondError(c, http.StatusInternalServerError, "load_runbook_failed", err)
		return
	}
	if rb == nil {
		RespondError(c, http.StatusNotFound, "runbook_not_found", errors.New("runbook not found"))
		return
	}
	RespondOK(c, gin.H{"runbook": rb})
}

func (h *RunbookHandler) ListVersions(c *gin.Context) {
	name := c.Param("name")
	versions, err := h.runbookService.ListVersions(c.Request.Context(), name)
	if err != nil {
		h.log.Error("ListVersions failed", "error", err, "runbook", name)
		RespondError(c, http.StatusInternalServerError, "list_versions_failed", err)
		return
	}
	RespondOK(c, gin.H{"versions": versions})
}

type automationRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *RunbookHandler) SetAutomation(c *gin.Context) {
	name := c.Param("name")
	var req automationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.runbookService.SetAutomation(c.Request.Context(), name, *req.Enabled); err != nil {
		h.log.Error("SetAutomation failed", "error", err, "runbook", name)
		RespondError(c, http.StatusUnprocessableEntity, "set_automation_failed", err)
		return
	}
	RespondOK(c, gin.H{"runbook": name, "enabled": *req.Enabled})
}

func (h *RunbookHandler) GetAutomation(c *gin.Context) {
	name := c.Param("name")
	enabled, err := h.runbookService.GetAutomation(c.Request.Context(), name)
	if err != nil {
		h.log.Error("GetAutomation failed", "error", err, "runbook", name)
		RespondError(c, http.StatusInternalServerError, "load_automation_failed", err)
		return
	}
	RespondOK(c, gin.H{"runbook": name, "enabled": enabled})
}

// CSVTemplate returns a header-only CSV with the columns a member upload for
// this runbook must provide.
func (h *RunbookHandler) CSVTemplate(c *gin.Context) {
	name := c.Param("name")
	tmpl, err := h.batchService.CSVTemplate(c.Request.Context(), name)
	if err != nil {
		h.log.Error("CSVTemplate failed", "error", err, "runbook", name)
		RespondServiceError(c, "csv_template_failed", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`-members.csv"`)
	c.Data(http.StatusOK, "text/csv", tmpl)
}
