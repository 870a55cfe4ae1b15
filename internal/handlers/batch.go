package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/services"
)

type BatchHandler struct {
	log          *logger.Logger
	batchService services.BatchService
}

func NewBatchHandler(log *logger.Logger, batchService services.BatchService) *BatchHandler {
	return &BatchHandler{
		log:          log.With("handler", "BatchHandler"),
		batchService: batchService,
	}
}

type createBatchRequest struct {
	RunbookName    string `json:"runbook_name" binding:"required"`
	BatchStartTime string `json:"batch_start_time"`
}

func (h *BatchHandler) Create(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var start time.Time
	if req.BatchStartTime != "" {
		var err error
		start, err = time.Parse(time.RFC3339, req.BatchStartTime)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_batch_start_time", err)
			return
		}
	}
	b, err := h.batchService.CreateManual(c.Request.Context(), req.RunbookName, start)
	if err != nil {
		h.log.Error("Create failed", "error", err, "runbook", req.RunbookName)
		RespondServiceError(c, "create_batch_failed", err)
		return
	}
	RespondOK(c, gin.H{"batch": b})
}

func (h *BatchHandler) Get(c *gin.Context) {
	id, err := batchID(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	detail, err := h.batchService.Get(c.Request.Context(), id)
	if err != nil {
		h.log.Error("Get failed", "error", err, "batch_id", id)
		RespondServiceError(c, "load_batch_failed", err)
		return
	}
	RespondOK(c, detail)
}

// ListMembers returns the membership audit view of one batch, removed
// members included.
func (h *BatchHandler) ListMembers(c *gin.Context) {
	id, err := batchID(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	detail, err := h.batchService.Get(c.Request.Context(), id)
	if err != nil {
		h.log.Error("ListMembers failed", "error", err, "batch_id", id)
		RespondServiceError(c, "load_batch_failed", err)
		return
	}
	RespondOK(c, gin.H{"batch_id": id, "members": detail.Members})
}

func (h *BatchHandler) List(c *gin.Context) {
	runbookName := c.Query("runbook")
	if runbookName == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("runbook query parameter required"))
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			RespondError(c, http.StatusBadRequest, "invalid_limit", errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	batches, err := h.batchService.ListByRunbook(c.Request.Context(), runbookName, limit)
	if err != nil {
		h.log.Error("List failed", "error", err, "runbook", runbookName)
		RespondError(c, http.StatusInternalServerError, "list_batches_failed", err)
		return
	}
	RespondOK(c, gin.H{"batches": batches})
}

func (h *BatchHandler) Advance(c *gin.Context) {
	id, err := batchID(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	did, err := h.batchService.Advance(c.Request.Context(), id)
	if err != nil {
		h.log.Warn("Advance refused", "error", err, "batch_id", id)
		RespondServiceError(c, "advance_refused", err)
		return
	}
	RespondOK(c, gin.H{"batch_id": id, "result": did})
}

func (h *BatchHandler) Cancel(c *gin.Context) {
	id, err := batchID(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	if err := h.batchService.Cancel(c.Request.Context(), id); err != nil {
		h.log.Warn("Cancel refused", "error", err, "batch_id", id)
		RespondServiceError(c, "cancel_refused", err)
		return
	}
	RespondOK(c, gin.H{"batch_id": id, "result": "cancelled"})
}

// IngestMembers accepts a raw CSV body (text/csv) and adds its rows as batch
// members.
func (h *BatchHandler) IngestMembers(c *gin.Context) {
	id, err := batchID(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	res, err := h.batchService.IngestCSV(c.Request.Context(), id, c.Request.Body)
	if err != nil {
		h.log.Warn("IngestMembers refused", "error", err, "batch_id", id)
		RespondServiceError(c, "ingest_members_failed", err)
		return
	}
	RespondOK(c, res)
}

func (h *BatchHandler) RemoveMember(c *gin.Context) {
	id, err := batchID(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	memberKey := c.Param("memberKey")
	if err := h.batchService.RemoveMember(c.Request.Context(), id, memberKey); err != nil {
		h.log.Warn("RemoveMember refused", "error", err, "batch_id", id, "member_key", memberKey)
		RespondServiceError(c, "remove_member_failed", err)
		return
	}
	RespondOK(c, gin.H{"batch_id": id, "member_key": memberKey, "result": "removed"})
}

func batchID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}
