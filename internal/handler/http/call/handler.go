// Package call exposes the call agent's command surface over HTTP. Commands
// return promptly; call progress is observed via GET /state or the
// WebSocket state stream.
package call

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/orchestrator"
	"peercall/pkg/constants"
	"peercall/pkg/response"
)

// HistoryReader reads archived calls for the history endpoint. Nil when
// history persistence runs degraded.
type HistoryReader interface {
	GetUserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error)
	GetByID(ctx context.Context, callID string) (*domain.CallRecord, error)
	CountMissed(ctx context.Context, userID string) (int, error)
}

// Handler handles call HTTP requests
type Handler struct {
	orch    *orchestrator.Orchestrator
	history HistoryReader
	userID  string
}

// NewHandler creates a new call handler
func NewHandler(orch *orchestrator.Orchestrator, history HistoryReader, userID string) *Handler {
	return &Handler{
		orch:    orch,
		history: history,
		userID:  userID,
	}
}

// RegisterRoutes mounts the call API under the given group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	{
		calls.POST("", h.StartCall)
		calls.POST("/accept", h.AcceptCall)
		calls.POST("/decline", h.DeclineCall)
		calls.POST("/end", h.EndCall)
		calls.POST("/reset", h.ResetCall)
		calls.POST("/mute", h.ToggleMute)
		calls.POST("/video", h.ToggleVideo)
		calls.POST("/speaker", h.ToggleSpeaker)
		calls.POST("/camera", h.SwitchCamera)
		calls.GET("/state", h.GetState)
		calls.GET("/history", h.GetHistory)
		calls.GET("/history/:id", h.GetHistoryCall)
		calls.GET("/missed/count", h.GetMissedCount)
	}
}

// StartCallRequest represents call initiation request
type StartCallRequest struct {
	PeerID   string `json:"peer_id" binding:"required"`
	CallType string `json:"call_type" binding:"required,oneof=audio video"`
}

// StartCall begins an outgoing call
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	err := h.orch.StartCall(c.Request.Context(), req.PeerID, domain.CallType(req.CallType))
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, h.orch.Snapshot())
}

// AcceptCall answers the currently ringing incoming call
// POST /v1/calls/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	if err := h.orch.AcceptCall(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.orch.Snapshot())
}

// DeclineCall rejects the currently ringing incoming call
// POST /v1/calls/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	if err := h.orch.DeclineCall(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.orch.Snapshot())
}

// EndCall hangs up the current call
// POST /v1/calls/end
func (h *Handler) EndCall(c *gin.Context) {
	if err := h.orch.EndCall(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.orch.Snapshot())
}

// ResetCall forces the state machine back to idle
// POST /v1/calls/reset
func (h *Handler) ResetCall(c *gin.Context) {
	if err := h.orch.Reset(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.orch.Snapshot())
}

// ToggleMute flips the outgoing audio feed
// POST /v1/calls/mute
func (h *Handler) ToggleMute(c *gin.Context) {
	muted, err := h.orch.ToggleMute(c.Request.Context())
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"muted": muted})
}

// ToggleVideo flips the outgoing video feed
// POST /v1/calls/video
func (h *Handler) ToggleVideo(c *gin.Context) {
	enabled, err := h.orch.ToggleVideo(c.Request.Context())
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"video_enabled": enabled})
}

// ToggleSpeaker flips the local speakerphone flag
// POST /v1/calls/speaker
func (h *Handler) ToggleSpeaker(c *gin.Context) {
	on, err := h.orch.ToggleSpeaker(c.Request.Context())
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"speaker_on": on})
}

// SwitchCamera swaps the outgoing video track to the other camera
// POST /v1/calls/camera
func (h *Handler) SwitchCamera(c *gin.Context) {
	if err := h.orch.SwitchCamera(c.Request.Context()); err != nil {
		h.writeCallError(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.orch.Snapshot())
}

// GetState returns the current call state snapshot
// GET /v1/calls/state
func (h *Handler) GetState(c *gin.Context) {
	response.Success(c, http.StatusOK, h.orch.Snapshot())
}

// GetHistory returns the archived call history for this agent's user
// GET /v1/calls/history
func (h *Handler) GetHistory(c *gin.Context) {
	if h.history == nil {
		response.Error(c, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Call history is not available")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(constants.DefaultPageSize)))
	if err != nil || limit < 1 || limit > constants.MaxPageSize {
		response.ValidationError(c, "Invalid limit")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		response.ValidationError(c, "Invalid offset")
		return
	}

	records, err := h.history.GetUserCalls(c.Request.Context(), h.userID, limit, offset)
	if err != nil {
		response.InternalError(c, "Failed to load call history")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  records,
		"limit":  limit,
		"offset": offset,
	})
}

// GetHistoryCall returns one archived call by its ID
// GET /v1/calls/history/:id
func (h *Handler) GetHistoryCall(c *gin.Context) {
	if h.history == nil {
		response.Error(c, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Call history is not available")
		return
	}

	record, err := h.history.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.InternalError(c, "Failed to load call")
		return
	}

	response.Success(c, http.StatusOK, record)
}

// GetMissedCount returns how many archived calls this user missed, for the
// missed-call badge
// GET /v1/calls/missed/count
func (h *Handler) GetMissedCount(c *gin.Context) {
	if h.history == nil {
		response.Error(c, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Call history is not available")
		return
	}

	count, err := h.history.CountMissed(c.Request.Context(), h.userID)
	if err != nil {
		response.InternalError(c, "Failed to count missed calls")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"missed": count})
}

// writeCallError maps call core errors onto the response envelope
func (h *Handler) writeCallError(c *gin.Context, err error) {
	var accessErr *media.AccessError
	switch {
	case errors.Is(err, domain.ErrBusy):
		response.Conflict(c, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		response.Conflict(c, err.Error())
	case errors.Is(err, domain.ErrBlocked):
		response.Forbidden(c, err.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, domain.ErrCallNotFound):
		response.NotFound(c, err.Error())
	case errors.As(err, &accessErr):
		response.Error(c, http.StatusConflict, "MEDIA_UNAVAILABLE", accessErr.Error())
	default:
		response.InternalError(c, "Call operation failed")
	}
}
