package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"clinic-paging/internal/audit"
	"clinic-paging/internal/calls"
	"clinic-paging/internal/reporting"
	"clinic-paging/internal/stream"
	"clinic-paging/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls     *calls.Service
	Reporting *reporting.Service
	Streams   *stream.Registry
	Audit     *audit.Service

	// KeepAlive is the comment interval on event streams. Defaults to 15s.
	KeepAlive time.Duration
}

// writeError maps service errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest), errors.Is(err, audit.ErrInvalidEvent):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, calls.ErrSynthesisFailed):
		logger.FromGin(c).Warn("synthesis failed", "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "speech synthesis unavailable", "retriable": true})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

// --- Calls ---

func (h Handlers) CreateCall(c *gin.Context) {
	var req calls.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "patient_name and requester_name are required"})
		return
	}
	call, err := h.Calls.CreateCall(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) ListCalls(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	out, err := h.Calls.ListCalls(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) LastCalling(c *gin.Context) {
	sectorID, ok := idParam(c, "sectorId")
	if !ok {
		return
	}
	call, err := h.Calls.LastCalling(c.Request.Context(), sectorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Waiting(c *gin.Context) {
	sectorID, ok := idParam(c, "sectorId")
	if !ok {
		return
	}
	out, err := h.Calls.Waiting(c.Request.Context(), sectorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type retryRequest struct {
	CallID int64 `json:"call_id" binding:"required,gt=0"`
}

func (h Handlers) Retry(c *gin.Context) {
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	res, err := h.Calls.Retry(c.Request.Context(), req.CallID)
	if err != nil {
		writeError(c, err)
		return
	}
	// A declined retry is a normal outcome; the body says why.
	c.JSON(http.StatusOK, res)
}

func (h Handlers) QueueSummary(c *gin.Context) {
	sectorID, ok := idParam(c, "sectorId")
	if !ok {
		return
	}
	req := reporting.QueueSummaryRequest{SectorID: sectorID}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &req.Range.From}, {"to", &req.Range.To}} {
		v := c.Query(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": p.key + " must be RFC3339"})
			return
		}
		*p.dst = t
	}
	sum, err := h.Reporting.QueueSummary(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// History lists the lifecycle events recorded for one call.
func (h Handlers) History(c *gin.Context) {
	callID, ok := idParam(c, "callId")
	if !ok {
		return
	}
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "history not configured"})
		return
	}
	out, err := h.Audit.History(c.Request.Context(), callID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Sectors ---

func (h Handlers) Directory(c *gin.Context) {
	out, err := h.Calls.Directory(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Audio ---

// NextAudio claims the next announcement of one sector for polling panels.
func (h Handlers) NextAudio(c *gin.Context) {
	sectorID, ok := idParam(c, "sectorId")
	if !ok {
		return
	}
	res, err := h.Calls.ClaimNext(c.Request.Context(), calls.Scope{Kind: calls.ScopeSector, ID: sectorID})
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Claimed() {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, res.Payload)
}

type finishRequest struct {
	AudioID int64 `json:"audio_id" binding:"required,gt=0"`
}

func (h Handlers) FinishAudio(c *gin.Context) {
	var req finishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "audio_id required"})
		return
	}
	res, err := h.Calls.Finish(c.Request.Context(), req.AudioID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// StreamAudio keeps an event stream open for an area. The dispatch loop is
// the only writer; this handler relays what the registry hands it.
func (h Handlers) StreamAudio(c *gin.Context) {
	areaID, ok := idParam(c, "areaId")
	if !ok {
		return
	}
	sub, unregister := h.Streams.Register(areaID)
	defer unregister()

	every := h.KeepAlive
	if every <= 0 {
		every = 15 * time.Second
	}
	keepAlive := time.NewTicker(every)
	defer keepAlive.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case p, open := <-sub.Events():
			if !open {
				logger.FromGin(c).Info("stream dropped", "area_id", areaID)
				return false
			}
			c.SSEvent("message", p)
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		}
	})
}
