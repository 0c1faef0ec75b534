package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voucherescrow/internal/auth"
	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/pagination"
	"github.com/mbd888/voucherescrow/internal/realtime"
	"github.com/mbd888/voucherescrow/internal/reconcile"
	"github.com/mbd888/voucherescrow/internal/release"
	"github.com/mbd888/voucherescrow/internal/validation"
	"github.com/mbd888/voucherescrow/internal/webhooks"
)

// Operator is the control surface driven by the HTTP and MCP front ends.
// *Controller implements it.
type Operator interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) (reconcile.ScanResult, error)
	Stop(ctx context.Context) error
	Status() Status
	ManualRelease(ctx context.Context, id uint64) (release.Result, error)
	ManualRefund(ctx context.Context, id uint64) (release.Result, error)
	ScanPending(ctx context.Context) (reconcile.ScanResult, error)
	Attempts(ctx context.Context, f release.Filter) ([]*release.Attempt, error)
	Attempt(ctx context.Context, id uint64) (*release.Attempt, error)
}

var _ Operator = (*Controller)(nil)

// Actions accepted by the POST dispatcher.
const (
	ActionInit        = "init"
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionStatus      = "status"
	ActionRelease     = "release"
	ActionRefund      = "refund"
	ActionScanPending = "scanPending"
)

// Page sizes for GET /attempts.
const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Response is the envelope every escrow admin endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Kind    ErrorKind   `json:"kind,omitempty"`
}

// ActionRequest is the body of POST /v1/admin/escrow.
type ActionRequest struct {
	Action    string  `json:"action" binding:"required"`
	ListingID *uint64 `json:"listingId"`
}

// Handler serves the operator API.
type Handler struct {
	op       Operator
	secret   string
	hub      *realtime.Hub
	webhooks *webhooks.Handler
}

// NewHandler creates a handler guarded by secret.
func NewHandler(op Operator, secret string) *Handler {
	return &Handler{op: op, secret: secret}
}

// WithHub adds the websocket event stream.
func (h *Handler) WithHub(hub *realtime.Hub) *Handler {
	h.hub = hub
	return h
}

// WithWebhooks adds webhook subscription management.
func (h *Handler) WithWebhooks(wh *webhooks.Handler) *Handler {
	h.webhooks = wh
	return h
}

// RegisterRoutes mounts the API under /admin/escrow on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin/escrow")
	g.Use(auth.RequireAdmin(h.secret))

	g.POST("", h.Dispatch)
	g.GET("/status", h.Status)
	g.POST("/init", h.Init)
	g.POST("/start", h.Start)
	g.POST("/stop", h.Stop)
	g.POST("/scan", h.Scan)
	g.POST("/listings/:id/release", h.Release)
	g.POST("/listings/:id/refund", h.Refund)
	g.GET("/attempts", h.ListAttempts)
	g.GET("/attempts/:id", h.GetAttempt)

	if h.hub != nil {
		g.GET("/events", h.Events)
	}
	if h.webhooks != nil {
		h.webhooks.RegisterRoutes(g)
	}
}

// Dispatch handles POST /admin/escrow {"action": ..., "listingId": ...}
func (h *Handler) Dispatch(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Message: "invalid request body: action is required"})
		return
	}

	switch req.Action {
	case ActionInit:
		h.doInit(c)
	case ActionStart:
		h.doStart(c)
	case ActionStop:
		h.doStop(c)
	case ActionStatus:
		h.Status(c)
	case ActionScanPending:
		h.doScan(c)
	case ActionRelease, ActionRefund:
		if req.ListingID == nil || *req.ListingID == 0 {
			c.JSON(http.StatusBadRequest, Response{Message: "listingId is required for " + req.Action})
			return
		}
		h.doManual(c, req.Action, *req.ListingID)
	default:
		c.JSON(http.StatusBadRequest, Response{Message: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

// Status handles GET /admin/escrow/status
func (h *Handler) Status(c *gin.Context) {
	st := h.op.Status()
	c.JSON(http.StatusOK, Response{Success: true, Message: string(st.State), Data: st})
}

// Init handles POST /admin/escrow/init
func (h *Handler) Init(c *gin.Context) { h.doInit(c) }

// Start handles POST /admin/escrow/start
func (h *Handler) Start(c *gin.Context) { h.doStart(c) }

// Stop handles POST /admin/escrow/stop
func (h *Handler) Stop(c *gin.Context) { h.doStop(c) }

// Scan handles POST /admin/escrow/scan
func (h *Handler) Scan(c *gin.Context) { h.doScan(c) }

// Release handles POST /admin/escrow/listings/:id/release
func (h *Handler) Release(c *gin.Context) {
	id, ok := listingParam(c)
	if !ok {
		return
	}
	h.doManual(c, ActionRelease, id)
}

// Refund handles POST /admin/escrow/listings/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	id, ok := listingParam(c)
	if !ok {
		return
	}
	h.doManual(c, ActionRefund, id)
}

// ListAttempts handles GET /admin/escrow/attempts?status=failed&limit=50&cursor=...
func (h *Handler) ListAttempts(c *gin.Context) {
	var f release.Filter
	if s := c.Query("status"); s != "" {
		f.Status = release.AttemptStatus(s)
		if !f.Status.Valid() {
			c.JSON(http.StatusBadRequest, Response{Message: fmt.Sprintf("unknown status %q", s)})
			return
		}
	}
	limit := defaultPageSize
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, Response{Message: fmt.Sprintf("limit must be between 1 and %d", maxPageSize)})
			return
		}
		limit = n
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Message: err.Error()})
		return
	}
	f.Limit = limit + 1
	f.After = after

	attempts, err := h.op.Attempts(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	attempts, next, more := pagination.ComputePage(attempts, limit, release.CursorKey)
	if attempts == nil {
		attempts = []*release.Attempt{}
	}
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("%d attempts", len(attempts)),
		Data: gin.H{
			"attempts":   attempts,
			"count":      len(attempts),
			"nextCursor": next,
			"hasMore":    more,
		},
	})
}

// GetAttempt handles GET /admin/escrow/attempts/:id
func (h *Handler) GetAttempt(c *gin.Context) {
	id, ok := listingParam(c)
	if !ok {
		return
	}
	a, err := h.op.Attempt(c.Request.Context(), id)
	if errors.Is(err, release.ErrAttemptNotFound) {
		c.JSON(http.StatusNotFound, Response{Message: fmt.Sprintf("no attempt recorded for listing %d", id)})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: string(a.Status), Data: a})
}

// Events handles GET /admin/escrow/events (websocket upgrade)
func (h *Handler) Events(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}

func (h *Handler) doInit(c *gin.Context) {
	if err := h.op.Init(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	st := h.op.Status()
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "initialized as admin " + st.AdminIdentity,
		Data:    st,
	})
}

func (h *Handler) doStart(c *gin.Context) {
	res, err := h.op.Start(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("running; catch-up scan queued %d of %d listings (%d errors)",
			res.Processed, res.Scanned, res.Errors),
		Data: res,
	})
}

func (h *Handler) doStop(c *gin.Context) {
	if err := h.op.Stop(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "stopped", Data: h.op.Status()})
}

func (h *Handler) doScan(c *gin.Context) {
	res, err := h.op.ScanPending(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("scanned %d listings, queued %d, %d errors", res.Scanned, res.Processed, res.Errors),
		Data:    res,
	})
}

func (h *Handler) doManual(c *gin.Context, action string, id uint64) {
	var res release.Result
	var err error
	if action == ActionRefund {
		res, err = h.op.ManualRefund(c.Request.Context(), id)
	} else {
		res, err = h.op.ManualRelease(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	switch res.Outcome {
	case release.OutcomeFailed:
		c.JSON(http.StatusInternalServerError, Response{
			Message: fmt.Sprintf("%s of listing %d failed: %s", action, id, res.Reason),
			Data:    res,
			Kind:    ErrorKind(res.Kind),
		})
	case release.OutcomeSkipped:
		c.JSON(http.StatusOK, Response{
			Success: true,
			Message: fmt.Sprintf("listing %d skipped: %s", id, res.Reason),
			Data:    res,
		})
	default:
		c.JSON(http.StatusOK, Response{
			Success: true,
			Message: fmt.Sprintf("listing %d %s: %s to %s in %s", id, res.Outcome, res.Amount, res.Recipient, res.TxHash),
			Data:    res,
		})
	}
}

func listingParam(c *gin.Context) (uint64, bool) {
	id, err := validation.ParseListingID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Message: err.Error()})
		return 0, false
	}
	return id, true
}

// writeError maps a controller error onto a status code and envelope.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chain.ErrInvalidListing):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrWrongState):
		status = http.StatusConflict
	}
	c.JSON(status, Response{Message: err.Error(), Kind: KindOf(err)})
}
