package webhooks

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voucherescrow/internal/idgen"
	"github.com/mbd888/voucherescrow/internal/logging"
)

// URLValidator rejects webhook targets the service must not call.
type URLValidator func(rawURL string) error

// Handler serves subscription management under the operator API. Replies
// use the same {success, message, data} envelope as the escrow endpoints.
type Handler struct {
	store    Store
	validate URLValidator
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// WithURLValidator adds a check run on every new subscription URL.
func (h *Handler) WithURLValidator(v URLValidator) *Handler {
	h.validate = v
	return h
}

// RegisterRoutes mounts /webhooks on r. Authentication is the caller's job.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/webhooks")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.DELETE("/:webhookId", h.Delete)
	g.POST("/:webhookId/reactivate", h.Reactivate)
}

type reply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, reply{Message: msg})
}

// CreateRequest is the body of POST /webhooks. No events means all events.
type CreateRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// Created is returned once; the secret cannot be read back later.
type Created struct {
	Webhook         *Subscription `json:"webhook"`
	Secret          string        `json:"secret"`
	SignatureHeader string        `json:"signatureHeader"`
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: url is required")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		fail(c, http.StatusBadRequest, "invalid url: must be an absolute http(s) URL")
		return
	}
	if h.validate != nil {
		if err := h.validate(req.URL); err != nil {
			fail(c, http.StatusBadRequest, "invalid url: "+err.Error())
			return
		}
	}

	events, bad := parseEvents(req.Events)
	if bad != "" {
		fail(c, http.StatusBadRequest, "invalid event: unknown event type "+bad)
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("webhook create failed", "error", err)
		fail(c, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	c.JSON(http.StatusCreated, reply{
		Success: true,
		Message: "webhook created",
		Data:    Created{Webhook: sub, Secret: sub.Secret, SignatureHeader: SignatureHeader},
	})
}

func parseEvents(raw []string) ([]EventType, string) {
	if len(raw) == 0 {
		return append([]EventType(nil), AllEvents...), ""
	}
	out := make([]EventType, 0, len(raw))
	for _, e := range raw {
		et := EventType(e)
		if !ValidEvent(et) {
			return nil, e
		}
		out = append(out, et)
	}
	return out, ""
}

func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook list failed", "error", err)
		fail(c, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, reply{Success: true, Message: "ok", Data: subs})
}

func (h *Handler) Delete(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("webhookId"))
	if h.storeFailed(c, err, "delete") {
		return
	}
	c.JSON(http.StatusOK, reply{Success: true, Message: "webhook deleted"})
}

// Reactivate re-enables a subscription deactivated after repeated delivery
// failures and clears its failure count.
func (h *Handler) Reactivate(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if h.storeFailed(c, err, "get") {
		return
	}
	sub.Active = true
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	if h.storeFailed(c, h.store.Update(ctx, sub), "update") {
		return
	}
	c.JSON(http.StatusOK, reply{Success: true, Message: "webhook reactivated", Data: sub})
}

func (h *Handler) storeFailed(c *gin.Context, err error, op string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSubscriptionNotFound):
		fail(c, http.StatusNotFound, "webhook not found")
	default:
		logging.L(c.Request.Context()).Error("webhook store failed", "op", op, "error", err)
		fail(c, http.StatusInternalServerError, "failed to "+op+" webhook")
	}
	return true
}
