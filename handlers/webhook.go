package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/presence-tracker/models"
	"chorus/presence-tracker/services"
	"chorus/presence-tracker/utils"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	normalizer *services.Normalizer
	reconciler *services.Reconciler
	logger     *utils.Logger
}

func NewWebhookHandler(normalizer *services.Normalizer, reconciler *services.Reconciler, logger *utils.Logger) *WebhookHandler {
	return &WebhookHandler{
		normalizer: normalizer,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Receive handles POST /webhook. Irrelevant or malformed events are
// acknowledged; only a failure to record presence answers 500 so the
// upstream can redeliver.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	h.logger.Debug("Webhook received", "client_ip", c.ClientIP(), "body", string(body))

	var env models.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.logger.Warn("Ignoring undecodable webhook body", "error", err)
		h.ignored(c)
		return
	}

	ev, ok := h.normalizer.Normalize(&env)
	if !ok {
		h.logger.Debug("Ignoring irrelevant webhook", "event", env.Event)
		h.ignored(c)
		return
	}

	result, err := h.reconciler.Handle(c.Request.Context(), ev)
	if err != nil {
		h.logger.Error("Failed to reconcile presence event", "identity", ev.Identity, "status", ev.Status, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to record presence",
		})
		return
	}

	response := models.WebhookResponse{
		Status:  "processed",
		Outcome: result.Outcome,
	}
	if result.Session != nil {
		response.SessionID = result.Session.ID.String()
	}
	c.JSON(http.StatusOK, response)
}

func (h *WebhookHandler) ignored(c *gin.Context) {
	c.JSON(http.StatusOK, models.WebhookResponse{
		Status:  "ignored",
		Outcome: models.OutcomeIgnored,
	})
}
