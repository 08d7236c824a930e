package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chorus/presence-tracker/db"
	"chorus/presence-tracker/models"
	"chorus/presence-tracker/utils"
)

type SessionHandler struct {
	store    db.Store
	identity string
	logger   *utils.Logger
}

func NewSessionHandler(store db.Store, identity string, logger *utils.Logger) *SessionHandler {
	return &SessionHandler{
		store:    store,
		identity: identity,
		logger:   logger,
	}
}

// GetPresence handles GET /api/v1/presence
func (h *SessionHandler) GetPresence(c *gin.Context) {
	state, err := h.store.GetState(c.Request.Context(), h.identity)
	if err != nil {
		h.logger.Error("Failed to fetch presence state", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch presence state",
		})
		return
	}

	if state == nil {
		state = &models.PresenceState{Identity: h.identity}
	}
	c.JSON(http.StatusOK, state)
}

// ListSessions handles GET /api/v1/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	sessions, total, err := h.store.ListSessions(c.Request.Context(), h.identity, page, pageSize)
	if err != nil {
		h.logger.Error("Failed to fetch sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch sessions",
		})
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	c.JSON(http.StatusOK, models.ListResponse[models.Session]{
		Data:       sessions,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}
