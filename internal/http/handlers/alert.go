package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	alertsrepo "github.com/listkit/gtm-backend/internal/data/repos/alerts"
	pkgerrors "github.com/listkit/gtm-backend/internal/pkg/errors"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

type AlertHandler struct {
	alerts alertsrepo.AlertRepo
	log    *logger.Logger
}

func NewAlertHandler(alerts alertsrepo.AlertRepo, log *logger.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, log: log}
}

// POST /api/v1/alerts/:id/acknowledge
// body: { "by": "sam@listkit.io" }
func (ah *AlertHandler) Acknowledge(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "id must be a uuid"})
		return
	}

	var req struct {
		By string `json:"by"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	if strings.TrimSpace(req.By) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "by required"})
		return
	}

	err = ah.alerts.Acknowledge(c.Request.Context(), nil, id, strings.TrimSpace(req.By), time.Now().UTC())
	if errors.Is(err, pkgerrors.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "detail": "alert missing or already acknowledged"})
		return
	}
	if err != nil {
		ah.log.Error("alert acknowledge failed", "alert_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "acknowledge_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
