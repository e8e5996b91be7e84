package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/listkit/gtm-backend/internal/data/repos/syncrun"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/platform/logger"
	syncpkg "github.com/listkit/gtm-backend/internal/sync"
)

type SyncHandler struct {
	runs    syncrun.SyncRunRepo
	orch    *syncpkg.Orchestrator
	log     *logger.Logger
	running atomic.Bool
}

func NewSyncHandler(runs syncrun.SyncRunRepo, orch *syncpkg.Orchestrator, log *logger.Logger) *SyncHandler {
	return &SyncHandler{runs: runs, orch: orch, log: log}
}

// GET /api/v1/sync/runs?source=&limit=
func (sh *SyncHandler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	source := strings.TrimSpace(c.Query("source"))

	runs, err := sh.runs.List(c.Request.Context(), nil, source, limit)
	if err != nil {
		sh.log.Error("sync run list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// POST /api/v1/sync/trigger
// body: { "mode": "incremental" | "full" }
func (sh *SyncHandler) Trigger(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}

	mode := strings.TrimSpace(strings.ToLower(req.Mode))
	if mode == "" {
		mode = types.ModeIncremental
	}
	if mode != types.ModeIncremental && mode != types.ModeFull {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "mode must be incremental or full"})
		return
	}

	if !sh.running.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_already_running"})
		return
	}

	go func() {
		defer sh.running.Store(false)
		if _, err := sh.orch.Run(context.Background(), mode); err != nil {
			sh.log.Error("triggered sync failed", "mode", mode, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "started", "mode": mode})
}
