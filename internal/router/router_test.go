package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/handler"
	"github.com/weibaohui/bizplan/internal/pkg/database"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/service"
	"github.com/weibaohui/bizplan/internal/service/orchestrator"
	"github.com/weibaohui/bizplan/internal/service/progress"
)

type noopEnqueuer struct{}

func (noopEnqueuer) EnqueueJob(job *orchestrator.Job) error { return nil }

type idleQueue struct{}

func (idleQueue) GetQueueStatus() *orchestrator.QueueStatus { return &orchestrator.QueueStatus{} }

func newTestRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)
	db, err := database.InitDB("sqlite", ":memory:")
	require.NoError(t, err)

	cfg := config.Default()
	bus := eventbus.NewPlanEventBus()
	plans := repository.NewPlanRepository(db, bus)
	sections := repository.NewSectionRepository(db, bus)
	logs := repository.NewLogRepository(db, bus)
	tracker := progress.NewTracker(plans, sections, logs, bus, cfg.Pipeline)
	svc := service.NewPlanService(cfg, plans, sections, tracker, noopEnqueuer{})
	return Setup(cfg, handler.NewPlanHandler(svc, idleQueue{}))
}

func TestSetupCompressesJSON(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/templates", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestSetupSkipsCompressionForStream(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/plans/missing/progress/stream", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
}

func TestSetupRoutes(t *testing.T) {
	r := newTestRouter(t)

	routes := map[string]bool{}
	for _, ri := range r.Routes() {
		routes[ri.Method+" "+ri.Path] = true
	}
	for _, want := range []string{
		"GET /api/templates",
		"GET /api/orchestrator/status",
		"POST /api/plans",
		"GET /api/plans",
		"POST /api/plans/cleanup",
		"GET /api/plans/:id",
		"GET /api/plans/:id/progress",
		"GET /api/plans/:id/progress/stream",
		"POST /api/plans/:id/cancel",
		"POST /api/plans/:id/recover",
		"POST /api/plans/:id/sections/:sectionId/regenerate",
	} {
		assert.True(t, routes[want], "missing route %s", want)
	}
}
