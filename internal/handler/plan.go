package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/service"
	"github.com/weibaohui/bizplan/internal/service/orchestrator"
	"github.com/weibaohui/bizplan/internal/service/pipeline"
	"github.com/weibaohui/bizplan/internal/service/statemachine"
	"k8s.io/klog/v2"
)

// ownerHeader 上游网关注入的用户标识
const ownerHeader = "X-User-ID"

// QueueStatusProvider 编排器状态查询
type QueueStatusProvider interface {
	GetQueueStatus() *orchestrator.QueueStatus
}

type PlanHandler struct {
	service *service.PlanService
	queue   QueueStatusProvider
}

func NewPlanHandler(service *service.PlanService, queue QueueStatusProvider) *PlanHandler {
	return &PlanHandler{
		service: service,
		queue:   queue,
	}
}

func (h *PlanHandler) Templates(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Templates())
}

// Submit 创建计划并排队生成，立即返回计划ID
func (h *PlanHandler) Submit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Owner = c.GetHeader(ownerHeader)

	planID, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"plan_id": planID})
}

func (h *PlanHandler) List(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	plans, err := h.service.List(c.Request.Context(), c.Query("owner"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plans)
}

func (h *PlanHandler) Get(c *gin.Context) {
	plan, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *PlanHandler) Progress(c *gin.Context) {
	snap, err := h.service.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ProgressStream 以 SSE 推送进度快照，计划进入终态后结束
func (h *PlanHandler) ProgressStream(c *gin.Context) {
	ctx := c.Request.Context()
	planID := c.Param("id")

	updates, err := h.service.SubscribeProgress(ctx, planID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				c.SSEvent("end", gin.H{"plan_id": planID})
				c.Writer.Flush()
				return
			}
			c.SSEvent("progress", snap)
			c.Writer.Flush()
			if snap.IsTerminal() {
				klog.V(6).Infof("进度推送结束: planID=%s, status=%s", planID, snap.Status)
				c.SSEvent("end", gin.H{"plan_id": planID, "status": snap.Status})
				c.Writer.Flush()
				return
			}
		}
	}
}

func (h *PlanHandler) Cancel(c *gin.Context) {
	cancelled, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// Recover 重新生成失败或已取消的计划，force=true 时也允许已完成的计划
func (h *PlanHandler) Recover(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := h.service.Recover(c.Request.Context(), c.Param("id"), force); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "recovery queued"})
}

func (h *PlanHandler) RegenerateSection(c *gin.Context) {
	sectionID, err := strconv.ParseUint(c.Param("sectionId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid section id"})
		return
	}

	if err := h.service.RegenerateSection(c.Request.Context(), c.Param("id"), uint(sectionID)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "section regeneration queued"})
}

// CleanupStuck 清理超时的卡住计划，未指定 timeout 时使用配置值
func (h *PlanHandler) CleanupStuck(c *gin.Context) {
	var timeout time.Duration
	if t := c.Query("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = d
	}

	affected, err := h.service.CleanupStuckPlans(c.Request.Context(), timeout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "cleanup completed",
		"affected": affected,
	})
}

func (h *PlanHandler) OrchestratorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.GetQueueStatus())
}

// writeError 将业务错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	var missing *domain.MissingAnswersError
	var transition *statemachine.InvalidStateTransitionError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidTemplate), errors.As(err, &missing):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrPlanNotRecoverable),
		errors.Is(err, service.ErrSectionNotRegenerable),
		errors.Is(err, pipeline.ErrPlanBusy),
		errors.As(err, &transition):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrOrchestratorStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		klog.Errorf("请求处理失败: %s %s, err=%v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
