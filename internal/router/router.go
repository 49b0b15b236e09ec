package router

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/handler"
)

func Setup(cfg *config.Config, planHandler *handler.PlanHandler) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-User-ID"},
		ExposeHeaders: []string{"Content-Length"},
	}))
	// SSE 需要逐条刷新，不能经过压缩缓冲
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`/progress/stream$`})))

	api := r.Group("/api")
	{
		api.GET("/templates", planHandler.Templates)
		api.GET("/orchestrator/status", planHandler.OrchestratorStatus)

		plans := api.Group("/plans")
		{
			plans.POST("", planHandler.Submit)
			plans.GET("", planHandler.List)
			plans.POST("/cleanup", planHandler.CleanupStuck)
			plans.GET("/:id", planHandler.Get)
			plans.GET("/:id/progress", planHandler.Progress)
			plans.GET("/:id/progress/stream", planHandler.ProgressStream)
			plans.POST("/:id/cancel", planHandler.Cancel)
			plans.POST("/:id/recover", planHandler.Recover)
			plans.POST("/:id/sections/:sectionId/regenerate", planHandler.RegenerateSection)
		}
	}

	return r
}
