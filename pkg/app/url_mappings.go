package app

import (
	"net/http"

	"github.com/osvaldoandrade/crowdq/internal/controllers"
	"github.com/osvaldoandrade/crowdq/internal/middleware"
	"github.com/osvaldoandrade/crowdq/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", func(c *gin.Context) {
		if err := app.Market.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// unauthenticated access only for local dev runs without a configured validator
	anonymous := app.Config.Env == "dev" && app.AdminValidator == nil
	v1 := app.Engine.Group("/v1/crowdq", middleware.AuthMiddleware(app.AdminValidator, anonymous))
	{
		v1.GET("/campaign", controllers.NewCampaignStatusController(app.Campaign).Handle)
		v1.GET("/campaign/responses", controllers.NewListResponsesController(app.Record).Handle)
		v1.GET("/tasks/:id", controllers.NewGetTaskController(app.Campaign).Handle)
		v1.GET("/audit", controllers.NewAuditController(app.Ledger, app.Record.ID()).Handle)

		bucket := ratelimit.Bucket(app.Config.RateLimit.Operator)
		admin := v1.Group("", middleware.RequireAdmin())
		admin.POST("/tasks", middleware.RateLimitOperator(app.RateLimiter, "create_task", bucket), controllers.NewCreateTaskController(app.Campaign, taskTemplate(app.Config.Task)).Handle)
		admin.POST("/tasks/:id/extend", middleware.RateLimitOperator(app.RateLimiter, "extend_task", bucket), controllers.NewExtendTaskController(app.Campaign).Handle)
		admin.POST("/tasks/:id/expire", middleware.RateLimitOperator(app.RateLimiter, "expire_task", bucket), controllers.NewExpireTaskController(app.Campaign).Handle)
		admin.POST("/responses/:id/bonus", middleware.RateLimitOperator(app.RateLimiter, "bonus", bucket), controllers.NewBonusController(app.Bonuses).Handle)
		admin.POST("/responses/:id/reclassify", middleware.RateLimitOperator(app.RateLimiter, "reclassify", bucket), controllers.NewReclassifyController(app.Collector).Handle)
	}
}
