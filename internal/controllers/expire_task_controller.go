package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/crowdq/internal/services"

	"github.com/gin-gonic/gin"
)

type expireTaskController struct{ svc services.CampaignService }

func NewExpireTaskController(svc services.CampaignService) *expireTaskController {
	return &expireTaskController{svc}
}

func (h *expireTaskController) Handle(c *gin.Context) {
	id := c.Param("id")
	if !h.svc.Expire(c.Request.Context(), id) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "expire failed", "taskId": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": id, "expired": true})
}
