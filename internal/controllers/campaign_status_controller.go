package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/crowdq/internal/services"

	"github.com/gin-gonic/gin"
)

type campaignStatusController struct{ svc services.CampaignService }

func NewCampaignStatusController(svc services.CampaignService) *campaignStatusController {
	return &campaignStatusController{svc}
}

func (h *campaignStatusController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}
