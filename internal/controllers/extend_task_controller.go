package controllers

import (
	"net/http"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/services"

	"github.com/gin-gonic/gin"
)

type extendTaskController struct{ svc services.CampaignService }

func NewExtendTaskController(svc services.CampaignService) *extendTaskController {
	return &extendTaskController{svc}
}

type extendReq struct {
	ExtraCapacity int `json:"extraCapacity"`
	// ExtraSeconds defaults to the minimum increment the backend accepts.
	ExtraSeconds int `json:"extraSeconds"`
}

func (h *extendTaskController) Handle(c *gin.Context) {
	var req extendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.ExtraCapacity < 0 || req.ExtraSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "extension must not be negative"})
		return
	}
	extra := time.Duration(req.ExtraSeconds) * time.Second
	if extra < services.MinExpirationIncrement {
		extra = services.MinExpirationIncrement
	}
	id := c.Param("id")
	if !h.svc.Extend(c.Request.Context(), id, req.ExtraCapacity, extra) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "extend failed", "taskId": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": id, "extended": true})
}
