package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/crowdq/internal/services"

	"github.com/gin-gonic/gin"
)

type getTaskController struct{ svc services.CampaignService }

func NewGetTaskController(svc services.CampaignService) *getTaskController {
	return &getTaskController{svc}
}

func (h *getTaskController) Handle(c *gin.Context) {
	task, ok, err := h.svc.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, backendStatus(err), err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}
