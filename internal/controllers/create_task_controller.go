package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/services"
	"github.com/osvaldoandrade/crowdq/pkg/domain"

	"github.com/gin-gonic/gin"
)

type createTaskController struct {
	svc      services.CampaignService
	template domain.TaskParams
}

// NewCreateTaskController posts tasks; fields missing from a request come from template.
func NewCreateTaskController(svc services.CampaignService, template domain.TaskParams) *createTaskController {
	return &createTaskController{svc: svc, template: template}
}

type createTaskReq struct {
	Title                     string  `json:"title"`
	Description               string  `json:"description"`
	Keywords                  string  `json:"keywords"`
	Content                   string  `json:"content"`
	Reward                    float64 `json:"reward"`
	AssignmentDurationSeconds int     `json:"assignmentDurationSeconds"`
	AutoApprovalDelaySeconds  int     `json:"autoApprovalDelaySeconds"`
	LifetimeSeconds           int     `json:"lifetimeSeconds"`
	MaxSubmissions            int     `json:"maxSubmissions" binding:"required"`
	IdempotencyKey            string  `json:"idempotencyKey,omitempty"`
}

func (h *createTaskController) Handle(c *gin.Context) {
	var req createTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.MaxSubmissions <= 0 || req.Reward < 0 || req.LifetimeSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "maxSubmissions must be positive; reward and lifetimeSeconds must not be negative"})
		return
	}

	p := h.template
	p.MaxSubmissions = req.MaxSubmissions
	p.UniqueRequestToken = strings.TrimSpace(req.IdempotencyKey)
	if req.Title != "" {
		p.Title = req.Title
	}
	if req.Description != "" {
		p.Description = req.Description
	}
	if req.Keywords != "" {
		p.Keywords = req.Keywords
	}
	if req.Content != "" {
		p.Content = req.Content
	}
	if req.Reward > 0 {
		p.Reward = req.Reward
	}
	if req.AssignmentDurationSeconds > 0 {
		p.AssignmentDuration = time.Duration(req.AssignmentDurationSeconds) * time.Second
	}
	if req.AutoApprovalDelaySeconds > 0 {
		p.AutoApprovalDelay = time.Duration(req.AutoApprovalDelaySeconds) * time.Second
	}
	if req.LifetimeSeconds > 0 {
		p.Lifetime = time.Duration(req.LifetimeSeconds) * time.Second
	}

	id, err := h.svc.PostTask(c.Request.Context(), p)
	if err != nil {
		abortWith(c, backendStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"taskId": id})
}
