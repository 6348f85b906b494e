package controllers

import (
	"net/http"
	"strings"

	"github.com/osvaldoandrade/crowdq/internal/record"
	"github.com/osvaldoandrade/crowdq/pkg/domain"

	"github.com/gin-gonic/gin"
)

type listResponsesController struct{ rec *record.Record }

func NewListResponsesController(rec *record.Record) *listResponsesController {
	return &listResponsesController{rec}
}

type listResponsesResp struct {
	List      string             `json:"list"`
	Count     int                `json:"count"`
	Responses []*domain.Response `json:"responses"`
}

func (h *listResponsesController) Handle(c *gin.Context) {
	list := strings.ToLower(strings.TrimSpace(c.DefaultQuery("list", record.ListValid)))
	var out []*domain.Response
	switch list {
	case record.ListValid:
		out = h.rec.ValidResponses()
	case record.ListRejected:
		out = h.rec.BotResponses()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "list must be valid or rejected"})
		return
	}
	c.JSON(http.StatusOK, listResponsesResp{List: list, Count: len(out), Responses: out})
}
