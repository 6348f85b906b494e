package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/osvaldoandrade/crowdq/internal/services"

	"github.com/gin-gonic/gin"
)

type reclassifyController struct{ svc services.ResponseCollector }

func NewReclassifyController(svc services.ResponseCollector) *reclassifyController {
	return &reclassifyController{svc}
}

type reclassifyReq struct {
	// Threshold, when set, rebinds the classifier before the response is re-run.
	Threshold *float64 `json:"threshold"`
}

func (h *reclassifyController) Handle(c *gin.Context) {
	var req reclassifyReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.Threshold != nil {
		if err := h.svc.Rebind(*req.Threshold); err != nil {
			abortWith(c, http.StatusBadRequest, err)
			return
		}
	}
	id := c.Param("id")
	list, err := h.svc.Reclassify(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"responseId": id, "list": list})
	case errors.Is(err, services.ErrResponseNotFound):
		abortWith(c, http.StatusNotFound, err)
	default:
		abortWith(c, http.StatusInternalServerError, err)
	}
}
