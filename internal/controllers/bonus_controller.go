package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/crowdq/internal/services"

	"github.com/gin-gonic/gin"
)

type bonusController struct{ svc services.BonusService }

func NewBonusController(svc services.BonusService) *bonusController {
	return &bonusController{svc}
}

type bonusReq struct {
	Amount float64 `json:"amount" binding:"required"`
	Reason string  `json:"reason"`
}

func (h *bonusController) Handle(c *gin.Context) {
	var req bonusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	id := c.Param("id")
	err := h.svc.Award(c.Request.Context(), id, req.Amount, req.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"responseId": id, "granted": true})
	case errors.Is(err, services.ErrInvalidBonus):
		abortWith(c, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrResponseNotFound), errors.Is(err, services.ErrSubmissionNotFound):
		abortWith(c, http.StatusNotFound, err)
	case errors.Is(err, services.ErrBonusAlreadyGranted), errors.Is(err, services.ErrBonusInProgress):
		abortWith(c, http.StatusConflict, err)
	default:
		abortWith(c, backendStatus(err), err)
	}
}
