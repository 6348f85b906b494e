package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/crowdq/internal/audit"

	"github.com/gin-gonic/gin"
)

type auditController struct {
	ledger   audit.Ledger
	recordID string
}

func NewAuditController(ledger audit.Ledger, recordID string) *auditController {
	return &auditController{ledger: ledger, recordID: recordID}
}

func (h *auditController) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	entries, err := h.ledger.List(ctx, h.recordID)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, err)
		return
	}
	body := gin.H{"recordId": h.recordID, "entries": entries, "verified": true}
	if _, err := h.ledger.Verify(ctx, h.recordID); err != nil {
		body["verified"] = false
		body["verifyError"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}
