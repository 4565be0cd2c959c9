package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/subledger/internal/payment/domain"
)

type paymentWebhookRequest struct {
	Reference             string `json:"reference"`
	ProviderTransactionID string `json:"provider_transaction_id"`
	Status                string `json:"status"`
	FailureReason         string `json:"failure_reason"`
}

// IngestPaymentWebhook consumes a provider payment-status callback and
// correlates it to a stored transaction. Provider signature verification is
// the provider adapter's concern and out of scope here.
func (s *Server) IngestPaymentWebhook(c *gin.Context) {
	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	transaction, err := s.paymentSvc.IngestProviderEvent(c.Request.Context(), paymentdomain.ProviderEvent{
		Provider:              strings.TrimSpace(c.Param("provider")),
		ProviderReference:     strings.TrimSpace(req.Reference),
		ProviderTransactionID: strings.TrimSpace(req.ProviderTransactionID),
		Status:                strings.ToLower(strings.TrimSpace(req.Status)),
		FailureReason:         strings.TrimSpace(req.FailureReason),
	}, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"transaction_id": transaction.ID.String(),
		"status":         transaction.Status,
	}})
}
