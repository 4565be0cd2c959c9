package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	appdomain "github.com/smallbiznis/subledger/internal/app/domain"
	customerdomain "github.com/smallbiznis/subledger/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/subledger/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/subledger/internal/payment/domain"
	plandomain "github.com/smallbiznis/subledger/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/subledger/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) *ValidationErrors {
	return &ValidationErrors{Errors: []ValidationError{{
		Field:   field,
		Code:    code,
		Message: message,
	}}}
}

func invalidRequestError() *ValidationErrors {
	return newValidationError("request", "invalid_request", "invalid request body")
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, appdomain.ErrInvalidOrg) ||
		errors.Is(err, appdomain.ErrInvalidApp) ||
		errors.Is(err, appdomain.ErrInvalidName) ||
		errors.Is(err, appdomain.ErrInvalidGracePeriod) ||
		errors.Is(err, plandomain.ErrInvalidPlan) ||
		errors.Is(err, plandomain.ErrInvalidAmount) ||
		errors.Is(err, plandomain.ErrInvalidCurrency) ||
		errors.Is(err, plandomain.ErrInvalidInterval) ||
		errors.Is(err, plandomain.ErrInvalidTrialDays) ||
		errors.Is(err, customerdomain.ErrInvalidCustomer) ||
		errors.Is(err, customerdomain.ErrInvalidEmail) ||
		errors.Is(err, subscriptiondomain.ErrInvalidCustomer) ||
		errors.Is(err, subscriptiondomain.ErrInvalidPlan) ||
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription) ||
		errors.Is(err, subscriptiondomain.ErrInvalidStatus) ||
		errors.Is(err, invoicedomain.ErrInvalidInvoice) ||
		errors.Is(err, invoicedomain.ErrInvalidPeriod) ||
		errors.Is(err, webhookdomain.ErrInvalidEndpoint) ||
		errors.Is(err, webhookdomain.ErrInvalidURL) ||
		errors.Is(err, webhookdomain.ErrInvalidEvents) ||
		errors.Is(err, webhookdomain.ErrInvalidStatus) ||
		errors.Is(err, paymentdomain.ErrInvalidProviderEvent)
}

func isConflictError(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrNotPausable) ||
		errors.Is(err, subscriptiondomain.ErrNotResumable) ||
		errors.Is(err, subscriptiondomain.ErrNotCancellable) ||
		errors.Is(err, invoicedomain.ErrInvoiceNotPayable) ||
		errors.Is(err, paymentdomain.ErrTransactionFinal)
}

func isNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) ||
		errors.Is(err, appdomain.ErrAppNotFound) ||
		errors.Is(err, plandomain.ErrPlanNotFound) ||
		errors.Is(err, customerdomain.ErrCustomerNotFound) ||
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) ||
		errors.Is(err, invoicedomain.ErrInvoiceNotFound) ||
		errors.Is(err, webhookdomain.ErrEndpointNotFound) ||
		errors.Is(err, paymentdomain.ErrTransactionNotFound)
}
