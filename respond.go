package main

import (
	"errors"
	"net/http"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/cityconnect/ecocoins_backend/verifier"
	"github.com/cityconnect/ecocoins_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{models.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{models.ErrOfferUnavailable, http.StatusConflict, "offer_unavailable"},
	{models.ErrOutOfStock, http.StatusConflict, "out_of_stock"},
	{workflow.ErrIdempotencyInProgress, http.StatusConflict, "request_in_progress"},
	{workflow.ErrIdempotencyKeyReused, http.StatusConflict, "idempotency_key_reused"},
	{models.ErrSubmissionAlreadyFinalized, http.StatusConflict, "already_finalized"},
	{models.ErrOfferNotFound, http.StatusNotFound, "offer_not_found"},
	{models.ErrRedemptionNotFound, http.StatusNotFound, "voucher_not_found"},
	{models.ErrSubmissionNotFound, http.StatusNotFound, "submission_not_found"},
	{models.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden"},
	{models.ErrInvalidStatusTransition, http.StatusBadRequest, "invalid_status"},
	{models.ErrInvalidStock, http.StatusBadRequest, "invalid_stock"},
	{models.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{utils.ErrInvalidEvidence, http.StatusBadRequest, "invalid_evidence"},
	{verifier.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{errEvidenceMissing, http.StatusBadRequest, "image_required"},
	{errEvidenceTooLarge, http.StatusBadRequest, "image_too_large"},
	{errEvidenceType, http.StatusBadRequest, "unsupported_image_type"},
	{workflow.ErrVoucherExhausted, http.StatusServiceUnavailable, "try_again"},
}

// respondError maps domain errors to status codes. Anything unmapped is a 500
// and is logged with the request's correlation id.
func respondError(c *gin.Context, funcName string, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, gin.H{"error": m.code})
			return
		}
	}
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	config.LogError(config.GetLogger(), "server", funcName, c.FullPath(), cid, err)
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

// respondInvalid is the 400 for request bodies that fail validation.
func respondInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":  "invalid_input",
		"fields": utils.ProcessValidationErrors(err),
	})
}

func currentUserId(c *gin.Context) int {
	userId, _ := utils.GetUserIdFromContext(c.Request.Context())
	return userId
}

func isValidationErr(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}
