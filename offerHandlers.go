package main

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cityconnect/ecocoins_backend/middlewares"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/workflow"
	"github.com/gin-gonic/gin"
)

const idempotencyKeyHeader = "Idempotency-Key"

func idParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

func parseOfferQuery(c *gin.Context) (models.OfferQuery, bool) {
	query := models.OfferQuery{
		Search: c.Query("search"),
		Sort:   models.OfferSort(c.Query("sort")),
	}
	switch t := models.OfferType(c.Query("category")); t {
	case "", "all":
	case models.OfferTypeShopOffer, models.OfferTypeDonorGift, models.OfferTypeEventTicket, models.OfferTypeEcoReward:
		query.Category = &t
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category"})
		return query, false
	}
	return query, true
}

// GET /api/offers?search=&category=&sort=
func listOffersHandler(now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		query, ok := parseOfferQuery(c)
		if !ok {
			return
		}
		offers, err := models.ListAvailableOffers(c.Request.Context(), query, now())
		if err != nil {
			respondError(c, "listOffersHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"offers": offers})
	}
}

// GET /api/offers/:id
func offerDetailHandler(now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		detail, err := models.GetOfferDetail(c.Request.Context(), id, currentUserId(c), now())
		if err != nil {
			respondError(c, "offerDetailHandler", err)
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

// POST /api/offers/:id/redeem
func redeemHandler(e *workflow.RedemptionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		userId := currentUserId(c)
		redemption, err := e.RedeemWithKey(ctx, userId, id, c.GetHeader(idempotencyKeyHeader))
		if err != nil {
			respondError(c, "redeemHandler", err)
			return
		}
		resp := gin.H{
			"redemption":   redemption,
			"voucher_code": redemption.VoucherCode,
		}
		if balance, err := models.GetCreditBalance(ctx, userId); err == nil {
			resp["new_balance"] = balance
		}
		c.JSON(http.StatusCreated, resp)
	}
}

func loadRedemptionHistory(c *gin.Context) (*models.RedemptionHistory, error) {
	ctx := c.Request.Context()
	history, err := models.ListUserRedemptions(ctx, currentUserId(c))
	if err != nil {
		return nil, err
	}
	if err := middlewares.AttachOffers(ctx, history.Redemptions); err != nil {
		return nil, err
	}
	return history, nil
}

// GET /api/redemptions
func redemptionHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		history, err := loadRedemptionHistory(c)
		if err != nil {
			respondError(c, "redemptionHistoryHandler", err)
			return
		}
		c.JSON(http.StatusOK, history)
	}
}

// GET /api/redemptions/export
func redemptionExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		history, err := loadRedemptionHistory(c)
		if err != nil {
			respondError(c, "redemptionExportHandler", err)
			return
		}
		var buf bytes.Buffer
		if err := models.ExportRedemptionsXlsx(&buf, history); err != nil {
			respondError(c, "redemptionExportHandler", err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=redemptions-%s.xlsx", time.Now().UTC().Format("20060102")))
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

// GET /api/vouchers/:code
func voucherHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		redemption, err := models.GetRedemptionByVoucher(ctx, currentUserId(c), c.Param("code"))
		if err != nil {
			respondError(c, "voucherHandler", err)
			return
		}
		if offer, err := middlewares.GetOffer(ctx, redemption.OfferId); err == nil {
			redemption.Offer = offer
		}
		c.JSON(http.StatusOK, redemption)
	}
}

// POST /api/admin/offers
func createOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewOffer
		if err := c.ShouldBindJSON(&input); err != nil {
			respondInvalid(c, err)
			return
		}
		offer, err := models.CreateOffer(c.Request.Context(), &input, currentUserId(c))
		if err != nil {
			if isValidationErr(err) {
				respondInvalid(c, err)
				return
			}
			respondError(c, "createOfferHandler", err)
			return
		}
		c.JSON(http.StatusCreated, offer)
	}
}

// Pointers so a missing field is rejected instead of binding to zero.
type offerStockRequest struct {
	Stock *int `json:"stock" binding:"required"`
}

// PUT /api/admin/offers/:id/stock
func restockOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req offerStockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, err)
			return
		}
		offer, err := models.UpdateOfferStock(c.Request.Context(), id, *req.Stock)
		if err != nil {
			respondError(c, "restockOfferHandler", err)
			return
		}
		c.JSON(http.StatusOK, offer)
	}
}

type offerActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

// PUT /api/admin/offers/:id/active
func setOfferActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req offerActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, err)
			return
		}
		offer, err := models.SetOfferActive(c.Request.Context(), id, *req.IsActive)
		if err != nil {
			respondError(c, "setOfferActiveHandler", err)
			return
		}
		c.JSON(http.StatusOK, offer)
	}
}

type redemptionStatusRequest struct {
	Status models.RedemptionStatus `json:"status"`
}

// POST /api/admin/redemptions/:id/status
func redemptionStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req redemptionStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, err)
			return
		}
		redemption, err := models.TransitionRedemptionStatus(c.Request.Context(), id, req.Status)
		if err != nil {
			respondError(c, "redemptionStatusHandler", err)
			return
		}
		c.JSON(http.StatusOK, redemption)
	}
}
