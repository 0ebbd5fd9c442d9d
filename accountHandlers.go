package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/cityconnect/ecocoins_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GET /api/me/balance?limit=
func balanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId := currentUserId(c)
		balance, err := models.GetCreditBalance(ctx, userId)
		if err != nil {
			respondError(c, "balanceHandler", err)
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		entries, err := models.ListLedgerEntries(ctx, userId, limit)
		if err != nil {
			respondError(c, "balanceHandler", err)
			return
		}
		badges, err := models.ListUserBadges(ctx, userId)
		if err != nil {
			respondError(c, "balanceHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":      balance,
			"badge":        models.BadgeForBalance(balance),
			"achievements": badges,
			"ledger":       entries,
		})
	}
}

// GET /api/me resolves the session's username, falling back to the user id.
func profileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var (
			user *models.User
			err  error
		)
		if username, ok := utils.GetUsernameFromContext(ctx); ok && username != "" {
			user, err = models.GetUserByUsername(ctx, username)
		} else {
			user, err = models.GetUser(ctx, currentUserId(c))
		}
		if err != nil {
			respondError(c, "profileHandler", err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// GET /api/leaderboard
func leaderboardHandler(size int, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := models.Leaderboard(c.Request.Context(), size, ttl)
		if err != nil {
			respondError(c, "leaderboardHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
	}
}

// POST /api/admin/reconcile re-applies task awards whose ledger entry never landed.
func reconcileHandler(db *gorm.DB, logger *logrus.Logger, leaderboardSize int) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := workflow.ReconcileSubmissionAwards(c.Request.Context(), db, logger, leaderboardSize)
		if err != nil {
			respondError(c, "reconcileHandler", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// POST /api/admin/outbox/replay moves DEAD reward-sync rows back to PENDING.
func outboxReplayHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := models.ReplayDeadRewardSync(c.Request.Context(), db)
		if err != nil {
			respondError(c, "outboxReplayHandler", err)
			return
		}
		config.GetLogger().WithFields(logrus.Fields{
			"field":    "outboxReplayHandler",
			"replayed": n,
			"user_id":  currentUserId(c),
		}).Info("reward sync outbox replayed")
		c.JSON(http.StatusOK, gin.H{"replayed": n})
	}
}

// GET /api/admin/outbox/status
func outboxStatusHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := models.CountRewardSyncByStatus(c.Request.Context(), db)
		if err != nil {
			respondError(c, "outboxStatusHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"statuses": counts})
	}
}
