package workflow

import (
	"context"
	"errors"

	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ReconcileReport struct {
	Checked  int   `json:"checked"`
	Repaired []int `json:"repaired"`
	Failed   []int `json:"failed"`
}

// invalidateLeaderboard drops the cached board of the given size after balances change.
var invalidateLeaderboard = models.InvalidateLeaderboardCache

// ReconcileSubmissionAwards finds verified task submissions with credits recorded but
// no matching ledger entry, and applies the missing award. Safe to run repeatedly:
// the ledger reference key rejects a second award for the same submission.
func ReconcileSubmissionAwards(ctx context.Context, db *gorm.DB, logger *logrus.Logger, leaderboardSize int) (*ReconcileReport, error) {
	var candidates []*models.Submission
	err := db.WithContext(ctx).
		Where("kind = ? AND status = ? AND credits_awarded > 0", models.SubmissionKindTask, models.SubmissionStatusVerified).
		Where("NOT EXISTS (SELECT 1 FROM ledger_entries le WHERE le.reference_key = " + awardReferenceExpr(db) + ")").
		Order("id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Checked: len(candidates), Repaired: []int{}, Failed: []int{}}
	for _, sub := range candidates {
		_, _, err := awardSubmission(ctx, db, sub, sub.CreditsAwarded, nil)
		if err != nil && !errors.Is(err, models.ErrDuplicateLedgerReference) {
			report.Failed = append(report.Failed, sub.ID)
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":         "ReconcileSubmissionAwards",
					"submission_id": sub.ID,
					"user_id":       sub.UserId,
				}).Error("reconcile award failed: " + err.Error())
			}
			continue
		}
		if err == nil {
			report.Repaired = append(report.Repaired, sub.ID)
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":         "ReconcileSubmissionAwards",
					"submission_id": sub.ID,
					"amount":        sub.CreditsAwarded,
				}).Info("missing award applied")
			}
		}
	}
	if len(report.Repaired) > 0 {
		if err := invalidateLeaderboard(leaderboardSize); err != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"field":            "ReconcileSubmissionAwards",
				"leaderboard_size": leaderboardSize,
			}).Warn("leaderboard cache not cleared: " + err.Error())
		}
	}
	return report, nil
}

// awardReferenceExpr builds 'submission:' || id || ':award' in the connected dialect.
func awardReferenceExpr(db *gorm.DB) string {
	if db.Dialector.Name() == "mysql" {
		return "CONCAT('submission:', submissions.id, ':award')"
	}
	return "'submission:' || submissions.id || ':award'"
}
