package workflow

import (
	"context"
	"strconv"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/rewardsync"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ResolutionWorkflow moves reported issues through triage and pays the reporter
// once, on the first transition to resolved.
type ResolutionWorkflow struct {
	DB              *gorm.DB
	Sync            RewardNotifier
	Logger          *logrus.Logger
	Metrics         *Metrics
	Now             func() time.Time
	ResolutionBonus int
	LeaderboardSize int
}

type ResolutionOutcome struct {
	Submission *models.Submission `json:"submission"`
	Awarded    int                `json:"awarded"`
	Warnings   []string           `json:"warnings,omitempty"`
}

func (w *ResolutionWorkflow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *ResolutionWorkflow) ResolveIssue(ctx context.Context, adminUserId int, submissionId int, status models.IssueStatus) (*ResolutionOutcome, error) {
	if !status.IsValid() {
		return nil, models.ErrInvalidStatusTransition
	}
	ctx, span := tracer.Start(ctx, "ResolutionWorkflow.ResolveIssue")
	defer span.End()

	admin, err := models.GetUser(ctx, adminUserId)
	if err != nil {
		return nil, err
	}
	if !admin.IsAdmin() || admin.Department == nil {
		return nil, models.ErrForbidden
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	outcome := &ResolutionOutcome{}
	var (
		ownerId  int
		outboxId int
	)
	err = w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := models.LockSubmission(tx, submissionId)
		if err != nil {
			return err
		}
		if sub.Kind != models.SubmissionKindIssue {
			return models.ErrSubmissionNotFound
		}
		if sub.Category != string(*admin.Department) {
			return models.ErrForbidden
		}
		ownerId = sub.UserId

		if status != models.IssueStatusResolved || sub.ResolvedAt != nil {
			return models.SetIssueStatus(tx, sub.ID, status, nil, 0)
		}

		resolvedAt := w.now()
		bonus := w.ResolutionBonus
		if bonus < 0 {
			bonus = 0
		}
		if err := models.SetIssueStatus(tx, sub.ID, status, &resolvedAt, bonus); err != nil {
			return err
		}
		if bonus == 0 {
			return nil
		}
		reason := models.LedgerReason("issue resolved: %s", sub.Title)
		if _, err := models.AwardCredits(tx, sub.UserId, bonus, reason, models.ResolutionReferenceKey(sub.ID)); err != nil {
			return err
		}
		rec, err := models.EnqueueRewardSync(tx, rewardsync.KindAward, models.ResolutionReferenceKey(sub.ID), &sub.UserId,
			rewardsync.AwardRequest{UserId: strconv.Itoa(sub.UserId), Amount: bonus, Reason: reason}, correlationId)
		if err != nil {
			return err
		}
		outboxId = rec.ID
		outcome.Awarded = bonus
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Awarded > 0 {
		w.Metrics.awarded(outcome.Awarded)
		if err := invalidateLeaderboard(w.LeaderboardSize); err != nil && w.Logger != nil {
			config.LogWarning(w.Logger, "resolutionWorkflow.go", "ResolveIssue", logrus.Fields{"user_id": ownerId}, err)
		}
		if err := notifyReward(ctx, w.Sync, outboxId); err != nil {
			outcome.Warnings = append(outcome.Warnings, WarningSyncDeferred)
			if w.Logger != nil {
				config.LogWarning(w.Logger, "resolutionWorkflow.go", "ResolveIssue", logrus.Fields{
					"submission_id": submissionId,
					"user_id":       ownerId,
					"outbox_id":     outboxId,
				}, err)
			}
		}
		if err := EvaluateAchievements(ctx, w.DB, ownerId); err != nil && w.Logger != nil {
			config.LogWarning(w.Logger, "resolutionWorkflow.go", "ResolveIssue", logrus.Fields{"user_id": ownerId}, err)
		}
	}

	sub, err := models.GetSubmission(ctx, submissionId)
	if err != nil {
		return nil, err
	}
	outcome.Submission = sub
	return outcome, nil
}
