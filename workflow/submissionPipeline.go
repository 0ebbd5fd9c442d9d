package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/geocode"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/rewardsync"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/cityconnect/ecocoins_backend/verifier"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const (
	WarningVerificationPending = "verification unavailable; submission saved as pending"
	WarningSyncDeferred        = "reward sync deferred; it will be retried"
)

// SubmissionPipeline stores a submission, asks the verifier about it and pays out
// task credits. Verifier and sync failures become warnings, never errors.
type SubmissionPipeline struct {
	DB              *gorm.DB
	Verifier        verifier.Verifier
	Geocoder        geocode.Geocoder
	Evidence        utils.EvidenceStore
	Sync            RewardNotifier
	Logger          *logrus.Logger
	Metrics         *Metrics
	Now             func() time.Time
	LeaderboardSize int
}

type SubmissionOutcome struct {
	Submission *models.Submission `json:"submission"`
	Warnings   []string           `json:"warnings,omitempty"`
	NewBalance *int               `json:"new_balance,omitempty"`
}

func (o *SubmissionOutcome) warn(msg string) {
	o.Warnings = append(o.Warnings, msg)
}

func (p *SubmissionPipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *SubmissionPipeline) CreateIssue(ctx context.Context, userId int, input *models.NewIssue, image []byte) (*SubmissionOutcome, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	issue := *input
	if issue.LocationName == "" && issue.Latitude != nil && issue.Longitude != nil {
		issue.LocationName = p.locationName(ctx, userId, *issue.Latitude, *issue.Longitude)
	}
	return p.submit(ctx, userId, image, func(evidenceKey string) *models.Submission {
		return models.NewIssueSubmission(userId, &issue, evidenceKey)
	})
}

// locationName is best-effort; the issue is saved without a name if the lookup fails.
func (p *SubmissionPipeline) locationName(ctx context.Context, userId int, lat, lon float64) string {
	if p.Geocoder == nil {
		return ""
	}
	name, err := p.Geocoder.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		if p.Logger != nil {
			config.LogWarning(p.Logger, "submissionPipeline.go", "locationName", logrus.Fields{
				"user_id": userId,
				"lat":     lat,
				"lon":     lon,
			}, err)
		}
		return ""
	}
	return name
}

func (p *SubmissionPipeline) CreateTask(ctx context.Context, userId int, input *models.NewTask, image []byte) (*SubmissionOutcome, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	return p.submit(ctx, userId, image, func(evidenceKey string) *models.Submission {
		return models.NewTaskSubmission(userId, input, evidenceKey)
	})
}

func (p *SubmissionPipeline) submit(ctx context.Context, userId int, image []byte, build func(string) *models.Submission) (*SubmissionOutcome, error) {
	ctx, span := tracer.Start(ctx, "SubmissionPipeline.submit")
	defer span.End()

	evidence, err := utils.NormalizeEvidenceImage(image)
	if err != nil {
		return nil, err
	}
	evidenceKey := fmt.Sprintf("evidence/%d/%s.jpg", userId, uuid.NewString())
	if err := p.Evidence.Put(ctx, evidenceKey, evidence, "image/jpeg"); err != nil {
		return nil, fmt.Errorf("store evidence: %w", err)
	}

	sub := build(evidenceKey)
	if err := p.DB.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("submission_id", sub.ID), attribute.String("kind", string(sub.Kind)))

	outcome := &SubmissionOutcome{Submission: sub}
	if err := p.verify(ctx, sub, evidence, outcome); err != nil {
		return nil, err
	}
	p.evaluateAchievements(ctx, userId)

	if fresh, err := models.GetSubmission(ctx, sub.ID); err == nil {
		outcome.Submission = fresh
	}
	return outcome, nil
}

func (p *SubmissionPipeline) verify(ctx context.Context, sub *models.Submission, evidence []byte, outcome *SubmissionOutcome) error {
	started := time.Now()
	result, err := p.Verifier.Verify(ctx, evidence, sub.ClaimText, sub.Kind)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		if errors.Is(err, verifier.ErrInvalidInput) {
			return err
		}
		p.Metrics.verification(string(sub.Kind), "unverified", elapsed)
		if p.Logger != nil {
			config.LogWarning(p.Logger, "submissionPipeline.go", "verify", logrus.Fields{
				"submission_id": sub.ID,
				"user_id":       sub.UserId,
				"method":        p.Verifier.Method(),
			}, err)
		}
		outcome.warn(WarningVerificationPending)
		return nil
	}

	verdict := models.VerificationOutcome{
		Method:     p.Verifier.Method(),
		Score:      result.Score,
		Rationale:  result.Rationale,
		VerifiedAt: p.now(),
	}

	if !result.Matched {
		p.Metrics.verification(string(sub.Kind), "rejected", elapsed)
		verdict.Status = models.SubmissionStatusRejected
		return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.FinalizeVerification(tx, sub.ID, verdict)
		})
	}

	p.Metrics.verification(string(sub.Kind), "verified", elapsed)
	verdict.Status = models.SubmissionStatusVerified
	if sub.Kind != models.SubmissionKindTask {
		// Issue credit arrives with the resolution, not the verdict.
		return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.FinalizeVerification(tx, sub.ID, verdict)
		})
	}

	amount := verifier.DefaultTaskCredits
	if result.SuggestedCredits != nil {
		amount = *result.SuggestedCredits
	}
	amount = verifier.ClampCredits(amount)
	verdict.CreditsAwarded = amount

	balance, outboxId, err := awardSubmission(ctx, p.DB, sub, amount, func(tx *gorm.DB) error {
		return models.FinalizeVerification(tx, sub.ID, verdict)
	})
	if err != nil {
		return err
	}
	outcome.NewBalance = &balance
	p.Metrics.awarded(amount)
	p.afterAward(ctx, sub, outboxId, outcome)
	return nil
}

// awardSubmission finalizes, credits and queues the external mirror in one transaction.
func awardSubmission(ctx context.Context, db *gorm.DB, sub *models.Submission, amount int, finalize func(tx *gorm.DB) error) (int, int, error) {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	reason := models.LedgerReason("task verified: %s", sub.Title)

	var balance, outboxId int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if finalize != nil {
			if err := finalize(tx); err != nil {
				return err
			}
		}
		var err error
		balance, err = models.AwardCredits(tx, sub.UserId, amount, reason, models.AwardReferenceKey(sub.ID))
		if err != nil {
			return err
		}
		rec, err := models.EnqueueRewardSync(tx, rewardsync.KindAward, models.AwardReferenceKey(sub.ID), &sub.UserId,
			rewardsync.AwardRequest{UserId: strconv.Itoa(sub.UserId), Amount: amount, Reason: reason}, correlationId)
		if err != nil {
			return err
		}
		outboxId = rec.ID
		return nil
	})
	return balance, outboxId, err
}

// afterAward runs once the award is committed. Nothing here can undo it.
func (p *SubmissionPipeline) afterAward(ctx context.Context, sub *models.Submission, outboxId int, outcome *SubmissionOutcome) {
	if err := invalidateLeaderboard(p.LeaderboardSize); err != nil && p.Logger != nil {
		config.LogWarning(p.Logger, "submissionPipeline.go", "afterAward", logrus.Fields{"user_id": sub.UserId}, err)
	}
	if err := notifyReward(ctx, p.Sync, outboxId); err != nil {
		outcome.warn(WarningSyncDeferred)
		if p.Logger != nil {
			config.LogWarning(p.Logger, "submissionPipeline.go", "afterAward", logrus.Fields{
				"submission_id": sub.ID,
				"user_id":       sub.UserId,
				"outbox_id":     outboxId,
			}, err)
		}
	}
}

func notifyReward(ctx context.Context, sync RewardNotifier, outboxId int) error {
	if sync == nil || outboxId == 0 {
		return nil
	}
	return sync.NotifyNow(ctx, outboxId)
}

func (p *SubmissionPipeline) evaluateAchievements(ctx context.Context, userId int) {
	if err := EvaluateAchievements(ctx, p.DB, userId); err != nil && p.Logger != nil {
		config.LogWarning(p.Logger, "submissionPipeline.go", "evaluateAchievements", logrus.Fields{"user_id": userId}, err)
	}
}
