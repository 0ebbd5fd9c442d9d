package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxClaimRunes bounds the claim text handed to the verifier.
const MaxClaimRunes = 2000

// Submission covers both issue reports and eco-task completions.
// Status, CreditsAwarded and the Verification* fields are finalized once,
// while Status is still pending.
type Submission struct {
	ID                    int              `gorm:"primary_key" json:"id"`
	UserId                int              `gorm:"not null;index" json:"user_id"`
	Kind                  SubmissionKind   `gorm:"size:10;not null;index" json:"kind"`
	Title                 string           `gorm:"size:200;not null" json:"title"`
	Description           string           `gorm:"type:text" json:"description"`
	ClaimText             string           `gorm:"type:text" json:"-"`
	Category              string           `gorm:"size:50;not null;index" json:"category"`
	EvidenceKey           string           `gorm:"size:255" json:"evidence_key"`
	Status                SubmissionStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	CreditsAwarded        int              `gorm:"not null;default:0" json:"credits_awarded"`
	VerificationMethod    *string          `gorm:"size:50" json:"verification_method"`
	VerificationScore     *decimal.Decimal `gorm:"type:decimal(5,4)" json:"verification_score"`
	VerificationRationale *string          `gorm:"type:text" json:"verification_rationale"`
	VerifiedAt            *time.Time       `json:"verified_at"`

	// issue-only
	Latitude          *decimal.Decimal `gorm:"type:decimal(9,6)" json:"latitude"`
	Longitude         *decimal.Decimal `gorm:"type:decimal(9,6)" json:"longitude"`
	LocationName      *string          `gorm:"size:255" json:"location_name"`
	IssueStatus       *IssueStatus     `gorm:"size:20;index" json:"issue_status"`
	ResolvedAt        *time.Time       `json:"resolved_at"`
	ResolutionCredits int              `gorm:"not null;default:0" json:"resolution_credits"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewIssue struct {
	Title        string     `json:"title" form:"title" validate:"required,max=200"`
	Description  string     `json:"description" form:"description" validate:"required"`
	Department   Department `json:"department" form:"department" validate:"required,oneof=public_works water_supply waste_management electricity"`
	Latitude     *float64   `json:"latitude" form:"latitude" validate:"omitempty,latitude"`
	Longitude    *float64   `json:"longitude" form:"longitude" validate:"omitempty,longitude"`
	LocationName string     `json:"location_name" form:"location_name" validate:"max=255"`
}

func (input *NewIssue) Validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if (input.Latitude == nil) != (input.Longitude == nil) {
		return errors.New("latitude and longitude must be given together")
	}
	return nil
}

type NewTask struct {
	Title       string   `json:"title" form:"title" validate:"required,max=200"`
	Description string   `json:"description" form:"description" validate:"required"`
	TaskType    TaskType `json:"task_type" form:"task_type" validate:"required,oneof=recycling conservation community misc"`
}

func (input *NewTask) Validate() error {
	return utils.ValidateStruct(input)
}

// BuildClaimText joins title and description and caps the result.
func BuildClaimText(title, description string) string {
	claim := strings.TrimSpace(strings.TrimSpace(title) + " " + strings.TrimSpace(description))
	return truncateRunes(claim, MaxClaimRunes)
}

// IssueMapURL links a reported location to Google Maps.
func IssueMapURL(lat, lon decimal.Decimal) string {
	return fmt.Sprintf("https://www.google.com/maps?q=%s,%s", lat.String(), lon.String())
}

func (s *Submission) MapURL() string {
	if s.Latitude == nil || s.Longitude == nil {
		return ""
	}
	return IssueMapURL(*s.Latitude, *s.Longitude)
}

func NewIssueSubmission(userId int, input *NewIssue, evidenceKey string) *Submission {
	status := IssueStatusPending
	sub := &Submission{
		UserId:      userId,
		Kind:        SubmissionKindIssue,
		Title:       input.Title,
		Description: input.Description,
		ClaimText:   BuildClaimText(input.Title, input.Description),
		Category:    string(input.Department),
		EvidenceKey: evidenceKey,
		Status:      SubmissionStatusPending,
		IssueStatus: &status,
	}
	if input.Latitude != nil && input.Longitude != nil {
		lat := decimal.NewFromFloat(*input.Latitude).Round(6)
		lon := decimal.NewFromFloat(*input.Longitude).Round(6)
		sub.Latitude = &lat
		sub.Longitude = &lon
	}
	if name := truncateRunes(strings.TrimSpace(input.LocationName), 255); name != "" {
		sub.LocationName = &name
	}
	return sub
}

func NewTaskSubmission(userId int, input *NewTask, evidenceKey string) *Submission {
	return &Submission{
		UserId:      userId,
		Kind:        SubmissionKindTask,
		Title:       input.Title,
		Description: input.Description,
		ClaimText:   BuildClaimText(input.Title, input.Description),
		Category:    string(input.TaskType),
		EvidenceKey: evidenceKey,
		Status:      SubmissionStatusPending,
	}
}

// VerificationOutcome is what FinalizeVerification writes onto a pending submission.
type VerificationOutcome struct {
	Status         SubmissionStatus
	CreditsAwarded int
	Method         string
	Score          decimal.Decimal
	Rationale      string
	VerifiedAt     time.Time
}

// FinalizeVerification is a compare-and-set from pending. It returns
// ErrSubmissionAlreadyFinalized if another writer got there first.
func FinalizeVerification(tx *gorm.DB, submissionId int, out VerificationOutcome) error {
	if out.Status != SubmissionStatusVerified && out.Status != SubmissionStatusRejected {
		return ErrInvalidStatusTransition
	}
	score := out.Score.Round(4)
	res := tx.Model(&Submission{}).
		Where("id = ? AND status = ?", submissionId, SubmissionStatusPending).
		Updates(map[string]interface{}{
			"status":                 out.Status,
			"credits_awarded":        out.CreditsAwarded,
			"verification_method":    out.Method,
			"verification_score":     score,
			"verification_rationale": out.Rationale,
			"verified_at":            out.VerifiedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSubmissionAlreadyFinalized
	}
	return nil
}

// LockSubmission reads a submission FOR UPDATE inside tx.
func LockSubmission(tx *gorm.DB, submissionId int) (*Submission, error) {
	var sub Submission
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", submissionId).Take(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// SetIssueStatus updates the triage lifecycle; resolvedAt and credits are set only on first resolution.
func SetIssueStatus(tx *gorm.DB, submissionId int, status IssueStatus, resolvedAt *time.Time, resolutionCredits int) error {
	updates := map[string]interface{}{"issue_status": status}
	if resolvedAt != nil {
		updates["resolved_at"] = *resolvedAt
		updates["resolution_credits"] = resolutionCredits
	}
	return tx.Model(&Submission{}).Where("id = ? AND kind = ?", submissionId, SubmissionKindIssue).Updates(updates).Error
}

func GetSubmission(ctx context.Context, id int) (*Submission, error) {
	db := config.GetDB()
	var sub Submission
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func ListUserSubmissions(ctx context.Context, userId int, kind *SubmissionKind) ([]*Submission, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("user_id = ?", userId)
	if kind != nil {
		dbCtx = dbCtx.Where("kind = ?", *kind)
	}
	var results []*Submission
	err := dbCtx.Order("created_at DESC, id DESC").Find(&results).Error
	return results, err
}

// ListDepartmentIssues is the admin triage queue for one department.
func ListDepartmentIssues(ctx context.Context, department Department, status *IssueStatus) ([]*Submission, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("kind = ? AND category = ?", SubmissionKindIssue, department)
	if status != nil {
		dbCtx = dbCtx.Where("issue_status = ?", *status)
	}
	var results []*Submission
	err := dbCtx.Order("created_at DESC, id DESC").Find(&results).Error
	return results, err
}

func CountUserSubmissions(tx *gorm.DB, userId int) (int64, error) {
	var count int64
	err := tx.Model(&Submission{}).Where("user_id = ?", userId).Count(&count).Error
	return count, err
}
