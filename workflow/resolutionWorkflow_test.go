package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cityconnect/ecocoins_backend/models"
	"gorm.io/gorm"
)

func reportIssue(t *testing.T, db *gorm.DB, userId int, dept models.Department) *models.Submission {
	t.Helper()
	sub := models.NewIssueSubmission(userId, &models.NewIssue{Title: "Overflowing bin", Description: "Market street", Department: dept}, "k")
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("create issue: %v", err)
	}
	return sub
}

func newResolution(db *gorm.DB, sync RewardNotifier) *ResolutionWorkflow {
	return &ResolutionWorkflow{
		DB:              db,
		Sync:            sync,
		Logger:          quietLogger(),
		Now:             func() time.Time { return time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC) },
		ResolutionBonus: 50,
	}
}

func TestResolveIssue_PaysOnFirstResolutionOnly(t *testing.T) {
	db := newTestDB(t)
	reporter := createCitizen(t, "rex", 0)
	admin := createAdmin(t, "waste-admin", models.DepartmentWasteManagement)
	issue := reportIssue(t, db, reporter.ID, models.DepartmentWasteManagement)
	sync := &fakeNotifier{}
	w := newResolution(db, sync)
	ctx := context.Background()

	out, err := w.ResolveIssue(ctx, admin.ID, issue.ID, models.IssueStatusInProgress)
	if err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	if out.Awarded != 0 || *out.Submission.IssueStatus != models.IssueStatusInProgress {
		t.Fatalf("in_progress outcome = %+v", out)
	}

	out, err = w.ResolveIssue(ctx, admin.ID, issue.ID, models.IssueStatusResolved)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Awarded != 50 || out.Submission.ResolvedAt == nil || out.Submission.ResolutionCredits != 50 {
		t.Fatalf("resolve outcome = %+v", out.Submission)
	}
	if got := balanceOf(t, reporter.ID); got != 50 {
		t.Fatalf("balance = %d, want 50", got)
	}
	if len(sync.calls) != 1 {
		t.Fatalf("notify calls = %d, want 1", len(sync.calls))
	}

	// reopen and resolve again: no second payment
	if _, err := w.ResolveIssue(ctx, admin.ID, issue.ID, models.IssueStatusPending); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	out, err = w.ResolveIssue(ctx, admin.ID, issue.ID, models.IssueStatusResolved)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if out.Awarded != 0 {
		t.Fatalf("second resolve awarded %d", out.Awarded)
	}
	if got := balanceOf(t, reporter.ID); got != 50 {
		t.Fatalf("balance after second resolve = %d, want 50", got)
	}
}

func TestResolveIssue_MultiByteTitlePaysBonus(t *testing.T) {
	db := newTestDB(t)
	reporter := createCitizen(t, "kabir", 0)
	admin := createAdmin(t, "water-admin", models.DepartmentWaterSupply)
	title := strings.Repeat("पानी की पाइप लाइन टूटी ", 8)
	sub := models.NewIssueSubmission(reporter.ID, &models.NewIssue{Title: title, Description: "थाटीपुर", Department: models.DepartmentWaterSupply}, "k")
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("create issue: %v", err)
	}

	out, err := newResolution(db, nil).ResolveIssue(context.Background(), admin.ID, sub.ID, models.IssueStatusResolved)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Awarded != 50 || balanceOf(t, reporter.ID) != 50 {
		t.Fatalf("awarded = %d balance = %d", out.Awarded, balanceOf(t, reporter.ID))
	}
	var entry models.LedgerEntry
	if err := db.Where("reference_key = ?", models.ResolutionReferenceKey(sub.ID)).Take(&entry).Error; err != nil {
		t.Fatalf("ledger entry: %v", err)
	}
	if !utf8.ValidString(entry.Reason) || utf8.RuneCountInString(entry.Reason) > models.MaxLedgerReasonRunes {
		t.Fatalf("ledger reason = %q", entry.Reason)
	}
}

func TestResolveIssue_RequiresMatchingDepartment(t *testing.T) {
	db := newTestDB(t)
	reporter := createCitizen(t, "sue", 0)
	water := createAdmin(t, "water-admin", models.DepartmentWaterSupply)
	issue := reportIssue(t, db, reporter.ID, models.DepartmentElectricity)
	w := newResolution(db, nil)

	if _, err := w.ResolveIssue(context.Background(), water.ID, issue.ID, models.IssueStatusResolved); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("wrong department err = %v", err)
	}
	if _, err := w.ResolveIssue(context.Background(), reporter.ID, issue.ID, models.IssueStatusResolved); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("citizen err = %v", err)
	}
	if _, err := w.ResolveIssue(context.Background(), water.ID, issue.ID, "closed"); !errors.Is(err, models.ErrInvalidStatusTransition) {
		t.Fatalf("bad status err = %v", err)
	}
	if got := balanceOf(t, reporter.ID); got != 0 {
		t.Fatalf("balance = %d", got)
	}
}

func TestReconcileSubmissionAwards_AppliesMissingAwardOnce(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "tia", 0)
	var cleared []int
	prev := invalidateLeaderboard
	invalidateLeaderboard = func(size int) error {
		cleared = append(cleared, size)
		return nil
	}
	t.Cleanup(func() { invalidateLeaderboard = prev })

	// a verified task whose award never reached the ledger
	sub := models.NewTaskSubmission(u.ID, &models.NewTask{Title: "Tree planting", Description: "Three saplings", TaskType: models.TaskTypeConservation}, "k")
	sub.Status = models.SubmissionStatusVerified
	sub.CreditsAwarded = 45
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := ReconcileSubmissionAwards(context.Background(), db, quietLogger(), 25)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Repaired) != 1 || report.Repaired[0] != sub.ID {
		t.Fatalf("report = %+v", report)
	}
	if got := balanceOf(t, u.ID); got != 45 {
		t.Fatalf("balance = %d, want 45", got)
	}
	if len(cleared) != 1 || cleared[0] != 25 {
		t.Fatalf("leaderboard sizes cleared = %v, want [25]", cleared)
	}

	report, err = ReconcileSubmissionAwards(context.Background(), db, quietLogger(), 25)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if report.Checked != 0 || len(report.Repaired) != 0 {
		t.Fatalf("second report = %+v", report)
	}
	if got := balanceOf(t, u.ID); got != 45 {
		t.Fatalf("balance after second run = %d, want 45", got)
	}
	if len(cleared) != 1 {
		t.Fatalf("nothing repaired but cache cleared again: %v", cleared)
	}
}
