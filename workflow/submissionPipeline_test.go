package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/rewardsync"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/cityconnect/ecocoins_backend/verifier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type fakeNotifier struct {
	err   error
	calls []int
}

func (f *fakeNotifier) NotifyNow(_ context.Context, outboxId int) error {
	f.calls = append(f.calls, outboxId)
	return f.err
}

type fakeGeocoder struct {
	name  string
	err   error
	calls int
}

func (f *fakeGeocoder) ReverseGeocode(_ context.Context, lat, lon float64) (string, error) {
	f.calls++
	return f.name, f.err
}

func newPipeline(t *testing.T, db *gorm.DB, v verifier.Verifier, sync RewardNotifier) *SubmissionPipeline {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &SubmissionPipeline{
		DB:       db,
		Verifier: v,
		Evidence: &utils.LocalEvidenceStore{Dir: t.TempDir()},
		Sync:     sync,
		Logger:   logger,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Now:      func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
	}
}

func cleanupTask() *models.NewTask {
	return &models.NewTask{Title: "Beach cleanup", Description: "Collected plastic bottles", TaskType: models.TaskTypeRecycling}
}

func TestCreateTask_AwardsSuggestedCredits(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "ana", 0)
	v, calls := geminiAnswering(t, "Yes, suggested 75")
	sync := &fakeNotifier{}
	p := newPipeline(t, db, v, sync)

	out, err := p.CreateTask(context.Background(), u.ID, cleanupTask(), pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("verifier calls = %d, want 1", calls.Load())
	}
	if out.Submission.Status != models.SubmissionStatusVerified || out.Submission.CreditsAwarded != 75 {
		t.Fatalf("submission = %s/%d", out.Submission.Status, out.Submission.CreditsAwarded)
	}
	if out.NewBalance == nil || *out.NewBalance != 75 {
		t.Fatalf("new balance = %v", out.NewBalance)
	}
	if got := balanceOf(t, u.ID); got != 75 {
		t.Fatalf("balance = %d, want 75", got)
	}
	if len(out.Warnings) != 0 {
		t.Fatalf("warnings = %v", out.Warnings)
	}

	var entry models.LedgerEntry
	if err := db.Where("reference_key = ?", models.AwardReferenceKey(out.Submission.ID)).Take(&entry).Error; err != nil {
		t.Fatalf("ledger entry: %v", err)
	}
	var rec models.RewardSyncMessage
	if err := db.Where("dedupe_key = ?", models.AwardReferenceKey(out.Submission.ID)).Take(&rec).Error; err != nil {
		t.Fatalf("outbox row: %v", err)
	}
	if rec.Kind != rewardsync.KindAward {
		t.Fatalf("outbox kind = %s", rec.Kind)
	}
	if len(sync.calls) != 1 || sync.calls[0] != rec.ID {
		t.Fatalf("notify calls = %v, want [%d]", sync.calls, rec.ID)
	}
	if out.Submission.VerificationMethod == nil || *out.Submission.VerificationMethod != "gemini" {
		t.Fatalf("method = %v", out.Submission.VerificationMethod)
	}
}

func TestCreateTask_MultiByteTitleKeepsValidReason(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "diya", 0)
	v, _ := geminiAnswering(t, "Yes, suggested 60")
	p := newPipeline(t, db, v, &fakeNotifier{})

	title := "x" + strings.Repeat("सफाई", 30)
	task := &models.NewTask{Title: title, Description: "गली की सफाई", TaskType: models.TaskTypeCommunity}
	out, err := p.CreateTask(context.Background(), u.ID, task, pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if out.Submission.Status != models.SubmissionStatusVerified || balanceOf(t, u.ID) != 60 {
		t.Fatalf("status = %s balance = %d", out.Submission.Status, balanceOf(t, u.ID))
	}

	var entry models.LedgerEntry
	if err := db.Where("reference_key = ?", models.AwardReferenceKey(out.Submission.ID)).Take(&entry).Error; err != nil {
		t.Fatalf("ledger entry: %v", err)
	}
	if !utf8.ValidString(entry.Reason) || !strings.HasSuffix(entry.Reason, title) {
		t.Fatalf("ledger reason = %q", entry.Reason)
	}

	var rec models.RewardSyncMessage
	if err := db.Where("dedupe_key = ?", models.AwardReferenceKey(out.Submission.ID)).Take(&rec).Error; err != nil {
		t.Fatalf("outbox row: %v", err)
	}
	var payload rewardsync.AwardRequest
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Reason != entry.Reason {
		t.Fatalf("payload reason = %q, want %q", payload.Reason, entry.Reason)
	}
}

func TestCreateTask_ClampsAndDefaultsCredits(t *testing.T) {
	cases := []struct {
		answer string
		want   int
	}{
		{"Yes! This deserves 150 coins", 100},
		{"Yes, nice work", 30},
		{"Yes, maybe 12", 30},
	}
	for _, c := range cases {
		db := newTestDB(t)
		u := createCitizen(t, "bo", 0)
		v, _ := geminiAnswering(t, c.answer)
		p := newPipeline(t, db, v, nil)

		out, err := p.CreateTask(context.Background(), u.ID, cleanupTask(), pngEvidence(t))
		if err != nil {
			t.Fatalf("%q: CreateTask: %v", c.answer, err)
		}
		if out.Submission.CreditsAwarded != c.want {
			t.Fatalf("%q: awarded = %d, want %d", c.answer, out.Submission.CreditsAwarded, c.want)
		}
		if got := balanceOf(t, u.ID); got != c.want {
			t.Fatalf("%q: balance = %d, want %d", c.answer, got, c.want)
		}
	}
}

func TestCreateIssue_UnconfiguredVerifierLeavesPending(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "cat", 20)
	p := newPipeline(t, db, verifier.Unavailable{}, &fakeNotifier{})

	out, err := p.CreateIssue(context.Background(), u.ID, &models.NewIssue{
		Title:       "Broken pipe",
		Description: "Water everywhere",
		Department:  models.DepartmentWaterSupply,
	}, pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateIssue returned error: %v", err)
	}
	if out.Submission.Status != models.SubmissionStatusPending || out.Submission.CreditsAwarded != 0 {
		t.Fatalf("submission = %s/%d", out.Submission.Status, out.Submission.CreditsAwarded)
	}
	if len(out.Warnings) != 1 || out.Warnings[0] != WarningVerificationPending {
		t.Fatalf("warnings = %v", out.Warnings)
	}
	if got := balanceOf(t, u.ID); got != 20 {
		t.Fatalf("balance = %d, want 20", got)
	}
	if out.Submission.EvidenceKey == "" {
		t.Fatalf("evidence key not recorded")
	}
	if _, err := p.Evidence.Get(context.Background(), out.Submission.EvidenceKey); err != nil {
		t.Fatalf("stored evidence: %v", err)
	}
}

func TestCreateIssue_MatchedIsVerifiedWithoutCredit(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "dan", 0)
	v, _ := geminiAnswering(t, "Yes, there is a pothole. 80")
	p := newPipeline(t, db, v, nil)

	out, err := p.CreateIssue(context.Background(), u.ID, &models.NewIssue{
		Title: "Pothole", Description: "Deep hole on 5th street", Department: models.DepartmentPublicWorks,
	}, pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if out.Submission.Status != models.SubmissionStatusVerified || out.Submission.CreditsAwarded != 0 {
		t.Fatalf("submission = %s/%d", out.Submission.Status, out.Submission.CreditsAwarded)
	}
	if got := balanceOf(t, u.ID); got != 0 {
		t.Fatalf("issue verification must not pay; balance = %d", got)
	}
}

func TestCreateTask_RejectedPaysNothing(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "eve", 0)
	v, _ := geminiAnswering(t, "No, this image shows a car park.")
	sync := &fakeNotifier{}
	p := newPipeline(t, db, v, sync)

	out, err := p.CreateTask(context.Background(), u.ID, cleanupTask(), pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if out.Submission.Status != models.SubmissionStatusRejected {
		t.Fatalf("status = %s", out.Submission.Status)
	}
	if got := balanceOf(t, u.ID); got != 0 {
		t.Fatalf("balance = %d", got)
	}
	if len(sync.calls) != 0 {
		t.Fatalf("rejected submissions must not notify")
	}
	var n int64
	db.Model(&models.RewardSyncMessage{}).Count(&n)
	if n != 0 {
		t.Fatalf("outbox rows = %d, want 0", n)
	}
}

func TestCreateTask_SyncFailureIsWarning(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "fin", 0)
	v, _ := geminiAnswering(t, "Yes 40")
	p := newPipeline(t, db, v, &fakeNotifier{err: rewardsync.ErrSyncUnreachable})

	out, err := p.CreateTask(context.Background(), u.ID, cleanupTask(), pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if len(out.Warnings) != 1 || out.Warnings[0] != WarningSyncDeferred {
		t.Fatalf("warnings = %v", out.Warnings)
	}
	if got := balanceOf(t, u.ID); got != 40 {
		t.Fatalf("award must survive a sync failure; balance = %d", got)
	}
}

func TestCreateTask_RejectsUndecodableEvidence(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "gil", 0)
	v, calls := geminiAnswering(t, "Yes 50")
	p := newPipeline(t, db, v, nil)

	_, err := p.CreateTask(context.Background(), u.ID, cleanupTask(), []byte("not an image"))
	if !errors.Is(err, utils.ErrInvalidEvidence) {
		t.Fatalf("err = %v, want ErrInvalidEvidence", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("verifier should not be called")
	}
	var n int64
	db.Model(&models.Submission{}).Count(&n)
	if n != 0 {
		t.Fatalf("submissions = %d, want 0", n)
	}
}

func TestCreateTask_InvalidInput(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "hal", 0)
	p := newPipeline(t, db, verifier.Unavailable{}, nil)

	_, err := p.CreateTask(context.Background(), u.ID, &models.NewTask{Title: "x", TaskType: "gardening"}, pngEvidence(t))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestCreateTask_UnlocksAchievements(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "ida", 40)
	v, _ := geminiAnswering(t, "Yes 90")
	p := newPipeline(t, db, v, nil)

	if _, err := p.CreateTask(context.Background(), u.ID, cleanupTask(), pngEvidence(t)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	badges, err := models.ListUserBadges(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("ListUserBadges: %v", err)
	}
	names := map[string]bool{}
	for _, b := range badges {
		names[b.BadgeName] = true
	}
	if !names[models.AchievementFirstPost] || !names[models.AchievementHundredEco] {
		t.Fatalf("badges = %v", names)
	}
	if names[models.AchievementTenPosts] {
		t.Fatalf("10 Posts unlocked after one post")
	}
}

func TestAwardSubmission_RollsBackWhenAlreadyFinalized(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "jan", 0)
	sub := models.NewTaskSubmission(u.ID, cleanupTask(), "k")
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	verdict := models.VerificationOutcome{Status: models.SubmissionStatusVerified, CreditsAwarded: 50, Method: "gemini", VerifiedAt: time.Now()}
	finalize := func(tx *gorm.DB) error { return models.FinalizeVerification(tx, sub.ID, verdict) }

	if _, _, err := awardSubmission(context.Background(), db, sub, 50, finalize); err != nil {
		t.Fatalf("first award: %v", err)
	}
	_, _, err := awardSubmission(context.Background(), db, sub, 50, finalize)
	if !errors.Is(err, models.ErrSubmissionAlreadyFinalized) {
		t.Fatalf("second award err = %v", err)
	}
	if got := balanceOf(t, u.ID); got != 50 {
		t.Fatalf("balance = %d, want 50", got)
	}
}

func gwaliorIssue(locationName string) *models.NewIssue {
	lat, lon := 26.2183, 78.1828
	return &models.NewIssue{
		Title:        "Broken streetlight",
		Description:  "Dark stretch near the fort road",
		Department:   models.DepartmentElectricity,
		Latitude:     &lat,
		Longitude:    &lon,
		LocationName: locationName,
	}
}

func TestCreateIssue_FillsLocationNameFromCoordinates(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "meera", 0)
	p := newPipeline(t, db, verifier.Unavailable{}, nil)
	geo := &fakeGeocoder{name: "Lashkar, Gwalior"}
	p.Geocoder = geo

	out, err := p.CreateIssue(context.Background(), u.ID, gwaliorIssue(""), pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if geo.calls != 1 {
		t.Fatalf("geocoder calls = %d", geo.calls)
	}
	if out.Submission.LocationName == nil || *out.Submission.LocationName != "Lashkar, Gwalior" {
		t.Fatalf("location name = %v", out.Submission.LocationName)
	}

	out, err = p.CreateIssue(context.Background(), u.ID, gwaliorIssue("Phool Bagh"), pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateIssue with name: %v", err)
	}
	if geo.calls != 1 {
		t.Fatalf("geocoder called for a named location")
	}
	if *out.Submission.LocationName != "Phool Bagh" {
		t.Fatalf("location name = %q", *out.Submission.LocationName)
	}
}

func TestCreateIssue_GeocoderFailureStillSaves(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "ravi", 0)
	p := newPipeline(t, db, verifier.Unavailable{}, nil)
	p.Geocoder = &fakeGeocoder{err: errors.New("nominatim down")}

	out, err := p.CreateIssue(context.Background(), u.ID, gwaliorIssue(""), pngEvidence(t))
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if out.Submission.ID == 0 || out.Submission.LocationName != nil {
		t.Fatalf("submission = %+v", out.Submission)
	}
	if out.Submission.Latitude == nil || out.Submission.MapURL() == "" {
		t.Fatalf("coordinates were dropped")
	}
}
