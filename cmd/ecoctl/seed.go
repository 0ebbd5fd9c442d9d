package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type seedSummary struct {
	Users  int
	Offers int
	Issues int
}

type demoUser struct {
	username   string
	name       string
	role       models.UserRole
	department models.Department
	balance    int
}

var demoUsers = []demoUser{
	{username: "pw_admin", name: "Public Works Desk", role: models.UserRoleAdmin, department: "public_works"},
	{username: "water_admin", name: "Water Supply Desk", role: models.UserRoleAdmin, department: "water_supply"},
	{username: "waste_admin", name: "Waste Management Desk", role: models.UserRoleAdmin, department: "waste_management"},
	{username: "power_admin", name: "Electricity Desk", role: models.UserRoleAdmin, department: "electricity"},
	{username: "aarav", name: "Aarav Sharma", role: models.UserRoleCitizen, balance: 120},
	{username: "diya", name: "Diya Verma", role: models.UserRoleCitizen, balance: 60},
	{username: "kabir", name: "Kabir Singh", role: models.UserRoleCitizen, balance: 15},
}

type demoOffer struct {
	name      string
	offerType models.OfferType
	cost      int
	stock     int
	location  string
}

var demoOffers = []demoOffer{
	{name: "Free filter coffee", offerType: models.OfferTypeShopOffer, cost: 40, stock: 25, location: "Indian Coffee House, Gwalior"},
	{name: "Sapling kit", offerType: models.OfferTypeEcoReward, cost: 60, stock: 40, location: "Phoolbagh Nursery"},
	{name: "Cloth shopping bag", offerType: models.OfferTypeDonorGift, cost: 25, stock: 100},
	{name: "Gwalior Fort light show pass", offerType: models.OfferTypeEventTicket, cost: 150, stock: 10, location: "Gwalior Fort"},
}

type demoIssue struct {
	title       string
	description string
	department  models.Department
	lat, lon    float64
	location    string
	status      models.IssueStatus
	score       *float64
}

func scoreOf(v float64) *float64 { return &v }

var demoIssues = []demoIssue{
	{"Open manhole near Gole Ka Mandir", "An open manhole on the main road near Gole Ka Mandir poses a danger to pedestrians and two-wheelers.",
		"public_works", 26.2228, 78.2049, "Gole Ka Mandir, Gwalior", models.IssueStatusPending, scoreOf(0.89)},
	{"Street flooded after rainfall near Thatipur", "After last night's heavy rain, streets near Thatipur are flooded due to poor drainage maintenance.",
		"water_supply", 26.2192, 78.2042, "Thatipur, Gwalior", models.IssueStatusInProgress, scoreOf(0.91)},
	{"Garbage pile-up at Phoolbagh area", "Garbage has been accumulating near Phoolbagh garden, emitting foul smell and attracting stray animals.",
		"waste_management", 26.2164, 78.1821, "Phoolbagh, Gwalior", models.IssueStatusPending, scoreOf(0.93)},
	{"Frequent power cuts near Morar Cantt", "Residents of Morar Cantt facing frequent power cuts throughout the day for the past week.",
		"electricity", 26.2435, 78.2392, "Morar Cantt, Gwalior", models.IssueStatusInProgress, nil},
	{"Clogged drainage near Gwalior Railway Station", "The drainage system near Gwalior Railway Station is blocked, causing dirty water overflow on footpaths.",
		"water_supply", 26.2116, 78.1751, "Gwalior Railway Station", models.IssueStatusPending, scoreOf(0.88)},
}

// seedDemo inserts whatever demo rows are missing. Opening balances go through
// the ledger under a fixed reference, so a rerun never pays twice.
func seedDemo(ctx context.Context, db *gorm.DB, now time.Time) (*seedSummary, error) {
	summary := &seedSummary{}
	users := map[string]*models.User{}

	for _, du := range demoUsers {
		user, err := models.GetUserByUsername(ctx, du.username)
		if errors.Is(err, models.ErrUserNotFound) {
			input := &models.NewUser{Username: du.username, Name: du.name, Role: du.role, Area: "Gwalior"}
			if du.role == models.UserRoleAdmin {
				dept := du.department
				input.Department = &dept
			}
			user, err = models.CreateUser(ctx, input)
			if err == nil {
				summary.Users++
			}
		}
		if err != nil {
			return nil, fmt.Errorf("seed user %s: %w", du.username, err)
		}
		users[du.username] = user

		if du.balance > 0 {
			err := models.WithLedgerTx(ctx, db, func(tx *gorm.DB) error {
				_, err := models.AwardCredits(tx, user.ID, du.balance, "opening balance", "seed:opening:"+du.username)
				return err
			})
			if err != nil && !errors.Is(err, models.ErrDuplicateLedgerReference) {
				return nil, fmt.Errorf("seed balance %s: %w", du.username, err)
			}
		}
	}

	addedBy := users["pw_admin"].ID
	for _, do := range demoOffers {
		var count int64
		if err := db.WithContext(ctx).Model(&models.Offer{}).Where("name = ?", do.name).Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			continue
		}
		_, err := models.CreateOffer(ctx, &models.NewOffer{
			Name:         do.name,
			Description:  "Demo offer",
			Cost:         do.cost,
			OfferType:    do.offerType,
			LocationName: do.location,
			Stock:        do.stock,
			StartDate:    now,
			EndDate:      now.AddDate(0, 3, 0),
		}, addedBy)
		if err != nil {
			return nil, fmt.Errorf("seed offer %q: %w", do.name, err)
		}
		summary.Offers++
	}

	reporter := users["aarav"]
	for _, di := range demoIssues {
		var count int64
		if err := db.WithContext(ctx).Model(&models.Submission{}).
			Where("user_id = ? AND kind = ? AND title = ?", reporter.ID, models.SubmissionKindIssue, di.title).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			continue
		}
		lat, lon := di.lat, di.lon
		sub := models.NewIssueSubmission(reporter.ID, &models.NewIssue{
			Title:        di.title,
			Description:  di.description,
			Department:   di.department,
			Latitude:     &lat,
			Longitude:    &lon,
			LocationName: di.location,
		}, "")
		status := di.status
		sub.IssueStatus = &status
		if di.score != nil {
			method := "demo"
			score := decimal.NewFromFloat(*di.score)
			sub.Status = models.SubmissionStatusVerified
			sub.VerificationMethod = &method
			sub.VerificationScore = &score
			sub.VerifiedAt = &now
		}
		if err := db.WithContext(ctx).Create(sub).Error; err != nil {
			return nil, fmt.Errorf("seed issue %q: %w", di.title, err)
		}
		summary.Issues++
	}
	return summary, nil
}
