package models

import (
	"context"
	"fmt"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BadgeType string

const (
	BadgeTypeEco         BadgeType = "eco"
	BadgeTypeAchievement BadgeType = "achievement"
)

// UserBadge is unlocked once per (user, badge_name).
type UserBadge struct {
	ID         int       `gorm:"primary_key" json:"id"`
	UserId     int       `gorm:"not null;index:uniq_user_badge,unique" json:"user_id"`
	BadgeName  string    `gorm:"size:100;not null;index:uniq_user_badge,unique" json:"badge_name"`
	BadgeType  BadgeType `gorm:"size:20;not null" json:"badge_type"`
	UnlockedAt time.Time `gorm:"autoCreateTime" json:"unlocked_at"`
}

type Badge struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Emoji string `json:"emoji"`
}

// BadgeForBalance maps a balance onto the eco tier ladder.
func BadgeForBalance(balance int) Badge {
	switch {
	case balance >= 500:
		return Badge{Name: "Planet Protector", Color: "warning", Emoji: "🪐"}
	case balance >= 200:
		return Badge{Name: "Eco Champion", Color: "primary", Emoji: "🌳"}
	case balance >= 100:
		return Badge{Name: "Eco Warrior", Color: "success", Emoji: "🌿"}
	case balance >= 50:
		return Badge{Name: "Green Starter", Color: "info", Emoji: "🌱"}
	default:
		return Badge{Name: "Newcomer", Color: "secondary", Emoji: "🐣"}
	}
}

const (
	AchievementFirstPost  = "First Post"
	AchievementTenPosts   = "10 Posts"
	AchievementHundredEco = "100 EcoCoins"
)

// UnlockBadge is a no-op when the user already has the badge.
func UnlockBadge(tx *gorm.DB, userId int, name string, badgeType BadgeType) error {
	badge := UserBadge{UserId: userId, BadgeName: name, BadgeType: badgeType}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&badge).Error
}

func ListUserBadges(ctx context.Context, userId int) ([]*UserBadge, error) {
	db := config.GetDB()
	var results []*UserBadge
	err := db.WithContext(ctx).Where("user_id = ?", userId).Order("unlocked_at ASC, id ASC").Find(&results).Error
	return results, err
}

type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	UserId        int    `json:"user_id"`
	Username      string `json:"username"`
	Name          string `json:"name"`
	CreditBalance int    `json:"credit_balance"`
	Badge         Badge  `json:"badge"`
}

func leaderboardCacheKey(limit int) string {
	if limit <= 0 {
		limit = 10
	}
	return fmt.Sprintf("leaderboard:top%d", limit)
}

// InvalidateLeaderboardCache is called after any balance change commits.
func InvalidateLeaderboardCache(limit int) error {
	return config.RemoveRedisKey(leaderboardCacheKey(limit))
}

// Leaderboard lists the top citizens by balance, cached in Redis for ttl when available.
func Leaderboard(ctx context.Context, limit int, ttl time.Duration) ([]*LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	key := leaderboardCacheKey(limit)
	var cached []*LeaderboardEntry
	if exists, err := config.GetRedisObject(key, &cached); err == nil && exists {
		return cached, nil
	}

	db := config.GetDB()
	var users []*User
	if err := db.WithContext(ctx).
		Where("role = ?", UserRoleCitizen).
		Order("credit_balance DESC, id ASC").
		Limit(limit).
		Find(&users).Error; err != nil {
		return nil, err
	}
	entries := make([]*LeaderboardEntry, 0, len(users))
	for i, u := range users {
		entries = append(entries, &LeaderboardEntry{
			Rank:          i + 1,
			UserId:        u.ID,
			Username:      u.Username,
			Name:          u.Name,
			CreditBalance: u.CreditBalance,
			Badge:         BadgeForBalance(u.CreditBalance),
		})
	}
	if ttl > 0 {
		if err := config.SetRedisObject(key, entries, ttl); err != nil {
			config.LogError(config.GetLogger(), "models", "Leaderboard", "cache", key, err)
		}
	}
	return entries, nil
}
