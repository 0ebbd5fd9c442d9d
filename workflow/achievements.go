package workflow

import (
	"context"

	"github.com/cityconnect/ecocoins_backend/models"
	"gorm.io/gorm"
)

// EvaluateAchievements unlocks the post-count and balance milestones the user has reached.
// Each badge is granted once; re-running is harmless.
func EvaluateAchievements(ctx context.Context, db *gorm.DB, userId int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		posts, err := models.CountUserSubmissions(tx, userId)
		if err != nil {
			return err
		}
		var user models.User
		if err := tx.Select("id", "credit_balance").Where("id = ?", userId).Take(&user).Error; err != nil {
			return err
		}

		var unlocked []string
		if posts >= 1 {
			unlocked = append(unlocked, models.AchievementFirstPost)
		}
		if posts >= 10 {
			unlocked = append(unlocked, models.AchievementTenPosts)
		}
		if user.CreditBalance >= 100 {
			unlocked = append(unlocked, models.AchievementHundredEco)
		}
		for _, name := range unlocked {
			if err := models.UnlockBadge(tx, userId, name, models.BadgeTypeAchievement); err != nil {
				return err
			}
		}
		return nil
	})
}
