package middlewares

import (
	"context"
	"errors"

	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type userReader struct {
	db *gorm.DB
}

func (r *userReader) getUsers(ctx context.Context, ids []int) []*dataloader.Result[*models.User] {
	var results []models.User
	err := r.db.WithContext(ctx).
		Select("id", "username", "name", "area").
		Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.User](len(ids), err)
	}

	return generateLoaderResults(results, ids, func(u *models.User) int { return u.ID }, models.ErrUserNotFound)
}

func GetUser(ctx context.Context, id int) (*models.User, error) {
	loaders := For(ctx)
	return loaders.userLoader.Load(ctx, id)()
}

func GetUsers(ctx context.Context, ids []int) ([]*models.User, []error) {
	loaders := For(ctx)
	return loaders.userLoader.LoadMany(ctx, ids)()
}

// ReporterNames maps submission user ids to display names for the admin triage list.
func ReporterNames(ctx context.Context, submissions []*models.Submission) (map[int]string, error) {
	names := make(map[int]string, len(submissions))
	if len(submissions) == 0 {
		return names, nil
	}
	ids := make([]int, 0, len(submissions))
	for _, s := range submissions {
		if _, seen := names[s.UserId]; !seen {
			names[s.UserId] = ""
			ids = append(ids, s.UserId)
		}
	}
	users, errs := GetUsers(ctx, ids)
	for i, id := range ids {
		if i < len(errs) && errs[i] != nil {
			if errors.Is(errs[i], models.ErrUserNotFound) {
				continue
			}
			return nil, errs[i]
		}
		names[id] = users[i].Name
	}
	return names, nil
}
