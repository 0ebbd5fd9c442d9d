package middlewares

import (
	"context"
	"errors"

	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type offerReader struct {
	db *gorm.DB
}

func (r *offerReader) getOffers(ctx context.Context, ids []int) []*dataloader.Result[*models.Offer] {
	var results []models.Offer
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.Offer](len(ids), err)
	}

	return generateLoaderResults(results, ids, func(o *models.Offer) int { return o.ID }, models.ErrOfferNotFound)
}

func GetOffer(ctx context.Context, id int) (*models.Offer, error) {
	loaders := For(ctx)
	return loaders.offerLoader.Load(ctx, id)()
}

func GetOffers(ctx context.Context, ids []int) ([]*models.Offer, []error) {
	loaders := For(ctx)
	return loaders.offerLoader.LoadMany(ctx, ids)()
}

// AttachOffers fills Redemption.Offer in one batched read. Offers that no longer
// exist are left nil.
func AttachOffers(ctx context.Context, redemptions []*models.Redemption) error {
	if len(redemptions) == 0 {
		return nil
	}
	ids := make([]int, len(redemptions))
	for i, r := range redemptions {
		ids[i] = r.OfferId
	}
	offers, errs := GetOffers(ctx, ids)
	for i, r := range redemptions {
		if i < len(errs) && errs[i] != nil {
			if errors.Is(errs[i], models.ErrOfferNotFound) {
				continue
			}
			return errs[i]
		}
		r.Offer = offers[i]
	}
	return nil
}
