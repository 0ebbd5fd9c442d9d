package middlewares

import (
	"context"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders wrap the per-request data loaders injected by LoaderMiddleware.
type Loaders struct {
	offerLoader *dataloader.Loader[int, *models.Offer]
	userLoader  *dataloader.Loader[int, *models.User]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(conn *gorm.DB) *Loaders {
	offerReader := &offerReader{db: conn}
	userReader := &userReader{db: conn}

	return &Loaders{
		offerLoader: dataloader.NewBatchedLoader(offerReader.getOffers, dataloader.WithWait[int, *models.Offer](time.Millisecond)),
		userLoader:  dataloader.NewBatchedLoader(userReader.getUsers, dataloader.WithWait[int, *models.User](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// For returns the request's loaders, or a fresh set when the middleware did not run.
func For(ctx context.Context) *Loaders {
	if loaders, ok := ctx.Value(loadersKey).(*Loaders); ok {
		return loaders
	}
	return NewLoaders(config.GetDB())
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders db rows to match ids. Missing ids resolve to notFound.
func generateLoaderResults[T any](results []T, ids []int, idOf func(*T) int, notFound error) []*dataloader.Result[*T] {
	resultMap := make(map[int]*T, len(results))
	for i := range results {
		resultMap[idOf(&results[i])] = &results[i]
	}

	loaderResults := make([]*dataloader.Result[*T], 0, len(ids))
	for _, id := range ids {
		data, ok := resultMap[id]
		if !ok {
			loaderResults = append(loaderResults, &dataloader.Result[*T]{Error: notFound})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: data})
	}
	return loaderResults
}
