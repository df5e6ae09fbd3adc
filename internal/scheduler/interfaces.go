package scheduler

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"marketplace_redirect/internal/model"
)

type ArticleFetcher interface {
	FetchSellerArticles(ctx context.Context, sellerID string) ([]model.Article, bool)
}

type Locker interface {
	Acquire() error
	Touch() error
	Release() error
}
