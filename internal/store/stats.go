package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_classifier_bot/internal/domain"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// StatsProvider exposes helper methods to retrieve credential counts for basic
// diagnostics without leaking MongoDB internals to callers.
type StatsProvider struct {
	credentials countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the credentials collection.
func NewStatsProvider(credentials countCollection) *StatsProvider {
	return &StatsProvider{credentials: credentials}
}

// CountUsers returns the number of registered users.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	return p.count(ctx, bson.D{}, "count users")
}

// CountAuthenticated returns the number of users with an active login.
func (p *StatsProvider) CountAuthenticated(ctx context.Context) (int64, error) {
	return p.count(ctx, bson.D{{Key: "authenticated", Value: true}}, "count authenticated users")
}

// Stats returns both counts.
func (p *StatsProvider) Stats(ctx context.Context) (domain.Stats, error) {
	users, err := p.CountUsers(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	authenticated, err := p.CountAuthenticated(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.Stats{Users: users, Authenticated: authenticated}, nil
}

func (p *StatsProvider) count(ctx context.Context, filter bson.D, op string) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.credentials == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.credentials.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return count, nil
}
