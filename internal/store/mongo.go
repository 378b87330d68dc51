package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_classifier_bot/internal/domain"
)

type credentialCollection interface {
	countCollection
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Pinger reports backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MongoRepository stores one credential document per user. Each operation
// touches a single document, which MongoDB applies atomically.
type MongoRepository struct {
	collection credentialCollection
	pinger     Pinger
	stats      *StatsProvider
}

// NewMongoRepository constructs a MongoRepository. pinger may be nil.
func NewMongoRepository(collection credentialCollection, pinger Pinger) *MongoRepository {
	return &MongoRepository{
		collection: collection,
		pinger:     pinger,
		stats:      NewStatsProvider(collection),
	}
}

// Get fetches the credential record for userID.
func (r *MongoRepository) Get(ctx context.Context, userID int64) (domain.UserRecord, error) {
	if err := r.check(ctx); err != nil {
		return domain.UserRecord{}, err
	}

	result := r.collection.FindOne(ctx, bson.M{"user_id": userID})
	if result == nil {
		return domain.UserRecord{}, errors.New("find credential returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.UserRecord{}, domain.ErrNotRegistered
		}
		return domain.UserRecord{}, fmt.Errorf("find credential: %w", err)
	}

	var rec domain.UserRecord
	if err := result.Decode(&rec); err != nil {
		return domain.UserRecord{}, fmt.Errorf("decode credential: %w", err)
	}

	return rec, nil
}

// Create inserts rec; the unique user_id index turns a concurrent duplicate
// into domain.ErrAlreadyRegistered.
func (r *MongoRepository) Create(ctx context.Context, rec domain.UserRecord) error {
	if err := r.check(ctx); err != nil {
		return err
	}

	if _, err := r.collection.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyRegistered
		}
		return fmt.Errorf("insert credential: %w", err)
	}

	return nil
}

// SetAuthenticated updates the authenticated flag of an existing document.
func (r *MongoRepository) SetAuthenticated(ctx context.Context, userID int64, authenticated bool, at time.Time) error {
	if err := r.check(ctx); err != nil {
		return err
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{
			"authenticated": authenticated,
			"updated_at":    at,
		}},
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return domain.ErrNotRegistered
	}

	return nil
}

// Count returns registered and authenticated user totals.
func (r *MongoRepository) Count(ctx context.Context) (domain.Stats, error) {
	if err := r.check(ctx); err != nil {
		return domain.Stats{}, err
	}

	return r.stats.Stats(ctx)
}

// Ping delegates to the configured pinger.
func (r *MongoRepository) Ping(ctx context.Context) error {
	if r == nil || r.pinger == nil {
		return errors.New("mongo pinger is not configured")
	}
	return r.pinger.Ping(ctx)
}

func (r *MongoRepository) check(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return errors.New("mongo repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
