package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoEsimRepository implements domain.EsimRepository
type MongoEsimRepository struct {
	collection *mongo.Collection
}

func NewMongoEsimRepository(db *mongo.Database) *MongoEsimRepository {
	coll := db.Collection("esims")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "imsi", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})

	return &MongoEsimRepository{
		collection: coll,
	}
}

// Create inserts a new data identity. Autopay state starts empty.
func (r *MongoEsimRepository) Create(ctx context.Context, esim *domain.Esim) error {
	if esim.ID == "" {
		esim.ID = primitive.NewObjectID().Hex()
	}
	esim.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	esim.UpdatedAt = esim.CreatedAt
	esim.Autopay = domain.AutopayState{}

	if _, err := r.collection.InsertOne(ctx, esim); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: imsi %s already registered", domain.ErrConflict, esim.IMSI)
		}
		return fmt.Errorf("failed to create esim: %w", err)
	}
	return nil
}

func (r *MongoEsimRepository) GetByID(ctx context.Context, id string) (*domain.Esim, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoEsimRepository) GetForUser(ctx context.Context, userID, id string) (*domain.Esim, error) {
	return r.findOne(ctx, bson.M{"_id": id, "user_id": userID})
}

func (r *MongoEsimRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Esim, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list esims: %w", err)
	}
	defer cursor.Close(ctx)

	esims := make([]*domain.Esim, 0)
	if err := cursor.All(ctx, &esims); err != nil {
		return nil, fmt.Errorf("failed to decode esims: %w", err)
	}
	return esims, nil
}

func (r *MongoEsimRepository) UpdateIdentity(ctx context.Context, id, iccid, msisdn string) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{
		"iccid":      iccid,
		"msisdn":     msisdn,
		"updated_at": time.Now().UTC(),
	}})
}

func (r *MongoEsimRepository) AddDataLimit(ctx context.Context, id string, mb float64) error {
	return r.update(ctx, id, bson.M{
		"$inc": bson.M{"data_limit_mb": mb},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
}

// AcquireAutopayLock is a single conditional update: concurrent callers race
// on the same document and at most one of them sees it match.
func (r *MongoEsimRepository) AcquireAutopayLock(ctx context.Context, id string, now time.Time, cooldown time.Duration) (bool, error) {
	now = now.UTC()
	filter := bson.M{
		"_id":                 id,
		"autopay.in_progress": bson.M{"$ne": true},
		"$or": bson.A{
			bson.M{"autopay.last_attempt_at": bson.M{"$exists": false}},
			bson.M{"autopay.last_attempt_at": nil},
			bson.M{"autopay.last_attempt_at": bson.M{"$lte": now.Add(-cooldown)}},
		},
	}
	update := bson.M{"$set": bson.M{
		"autopay.in_progress":     true,
		"autopay.last_attempt_at": now,
		"updated_at":              now,
	}}

	err := r.collection.FindOneAndUpdate(ctx, filter, update).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire autopay lock: %w", err)
	}
	return true, nil
}

func (r *MongoEsimRepository) ReleaseAutopayLock(ctx context.Context, id string) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{
		"autopay.in_progress": false,
		"updated_at":          time.Now().UTC(),
	}})
}

func (r *MongoEsimRepository) RecordAutopayStatus(ctx context.Context, id, status string) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{
		"autopay.last_status": status,
		"updated_at":          time.Now().UTC(),
	}})
}

func (r *MongoEsimRepository) RecordAutopaySuccess(ctx context.Context, id string, outcome domain.AutopaySuccess) error {
	at := outcome.At.UTC()
	return r.update(ctx, id, bson.M{"$set": bson.M{
		"autopay.last_status":          domain.AutopayStatusSuccess,
		"autopay.last_success_at":      at,
		"autopay.last_card_id":         outcome.CardID,
		"autopay.last_rate_usd_per_mb": outcome.RateUSDPerMB,
		"autopay.last_amount_usd":      outcome.AmountUSD,
		"autopay.last_amount_kzt":      outcome.AmountKZT,
		"autopay.last_country":         outcome.Country,
		"autopay.last_payment_id":      outcome.PaymentID,
		"updated_at":                   at,
	}})
}

func (r *MongoEsimRepository) findOne(ctx context.Context, filter bson.M) (*domain.Esim, error) {
	var esim domain.Esim
	if err := r.collection.FindOne(ctx, filter).Decode(&esim); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get esim: %w", err)
	}
	return &esim, nil
}

func (r *MongoEsimRepository) update(ctx context.Context, id string, update bson.M) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update esim: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
