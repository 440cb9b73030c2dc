package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoUserRepository implements domain.UserRepository
type MongoUserRepository struct {
	collection *mongo.Collection
}

func NewMongoUserRepository(db *mongo.Database) *MongoUserRepository {
	coll := db.Collection("users")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// firebase_uid is sparse (allows empty values, only indexes non-empty)
	_, _ = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "firebase_uid", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	})

	return &MongoUserRepository{
		collection: coll,
	}
}

func (r *MongoUserRepository) Create(ctx context.Context, user *domain.User) error {
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	objID := primitive.NewObjectID()
	user.ID = objID.Hex()

	doc := bson.M{
		"_id":                objID,
		"name":               user.Name,
		"phone":              user.Phone,
		"balance":            user.Balance,
		"preferred_language": user.PreferredLanguage,
		"roles":              user.Roles,
		"created_at":         user.CreatedAt,
		"updated_at":         user.UpdatedAt,
	}

	if user.Email != "" {
		doc["email"] = user.Email
	}
	if user.FirebaseUID != "" {
		doc["firebase_uid"] = user.FirebaseUID
	}

	_, err := r.collection.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *MongoUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, userFilter(id), "user")
}

func (r *MongoUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"email": email}, "user by email")
}

func (r *MongoUserRepository) GetByFirebaseUID(ctx context.Context, uid string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"firebase_uid": uid}, "user by uid")
}

func (r *MongoUserRepository) UpdateFirebaseUID(ctx context.Context, userID string, firebaseUID string) error {
	update := bson.M{
		"$set": bson.M{
			"firebase_uid": firebaseUID,
			"updated_at":   time.Now(),
		},
	}

	result, err := r.collection.UpdateOne(ctx, userFilter(userID), update)
	if err != nil {
		return fmt.Errorf("failed to update firebase uid: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MongoUserRepository) findOne(ctx context.Context, filter bson.M, what string) (*domain.User, error) {
	var raw bson.M
	if err := r.collection.FindOne(ctx, filter).Decode(&raw); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	return mapBsonToUser(raw), nil
}

func mapBsonToUser(raw bson.M) *domain.User {
	user := &domain.User{}
	switch id := raw["_id"].(type) {
	case primitive.ObjectID:
		user.ID = id.Hex()
	case string:
		user.ID = id
	}
	if uid, ok := raw["firebase_uid"].(string); ok {
		user.FirebaseUID = uid
	}
	if email, ok := raw["email"].(string); ok {
		user.Email = email
	}
	if phone, ok := raw["phone"].(string); ok {
		user.Phone = phone
	}
	if name, ok := raw["name"].(string); ok {
		user.Name = name
	}
	if lang, ok := raw["preferred_language"].(string); ok {
		user.PreferredLanguage = lang
	}

	// Balances written by $inc keep whatever numeric type they started with.
	switch b := raw["balance"].(type) {
	case float64:
		user.Balance = b
	case int32:
		user.Balance = float64(b)
	case int64:
		user.Balance = float64(b)
	}

	if created, ok := raw["created_at"].(primitive.DateTime); ok {
		user.CreatedAt = created.Time()
	}
	if updated, ok := raw["updated_at"].(primitive.DateTime); ok {
		user.UpdatedAt = updated.Time()
	}

	if rolesArray, ok := raw["roles"].(primitive.A); ok {
		user.Roles = make([]string, 0, len(rolesArray))
		for _, r := range rolesArray {
			if roleStr, ok := r.(string); ok {
				user.Roles = append(user.Roles, roleStr)
			}
		}
	}

	return user
}
