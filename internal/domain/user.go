package domain

import (
	"context"
	"strings"
	"time"
)

// User is an authenticated customer with a single-currency wallet balance
type User struct {
	ID                string    `bson:"_id,omitempty" json:"id"`
	FirebaseUID       string    `bson:"firebase_uid,omitempty" json:"firebase_uid"`
	Email             string    `bson:"email" json:"email"`
	Phone             string    `bson:"phone" json:"phone"`
	Name              string    `bson:"name" json:"name"`
	Balance           float64   `bson:"balance" json:"balance"`
	PreferredLanguage string    `bson:"preferred_language" json:"preferred_language"`
	Roles             []string  `bson:"roles" json:"roles"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at" json:"updated_at"`
}

// HasRole checks if user has a specific role
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Language returns the gateway page language, defaulting to Russian.
func (u *User) Language() string {
	if u.PreferredLanguage == "" {
		return "rus"
	}
	return u.PreferredLanguage
}

// UserRepository defines operations for managing users
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByFirebaseUID(ctx context.Context, uid string) (*User, error)
	UpdateFirebaseUID(ctx context.Context, userID string, firebaseUID string) error
}

// Role constants
const (
	RoleCustomer = "customer"
)

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
