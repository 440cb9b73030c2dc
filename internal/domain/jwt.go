package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims represents the JWT claims issued at login
type SessionClaims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Phone  string   `json:"phone,omitempty"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}
