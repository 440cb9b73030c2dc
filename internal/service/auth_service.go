package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mansoorceksport/esimpay/internal/config"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/rs/zerolog"
)

// FirebaseAuthClient defines the interface for Firebase Auth operations
// This allows mocking for tests
type FirebaseAuthClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// AuthService exchanges Firebase identities for session tokens
type AuthService struct {
	userRepo   domain.UserRepository
	authClient FirebaseAuthClient
	jwtConfig  config.JWTConfig
	log        *zerolog.Logger
	now        func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(
	userRepo domain.UserRepository,
	authClient FirebaseAuthClient,
	jwtConfig config.JWTConfig,
	logger *zerolog.Logger,
) *AuthService {
	return &AuthService{
		userRepo:   userRepo,
		authClient: authClient,
		jwtConfig:  jwtConfig,
		log:        logger,
		now:        time.Now,
	}
}

// LoginResponse contains the user, its session token and whether it was newly created
type LoginResponse struct {
	User      *domain.User `json:"user"`
	Token     string       `json:"token"`
	ExpiresIn int64        `json:"expires_in"`
	IsNewUser bool         `json:"is_new_user"`
}

// LoginOrRegister verifies the Firebase token, finds or creates the user and
// issues a session token.
func (s *AuthService) LoginOrRegister(ctx context.Context, firebaseToken string) (*LoginResponse, error) {
	token, err := s.authClient.VerifyIDToken(ctx, firebaseToken)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token: %v", domain.ErrUnauthorized, err)
	}

	firebaseUID := token.UID
	email, _ := token.Claims["email"].(string)
	name, _ := token.Claims["name"].(string)
	phone, _ := token.Claims["phone_number"].(string)
	if name == "" {
		name = email
	}

	user, err := s.userRepo.GetByFirebaseUID(ctx, firebaseUID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}

	// Pre-provisioned accounts are linked by email on first login.
	if user == nil && email != "" {
		user, err = s.linkByEmail(ctx, email, firebaseUID)
		if err != nil {
			return nil, err
		}
	}

	isNew := false
	if user == nil {
		user = &domain.User{
			FirebaseUID: firebaseUID,
			Email:       email,
			Phone:       phone,
			Name:        name,
			Roles:       []string{domain.RoleCustomer},
		}
		if err := s.userRepo.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		isNew = true
		s.log.Info().Str("user_id", user.ID).Msg("user registered")
	}

	signed, err := s.GenerateToken(user)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		User:      user,
		Token:     signed,
		ExpiresIn: int64(s.jwtConfig.TTL.Seconds()),
		IsNewUser: isNew,
	}, nil
}

func (s *AuthService) linkByEmail(ctx context.Context, email, firebaseUID string) (*domain.User, error) {
	user, err := s.userRepo.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	if user.FirebaseUID != "" {
		return nil, fmt.Errorf("%w: email already linked to different account", domain.ErrConflict)
	}

	if err := s.userRepo.UpdateFirebaseUID(ctx, user.ID, firebaseUID); err != nil {
		return nil, fmt.Errorf("failed to link firebase account: %w", err)
	}
	user.FirebaseUID = firebaseUID
	return user, nil
}

// GenerateToken creates an HS256 session token for the user
func (s *AuthService) GenerateToken(user *domain.User) (string, error) {
	now := s.now()
	claims := domain.SessionClaims{
		UserID: user.ID,
		Email:  user.Email,
		Phone:  user.Phone,
		Roles:  user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtConfig.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtConfig.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
