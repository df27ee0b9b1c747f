// Package authpw implements email/password accounts: sign-up with mandatory
// address verification, sign-in, and token-based password resets. Session
// issuance lives in the app layer; this package only answers who the
// credentials belong to and whether they may sign in yet.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"agora/api/internal/rbac"
	"agora/api/internal/store"
	"agora/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength  = 8
	verificationWindow = 24 * time.Hour
	resetWindow        = time.Hour
)

// UserStore is the persistence surface this service needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	VerifyUserEmail(ctx context.Context, token string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

type Service struct {
	users UserStore
}

func NewService(users UserStore) *Service {
	return &Service{users: users}
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

type SignUpResponse struct {
	UserID              string
	VerificationToken   string
	RequiresEmailVerify bool
}

// SignUp registers a member account. The account cannot sign in until the
// verification token is redeemed.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	if req.Email == "" || req.Password == "" || req.DisplayName == "" {
		return nil, errors.New("email, password, and display name are required")
	}
	if len(req.Password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if _, err := s.users.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, errors.New("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	verificationToken, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	user := store.User{
		ID:                util.NewID("usr"),
		DisplayName:       req.DisplayName,
		Email:             req.Email,
		PasswordHash:      string(hash),
		Role:              string(rbac.RoleMember),
		VerificationToken: verificationToken,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if err := s.users.UpdateUserVerificationToken(ctx, user.ID, verificationToken, time.Now().Add(verificationWindow)); err != nil {
		return nil, fmt.Errorf("set verification expiry: %w", err)
	}

	return &SignUpResponse{
		UserID:              user.ID,
		VerificationToken:   verificationToken,
		RequiresEmailVerify: true,
	}, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

type SignInResponse struct {
	User           store.User
	RequiresVerify bool
}

// SignIn checks credentials. An unverified account is reported via
// RequiresVerify rather than an error so the caller can re-prompt for
// verification instead of rejecting the sign-in outright.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, errors.New("email and password are required")
	}

	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, errors.New("invalid email or password")
	}
	if !user.IsEmailVerified {
		return &SignInResponse{User: user, RequiresVerify: true}, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errors.New("invalid email or password")
	}

	return &SignInResponse{User: user}, nil
}

// VerifyEmail redeems a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("verification token required")
	}
	if err := s.users.VerifyUserEmail(ctx, token); err != nil {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

// RequestPasswordReset mints a reset token for the address. An unknown
// address yields an empty token and no error, so responses never reveal
// whether an account exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.users.CreatePasswordReset(ctx, user.ID, token, time.Now().Add(resetWindow)); err != nil {
		return "", err
	}
	return token, nil
}

type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

// ResetPassword redeems a reset token and replaces the password.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Token == "" || req.NewPassword == "" {
		return errors.New("token and new password are required")
	}
	if len(req.NewPassword) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	userID, err := s.users.GetPasswordReset(ctx, req.Token)
	if err != nil {
		return errors.New("invalid or expired reset token")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	// The password is already replaced; marking the token is best effort.
	_ = s.users.MarkPasswordResetUsed(ctx, req.Token)
	return nil
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
