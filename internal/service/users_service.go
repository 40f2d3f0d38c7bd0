package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stockfolio/trading-service/internal/config"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/internal/repository"
	"github.com/stockfolio/trading-service/lib/errs"
	"github.com/stockfolio/trading-service/lib/hashcrypto"
	"gorm.io/gorm"
)

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type UsersService interface {
	Register(ctx context.Context, username, password, confirmation string) (*models.User, *TokenPair, error)
	Login(ctx context.Context, username, password string) (*models.User, *TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error
	CheckUsername(ctx context.Context, username string) (bool, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
}

type usersService struct {
	usersRepo repository.UsersRepository
	tokenRepo repository.TokenRepository
	db        *gorm.DB
	security  config.SecConfig
	// Cash granted to every new account.
	startingCash decimal.Decimal
}

func NewUsersService(usersRepo repository.UsersRepository, tokenRepo repository.TokenRepository, db *gorm.DB, security config.SecConfig, trading config.TradingConfig) (UsersService, error) {
	startingCash, err := decimal.NewFromString(trading.StartingCash)
	if err != nil || startingCash.IsNegative() {
		return nil, fmt.Errorf("invalid starting cash %q", trading.StartingCash)
	}

	return &usersService{
		usersRepo:    usersRepo,
		tokenRepo:    tokenRepo,
		db:           db,
		security:     security,
		startingCash: startingCash,
	}, nil
}

func (s *usersService) Register(_ context.Context, username, password, confirmation string) (*models.User, *TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil, fmt.Errorf("%w: username is required", errs.ErrValidation)
	}
	if password == "" {
		return nil, nil, fmt.Errorf("%w: password is required", errs.ErrValidation)
	}
	if password != confirmation {
		return nil, nil, fmt.Errorf("%w: passwords don't match", errs.ErrValidation)
	}

	hash, err := hashcrypto.HashPwd([]byte(password))
	if err != nil {
		return nil, nil, err
	}

	user := &models.User{
		Username:     username,
		PasswordHash: string(hash),
		CashBalance:  s.startingCash,
	}
	if err := s.usersRepo.CreateUser(user); err != nil {
		return nil, nil, err
	}

	tokens, err := s.issueTokens(user.ID, user.Username, s.tokenRepo)
	if err != nil {
		return nil, nil, err
	}

	return user, tokens, nil
}

func (s *usersService) Login(_ context.Context, username, password string) (*models.User, *TokenPair, error) {
	user, err := s.usersRepo.GetUserByName(strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil, errs.ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if err := hashcrypto.ComparePwd([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, errs.ErrInvalidCredentials
	}

	tokens, err := s.issueTokens(user.ID, user.Username, s.tokenRepo)
	if err != nil {
		return nil, nil, err
	}

	return user, tokens, nil
}

// Refresh rotates a session: the old refresh token is deleted and a new pair
// is issued inside one transaction, so a token can never be redeemed twice.
func (s *usersService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var tokens *TokenPair

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txTokenRepo := repository.NewTokenRepository(tx)
		txUsersRepo := repository.NewUsersRepository(tx)

		hashed := hashcrypto.HashToken(refreshToken)
		session, err := txTokenRepo.GetByRefreshTokenHash(hashed)
		if err != nil {
			return errs.ErrInvalidToken
		}

		if time.Now().After(session.ExpiresAt) {
			return errs.ErrInvalidToken
		}

		user, err := txUsersRepo.GetUserByID(session.UserID)
		if err != nil {
			return fmt.Errorf("inconsistent state: session found but user not: %w", err)
		}

		if err := txTokenRepo.DeleteByRefreshTokenHash(hashed); err != nil {
			return fmt.Errorf("failed to delete old session: %w", err)
		}

		tokens, err = s.issueTokens(user.ID, user.Username, txTokenRepo)
		if err != nil {
			return fmt.Errorf("failed to generate new tokens: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tokens, nil
}

func (s *usersService) Logout(_ context.Context, refreshToken string) error {
	hashed := hashcrypto.HashToken(refreshToken)

	if err := s.tokenRepo.DeleteByRefreshTokenHash(hashed); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	return nil
}

func (s *usersService) ChangePassword(_ context.Context, userID uuid.UUID, oldPassword, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: new password is required", errs.ErrValidation)
	}

	user, err := s.usersRepo.GetUserByID(userID)
	if err != nil {
		return err
	}

	if err := hashcrypto.ComparePwd([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return errs.ErrInvalidCredentials
	}

	hash, err := hashcrypto.HashPwd([]byte(newPassword))
	if err != nil {
		return err
	}

	if err := s.usersRepo.UpdatePasswordHash(userID, string(hash)); err != nil {
		return err
	}

	// A password change invalidates every open session.
	return s.tokenRepo.DeleteAllUserSessions(userID)
}

func (s *usersService) CheckUsername(_ context.Context, username string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, nil
	}

	_, err := s.usersRepo.GetUserByName(username)
	if errors.Is(err, errs.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *usersService) GetUser(_ context.Context, userID uuid.UUID) (*models.User, error) {
	return s.usersRepo.GetUserByID(userID)
}

func (s *usersService) issueTokens(userID uuid.UUID, username string, repo repository.TokenRepository) (*TokenPair, error) {
	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"name": username,
		"exp":  time.Now().Add(s.security.AccessTTL).Unix(),
		"iat":  time.Now().Unix(),
	}

	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedAccessToken, err := accessToken.SignedString([]byte(s.security.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken, err := hashcrypto.GenerateRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	session := &models.Session{
		UserID:       userID,
		RefreshToken: hashcrypto.HashToken(refreshToken),
		ExpiresAt:    time.Now().Add(s.security.RefreshTTL),
	}
	if err := repo.StoreRefreshToken(session); err != nil {
		return nil, fmt.Errorf("failed to store refresh token session: %w", err)
	}

	return &TokenPair{AccessToken: signedAccessToken, RefreshToken: refreshToken}, nil
}
