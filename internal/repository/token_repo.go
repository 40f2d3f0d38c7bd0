package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/lib/errs"
	"gorm.io/gorm"
)

type TokenRepository interface {
	StoreRefreshToken(session *models.Session) error
	GetByRefreshTokenHash(hash string) (*models.Session, error)
	DeleteByRefreshTokenHash(hash string) error
	DeleteExpiredTokens() error
	DeleteAllUserSessions(userID uuid.UUID) error
}

type tokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{db: db}
}

func (r *tokenRepository) StoreRefreshToken(session *models.Session) error {
	return r.db.Create(session).Error
}

func (r *tokenRepository) GetByRefreshTokenHash(hash string) (*models.Session, error) {
	var session models.Session
	if err := r.db.First(&session, "refresh_token = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (r *tokenRepository) DeleteByRefreshTokenHash(hash string) error {
	result := r.db.Where("refresh_token = ?", hash).Delete(&models.Session{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *tokenRepository) DeleteExpiredTokens() error {
	return r.db.Where("expires_at < ?", time.Now()).Delete(&models.Session{}).Error
}

func (r *tokenRepository) DeleteAllUserSessions(userID uuid.UUID) error {
	return r.db.Where("user_id = ?", userID).Delete(&models.Session{}).Error
}
