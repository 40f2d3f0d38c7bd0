package repository

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/lib/errs"
	"gorm.io/gorm"
)

type UsersRepository interface {
	CreateUser(user *models.User) error
	GetUserByID(userID uuid.UUID) (*models.User, error)
	GetUserByName(username string) (*models.User, error)
	UpdatePasswordHash(userID uuid.UUID, hash string) error
}

type usersRepository struct {
	db *gorm.DB
}

func NewUsersRepository(db *gorm.DB) UsersRepository {
	return &usersRepository{db: db}
}

func (db *usersRepository) CreateUser(user *models.User) error {
	if err := db.db.Create(user).Error; err != nil {
		errorString := err.Error()
		if strings.Contains(errorString, "UNIQUE constraint failed") || strings.Contains(errorString, "duplicate key value violates unique constraint") {
			return errs.ErrAlreadyExists
		}

		return errs.ErrInternal
	}

	return nil
}

func (db *usersRepository) GetUserByID(userID uuid.UUID) (*models.User, error) {
	var user models.User
	if err := db.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}

		return nil, err
	}
	return &user, nil
}

func (db *usersRepository) GetUserByName(username string) (*models.User, error) {
	var user models.User
	if err := db.db.First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}

		return nil, err
	}
	return &user, nil
}

func (db *usersRepository) UpdatePasswordHash(userID uuid.UUID, hash string) error {
	result := db.db.Model(&models.User{}).Where("id = ?", userID).Update("password_hash", hash)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return errs.ErrNotFound
	}

	return nil
}
