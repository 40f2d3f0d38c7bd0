package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type User struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey;" json:"id"`
	Username     string          `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string          `gorm:"not null" json:"-"`
	CashBalance  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"cashBalance"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (user *User) BeforeCreate(tx *gorm.DB) (err error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	return
}

// Transaction is one row of the append-only trade log. Shares is signed:
// positive for a buy, negative for a sell. Rows are never updated or deleted;
// current holdings are always SUM(shares) per symbol.
type Transaction struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	UserID      uuid.UUID       `gorm:"type:uuid;index;not null" json:"userId"`
	Symbol      string          `gorm:"index;not null" json:"symbol"`
	CompanyName string          `gorm:"not null" json:"companyName"`
	Shares      int64           `gorm:"not null" json:"shares"`
	Price       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"pricePerShare"`
	CreatedAt   time.Time       `gorm:"index" json:"timestamp"`
}

type Session struct {
	ID           uint
	UserID       uuid.UUID `gorm:"type:uuid;index"`
	User         User      `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE;"`
	RefreshToken string    `gorm:"uniqueIndex;not null"`
	ExpiresAt    time.Time
	CreatedAt    time.Time
}
