package repository

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/lib/errs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HoldingRow is one line of the SUM(shares) GROUP BY symbol fold over the
// transaction log. Quantity may be zero; filtering to active holdings is the
// trading service's job.
type HoldingRow struct {
	Symbol      string
	CompanyName string
	Quantity    int64
}

type LedgerRepository interface {
	GetCashBalance(userID uuid.UUID) (decimal.Decimal, error)
	// GetCashBalanceForUpdate locks the user row for the duration of the
	// surrounding transaction, serializing trades per user.
	GetCashBalanceForUpdate(userID uuid.UUID) (decimal.Decimal, error)
	SetCashBalance(userID uuid.UUID, balance decimal.Decimal) error
	AppendTransaction(entry *models.Transaction) error
	ListTransactionsForUser(userID uuid.UUID) ([]models.Transaction, error)
	AggregateHoldings(userID uuid.UUID) ([]HoldingRow, error)
}

type ledgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) GetCashBalance(userID uuid.UUID) (decimal.Decimal, error) {
	return r.cashBalance(r.db, userID)
}

func (r *ledgerRepository) GetCashBalanceForUpdate(userID uuid.UUID) (decimal.Decimal, error) {
	// The sqlite driver ignores the locking clause; its writer lock gives the
	// same per-user serialization in tests.
	return r.cashBalance(r.db.Clauses(clause.Locking{Strength: "UPDATE"}), userID)
}

func (r *ledgerRepository) cashBalance(db *gorm.DB, userID uuid.UUID) (decimal.Decimal, error) {
	var user models.User
	if err := db.Select("id", "cash_balance").First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, errs.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return user.CashBalance, nil
}

func (r *ledgerRepository) SetCashBalance(userID uuid.UUID, balance decimal.Decimal) error {
	result := r.db.Model(&models.User{}).Where("id = ?", userID).Update("cash_balance", balance)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *ledgerRepository) AppendTransaction(entry *models.Transaction) error {
	if err := r.db.Create(entry).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return nil
}

func (r *ledgerRepository) ListTransactionsForUser(userID uuid.UUID) ([]models.Transaction, error) {
	var entries []models.Transaction
	err := r.db.
		Where("user_id = ?", userID).
		Order("created_at asc, id asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return entries, nil
}

func (r *ledgerRepository) AggregateHoldings(userID uuid.UUID) ([]HoldingRow, error) {
	var rows []HoldingRow
	err := r.db.Model(&models.Transaction{}).
		Select("symbol, max(company_name) as company_name, sum(shares) as quantity").
		Where("user_id = ?", userID).
		Group("symbol").
		Order("symbol asc").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return rows, nil
}
