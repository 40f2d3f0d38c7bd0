package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/internal/quotes"
	"github.com/stockfolio/trading-service/internal/repository"
	"github.com/stockfolio/trading-service/lib/errs"
	"gorm.io/gorm"
)

// TradingService validates and executes trades against the append-only
// ledger and computes read-only portfolio views. Holdings are never stored:
// they are always the SUM(shares) fold over the transaction log.
type TradingService interface {
	ExecuteBuy(ctx context.Context, userID uuid.UUID, symbol string, shares int64) (*models.TradeResult, error)
	ExecuteSell(ctx context.Context, userID uuid.UUID, symbol string, shares int64) (*models.TradeResult, error)
	GetPortfolio(ctx context.Context, userID uuid.UUID) (*models.PortfolioView, error)
	GetHistory(ctx context.Context, userID uuid.UUID) ([]models.HistoryEntry, error)
}

type tradingService struct {
	ledger   repository.LedgerRepository
	provider quotes.Provider
	db       *gorm.DB
}

func NewTradingService(ledger repository.LedgerRepository, provider quotes.Provider, db *gorm.DB) TradingService {
	return &tradingService{
		ledger:   ledger,
		provider: provider,
		db:       db,
	}
}

func (s *tradingService) ExecuteBuy(ctx context.Context, userID uuid.UUID, symbol string, shares int64) (*models.TradeResult, error) {
	quote, err := s.quoteForTrade(ctx, symbol, shares)
	if err != nil {
		return nil, err
	}

	var result *models.TradeResult

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := repository.NewLedgerRepository(tx)

		// The row lock serializes all trades for this user; the balance read
		// below always observes the previous trade's effect.
		cash, err := ledger.GetCashBalanceForUpdate(userID)
		if err != nil {
			return err
		}

		cost := quote.Price.Mul(decimal.NewFromInt(shares))
		if cash.LessThan(cost) {
			return errs.ErrInsufficientFunds
		}

		entry := &models.Transaction{
			UserID:      userID,
			Symbol:      quote.Symbol,
			CompanyName: quote.Name,
			Shares:      shares,
			Price:       quote.Price,
		}

		newCash := cash.Sub(cost)
		if err := ledger.SetCashBalance(userID, newCash); err != nil {
			return err
		}
		if err := ledger.AppendTransaction(entry); err != nil {
			return err
		}

		result = &models.TradeResult{CashBalance: newCash, Transaction: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *tradingService) ExecuteSell(ctx context.Context, userID uuid.UUID, symbol string, shares int64) (*models.TradeResult, error) {
	quote, err := s.quoteForTrade(ctx, symbol, shares)
	if err != nil {
		return nil, err
	}

	var result *models.TradeResult

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := repository.NewLedgerRepository(tx)

		cash, err := ledger.GetCashBalanceForUpdate(userID)
		if err != nil {
			return err
		}

		owned, err := holdingQuantity(ledger, userID, quote.Symbol)
		if err != nil {
			return err
		}
		if shares > owned {
			return errs.ErrInsufficientShares
		}

		entry := &models.Transaction{
			UserID:      userID,
			Symbol:      quote.Symbol,
			CompanyName: quote.Name,
			Shares:      -shares,
			Price:       quote.Price,
		}

		proceeds := quote.Price.Mul(decimal.NewFromInt(shares))
		newCash := cash.Add(proceeds)
		if err := ledger.SetCashBalance(userID, newCash); err != nil {
			return err
		}
		if err := ledger.AppendTransaction(entry); err != nil {
			return err
		}

		result = &models.TradeResult{CashBalance: newCash, Transaction: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *tradingService) GetPortfolio(ctx context.Context, userID uuid.UUID) (*models.PortfolioView, error) {
	rows, err := s.ledger.AggregateHoldings(userID)
	if err != nil {
		return nil, err
	}

	cash, err := s.ledger.GetCashBalance(userID)
	if err != nil {
		return nil, err
	}

	view := &models.PortfolioView{
		UserID:     userID.String(),
		Holdings:   []models.HoldingView{},
		Cash:       cash,
		TotalValue: cash,
	}

	for _, row := range rows {
		if row.Quantity <= 0 {
			continue
		}

		// A held symbol the provider cannot resolve fails the whole view; a
		// partial total would be worse than no total.
		quote, err := s.provider.Lookup(ctx, row.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrQuoteUnavailable, row.Symbol)
		}

		marketValue := quote.Price.Mul(decimal.NewFromInt(row.Quantity))
		view.Holdings = append(view.Holdings, models.HoldingView{
			Symbol:      row.Symbol,
			CompanyName: row.CompanyName,
			Quantity:    row.Quantity,
			Price:       quote.Price,
			MarketValue: marketValue,
		})
		view.TotalValue = view.TotalValue.Add(marketValue)
	}

	return view, nil
}

func (s *tradingService) GetHistory(ctx context.Context, userID uuid.UUID) ([]models.HistoryEntry, error) {
	entries, err := s.ledger.ListTransactionsForUser(userID)
	if err != nil {
		return nil, err
	}

	history := make([]models.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		kind := "buy"
		if entry.Shares < 0 {
			kind = "sell"
		}
		history = append(history, models.HistoryEntry{
			Symbol:      entry.Symbol,
			CompanyName: entry.CompanyName,
			Type:        kind,
			Shares:      entry.Shares,
			Price:       entry.Price,
			Timestamp:   entry.CreatedAt,
		})
	}

	return history, nil
}

// quoteForTrade rejects malformed input before any read, then fetches the
// quote so the price staleness window is bounded by one round trip.
func (s *tradingService) quoteForTrade(ctx context.Context, symbol string, shares int64) (*models.Quote, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("%w: symbol is required", errs.ErrValidation)
	}
	if shares <= 0 {
		return nil, fmt.Errorf("%w: shares must be a positive integer", errs.ErrValidation)
	}

	quote, err := s.provider.Lookup(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !quote.Price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive price for %s", errs.ErrQuoteUnavailable, quote.Symbol)
	}

	return quote, nil
}

func holdingQuantity(ledger repository.LedgerRepository, userID uuid.UUID, symbol string) (int64, error) {
	rows, err := ledger.AggregateHoldings(userID)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if row.Symbol == symbol {
			return row.Quantity, nil
		}
	}
	return 0, nil
}
