package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/internal/repository"
	"github.com/stockfolio/trading-service/internal/service"
	"github.com/stockfolio/trading-service/lib/errs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeProvider struct {
	quotes map[string]*models.Quote
}

func (f *fakeProvider) Lookup(_ context.Context, symbol string) (*models.Quote, error) {
	quote, ok := f.quotes[strings.ToUpper(symbol)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return quote, nil
}

func (f *fakeProvider) setPrice(symbol, price string) {
	f.quotes[symbol] = &models.Quote{
		Symbol: symbol,
		Name:   symbol + " Corp",
		Price:  decimal.RequireFromString(price),
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}

	if err := db.AutoMigrate(&models.User{}, &models.Transaction{}, &models.Session{}); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	return db
}

func setupTrading(t *testing.T) (*gorm.DB, service.TradingService, *fakeProvider) {
	t.Helper()

	db := setupTestDB(t)
	provider := &fakeProvider{quotes: make(map[string]*models.Quote)}
	trading := service.NewTradingService(repository.NewLedgerRepository(db), provider, db)
	return db, trading, provider
}

func createTestUser(t *testing.T, db *gorm.DB, cash string) *models.User {
	t.Helper()

	user := &models.User{
		Username:     fmt.Sprintf("user_%s", uuid.NewString()[:8]),
		PasswordHash: "x",
		CashBalance:  decimal.RequireFromString(cash),
	}
	if err := repository.NewUsersRepository(db).CreateUser(user); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

func holdings(t *testing.T, db *gorm.DB, userID uuid.UUID) map[string]int64 {
	t.Helper()

	rows, err := repository.NewLedgerRepository(db).AggregateHoldings(userID)
	if err != nil {
		t.Fatalf("AggregateHoldings failed: %v", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Symbol] = row.Quantity
	}
	return out
}

func TestBuySellLifecycle(t *testing.T) {
	db, trading, provider := setupTrading(t)
	ctx := context.Background()

	user := createTestUser(t, db, "1000.00")
	provider.setPrice("AAA", "50.00")

	t.Run("buy_ten_shares", func(t *testing.T) {
		result, err := trading.ExecuteBuy(ctx, user.ID, "AAA", 10)
		if err != nil {
			t.Fatalf("ExecuteBuy failed: %v", err)
		}
		if !result.CashBalance.Equal(decimal.RequireFromString("500.00")) {
			t.Errorf("expected cash 500.00, got %s", result.CashBalance)
		}
		if result.Transaction.Shares != 10 {
			t.Errorf("expected +10 shares recorded, got %d", result.Transaction.Shares)
		}
		if got := holdings(t, db, user.ID); got["AAA"] != 10 {
			t.Errorf("expected holdings {AAA: 10}, got %v", got)
		}
	})

	t.Run("oversell_rejected", func(t *testing.T) {
		_, err := trading.ExecuteSell(ctx, user.ID, "AAA", 15)
		if !errors.Is(err, errs.ErrInsufficientShares) {
			t.Fatalf("expected ErrInsufficientShares, got %v", err)
		}

		cash, err := repository.NewLedgerRepository(db).GetCashBalance(user.ID)
		if err != nil {
			t.Fatalf("GetCashBalance failed: %v", err)
		}
		if !cash.Equal(decimal.RequireFromString("500.00")) {
			t.Errorf("cash changed on rejected sell: %s", cash)
		}
		if got := holdings(t, db, user.ID); got["AAA"] != 10 {
			t.Errorf("holdings changed on rejected sell: %v", got)
		}
	})

	t.Run("sell_to_zero", func(t *testing.T) {
		provider.setPrice("AAA", "60.00")

		result, err := trading.ExecuteSell(ctx, user.ID, "AAA", 10)
		if err != nil {
			t.Fatalf("ExecuteSell failed: %v", err)
		}
		if !result.CashBalance.Equal(decimal.RequireFromString("1100.00")) {
			t.Errorf("expected cash 1100.00, got %s", result.CashBalance)
		}
		if got := holdings(t, db, user.ID); got["AAA"] != 0 {
			t.Errorf("expected holdings {AAA: 0}, got %v", got)
		}

		// The zero-quantity symbol leaves the portfolio view but the -10
		// entry stays in history.
		view, err := trading.GetPortfolio(ctx, user.ID)
		if err != nil {
			t.Fatalf("GetPortfolio failed: %v", err)
		}
		if len(view.Holdings) != 0 {
			t.Errorf("expected empty portfolio, got %+v", view.Holdings)
		}

		history, err := trading.GetHistory(ctx, user.ID)
		if err != nil {
			t.Fatalf("GetHistory failed: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 history entries, got %d", len(history))
		}
		last := history[1]
		if last.Type != "sell" || last.Shares != -10 {
			t.Errorf("expected sell of -10 in history, got %+v", last)
		}
	})
}

func TestBuyInsufficientFunds(t *testing.T) {
	db, trading, provider := setupTrading(t)
	ctx := context.Background()

	user := createTestUser(t, db, "10.00")
	provider.setPrice("AAA", "50.00")

	_, err := trading.ExecuteBuy(ctx, user.ID, "AAA", 1)
	if !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	history, err := trading.GetHistory(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected no transaction appended, got %d", len(history))
	}

	cash, err := repository.NewLedgerRepository(db).GetCashBalance(user.ID)
	if err != nil {
		t.Fatalf("GetCashBalance failed: %v", err)
	}
	if !cash.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("cash changed on rejected buy: %s", cash)
	}
}

func TestTradeValidation(t *testing.T) {
	db, trading, provider := setupTrading(t)
	ctx := context.Background()

	user := createTestUser(t, db, "1000.00")
	provider.setPrice("AAA", "50.00")

	cases := []struct {
		name   string
		symbol string
		shares int64
	}{
		{"zero_shares", "AAA", 0},
		{"negative_shares", "AAA", -5},
		{"blank_symbol", "  ", 1},
	}

	for _, tc := range cases {
		t.Run("buy_"+tc.name, func(t *testing.T) {
			if _, err := trading.ExecuteBuy(ctx, user.ID, tc.symbol, tc.shares); !errors.Is(err, errs.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
		t.Run("sell_"+tc.name, func(t *testing.T) {
			if _, err := trading.ExecuteSell(ctx, user.ID, tc.symbol, tc.shares); !errors.Is(err, errs.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	t.Run("unknown_symbol", func(t *testing.T) {
		if _, err := trading.ExecuteBuy(ctx, user.ID, "NOPE", 1); !errors.Is(err, errs.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAtomicityUnderInjectedFailure(t *testing.T) {
	db, trading, provider := setupTrading(t)
	ctx := context.Background()

	user := createTestUser(t, db, "1000.00")
	provider.setPrice("AAA", "50.00")

	// Make the transaction-log insert fail after the balance update has
	// already run inside the same commit unit.
	err := db.Callback().Create().Before("gorm:create").Register("fail_transactions", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Name == "Transaction" {
			tx.AddError(errors.New("injected disk failure"))
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	if _, err := trading.ExecuteBuy(ctx, user.ID, "AAA", 2); err == nil {
		t.Fatal("expected buy to fail")
	}

	if err := db.Callback().Create().Remove("fail_transactions"); err != nil {
		t.Fatalf("failed to remove callback: %v", err)
	}

	cash, err := repository.NewLedgerRepository(db).GetCashBalance(user.ID)
	if err != nil {
		t.Fatalf("GetCashBalance failed: %v", err)
	}
	if !cash.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("balance update leaked out of rolled-back trade: %s", cash)
	}

	history, err := trading.GetHistory(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("transaction leaked out of rolled-back trade: %d entries", len(history))
	}
}

func TestConservation(t *testing.T) {
	db, trading, provider := setupTrading(t)
	ctx := context.Background()

	user := createTestUser(t, db, "5000.00")
	provider.setPrice("AAA", "50.00")
	provider.setPrice("BBB", "12.34")

	trades := []struct {
		sell   bool
		symbol string
		shares int64
		price  string
	}{
		{false, "AAA", 10, "50.00"},
		{false, "BBB", 100, "12.34"},
		{true, "AAA", 4, "55.10"},
		{false, "AAA", 1, "49.99"},
		{true, "BBB", 100, "11.00"},
	}

	expected := decimal.RequireFromString("5000.00")
	for _, trade := range trades {
		provider.setPrice(trade.symbol, trade.price)
		price := decimal.RequireFromString(trade.price)
		amount := price.Mul(decimal.NewFromInt(trade.shares))

		var result *models.TradeResult
		var err error
		if trade.sell {
			result, err = trading.ExecuteSell(ctx, user.ID, trade.symbol, trade.shares)
			expected = expected.Add(amount)
		} else {
			result, err = trading.ExecuteBuy(ctx, user.ID, trade.symbol, trade.shares)
			expected = expected.Sub(amount)
		}
		if err != nil {
			t.Fatalf("trade %+v failed: %v", trade, err)
		}
		if !result.CashBalance.Equal(expected) {
			t.Fatalf("after %+v expected cash %s, got %s", trade, expected, result.CashBalance)
		}
	}

	if got := holdings(t, db, user.ID); got["AAA"] != 7 || got["BBB"] != 0 {
		t.Errorf("expected holdings {AAA: 7, BBB: 0}, got %v", got)
	}
}

func TestGetPortfolio(t *testing.T) {
	db, trading, provider := setupTrading(t)
	ctx := context.Background()

	user := createTestUser(t, db, "1000.00")
	provider.setPrice("BBB", "10.00")
	provider.setPrice("AAA", "50.00")

	if _, err := trading.ExecuteBuy(ctx, user.ID, "BBB", 5); err != nil {
		t.Fatalf("ExecuteBuy failed: %v", err)
	}
	if _, err := trading.ExecuteBuy(ctx, user.ID, "AAA", 2); err != nil {
		t.Fatalf("ExecuteBuy failed: %v", err)
	}

	t.Run("sorted_and_totalled", func(t *testing.T) {
		view, err := trading.GetPortfolio(ctx, user.ID)
		if err != nil {
			t.Fatalf("GetPortfolio failed: %v", err)
		}

		if len(view.Holdings) != 2 {
			t.Fatalf("expected 2 holdings, got %d", len(view.Holdings))
		}
		if view.Holdings[0].Symbol != "AAA" || view.Holdings[1].Symbol != "BBB" {
			t.Errorf("holdings not sorted by symbol: %+v", view.Holdings)
		}
		if !view.Cash.Equal(decimal.RequireFromString("850.00")) {
			t.Errorf("expected cash 850.00, got %s", view.Cash)
		}
		// 850 cash + 2*50 + 5*10
		if !view.TotalValue.Equal(decimal.RequireFromString("1000.00")) {
			t.Errorf("expected total 1000.00, got %s", view.TotalValue)
		}
	})

	t.Run("quote_miss_fails_whole_view", func(t *testing.T) {
		delete(provider.quotes, "BBB")

		_, err := trading.GetPortfolio(ctx, user.ID)
		if !errors.Is(err, errs.ErrQuoteUnavailable) {
			t.Errorf("expected ErrQuoteUnavailable, got %v", err)
		}

		provider.setPrice("BBB", "10.00")
	})
}
