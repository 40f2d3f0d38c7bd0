package repository_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/internal/repository"
	"github.com/stockfolio/trading-service/lib/errs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

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

func TestCashBalance(t *testing.T) {
	testDB := setupTestDB(t)
	ledger := repository.NewLedgerRepository(testDB)

	t.Run("read_after_create", func(t *testing.T) {
		user := createTestUser(t, testDB, "1000.00")

		cash, err := ledger.GetCashBalance(user.ID)
		if err != nil {
			t.Fatalf("GetCashBalance failed: %v", err)
		}
		if !cash.Equal(decimal.RequireFromString("1000.00")) {
			t.Errorf("expected cash 1000.00, got %s", cash)
		}
	})

	t.Run("unknown_user", func(t *testing.T) {
		_, err := ledger.GetCashBalance(uuid.New())
		if !errors.Is(err, errs.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		user := createTestUser(t, testDB, "1000.00")

		if err := ledger.SetCashBalance(user.ID, decimal.RequireFromString("250.50")); err != nil {
			t.Fatalf("SetCashBalance failed: %v", err)
		}

		cash, err := ledger.GetCashBalance(user.ID)
		if err != nil {
			t.Fatalf("GetCashBalance failed: %v", err)
		}
		if !cash.Equal(decimal.RequireFromString("250.50")) {
			t.Errorf("expected cash 250.50, got %s", cash)
		}
	})

	t.Run("overwrite_unknown_user", func(t *testing.T) {
		err := ledger.SetCashBalance(uuid.New(), decimal.RequireFromString("1.00"))
		if !errors.Is(err, errs.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListTransactionsForUser(t *testing.T) {
	testDB := setupTestDB(t)
	ledger := repository.NewLedgerRepository(testDB)
	user := createTestUser(t, testDB, "1000.00")
	other := createTestUser(t, testDB, "1000.00")

	entries := []*models.Transaction{
		{UserID: user.ID, Symbol: "BBB", CompanyName: "B Corp", Shares: 3, Price: decimal.RequireFromString("10.00")},
		{UserID: user.ID, Symbol: "AAA", CompanyName: "A Corp", Shares: 5, Price: decimal.RequireFromString("20.00")},
		{UserID: other.ID, Symbol: "AAA", CompanyName: "A Corp", Shares: 7, Price: decimal.RequireFromString("20.00")},
	}
	for _, entry := range entries {
		if err := ledger.AppendTransaction(entry); err != nil {
			t.Fatalf("AppendTransaction failed: %v", err)
		}
	}

	listed, err := ledger.ListTransactionsForUser(user.ID)
	if err != nil {
		t.Fatalf("ListTransactionsForUser failed: %v", err)
	}

	if len(listed) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(listed))
	}
	if listed[0].Symbol != "BBB" || listed[1].Symbol != "AAA" {
		t.Errorf("expected insertion order BBB, AAA, got %s, %s", listed[0].Symbol, listed[1].Symbol)
	}
}

func TestAggregateHoldings(t *testing.T) {
	testDB := setupTestDB(t)
	ledger := repository.NewLedgerRepository(testDB)
	user := createTestUser(t, testDB, "1000.00")

	entries := []*models.Transaction{
		{UserID: user.ID, Symbol: "AAA", CompanyName: "A Corp", Shares: 10, Price: decimal.RequireFromString("50.00")},
		{UserID: user.ID, Symbol: "AAA", CompanyName: "A Corp", Shares: -4, Price: decimal.RequireFromString("55.00")},
		{UserID: user.ID, Symbol: "BBB", CompanyName: "B Corp", Shares: 2, Price: decimal.RequireFromString("10.00")},
		{UserID: user.ID, Symbol: "CCC", CompanyName: "C Corp", Shares: 3, Price: decimal.RequireFromString("7.00")},
		{UserID: user.ID, Symbol: "CCC", CompanyName: "C Corp", Shares: -3, Price: decimal.RequireFromString("8.00")},
	}
	for _, entry := range entries {
		if err := ledger.AppendTransaction(entry); err != nil {
			t.Fatalf("AppendTransaction failed: %v", err)
		}
	}

	rows, err := ledger.AggregateHoldings(user.ID)
	if err != nil {
		t.Fatalf("AggregateHoldings failed: %v", err)
	}

	// Sorted by symbol, zero-sum symbols included: the store never filters.
	want := []repository.HoldingRow{
		{Symbol: "AAA", CompanyName: "A Corp", Quantity: 6},
		{Symbol: "BBB", CompanyName: "B Corp", Quantity: 2},
		{Symbol: "CCC", CompanyName: "C Corp", Quantity: 0},
	}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, row := range rows {
		if row != want[i] {
			t.Errorf("row %d: expected %+v, got %+v", i, want[i], row)
		}
	}

	t.Run("deterministic_recomputation", func(t *testing.T) {
		again, err := ledger.AggregateHoldings(user.ID)
		if err != nil {
			t.Fatalf("AggregateHoldings failed: %v", err)
		}
		if len(again) != len(rows) {
			t.Fatalf("expected identical results, got %d vs %d rows", len(again), len(rows))
		}
		for i := range rows {
			if again[i] != rows[i] {
				t.Errorf("row %d differs on recomputation: %+v vs %+v", i, again[i], rows[i])
			}
		}
	})

	t.Run("empty_log", func(t *testing.T) {
		empty := createTestUser(t, testDB, "1000.00")
		rows, err := ledger.AggregateHoldings(empty.ID)
		if err != nil {
			t.Fatalf("AggregateHoldings failed: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("expected no holdings, got %d", len(rows))
		}
	})
}
