package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestTransactionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTransaction(ctx, Transaction{
		Title:       "Groceries",
		AmountCents: 4250,
		Category:    "food",
		Kind:        "expense",
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	if created.ID == 0 {
		t.Error("Expected non-zero transaction id")
	}

	list, err := s.ListTransactions(ctx)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}

	if len(list) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(list))
	}

	if list[0].Title != "Groceries" || list[0].AmountCents != 4250 || list[0].Kind != "expense" {
		t.Errorf("Unexpected transaction: %+v", list[0])
	}
}

func TestTransactionRejectsBadKind(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.CreateTransaction(context.Background(), Transaction{
		Title:       "Mystery",
		AmountCents: 100,
		Kind:        "transfer",
	}); err == nil {
		t.Error("Expected error for invalid kind")
	}
}

func TestTransactionDefaultsCategory(t *testing.T) {
	s := openTestStore(t)

	created, err := s.CreateTransaction(context.Background(), Transaction{
		Title:       "Cash",
		AmountCents: 1000,
		Kind:        "income",
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	if created.Category != "uncategorized" {
		t.Errorf("Expected default category, got %q", created.Category)
	}
}

func TestBudgetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateBudget(ctx, Budget{
		Category:   "food",
		LimitCents: 50000,
		Month:      "2026-08",
	})
	if err != nil {
		t.Fatalf("CreateBudget failed: %v", err)
	}

	if created.ID == 0 {
		t.Error("Expected non-zero budget id")
	}

	list, err := s.ListBudgets(ctx)
	if err != nil {
		t.Fatalf("ListBudgets failed: %v", err)
	}

	if len(list) != 1 || list[0].Category != "food" || list[0].LimitCents != 50000 {
		t.Errorf("Unexpected budgets: %+v", list)
	}
}

func TestBudgetValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateBudget(ctx, Budget{LimitCents: 100}); err == nil {
		t.Error("Expected error for empty category")
	}

	if _, err := s.CreateBudget(ctx, Budget{Category: "food", LimitCents: 0}); err == nil {
		t.Error("Expected error for zero limit")
	}
}

func TestGoalRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	deadline := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	created, err := s.CreateGoal(ctx, Goal{
		Name:        "Emergency fund",
		TargetCents: 1000000,
		SavedCents:  250000,
		Deadline:    &deadline,
	})
	if err != nil {
		t.Fatalf("CreateGoal failed: %v", err)
	}

	if created.ID == 0 {
		t.Error("Expected non-zero goal id")
	}

	list, err := s.ListGoals(ctx)
	if err != nil {
		t.Fatalf("ListGoals failed: %v", err)
	}

	if len(list) != 1 {
		t.Fatalf("Expected 1 goal, got %d", len(list))
	}

	if list[0].Deadline == nil || !list[0].Deadline.Equal(deadline) {
		t.Errorf("Deadline not preserved: %+v", list[0].Deadline)
	}
}

func TestGoalWithoutDeadline(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.CreateGoal(context.Background(), Goal{
		Name:        "New phone",
		TargetCents: 80000,
	}); err != nil {
		t.Fatalf("CreateGoal failed: %v", err)
	}

	list, err := s.ListGoals(context.Background())
	if err != nil {
		t.Fatalf("ListGoals failed: %v", err)
	}

	if list[0].Deadline != nil {
		t.Errorf("Expected nil deadline, got %v", list[0].Deadline)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("First Open failed: %v", err)
	}
	s1.Close()

	// Reopening an already-migrated database must succeed
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Second Open failed: %v", err)
	}
	s2.Close()
}
