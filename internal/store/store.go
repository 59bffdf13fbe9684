package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Transaction is one income or expense entry.
type Transaction struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	AmountCents int64     `json:"amountCents"`
	Category    string    `json:"category"`
	Kind        string    `json:"kind"` // "income" or "expense"
	OccurredAt  time.Time `json:"occurredAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Budget is a monthly spending limit for a category.
type Budget struct {
	ID         int64     `json:"id"`
	Category   string    `json:"category"`
	LimitCents int64     `json:"limitCents"`
	Month      string    `json:"month"` // "2026-08"
	CreatedAt  time.Time `json:"createdAt"`
}

// Goal is a savings target.
type Goal struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	TargetCents int64      `json:"targetCents"`
	SavedCents  int64      `json:"savedCents"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Store is the sqlite-backed persistence layer for the finance entities
// consumed by the REST surface.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and migrates the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// CreateTransaction inserts a transaction and returns it with its id.
func (s *Store) CreateTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	if t.Kind != "income" && t.Kind != "expense" {
		return Transaction{}, fmt.Errorf("kind must be 'income' or 'expense', got %q", t.Kind)
	}

	if t.Category == "" {
		t.Category = "uncategorized"
	}

	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now()
	}
	t.CreatedAt = time.Now()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (title, amount_cents, category, kind, occurred_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Title, t.AmountCents, t.Category, t.Kind,
		t.OccurredAt.UTC().Format(timeLayout), t.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	t.ID, err = res.LastInsertId()
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction id: %w", err)
	}

	return t, nil
}

// ListTransactions returns transactions newest first.
func (s *Store) ListTransactions(ctx context.Context) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, amount_cents, category, kind, occurred_at, created_at
		 FROM transactions ORDER BY occurred_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		var t Transaction
		var occurredAt, createdAt string

		if err := rows.Scan(&t.ID, &t.Title, &t.AmountCents, &t.Category, &t.Kind,
			&occurredAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}

		t.OccurredAt, _ = time.Parse(timeLayout, occurredAt)
		t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, t)
	}

	return out, rows.Err()
}

// CreateBudget inserts a budget and returns it with its id.
func (s *Store) CreateBudget(ctx context.Context, b Budget) (Budget, error) {
	if b.Category == "" {
		return Budget{}, fmt.Errorf("category cannot be empty")
	}

	if b.LimitCents <= 0 {
		return Budget{}, fmt.Errorf("limit must be positive, got %d", b.LimitCents)
	}

	if b.Month == "" {
		b.Month = time.Now().Format("2006-01")
	}
	b.CreatedAt = time.Now()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (category, limit_cents, month, created_at) VALUES (?, ?, ?, ?)`,
		b.Category, b.LimitCents, b.Month, b.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return Budget{}, fmt.Errorf("insert budget: %w", err)
	}

	b.ID, err = res.LastInsertId()
	if err != nil {
		return Budget{}, fmt.Errorf("budget id: %w", err)
	}

	return b, nil
}

// ListBudgets returns all budgets, most recent month first.
func (s *Store) ListBudgets(ctx context.Context) ([]Budget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, limit_cents, month, created_at FROM budgets ORDER BY month DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query budgets: %w", err)
	}
	defer rows.Close()

	out := make([]Budget, 0)
	for rows.Next() {
		var b Budget
		var createdAt string

		if err := rows.Scan(&b.ID, &b.Category, &b.LimitCents, &b.Month, &createdAt); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}

		b.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, b)
	}

	return out, rows.Err()
}

// CreateGoal inserts a goal and returns it with its id.
func (s *Store) CreateGoal(ctx context.Context, g Goal) (Goal, error) {
	if g.Name == "" {
		return Goal{}, fmt.Errorf("name cannot be empty")
	}

	if g.TargetCents <= 0 {
		return Goal{}, fmt.Errorf("target must be positive, got %d", g.TargetCents)
	}

	g.CreatedAt = time.Now()

	var deadline any
	if g.Deadline != nil {
		deadline = g.Deadline.UTC().Format(timeLayout)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO goals (name, target_cents, saved_cents, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		g.Name, g.TargetCents, g.SavedCents, deadline, g.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return Goal{}, fmt.Errorf("insert goal: %w", err)
	}

	g.ID, err = res.LastInsertId()
	if err != nil {
		return Goal{}, fmt.Errorf("goal id: %w", err)
	}

	return g, nil
}

// ListGoals returns all goals in creation order.
func (s *Store) ListGoals(ctx context.Context) ([]Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, target_cents, saved_cents, deadline, created_at FROM goals ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	out := make([]Goal, 0)
	for rows.Next() {
		var g Goal
		var deadline sql.NullString
		var createdAt string

		if err := rows.Scan(&g.ID, &g.Name, &g.TargetCents, &g.SavedCents, &deadline, &createdAt); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}

		if deadline.Valid {
			if d, err := time.Parse(timeLayout, deadline.String); err == nil {
				g.Deadline = &d
			}
		}

		g.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, g)
	}

	return out, rows.Err()
}
