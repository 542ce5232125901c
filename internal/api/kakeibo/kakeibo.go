// Package kakeibo serves the household expense ledger.
package kakeibo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/srymh/template-electron/internal/sqlite"
	"github.com/srymh/template-electron/pkg/ipc"
)

// Entry is one row of expense_view.
type Entry struct {
	ID            int64   `json:"id"`
	SpentAt       string  `json:"spent_at"`
	Amount        float64 `json:"amount"`
	User          string  `json:"user"`
	Category      string  `json:"category"`
	PaymentMethod string  `json:"payment_method"`
}

const entriesQuery = "SELECT * FROM expense_view ORDER BY spent_at DESC"

// Schema creates a minimal ledger when the bundled database is absent.
const Schema = `
CREATE TABLE IF NOT EXISTS expenses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	spent_at TEXT NOT NULL,
	amount REAL NOT NULL,
	user TEXT NOT NULL,
	category TEXT NOT NULL,
	payment_method TEXT NOT NULL
);
CREATE VIEW IF NOT EXISTS expense_view AS
	SELECT id, spent_at, amount, user, category, payment_method FROM expenses;
`

// Service reads the ledger.
type Service struct {
	db *sqlite.DB
}

// New creates a Service backed by db.
func New(db *sqlite.DB) *Service {
	return &Service{db: db}
}

// EnsureSchema creates the expenses table and view if they do not exist.
func (s *Service) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("kakeibo schema: %w", err)
	}
	return nil
}

// Entries returns every expense, newest first.
func (s *Service) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Query(ctx, entriesQuery)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	if len(rows) == 0 {
		return []Entry{}, nil
	}

	// Columns of expense_view map onto Entry by name.
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	return entries, nil
}

// Namespace returns the kakeibo channels.
func (s *Service) Namespace() ipc.Namespace {
	return ipc.Namespace{
		"kakeibo": ipc.Namespace{
			"entries": ipc.Invoke(ipc.HandleNoArgs(func(ctx context.Context, _ *ipc.Caller) ([]Entry, error) {
				return s.Entries(ctx)
			})),
		},
	}
}
