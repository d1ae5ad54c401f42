// Package ledger records per-request usage: which user hit which provider
// account and model, how many tokens the call consumed, and how it ended.
// This is the consolidated replacement for the plugin's usage log; historical
// plugin rows are not imported.
package ledger

import (
	"context"
	"time"
)

// Entry is a single usage record.
type Entry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	AccountID    string    `json:"account_id,omitempty"`
	Provider     string    `json:"provider"` // kiro / qwen / gemini
	Model        string    `json:"model,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	StatusCode   int       `json:"status_code"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary aggregates usage for one user.
type Summary struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Store defines persistence behaviour for usage records.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, userID int64) (Summary, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]Entry, error)
	Close() error
}
