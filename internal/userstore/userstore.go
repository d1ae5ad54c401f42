// Package userstore persists consolidated backend identities and the mapping
// from legacy plugin user identifiers to local user ids.
package userstore

import (
	"context"
	"time"
)

// Role represents a high level capability within the backend.
type Role string

const (
	RoleRootAdmin Role = "root_admin"
	RoleAdmin     Role = "admin"
	RoleUser      Role = "user"
)

// Status captures whether a user is active or suspended.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// User represents an identity managed by the consolidated backend.
type User struct {
	ID          int64
	Email       string
	Role        Role
	DisplayName string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PluginUserMapping translates a legacy plugin external user identifier to a
// local user id. Recorded when plugin users were linked to backend accounts;
// consulted during the plugin DB migration.
type PluginUserMapping struct {
	ExternalID string
	UserID     int64
	CreatedAt  time.Time
}

// Store persists users and plugin user mappings across SQLite/Postgres
// backends.
type Store interface {
	// EnsureRootAdmin guarantees a root admin account exists with the given
	// email and returns it.
	EnsureRootAdmin(ctx context.Context, email string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	CreateUser(ctx context.Context, email string, role Role, displayName string) (*User, error)

	// RecordPluginUser stores (or refreshes) the external-id -> local-id
	// mapping.
	RecordPluginUser(ctx context.Context, externalID string, userID int64) error
	// LookupPluginUser resolves a legacy external user id. Returns
	// (0, false, nil) when no mapping exists.
	LookupPluginUser(ctx context.Context, externalID string) (int64, bool, error)

	Close() error
}
