// Package store defines the durable ledger of component records.
// Every record the registry ever creates is written here, and deregistered
// records stay forever: the ledger is how the registry proves across
// restarts that a UID was never reused.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the component ledger.
// Implementations must be safe for concurrent use.
type Store interface {
	RecordComponent(ctx context.Context, c *ComponentRow) error
	MarkDeregistered(ctx context.Context, serial uint64, at time.Time) error
	// IsRetired reports whether uid belonged to a record that has since
	// been deregistered.
	IsRetired(ctx context.Context, uid string) (bool, error)
	GetComponent(ctx context.Context, serial uint64) (*ComponentRow, error)
	ListComponents(ctx context.Context) ([]*ComponentRow, error)
	// MaxSerial returns the highest serial recorded, or 0.
	MaxSerial(ctx context.Context) (uint64, error)

	// Close releases database resources.
	Close() error
}

// ComponentRow is the ledger entry for one component record.
type ComponentRow struct {
	Serial         uint64     `json:"serial"`
	UID            string     `json:"uid"`
	Signed         bool       `json:"signed"`
	KeySizeBits    int        `json:"key_size_bits"`
	TokenID        string     `json:"token_id"`
	CreatedAt      time.Time  `json:"created_at"`
	DeregisteredAt *time.Time `json:"deregistered_at,omitempty"`
}
