package state

import (
	"context"
	"errors"
	"time"

	"grouping/internal/domain"
)

var (
	// ErrNotFound indicates absent group/timer key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// Store provides durable persistence for groups, timers, and fire leases.
// Params: CRUD with revision CAS for groups, timer records, and lease primitive.
// Returns: backend persistence behavior shared by memory/NATS/failover stores.
type Store interface {
	// PutGroup writes group payload unconditionally and returns new revision.
	PutGroup(ctx context.Context, key string, group domain.AlertGroup) (uint64, error)
	// UpdateGroup replaces group payload when expected revision matches; ErrConflict
	// otherwise. Expected revision 0 creates the key and conflicts when it exists.
	UpdateGroup(ctx context.Context, key string, expectedRevision uint64, group domain.AlertGroup) (uint64, error)
	// GetGroup reads one group and its revision; ErrNotFound when absent.
	GetGroup(ctx context.Context, key string) (domain.AlertGroup, uint64, error)
	// DeleteGroup removes one group; absent keys are not an error.
	DeleteGroup(ctx context.Context, key string) error
	// ListGroupKeys lists all persisted group keys.
	ListGroupKeys(ctx context.Context) ([]string, error)
	// Size reports the persisted group count.
	Size(ctx context.Context) (int, error)

	// PutTimer upserts one outstanding timer record by its ID.
	PutTimer(ctx context.Context, record domain.TimerRecord) error

	// GetTimer loads one timer record by its ID, ErrNotFound when absent.
	GetTimer(ctx context.Context, id string) (domain.TimerRecord, error)
	// DeleteTimer removes one timer record; absent IDs are not an error.
	DeleteTimer(ctx context.Context, id string) error
	// ListTimers lists all outstanding timer records.
	ListTimers(ctx context.Context) ([]domain.TimerRecord, error)

	// AcquireLease atomically claims key for owner with expiry; false when held.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease early when still held by owner.
	ReleaseLease(ctx context.Context, key, owner string) error

	// Ping checks backend reachability.
	Ping(ctx context.Context) error
	Close() error
}
