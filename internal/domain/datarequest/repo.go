package datarequest

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no data request matches.
	ErrNotFound = errors.New("data request not found")
	// ErrDuplicate is returned when a request for the same exchange and
	// project identifier pair already exists.
	ErrDuplicate = errors.New("data request already exists")
)

// Repository stores data requests.
type Repository interface {
	Create(ctx context.Context, dr *DataRequest) error
	GetByID(ctx context.Context, id string) (*DataRequest, error)
	// GetByExchangeAndProject treats a nil projectID as "no pseudonym",
	// matching only rows without one.
	GetByExchangeAndProject(ctx context.Context, exchangeID string, projectID *string) (*DataRequest, error)
	List(ctx context.Context) ([]*DataRequest, error)
	// UpdateStatus sets status and message; all other fields are immutable.
	UpdateStatus(ctx context.Context, id string, status Status, message string) error
}

// SyncStateRepository persists the sync engine's window-end timestamp.
type SyncStateRepository interface {
	// LastWindowEnd returns the zero time when no cycle ran yet.
	LastWindowEnd(ctx context.Context) (time.Time, error)
	SetLastWindowEnd(ctx context.Context, t time.Time) error
}
