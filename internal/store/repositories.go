package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PersonRepository defines persistence operations for persons.
type PersonRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Person, error)
	GetByUserName(ctx context.Context, userName string) (*Person, error)
	// EnsureByUserName returns the person with userName, creating it with
	// fullName when missing. An existing name is left untouched.
	EnsureByUserName(ctx context.Context, userName, fullName string) (*Person, error)
	List(ctx context.Context) ([]Person, error)
}

// LeaveRepository stores leave intervals. Writes go through InPersonTx so that
// read-modify-write sequences for one person are serialized.
type LeaveRepository interface {
	ListByPerson(ctx context.Context, personID uuid.UUID) ([]Leave, error)
	// ListOn returns every leave covering day, across all persons.
	ListOn(ctx context.Context, day time.Time) ([]Leave, error)
	// InPersonTx runs fn in a serializable transaction holding the person's
	// row lock. It returns ErrNotFound for an unknown person and ErrConflict
	// when the transaction must be retried. fn's error rolls back.
	InPersonTx(ctx context.Context, personID uuid.UUID, fn func(LeaveTx) error) error
}

// LeaveTx is the view of one person's leaves inside InPersonTx.
type LeaveTx interface {
	// Overlapping returns the person's leaves intersecting [start, end].
	Overlapping(ctx context.Context, start, end time.Time) ([]Leave, error)
	Delete(ctx context.Context, ids ...int64) error
	Insert(ctx context.Context, start, end time.Time) (Leave, error)
}
