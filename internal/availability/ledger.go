package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/council/internal/metrics"
	"github.com/jw6ventures/council/internal/store"
)

var (
	// ErrInvalidRange is returned when start is after end or a date does not parse.
	ErrInvalidRange = errors.New("invalid leave range")
	// ErrStoreConflict is returned once the retry budget for serialization
	// failures is spent.
	ErrStoreConflict = errors.New("leave store conflict")
)

const defaultAttempts = 5

// Change lists the stored intervals a write removed and the ones it inserted.
// Both are empty when the write was already satisfied.
type Change struct {
	Removed []Interval `json:"removed"`
	Added   []Interval `json:"added"`
}

// PersonLeave is one person's interval covering a queried date.
type PersonLeave struct {
	PersonID uuid.UUID `json:"person_id"`
	Leave    Interval  `json:"leave"`
}

// Ledger keeps each person's leave intervals consolidated: no two stored
// intervals of a person overlap or touch.
type Ledger struct {
	leaves   store.LeaveRepository
	attempts int
	backoff  time.Duration
	logger   logrus.FieldLogger
}

func NewLedger(leaves store.LeaveRepository, logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		leaves:   leaves,
		attempts: defaultAttempts,
		backoff:  10 * time.Millisecond,
		logger:   logger.WithField("component", "availability"),
	}
}

// RecordLeave adds [start, end] to the person's leave, absorbing every stored
// interval it overlaps or touches into one replacement interval.
func (l *Ledger) RecordLeave(ctx context.Context, personID uuid.UUID, start, end time.Time) (Change, error) {
	add, err := NewInterval(start, end)
	if err != nil {
		return Change{}, err
	}

	var change Change
	err = l.inPersonTx(ctx, personID, "record", func(tx store.LeaveTx) error {
		change = Change{}
		wide := add.widen()
		found, err := tx.Overlapping(ctx, wide.Start, wide.End)
		if err != nil {
			return err
		}
		if len(found) == 1 && toInterval(found[0]).Contains(add) {
			return nil
		}

		merged := add
		ids := make([]int64, 0, len(found))
		for _, lv := range found {
			iv := toInterval(lv)
			merged = merged.Span(iv)
			ids = append(ids, lv.ID)
			change.Removed = append(change.Removed, iv)
		}
		if err := tx.Delete(ctx, ids...); err != nil {
			return err
		}
		if _, err := tx.Insert(ctx, merged.Start, merged.End); err != nil {
			return err
		}
		change.Added = []Interval{merged}
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"person":  personID,
		"range":   add.String(),
		"removed": len(change.Removed),
	}).Info("leave recorded")
	return change, nil
}

// RevokeLeave removes [start, end] from the person's leave, splitting an
// interval that extends past the range on both sides.
func (l *Ledger) RevokeLeave(ctx context.Context, personID uuid.UUID, start, end time.Time) (Change, error) {
	cut, err := NewInterval(start, end)
	if err != nil {
		return Change{}, err
	}

	var change Change
	err = l.inPersonTx(ctx, personID, "revoke", func(tx store.LeaveTx) error {
		change = Change{}
		found, err := tx.Overlapping(ctx, cut.Start, cut.End)
		if err != nil || len(found) == 0 {
			return err
		}

		ids := make([]int64, 0, len(found))
		for _, lv := range found {
			iv := toInterval(lv)
			ids = append(ids, lv.ID)
			change.Removed = append(change.Removed, iv)
			change.Added = append(change.Added, iv.Subtract(cut)...)
		}
		if err := tx.Delete(ctx, ids...); err != nil {
			return err
		}
		for _, iv := range change.Added {
			if _, err := tx.Insert(ctx, iv.Start, iv.End); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"person":  personID,
		"range":   cut.String(),
		"removed": len(change.Removed),
	}).Info("leave revoked")
	return change, nil
}

// ListLeaves returns the person's intervals ordered by start.
func (l *Ledger) ListLeaves(ctx context.Context, personID uuid.UUID) ([]Interval, error) {
	leaves, err := l.leaves.ListByPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("list leaves: %w", err)
	}
	out := make([]Interval, len(leaves))
	for i, lv := range leaves {
		out[i] = toInterval(lv)
	}
	return out, nil
}

// LeavesOn returns every person on leave on the given date.
func (l *Ledger) LeavesOn(ctx context.Context, date time.Time) ([]PersonLeave, error) {
	leaves, err := l.leaves.ListOn(ctx, Day(date))
	if err != nil {
		return nil, fmt.Errorf("list leaves on %s: %w", Day(date).Format(time.DateOnly), err)
	}
	out := make([]PersonLeave, len(leaves))
	for i, lv := range leaves {
		out[i] = PersonLeave{PersonID: lv.PersonID, Leave: toInterval(lv)}
	}
	return out, nil
}

// inPersonTx runs fn in the person's transaction and retries it a bounded
// number of times when the store reports a serialization conflict. fn must
// reset any state it captures.
func (l *Ledger) inPersonTx(ctx context.Context, personID uuid.UUID, op string, fn func(store.LeaveTx) error) error {
	for attempt := 1; ; attempt++ {
		err := l.leaves.InPersonTx(ctx, personID, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt >= l.attempts {
			l.logger.WithError(err).WithField("person", personID).Warn("giving up after store conflicts")
			return fmt.Errorf("%w: %s leave after %d attempts: %v", ErrStoreConflict, op, attempt, err)
		}

		metrics.LedgerRetry()
		l.logger.WithError(err).WithFields(logrus.Fields{
			"person":  personID,
			"attempt": attempt,
		}).Debug("retrying leave transaction")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * l.backoff):
		}
	}
}

func toInterval(lv store.Leave) Interval {
	return Interval{Start: Day(lv.Start), End: Day(lv.End)}
}
