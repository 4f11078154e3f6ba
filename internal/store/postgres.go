package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// personRepo implements PersonRepository.
type personRepo struct {
	pool *pgxpool.Pool
}

const personColumns = `id, full_name, user_name, created_at`

func scanPerson(row pgx.Row) (*Person, error) {
	var p Person
	if err := row.Scan(&p.ID, &p.FullName, &p.UserName, &p.CreatedAt); err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (r *personRepo) GetByID(ctx context.Context, id uuid.UUID) (*Person, error) {
	defer observeDB(ctx, "persons.get_by_id")()
	return scanPerson(r.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE id=$1`, id))
}

func (r *personRepo) GetByUserName(ctx context.Context, userName string) (*Person, error) {
	defer observeDB(ctx, "persons.get_by_user_name")()
	return scanPerson(r.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE user_name=$1`, userName))
}

func (r *personRepo) EnsureByUserName(ctx context.Context, userName, fullName string) (*Person, error) {
	defer observeDB(ctx, "persons.ensure")()
	// The no-op update makes RETURNING yield the existing row on conflict.
	const q = `INSERT INTO persons (id, full_name, user_name) VALUES ($1, $2, $3)
ON CONFLICT (user_name) DO UPDATE SET user_name = EXCLUDED.user_name
RETURNING ` + personColumns
	p, err := scanPerson(r.pool.QueryRow(ctx, q, uuid.New(), fullName, userName))
	if err != nil {
		return nil, fmt.Errorf("ensure person: %w", err)
	}
	return p, nil
}

func (r *personRepo) List(ctx context.Context) ([]Person, error) {
	defer observeDB(ctx, "persons.list")()
	rows, err := r.pool.Query(ctx, `SELECT `+personColumns+` FROM persons ORDER BY full_name, user_name`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var persons []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, *p)
	}
	return persons, classify(rows.Err())
}

// leaveRepo implements LeaveRepository.
type leaveRepo struct {
	pool *pgxpool.Pool
}

const leaveColumns = `id, person_id, start_date, end_date`

func collectLeaves(rows pgx.Rows) ([]Leave, error) {
	defer rows.Close()
	var leaves []Leave
	for rows.Next() {
		var l Leave
		if err := rows.Scan(&l.ID, &l.PersonID, &l.Start, &l.End); err != nil {
			return nil, classify(err)
		}
		leaves = append(leaves, l)
	}
	return leaves, classify(rows.Err())
}

func (r *leaveRepo) ListByPerson(ctx context.Context, personID uuid.UUID) ([]Leave, error) {
	defer observeDB(ctx, "leaves.list_by_person")()
	rows, err := r.pool.Query(ctx, `SELECT `+leaveColumns+` FROM leaves WHERE person_id=$1 ORDER BY start_date`, personID)
	if err != nil {
		return nil, classify(err)
	}
	return collectLeaves(rows)
}

func (r *leaveRepo) ListOn(ctx context.Context, day time.Time) ([]Leave, error) {
	defer observeDB(ctx, "leaves.list_on")()
	rows, err := r.pool.Query(ctx, `SELECT `+leaveColumns+` FROM leaves
WHERE start_date <= $1 AND end_date >= $1 ORDER BY person_id, start_date`, day)
	if err != nil {
		return nil, classify(err)
	}
	return collectLeaves(rows)
}

func (r *leaveRepo) InPersonTx(ctx context.Context, personID uuid.UUID, fn func(LeaveTx) error) (err error) {
	defer observeDB(ctx, "leaves.person_tx")()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	var locked uuid.UUID
	if err = tx.QueryRow(ctx, `SELECT id FROM persons WHERE id=$1 FOR UPDATE`, personID).Scan(&locked); err != nil {
		return classify(err)
	}
	if err = fn(&leaveTx{tx: tx, personID: personID}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

type leaveTx struct {
	tx       pgx.Tx
	personID uuid.UUID
}

func (t *leaveTx) Overlapping(ctx context.Context, start, end time.Time) ([]Leave, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+leaveColumns+` FROM leaves
WHERE person_id=$1 AND start_date <= $3 AND end_date >= $2 ORDER BY start_date`, t.personID, start, end)
	if err != nil {
		return nil, classify(err)
	}
	return collectLeaves(rows)
}

func (t *leaveTx) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM leaves WHERE person_id=$1 AND id = ANY($2)`, t.personID, ids); err != nil {
		return classify(err)
	}
	return nil
}

func (t *leaveTx) Insert(ctx context.Context, start, end time.Time) (Leave, error) {
	l := Leave{PersonID: t.personID, Start: start, End: end}
	err := t.tx.QueryRow(ctx, `INSERT INTO leaves (person_id, start_date, end_date) VALUES ($1, $2, $3) RETURNING id`,
		t.personID, start, end).Scan(&l.ID)
	if err != nil {
		return Leave{}, classify(err)
	}
	return l, nil
}
