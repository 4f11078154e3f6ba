package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a PostgreSQL container and applies the embedded migrations.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("council_test"),
		postgres.WithUsername("council"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = ApplyMigrations(ctx, pool)
	require.NoError(t, err)
	return pool
}

func date(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPersonsIntegration(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	p, err := s.Persons.EnsureByUserName(ctx, "oauth-1", "Ada Lovelace")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", p.FullName)

	again, err := s.Persons.EnsureByUserName(ctx, "oauth-1", "Someone Else")
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, "Ada Lovelace", again.FullName, "existing name must be kept")

	byName, err := s.Persons.GetByUserName(ctx, "oauth-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	_, err = s.Persons.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Persons.EnsureByUserName(ctx, "oauth-2", "Bob")
	require.NoError(t, err)
	all, err := s.Persons.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.HealthCheck(ctx))
}

func TestLeavesIntegration(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	p, err := s.Persons.EnsureByUserName(ctx, "oauth-7", "Grace")
	require.NoError(t, err)

	err = s.Leaves.InPersonTx(ctx, p.ID, func(tx LeaveTx) error {
		if _, err := tx.Insert(ctx, date("2024-01-10"), date("2024-01-20")); err != nil {
			return err
		}
		_, err := tx.Insert(ctx, date("2024-02-01"), date("2024-02-03"))
		return err
	})
	require.NoError(t, err)

	err = s.Leaves.InPersonTx(ctx, p.ID, func(tx LeaveTx) error {
		found, err := tx.Overlapping(ctx, date("2024-01-15"), date("2024-01-25"))
		if err != nil {
			return err
		}
		require.Len(t, found, 1)
		assert.True(t, found[0].Start.Equal(date("2024-01-10")))
		return tx.Delete(ctx, found[0].ID)
	})
	require.NoError(t, err)

	leaves, err := s.Leaves.ListByPerson(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.True(t, leaves[0].End.Equal(date("2024-02-03")))

	on, err := s.Leaves.ListOn(ctx, date("2024-02-02"))
	require.NoError(t, err)
	assert.Len(t, on, 1)

	// A failing callback rolls the transaction back.
	boom := errors.New("boom")
	err = s.Leaves.InPersonTx(ctx, p.ID, func(tx LeaveTx) error {
		if _, err := tx.Insert(ctx, date("2024-03-01"), date("2024-03-02")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	leaves, err = s.Leaves.ListByPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, leaves, 1)

	err = s.Leaves.InPersonTx(ctx, uuid.New(), func(LeaveTx) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

// Concurrent check-then-insert sequences for one person must not both insert.
func TestInPersonTxSerializesWriters(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	p, err := s.Persons.EnsureByUserName(ctx, "oauth-9", "Concurrent")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 20; attempt++ {
				err := s.Leaves.InPersonTx(ctx, p.ID, func(tx LeaveTx) error {
					found, err := tx.Overlapping(ctx, date("2024-05-01"), date("2024-05-10"))
					if err != nil || len(found) > 0 {
						return err
					}
					_, err = tx.Insert(ctx, date("2024-05-01"), date("2024-05-10"))
					return err
				})
				if !errors.Is(err, ErrConflict) {
					assert.NoError(t, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	leaves, err := s.Leaves.ListByPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, leaves, 1)
}
