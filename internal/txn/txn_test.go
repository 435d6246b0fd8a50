package txn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// fakeTx implements the parts of pgx.Tx the coordinator uses. Calling any
// other method panics on the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	execs       []string
	execErrs    map[string]error // keyed by statement prefix
	prepared    []string
	commitErr   error
	rollbackErr error
	committed   bool
	rolledBack  bool
	children    []*fakeTx
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	for prefix, err := range f.execErrs {
		if strings.HasPrefix(sql, prefix) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeTx) Prepare(_ context.Context, name, _ string) (*pgconn.StatementDescription, error) {
	f.prepared = append(f.prepared, name)
	return &pgconn.StatementDescription{Name: name}, nil
}

func (f *fakeTx) Begin(_ context.Context) (pgx.Tx, error) {
	child := &fakeTx{execErrs: f.execErrs}
	f.children = append(f.children, child)
	return child, nil
}

func (f *fakeTx) Commit(_ context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(_ context.Context) error {
	f.rolledBack = true
	return f.rollbackErr
}

type fakeDB struct {
	tx       *fakeTx
	opts     pgx.TxOptions
	beginErr error
}

func (d *fakeDB) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	d.opts = opts
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return d.tx, nil
}

func newTestCoordinator(db *fakeDB, opts ...Option) (*Coordinator, *[]string) {
	c := New(db, opts...)
	var released []string
	c.deallocate = func(_ context.Context, _ pgx.Tx, name string) error {
		released = append(released, name)
		return errors.New("connection busy")
	}
	return c, &released
}

func lockTimeoutErr() error {
	return &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}
}

func TestRun_CommitsOnSuccess(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	c, _ := newTestCoordinator(db)

	err := c.Run(context.Background(), Serializable("ok"), func(ctx context.Context, tx *Tx) error {
		_, err := tx.Exec(ctx, "INSERT INTO t VALUES (1)")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, pgx.Serializable, db.opts.IsoLevel)
	assert.True(t, db.tx.committed)
	assert.False(t, db.tx.rolledBack)
}

func TestRun_DefaultIsolation(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	c, _ := newTestCoordinator(db)

	require.NoError(t, c.Run(context.Background(), Default("plain"), func(context.Context, *Tx) error { return nil }))
	assert.Equal(t, pgx.TxIsoLevel(""), db.opts.IsoLevel)
}

func TestRun_SetsLockTimeout(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	c, _ := newTestCoordinator(db, WithLockTimeout(2*time.Second))

	require.NoError(t, c.Run(context.Background(), Default("lt"), func(context.Context, *Tx) error { return nil }))
	require.NotEmpty(t, db.tx.execs)
	assert.Equal(t, "SET LOCAL lock_timeout = 2000", db.tx.execs[0])
}

func TestRun_RollsBackAndReturnsError(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	c, _ := newTestCoordinator(db)
	boom := errors.New("boom")

	err := c.Run(context.Background(), Default("fail"), func(context.Context, *Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.True(t, db.tx.rolledBack)
	assert.False(t, db.tx.committed)
}

func TestRun_RollbackErrorDoesNotMaskCause(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{rollbackErr: errors.New("conn closed")}}
	c, _ := newTestCoordinator(db)
	boom := errors.New("boom")

	err := c.Run(context.Background(), Default("fail"), func(context.Context, *Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.NotContains(t, err.Error(), "conn closed")
}

func TestRun_LockTimeoutNamesTable(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{
		execErrs:    map[string]error{`LOCK TABLE "ignored_workflow"`: lockTimeoutErr()},
		rollbackErr: errors.New("already aborted"),
	}}
	c, _ := newTestCoordinator(db)

	err := c.Run(context.Background(), Serializable("route"), func(ctx context.Context, tx *Tx) error {
		return tx.LockTables(ctx, LockShare, "display_group_workflow", "ignored_workflow")
	})
	require.Error(t, err)

	table, ok := IsLockTimeout(err)
	require.True(t, ok)
	assert.Equal(t, "ignored_workflow", table)
	assert.True(t, types.IsRecoverable(err))
	assert.True(t, db.tx.rolledBack)
	assert.Contains(t, db.tx.execs, `LOCK TABLE "display_group_workflow" IN SHARE MODE`)
}

func TestRun_UnwrappedLockTimeoutFromUnitIsClassified(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	c, _ := newTestCoordinator(db)

	err := c.Run(context.Background(), Default("raw"), func(context.Context, *Tx) error {
		return &pgconn.PgError{Code: "55P03", TableName: "timeseries_header"}
	})
	table, ok := IsLockTimeout(err)
	require.True(t, ok)
	assert.Equal(t, "timeseries_header", table)
}

func TestRun_ReleasesStatementsOnEveryPath(t *testing.T) {
	tests := []struct {
		name   string
		result error
	}{
		{"success", nil},
		{"failure", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{tx: &fakeTx{}}
			c, released := newTestCoordinator(db)

			err := c.Run(context.Background(), Default("stmts"), func(ctx context.Context, tx *Tx) error {
				require.NoError(t, tx.Prepare(ctx, "ins_a", "INSERT INTO a VALUES ($1)"))
				require.NoError(t, tx.Prepare(ctx, "ins_b", "INSERT INTO b VALUES ($1)"))
				require.NoError(t, tx.Prepare(ctx, "ins_a", "INSERT INTO a VALUES ($1)"))
				return tt.result
			})
			if tt.result != nil {
				require.ErrorIs(t, err, tt.result)
			} else {
				// Deallocation errors are swallowed.
				require.NoError(t, err)
			}
			assert.Equal(t, []string{"ins_a", "ins_b"}, *released)
		})
	}
}

func TestRun_BeginFailure(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("pool exhausted")}
	c, _ := newTestCoordinator(db)

	called := false
	err := c.Run(context.Background(), Default("begin"), func(context.Context, *Tx) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "pool exhausted")
}

func TestRun_CommitSerializationFailureIsRecoverable(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{commitErr: &pgconn.PgError{Code: "40001"}}}
	c, _ := newTestCoordinator(db)

	err := c.Run(context.Background(), Serializable("commit"), func(context.Context, *Tx) error { return nil })
	var serErr *SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.True(t, types.IsRecoverable(err))
}

func TestRun_PanicRollsBack(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	c, _ := newTestCoordinator(db)

	assert.Panics(t, func() {
		_ = c.Run(context.Background(), Default("panic"), func(context.Context, *Tx) error {
			panic("bad")
		})
	})
	assert.True(t, db.tx.rolledBack)
}

func TestSavepoint(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	c, _ := newTestCoordinator(db)

	rowErr := errors.New("value too long")
	err := c.Run(context.Background(), Default("sp"), func(ctx context.Context, tx *Tx) error {
		require.NoError(t, tx.Savepoint(ctx, func(ctx context.Context, db DBTX) error {
			_, err := db.Exec(ctx, "INSERT 1")
			return err
		}))
		spErr := tx.Savepoint(ctx, func(context.Context, DBTX) error { return rowErr })
		assert.ErrorIs(t, spErr, rowErr)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, db.tx.children, 2)
	assert.True(t, db.tx.children[0].committed)
	assert.True(t, db.tx.children[1].rolledBack)
	assert.True(t, db.tx.committed)
}

func TestClassify_PassThrough(t *testing.T) {
	plain := errors.New("plain")
	assert.Equal(t, plain, Classify(plain, "t"))
	assert.Nil(t, Classify(nil, "t"))

	uniq := &pgconn.PgError{Code: "23505"}
	assert.Equal(t, error(uniq), Classify(uniq, "t"))
}

func TestQuoteTable(t *testing.T) {
	assert.Equal(t, `"location_thresholds"`, QuoteTable("location_thresholds"))
	assert.Equal(t, `"fews"."timeseries"`, QuoteTable("fews.timeseries"))
}
