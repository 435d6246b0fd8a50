package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// LockForRefresh takes an EXCLUSIVE lock on table, blocking routing
// transactions that hold or want a SHARE lock on it.
func (s *Store) LockForRefresh(ctx context.Context, tx *txn.Tx, table string) error {
	return tx.LockTables(ctx, txn.LockExclusive, table)
}

// DeletePartition removes the rows of table owned by the feed: all rows, or
// only those matching filter on a shared table.
func (s *Store) DeletePartition(ctx context.Context, db txn.DBTX, table string, filter *types.PartialUpdate) (int64, error) {
	where, args := partitionClause(filter)
	tag, err := db.Exec(ctx, "DELETE FROM "+txn.QuoteTable(table)+where, args...)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", table, txn.Classify(err, table))
	}
	return tag.RowsAffected(), nil
}

// CountPartition counts the rows of table owned by the feed.
func (s *Store) CountPartition(ctx context.Context, db txn.DBTX, table string, filter *types.PartialUpdate) (int64, error) {
	where, args := partitionClause(filter)
	var n int64
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM "+txn.QuoteTable(table)+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, txn.Classify(err, table))
	}
	return n, nil
}

// PrepareInsert prepares the row insert for table and returns the statement
// name to pass to InsertRow. The statement is released with the transaction.
func (s *Store) PrepareInsert(ctx context.Context, tx *txn.Tx, table string, columns []string) (string, error) {
	quoted := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = txn.QuoteTable(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		txn.QuoteTable(table), strings.Join(quoted, ", "), strings.Join(params, ", "))

	name := "refresh_insert_" + strings.ReplaceAll(table, ".", "_")
	if err := tx.Prepare(ctx, name, sql); err != nil {
		return "", txn.Classify(err, table)
	}
	return name, nil
}

// InsertRow inserts one reference row inside its own savepoint, so a row the
// database rejects leaves the refresh transaction usable. The database error
// is returned unwrapped for the caller to record.
func (s *Store) InsertRow(ctx context.Context, tx *txn.Tx, stmt string, values []any) error {
	return tx.Savepoint(ctx, func(ctx context.Context, db txn.DBTX) error {
		_, err := db.Exec(ctx, stmt, values...)
		return err
	})
}

func partitionClause(filter *types.PartialUpdate) (string, []any) {
	if filter == nil {
		return "", nil
	}
	return " WHERE " + txn.QuoteTable(filter.Column) + " = $1", []any{filter.Value}
}
