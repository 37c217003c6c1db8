package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/types"
)

func (t *txStore) Put(ctx context.Context, table *types.TableMeta, rec types.Record) error {
	key, ok := rec.Key(table.KeyField)
	if !ok || key == "" {
		return cortexerr.New(cortexerr.MissingKey, "record missing key field %q", table.KeyField)
	}
	phys := physicalTableName(table.Internal)
	valueJSON := marshalJSON(rec)
	q := fmt.Sprintf(`INSERT INTO %s (cortex_key, cortex_value) VALUES (?, ?)
		ON CONFLICT(cortex_key) DO UPDATE SET cortex_value = excluded.cortex_value`, phys)
	if _, err := t.conn.ExecContext(ctx, q, key, valueJSON); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	return nil
}

func (t *txStore) Get(ctx context.Context, table *types.TableMeta, key string) (types.Record, error) {
	phys := physicalTableName(table.Internal)
	var valueJSON string
	q := fmt.Sprintf(`SELECT cortex_value FROM %s WHERE cortex_key = ?`, phys)
	if err := t.conn.QueryRowContext(ctx, q, key).Scan(&valueJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, cortexerr.New(cortexerr.NotFound, "no record with key %q", key)
		}
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	return decodeRecord(valueJSON)
}

func (t *txStore) Delete(ctx context.Context, table *types.TableMeta, key string) error {
	phys := physicalTableName(table.Internal)
	q := fmt.Sprintf(`DELETE FROM %s WHERE cortex_key = ?`, phys)
	res, err := t.conn.ExecContext(ctx, q, key)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cortexerr.New(cortexerr.NotFound, "no record with key %q", key)
	}
	return nil
}

func (t *txStore) All(ctx context.Context, table *types.TableMeta) ([]types.Record, error) {
	phys := physicalTableName(table.Internal)
	rows, err := t.conn.QueryContext(ctx, fmt.Sprintf(`SELECT cortex_value FROM %s ORDER BY cortex_key`, phys))
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (t *txStore) Keys(ctx context.Context, table *types.TableMeta) ([]string, error) {
	phys := physicalTableName(table.Internal)
	rows, err := t.conn.QueryContext(ctx, fmt.Sprintf(`SELECT cortex_key FROM %s ORDER BY cortex_key`, phys))
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cortexerr.Wrap(cortexerr.Internal, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Match scans every record in the table and filters in Go on field/value
// equality: records are opaque JSON blobs, so there is no per-field SQLite
// index to push this down to, the same full-scan tradeoff the teacher's
// storage layer accepts for its less-structured JSON columns (metadata,
// payload).
func (t *txStore) Match(ctx context.Context, table *types.TableMeta, field string, value interface{}) ([]types.Record, error) {
	all, err := t.All(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []types.Record
	for _, rec := range all {
		v, ok := rec[field]
		if !ok {
			continue
		}
		if types.CoerceString(v) == types.CoerceString(value) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func scanRecords(rows *sql.Rows) ([]types.Record, error) {
	var out []types.Record
	for rows.Next() {
		var valueJSON string
		if err := rows.Scan(&valueJSON); err != nil {
			return nil, cortexerr.Wrap(cortexerr.Internal, err)
		}
		rec, err := decodeRecord(valueJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(valueJSON string) (types.Record, error) {
	var rec types.Record
	if err := json.Unmarshal([]byte(valueJSON), &rec); err != nil {
		return nil, cortexerr.New(cortexerr.Internal, "corrupt record: %v", err)
	}
	return rec, nil
}
