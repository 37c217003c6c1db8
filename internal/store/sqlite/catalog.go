package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/types"
)

// txStore implements store.Transaction against a single *sql.Conn already
// inside a BEGIN IMMEDIATE transaction. It has no RunInTransaction method,
// the same way the teacher's Transaction interface omits one, so fn
// cannot nest transactions.
type txStore struct {
	conn *sql.Conn
}

func (t *txStore) CreateTable(ctx context.Context, meta *types.TableMeta) error {
	var exists int
	row := t.conn.QueryRowContext(ctx, `SELECT 1 FROM cortex_meta WHERE name = ?`, meta.Name)
	if err := row.Scan(&exists); err == nil {
		return cortexerr.New(cortexerr.AlreadyExists, "table %q already exists", meta.Name)
	} else if err != sql.ErrNoRows {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}

	var nextID int64
	if err := t.conn.QueryRowContext(ctx, `SELECT next_internal_id FROM cortex_meta_seq WHERE id = 1`).Scan(&nextID); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	if _, err := t.conn.ExecContext(ctx, `UPDATE cortex_meta_seq SET next_internal_id = ? WHERE id = 1`, nextID+1); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	meta.Internal = nextID

	attrsJSON := marshalJSON(meta.Attributes)
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO cortex_meta (name, owner_uid, owner_fed, key_field, attributes, scope_kind, scope_nodes, internal_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, unixepoch())`,
		meta.Name, meta.OwnerUID, meta.OwnerFed, meta.KeyField, attrsJSON,
		meta.Scope.Kind, joinNodes(meta.Scope.Nodes), meta.Internal,
	)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}

	phys := physicalTableName(meta.Internal)
	ddl := fmt.Sprintf(`CREATE TABLE %s (cortex_key TEXT PRIMARY KEY, cortex_value TEXT NOT NULL)`, phys)
	if _, err := t.conn.ExecContext(ctx, ddl); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	return nil
}

func (t *txStore) DropTable(ctx context.Context, name string) error {
	meta, err := t.GetTable(ctx, name)
	if err != nil {
		return err
	}
	phys := physicalTableName(meta.Internal)
	if _, err := t.conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, phys)); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	// ACLs go first (spec invariant 1/§9: a table's ACLs never outlive
	// the table), then the catalog row.
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM cortex_acls WHERE table_name = ?`, name); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM cortex_meta WHERE name = ?`, name); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	return nil
}

func (t *txStore) GetTable(ctx context.Context, name string) (*types.TableMeta, error) {
	row := t.conn.QueryRowContext(ctx, `
		SELECT owner_uid, owner_fed, key_field, attributes, scope_kind, scope_nodes, internal_id
		FROM cortex_meta WHERE name = ?`, name)
	var m types.TableMeta
	m.Name = name
	var attrsJSON, scopeNodes string
	if err := row.Scan(&m.OwnerUID, &m.OwnerFed, &m.KeyField, &attrsJSON, &m.Scope.Kind, &scopeNodes, &m.Internal); err != nil {
		if err == sql.ErrNoRows {
			return nil, cortexerr.New(cortexerr.NotFound, "table %q does not exist", name)
		}
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	if scopeNodes != "" {
		m.Scope.Nodes = splitNodes(scopeNodes)
	}
	_ = json.Unmarshal([]byte(attrsJSON), &m.Attributes)
	return &m, nil
}

func (t *txStore) ListTables(ctx context.Context, ownerUID int, ownerFed string) ([]*types.TableMeta, error) {
	var rows *sql.Rows
	var err error
	if ownerFed != "" {
		rows, err = t.conn.QueryContext(ctx, `SELECT name FROM cortex_meta WHERE owner_fed = ?`, ownerFed)
	} else {
		rows, err = t.conn.QueryContext(ctx, `SELECT name FROM cortex_meta WHERE owner_uid = ?`, ownerUID)
	}
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer rows.Close()

	var out []*types.TableMeta
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, cortexerr.Wrap(cortexerr.Internal, err)
		}
		names = append(names, name)
	}
	for _, name := range names {
		m, err := t.GetTable(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ListAllTables returns every table in the catalog regardless of owner,
// for the replication driver's node_join handling (spec §4.7), which
// needs to see every user table's scope, not just one caller's namespace.
func (t *txStore) ListAllTables(ctx context.Context) ([]*types.TableMeta, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT name FROM cortex_meta`)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, cortexerr.Wrap(cortexerr.Internal, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}

	var out []*types.TableMeta
	for _, name := range names {
		m, err := t.GetTable(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *txStore) SetNodeScope(ctx context.Context, name string, scope types.NodeScope) error {
	res, err := t.conn.ExecContext(ctx, `UPDATE cortex_meta SET scope_kind = ?, scope_nodes = ? WHERE name = ?`,
		scope.Kind, joinNodes(scope.Nodes), name)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cortexerr.New(cortexerr.NotFound, "table %q does not exist", name)
	}
	return nil
}

func joinNodes(nodes []string) string {
	out := ""
	for i, n := range nodes {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

func splitNodes(s string) []string {
	return types.ParseScope(s).Nodes
}
