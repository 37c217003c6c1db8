package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/types"
)

func permsToString(p types.PermissionSet) string {
	names := make([]string, 0, len(p))
	for perm := range p {
		names = append(names, string(perm))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func permsFromString(s string) types.PermissionSet {
	out := make(types.PermissionSet)
	if s == "" {
		return out
	}
	for _, part := range strings.Split(s, ",") {
		if p := types.ParsePermission(part); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

func (t *txStore) GrantACL(ctx context.Context, identity, table string, perms types.PermissionSet) error {
	existing, err := t.CheckACL(ctx, identity, table)
	if err != nil {
		return err
	}
	merged := existing.Union(perms)
	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO cortex_acls (identity, table_name, permissions) VALUES (?, ?, ?)
		ON CONFLICT(identity, table_name) DO UPDATE SET permissions = excluded.permissions`,
		identity, table, permsToString(merged))
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	return nil
}

func (t *txStore) RevokeACL(ctx context.Context, identity, table string, perms types.PermissionSet) error {
	existing, err := t.CheckACL(ctx, identity, table)
	if err != nil {
		return err
	}
	remaining := make(types.PermissionSet)
	for p := range existing {
		if !perms.Has(p) {
			remaining[p] = struct{}{}
		}
	}
	if remaining.Empty() {
		_, err := t.conn.ExecContext(ctx, `DELETE FROM cortex_acls WHERE identity = ? AND table_name = ?`, identity, table)
		if err != nil {
			return cortexerr.Wrap(cortexerr.Internal, err)
		}
		return nil
	}
	_, err = t.conn.ExecContext(ctx, `
		UPDATE cortex_acls SET permissions = ? WHERE identity = ? AND table_name = ?`,
		permsToString(remaining), identity, table)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	return nil
}

func (t *txStore) CheckACL(ctx context.Context, identity, table string) (types.PermissionSet, error) {
	var permsStr string
	err := t.conn.QueryRowContext(ctx, `
		SELECT permissions FROM cortex_acls WHERE identity = ? AND table_name = ?`,
		identity, table).Scan(&permsStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.PermissionSet{}, nil
		}
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	return permsFromString(permsStr), nil
}

func (t *txStore) ListACLs(ctx context.Context, table string) ([]types.ACLEntry, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT identity, permissions FROM cortex_acls WHERE table_name = ? ORDER BY identity`, table)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer rows.Close()
	var out []types.ACLEntry
	for rows.Next() {
		var identity, permsStr string
		if err := rows.Scan(&identity, &permsStr); err != nil {
			return nil, cortexerr.Wrap(cortexerr.Internal, err)
		}
		out = append(out, types.ACLEntry{Identity: identity, Table: table, Permissions: permsFromString(permsStr)})
	}
	return out, nil
}

// ListAllACLs returns every ACL row in the catalog regardless of table,
// the unscoped form spec §6's acl_list uses (params []).
func (t *txStore) ListAllACLs(ctx context.Context) ([]types.ACLEntry, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT identity, table_name, permissions FROM cortex_acls ORDER BY table_name, identity`)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer rows.Close()
	var out []types.ACLEntry
	for rows.Next() {
		var identity, table, permsStr string
		if err := rows.Scan(&identity, &table, &permsStr); err != nil {
			return nil, cortexerr.Wrap(cortexerr.Internal, err)
		}
		out = append(out, types.ACLEntry{Identity: identity, Table: table, Permissions: permsFromString(permsStr)})
	}
	if err := rows.Err(); err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	return out, nil
}
