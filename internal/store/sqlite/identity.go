package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/types"
)

func (t *txStore) PutFederatedIdentity(ctx context.Context, fi *types.FederatedIdentity) error {
	mappingsJSON := marshalJSON(fi.Mappings)
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO cortex_identities (fed_id, mappings, created_at, created_by) VALUES (?, ?, ?, ?)
		ON CONFLICT(fed_id) DO UPDATE SET mappings = excluded.mappings`,
		fi.FedID, mappingsJSON, fi.CreatedAt, fi.CreatedBy)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	return nil
}

func (t *txStore) GetFederatedIdentity(ctx context.Context, fedID string) (*types.FederatedIdentity, error) {
	var mappingsJSON string
	fi := &types.FederatedIdentity{FedID: fedID}
	err := t.conn.QueryRowContext(ctx, `
		SELECT mappings, created_at, created_by FROM cortex_identities WHERE fed_id = ?`, fedID).
		Scan(&mappingsJSON, &fi.CreatedAt, &fi.CreatedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, cortexerr.New(cortexerr.NotFound, "no federated identity %q", fedID)
		}
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	fi.Mappings = make(map[string]int)
	_ = json.Unmarshal([]byte(mappingsJSON), &fi.Mappings)
	return fi, nil
}

func (t *txStore) ListFederatedIdentities(ctx context.Context) ([]*types.FederatedIdentity, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT fed_id, mappings, created_at, created_by FROM cortex_identities ORDER BY fed_id`)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer rows.Close()

	var out []*types.FederatedIdentity
	for rows.Next() {
		fi := &types.FederatedIdentity{}
		var mappingsJSON string
		if err := rows.Scan(&fi.FedID, &mappingsJSON, &fi.CreatedAt, &fi.CreatedBy); err != nil {
			return nil, cortexerr.Wrap(cortexerr.Internal, err)
		}
		fi.Mappings = make(map[string]int)
		_ = json.Unmarshal([]byte(mappingsJSON), &fi.Mappings)
		out = append(out, fi)
	}
	if err := rows.Err(); err != nil {
		return nil, cortexerr.Wrap(cortexerr.Internal, err)
	}
	return out, nil
}

func (t *txStore) DeleteFederatedIdentity(ctx context.Context, fedID string) error {
	_, err := t.conn.ExecContext(ctx, `DELETE FROM cortex_identities WHERE fed_id = ?`, fedID)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	return nil
}

func (t *txStore) ResolveFederatedUID(ctx context.Context, fedID, node string) (int, bool, error) {
	fi, err := t.GetFederatedIdentity(ctx, fedID)
	if err != nil {
		if cortexerr.Is(err, cortexerr.NotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	uid, ok := fi.Mappings[node]
	return uid, ok, nil
}

// ResolveFederatedIdentity is resolve_federated(node_name, uid) from spec
// §4.1: the reverse of ResolveFederatedUID, used at connection-resolution
// time to surface a federated identity as the effective ACL subject when
// the connecting local uid has claimed one on this node.
func (t *txStore) ResolveFederatedIdentity(ctx context.Context, node string, uid int) (string, bool, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT fed_id, mappings FROM cortex_identities`)
	if err != nil {
		return "", false, cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer rows.Close()

	for rows.Next() {
		var fedID, mappingsJSON string
		if err := rows.Scan(&fedID, &mappingsJSON); err != nil {
			return "", false, cortexerr.Wrap(cortexerr.Internal, err)
		}
		mappings := make(map[string]int)
		if err := json.Unmarshal([]byte(mappingsJSON), &mappings); err != nil {
			continue
		}
		if mappedUID, ok := mappings[node]; ok && mappedUID == uid {
			return fedID, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, cortexerr.Wrap(cortexerr.Internal, err)
	}
	return "", false, nil
}
