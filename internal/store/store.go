// Package store defines the record-store interface the RPC handlers are
// written against (spec §2 C1). The SQLite-backed implementation lives in
// internal/store/sqlite; tests and the RPC dispatch table depend only on
// this interface, the way the teacher's internal/storage package separates
// the Storage interface from its sqlite backend.
package store

import (
	"context"

	"github.com/cortexlabs/cortex/internal/types"
)

// Transaction is the subset of Store available inside RunInTransaction: it
// has no RunInTransaction method of its own, so handlers can't nest
// transactions by accident.
type Transaction interface {
	CreateTable(ctx context.Context, meta *types.TableMeta) error
	DropTable(ctx context.Context, name string) error
	GetTable(ctx context.Context, name string) (*types.TableMeta, error)
	ListTables(ctx context.Context, ownerUID int, ownerFed string) ([]*types.TableMeta, error)
	ListAllTables(ctx context.Context) ([]*types.TableMeta, error)
	SetNodeScope(ctx context.Context, name string, scope types.NodeScope) error

	Put(ctx context.Context, table *types.TableMeta, rec types.Record) error
	Get(ctx context.Context, table *types.TableMeta, key string) (types.Record, error)
	Delete(ctx context.Context, table *types.TableMeta, key string) error
	All(ctx context.Context, table *types.TableMeta) ([]types.Record, error)
	Keys(ctx context.Context, table *types.TableMeta) ([]string, error)
	Match(ctx context.Context, table *types.TableMeta, field string, value interface{}) ([]types.Record, error)

	GrantACL(ctx context.Context, identity, table string, perms types.PermissionSet) error
	RevokeACL(ctx context.Context, identity, table string, perms types.PermissionSet) error
	CheckACL(ctx context.Context, identity, table string) (types.PermissionSet, error)
	ListACLs(ctx context.Context, table string) ([]types.ACLEntry, error)
	ListAllACLs(ctx context.Context) ([]types.ACLEntry, error)

	PutFederatedIdentity(ctx context.Context, fi *types.FederatedIdentity) error
	GetFederatedIdentity(ctx context.Context, fedID string) (*types.FederatedIdentity, error)
	ListFederatedIdentities(ctx context.Context) ([]*types.FederatedIdentity, error)
	DeleteFederatedIdentity(ctx context.Context, fedID string) error
	ResolveFederatedUID(ctx context.Context, fedID, node string) (int, bool, error)
	ResolveFederatedIdentity(ctx context.Context, node string, uid int) (string, bool, error)
}

// Store is the full record store: table catalog, per-table records, ACLs,
// and federated identities, all backed by one SQLite database per spec §3.
//
// RunInTransaction is the only way to mutate more than one of these
// concerns atomically (e.g. create_table followed by an initial grant);
// fn must not retain tx past its return, the same constraint the
// teacher's storage.Storage documents for its own RunInTransaction.
type Store interface {
	Transaction

	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error
	Close() error

	// Path returns the database file path, for the status RPC's
	// humanized size reporting.
	Path() string
}
