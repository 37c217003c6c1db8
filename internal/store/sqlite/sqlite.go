// Package sqlite is the SQLite-backed implementation of store.Store,
// grounded on the teacher's internal/storage/sqlite package: a catalog of
// metadata tables plus one physical table per logical table, opened
// through database/sql with the pure-Go ncruces/go-sqlite3 driver so the
// daemon stays cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/store"
	"github.com/cortexlabs/cortex/internal/types"
)

// SQLiteStore implements store.Store over a single SQLite database file,
// the same one-database-per-process shape the teacher uses for its issue
// store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the database at path and applies the
// schema and any pending migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer: matches SQLite's single-writer model, avoids SQLITE_BUSY churn

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &SQLiteStore{db: db, path: path}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file path, for diagnostics.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// RunInTransaction runs fn inside a BEGIN IMMEDIATE transaction: it
// acquires the write lock up front rather than on first write, so a
// transaction never has to upgrade its lock partway through. The pool
// holds one connection, so concurrent calls in this process wait for it
// in turn; a lock held by another process is waited on for up to the
// 5-second busy_timeout set in Open before SQLITE_BUSY is returned.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx store.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	tx := &txStore{conn: conn}

	if err := fn(tx); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			return cortexerr.New(cortexerr.Internal, "rollback failed: %v (after: %v)", rbErr, err)
		}
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	return nil
}

// the non-transactional Store methods each open their own short-lived
// transaction, so callers that don't need cross-operation atomicity don't
// have to think about it.

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx store.Transaction) error) error {
	return s.RunInTransaction(ctx, fn)
}

func (s *SQLiteStore) CreateTable(ctx context.Context, meta *types.TableMeta) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.CreateTable(ctx, meta) })
}
func (s *SQLiteStore) DropTable(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.DropTable(ctx, name) })
}
func (s *SQLiteStore) GetTable(ctx context.Context, name string) (*types.TableMeta, error) {
	var out *types.TableMeta
	err := s.withTx(ctx, func(tx store.Transaction) error {
		m, err := tx.GetTable(ctx, name)
		out = m
		return err
	})
	return out, err
}
func (s *SQLiteStore) ListTables(ctx context.Context, ownerUID int, ownerFed string) ([]*types.TableMeta, error) {
	var out []*types.TableMeta
	err := s.withTx(ctx, func(tx store.Transaction) error {
		m, err := tx.ListTables(ctx, ownerUID, ownerFed)
		out = m
		return err
	})
	return out, err
}
func (s *SQLiteStore) ListAllTables(ctx context.Context) ([]*types.TableMeta, error) {
	var out []*types.TableMeta
	err := s.withTx(ctx, func(tx store.Transaction) error {
		m, err := tx.ListAllTables(ctx)
		out = m
		return err
	})
	return out, err
}
func (s *SQLiteStore) SetNodeScope(ctx context.Context, name string, scope types.NodeScope) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.SetNodeScope(ctx, name, scope) })
}
func (s *SQLiteStore) Put(ctx context.Context, table *types.TableMeta, rec types.Record) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.Put(ctx, table, rec) })
}
func (s *SQLiteStore) Get(ctx context.Context, table *types.TableMeta, key string) (types.Record, error) {
	var out types.Record
	err := s.withTx(ctx, func(tx store.Transaction) error {
		r, err := tx.Get(ctx, table, key)
		out = r
		return err
	})
	return out, err
}
func (s *SQLiteStore) Delete(ctx context.Context, table *types.TableMeta, key string) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.Delete(ctx, table, key) })
}
func (s *SQLiteStore) All(ctx context.Context, table *types.TableMeta) ([]types.Record, error) {
	var out []types.Record
	err := s.withTx(ctx, func(tx store.Transaction) error {
		r, err := tx.All(ctx, table)
		out = r
		return err
	})
	return out, err
}
func (s *SQLiteStore) Keys(ctx context.Context, table *types.TableMeta) ([]string, error) {
	var out []string
	err := s.withTx(ctx, func(tx store.Transaction) error {
		r, err := tx.Keys(ctx, table)
		out = r
		return err
	})
	return out, err
}
func (s *SQLiteStore) Match(ctx context.Context, table *types.TableMeta, field string, value interface{}) ([]types.Record, error) {
	var out []types.Record
	err := s.withTx(ctx, func(tx store.Transaction) error {
		r, err := tx.Match(ctx, table, field, value)
		out = r
		return err
	})
	return out, err
}
func (s *SQLiteStore) GrantACL(ctx context.Context, identity, table string, perms types.PermissionSet) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.GrantACL(ctx, identity, table, perms) })
}
func (s *SQLiteStore) RevokeACL(ctx context.Context, identity, table string, perms types.PermissionSet) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.RevokeACL(ctx, identity, table, perms) })
}
func (s *SQLiteStore) CheckACL(ctx context.Context, identity, table string) (types.PermissionSet, error) {
	var out types.PermissionSet
	err := s.withTx(ctx, func(tx store.Transaction) error {
		p, err := tx.CheckACL(ctx, identity, table)
		out = p
		return err
	})
	return out, err
}
func (s *SQLiteStore) ListACLs(ctx context.Context, table string) ([]types.ACLEntry, error) {
	var out []types.ACLEntry
	err := s.withTx(ctx, func(tx store.Transaction) error {
		e, err := tx.ListACLs(ctx, table)
		out = e
		return err
	})
	return out, err
}
func (s *SQLiteStore) ListAllACLs(ctx context.Context) ([]types.ACLEntry, error) {
	var out []types.ACLEntry
	err := s.withTx(ctx, func(tx store.Transaction) error {
		e, err := tx.ListAllACLs(ctx)
		out = e
		return err
	})
	return out, err
}

func (s *SQLiteStore) PutFederatedIdentity(ctx context.Context, fi *types.FederatedIdentity) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.PutFederatedIdentity(ctx, fi) })
}
func (s *SQLiteStore) GetFederatedIdentity(ctx context.Context, fedID string) (*types.FederatedIdentity, error) {
	var out *types.FederatedIdentity
	err := s.withTx(ctx, func(tx store.Transaction) error {
		fi, err := tx.GetFederatedIdentity(ctx, fedID)
		out = fi
		return err
	})
	return out, err
}
func (s *SQLiteStore) ListFederatedIdentities(ctx context.Context) ([]*types.FederatedIdentity, error) {
	var out []*types.FederatedIdentity
	err := s.withTx(ctx, func(tx store.Transaction) error {
		fis, err := tx.ListFederatedIdentities(ctx)
		out = fis
		return err
	})
	return out, err
}
func (s *SQLiteStore) DeleteFederatedIdentity(ctx context.Context, fedID string) error {
	return s.withTx(ctx, func(tx store.Transaction) error { return tx.DeleteFederatedIdentity(ctx, fedID) })
}
func (s *SQLiteStore) ResolveFederatedUID(ctx context.Context, fedID, node string) (int, bool, error) {
	var uid int
	var ok bool
	err := s.withTx(ctx, func(tx store.Transaction) error {
		u, o, err := tx.ResolveFederatedUID(ctx, fedID, node)
		uid, ok = u, o
		return err
	})
	return uid, ok, err
}
func (s *SQLiteStore) ResolveFederatedIdentity(ctx context.Context, node string, uid int) (string, bool, error) {
	var fedID string
	var ok bool
	err := s.withTx(ctx, func(tx store.Transaction) error {
		f, o, err := tx.ResolveFederatedIdentity(ctx, node, uid)
		fedID, ok = f, o
		return err
	})
	return fedID, ok, err
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
