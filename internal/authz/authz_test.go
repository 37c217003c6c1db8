package authz

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/store/sqlite"
	"github.com/cortexlabs/cortex/internal/types"
)

func newTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortex.db")
	s, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateTable(t *testing.T, s *sqlite.SQLiteStore, name string, owner int, scope types.NodeScope) *types.TableMeta {
	t.Helper()
	meta := &types.TableMeta{Name: name, OwnerUID: owner, KeyField: "id", Scope: scope}
	if err := s.CreateTable(context.Background(), meta); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	got, err := s.GetTable(context.Background(), name)
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	return got
}

func TestOwnerAlwaysAuthorized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := mustCreateTable(t, s, "1000:notes", 1000, types.NodeScope{Kind: types.ScopeLocal})

	if err := Authorize(ctx, s, Caller{UID: 1000}, table, OpAdmin, ""); err != nil {
		t.Fatalf("owner should always be authorized, got %v", err)
	}
}

func TestNonOwnerWithoutACLDenied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := mustCreateTable(t, s, "1000:notes", 1000, types.NodeScope{Kind: types.ScopeLocal})

	err := Authorize(ctx, s, Caller{UID: 2000}, table, OpRead, "")
	if !cortexerr.Is(err, cortexerr.AccessDenied) {
		t.Fatalf("err = %v, want AccessDenied", err)
	}
}

func TestACLGrantEnablesAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := mustCreateTable(t, s, "1000:notes", 1000, types.NodeScope{Kind: types.ScopeLocal})

	if err := s.GrantACL(ctx, types.LocalIdentity(2000), table.Name, types.NewPermissionSet(types.PermRead)); err != nil {
		t.Fatalf("GrantACL: %v", err)
	}

	if err := Authorize(ctx, s, Caller{UID: 2000}, table, OpRead, ""); err != nil {
		t.Fatalf("expected read to be authorized, got %v", err)
	}
	err := Authorize(ctx, s, Caller{UID: 2000}, table, OpWrite, "")
	if !cortexerr.Is(err, cortexerr.AccessDenied) {
		t.Fatalf("expected write to remain denied, got %v", err)
	}
}

func TestWritePermissionSatisfiesRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := mustCreateTable(t, s, "1000:notes", 1000, types.NodeScope{Kind: types.ScopeLocal})
	if err := s.GrantACL(ctx, types.LocalIdentity(2000), table.Name, types.NewPermissionSet(types.PermWrite)); err != nil {
		t.Fatalf("GrantACL: %v", err)
	}
	if err := Authorize(ctx, s, Caller{UID: 2000}, table, OpRead, ""); err != nil {
		t.Fatalf("write should imply read, got %v", err)
	}
}

func TestWorldACLGrantsEveryone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := mustCreateTable(t, s, "1000:public", 1000, types.NodeScope{Kind: types.ScopeLocal})
	if err := s.GrantACL(ctx, types.WorldIdentity, table.Name, types.NewPermissionSet(types.PermRead)); err != nil {
		t.Fatalf("GrantACL: %v", err)
	}
	if err := Authorize(ctx, s, Caller{UID: 9999}, table, OpRead, ""); err != nil {
		t.Fatalf("world grant should authorize any caller, got %v", err)
	}
}

func TestNodeScopeDeniesOutOfScopeNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := mustCreateTable(t, s, "1000:notes", 1000, types.NodeScope{Kind: types.ScopeList, Nodes: []string{"node-a"}})
	if err := s.GrantACL(ctx, types.WorldIdentity, table.Name, types.NewPermissionSet(types.PermRead)); err != nil {
		t.Fatalf("GrantACL: %v", err)
	}

	if err := Authorize(ctx, s, Caller{UID: 1000}, table, OpRead, "node-a"); err != nil {
		t.Fatalf("node-a should be in scope, got %v", err)
	}
	err := Authorize(ctx, s, Caller{UID: 1000}, table, OpRead, "node-b")
	if !cortexerr.Is(err, cortexerr.AccessDenied) {
		t.Fatalf("node-b is out of scope: err = %v, want AccessDenied", err)
	}
}

func TestFederatedOwnerAuthorized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	meta := &types.TableMeta{Name: "@acme:memories", OwnerUID: -1, OwnerFed: "acme", KeyField: "id"}
	if err := s.CreateTable(ctx, meta); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	table, _ := s.GetTable(ctx, meta.Name)

	if err := Authorize(ctx, s, Caller{FedID: "acme"}, table, OpAdmin, ""); err != nil {
		t.Fatalf("federated owner should be authorized, got %v", err)
	}
	err := Authorize(ctx, s, Caller{FedID: "other"}, table, OpRead, "")
	if !cortexerr.Is(err, cortexerr.AccessDenied) {
		t.Fatalf("different federated id should be denied, got %v", err)
	}
}

func TestLocalRootBypassesACL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := mustCreateTable(t, s, "1000:notes", 1000, types.NodeScope{Kind: types.ScopeLocal})

	if err := Authorize(ctx, s, Caller{UID: 0}, table, OpAdmin, ""); err != nil {
		t.Fatalf("local root should bypass authorization, got %v", err)
	}
}

func TestRootBypassDoesNotApplyOverMesh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := mustCreateTable(t, s, "1000:notes", 1000, types.NodeScope{Kind: types.ScopeAll})

	err := Authorize(ctx, s, Caller{UID: 0}, table, OpRead, "node-b")
	if !cortexerr.Is(err, cortexerr.AccessDenied) {
		t.Fatalf("uid 0 forwarded from another node should not bypass identity gate, got %v", err)
	}
}

func TestAuthorizeTableExistsCollapsesNotFoundToAccessDenied(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTable(context.Background(), "1000:missing")
	if !cortexerr.Is(err, cortexerr.NotFound) {
		t.Fatalf("expected NotFound from GetTable, got %v", err)
	}
	collapsed := AuthorizeTableExists(err)
	if !cortexerr.Is(collapsed, cortexerr.AccessDenied) {
		t.Fatalf("AuthorizeTableExists should collapse to AccessDenied, got %v", collapsed)
	}
}

