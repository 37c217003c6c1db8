// Package authz implements the two-gate authorization check every table
// operation passes through (spec §4.2): first a node-scope gate decides
// whether the requesting node may see the table at all, then an identity
// gate checks the caller's ACL entry. Both gates collapse to the same
// access_denied error so a caller fishing for which tables exist on a node
// it isn't scoped into learns nothing from the difference (spec invariant
// 6, scenario S4).
package authz

import (
	"context"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/store"
	"github.com/cortexlabs/cortex/internal/types"
)

// Operation is a table-level action subject to authorization.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
	OpAdmin Operation = "admin"
)

// requiredPermission maps an Operation onto the PermissionSet that
// satisfies it. Write and admin both satisfy a read check: admin implies
// write implies read, the same permission hierarchy spec §3 describes for
// ACL entries.
func requiredPermission(op Operation) types.Permission {
	switch op {
	case OpRead:
		return types.PermRead
	case OpWrite:
		return types.PermWrite
	default:
		return types.PermAdmin
	}
}

func satisfies(perms types.PermissionSet, want types.Permission) bool {
	switch want {
	case types.PermRead:
		return perms.Has(types.PermRead) || perms.Has(types.PermWrite) || perms.Has(types.PermAdmin)
	case types.PermWrite:
		return perms.Has(types.PermWrite) || perms.Has(types.PermAdmin)
	case types.PermAdmin:
		return perms.Has(types.PermAdmin)
	default:
		return false
	}
}

// Caller identifies who is asking: either a local uid or a resolved
// federated id, never both (spec §3's identity model).
type Caller struct {
	UID   int
	FedID string
}

func (c Caller) aclSubject() string {
	if c.FedID != "" {
		return c.FedID
	}
	return types.LocalIdentity(c.UID)
}

// Authorize runs the two-gate check for op against table, on behalf of
// caller, as observed arriving from requestingNode ("" for a request that
// originated locally on this node, i.e. not forwarded by the mesh).
//
// Table owners always pass the identity gate (spec invariant 4); everyone
// else needs an explicit ACL grant, including the wildcard "*" entry.
func Authorize(ctx context.Context, s store.Transaction, caller Caller, table *types.TableMeta, op Operation, requestingNode string) error {
	if table == nil {
		return cortexerr.New(cortexerr.AccessDenied, "access denied")
	}

	// Local root bypasses both gates entirely (spec §4.2 step 1): uid 0
	// connecting over the Unix socket is the node operator, not a
	// tenant, so the rest of the authorization pipeline never applies
	// to it.
	if caller.UID == 0 && caller.FedID == "" && requestingNode == "" {
		return nil
	}

	if !table.Scope.InScope(requestingNode) && requestingNode != "" {
		return cortexerr.New(cortexerr.AccessDenied, "access denied")
	}

	if table.IsOwner(caller.UID, caller.FedID) {
		return nil
	}

	want := requiredPermission(op)

	subjectPerms, err := s.CheckACL(ctx, caller.aclSubject(), table.Name)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	if satisfies(subjectPerms, want) {
		return nil
	}

	worldPerms, err := s.CheckACL(ctx, types.WorldIdentity, table.Name)
	if err != nil {
		return cortexerr.Wrap(cortexerr.Internal, err)
	}
	if satisfies(worldPerms, want) {
		return nil
	}

	return cortexerr.New(cortexerr.AccessDenied, "access denied")
}

// AuthorizeTableExists maps the error of a failed table lookup by name:
// not_found becomes access_denied, and any other error is returned
// unchanged. It performs no scope or ACL check itself; callers use it so
// that "forbidden" and "not found" produce the identical access_denied
// (spec invariant 6).
func AuthorizeTableExists(err error) error {
	if cortexerr.Is(err, cortexerr.NotFound) {
		return cortexerr.New(cortexerr.AccessDenied, "access denied")
	}
	return err
}
