package rpc

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cortexlabs/cortex/internal/authz"
	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/protocol"
	"github.com/cortexlabs/cortex/internal/types"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// ServerVersion is reported by the status method.
const ServerVersion = "0.1.0"

// MeshInfo is the subset of the replication driver (internal/mesh) the
// mesh_* and sync_* methods need. Declared here, rather than importing
// internal/mesh directly, so the rpc package has no dependency on mesh's
// node-membership machinery — mesh.Driver satisfies this structurally.
type MeshInfo interface {
	ListNodes() []string
	Status() map[string]interface{}
	SyncStatus(table string) map[string]interface{}
	Repair(ctx context.Context, table string) error
	ScopeChanged(ctx context.Context, table string, newScope types.NodeScope)
}

// SetMesh wires the replication driver into the dispatch table. A nil Mesh
// (the default when no mesh config is present) makes every mesh_*/sync_*
// method fail with not_found, matching "absence of mesh config disables
// ... the replication driver entirely" (spec §6).
func (s *Server) SetMesh(m MeshInfo) { s.mu.Lock(); s.mesh = m; s.mu.Unlock() }

func (s *Server) meshDriver() MeshInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mesh
}

type handlerFunc func(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error)

var dispatchTable map[string]handlerFunc

func init() {
	dispatchTable = map[string]handlerFunc{
		"ping":               handlePing,
		"status":             handleStatus,
		"tables":             handleTables,
		"create_table":       handleCreateTable,
		"drop_table":         handleDropTable,
		"put":                handlePut,
		"get":                handleGet,
		"delete":             handleDelete,
		"match":              handleMatch,
		"all":                handleAll,
		"keys":               handleKeys,
		"acl_grant":          handleACLGrant,
		"acl_revoke":         handleACLRevoke,
		"acl_list":           handleACLList,
		"get_scope":          handleGetScope,
		"set_scope":          handleSetScope,
		"table_info":         handleTableInfo,
		"identity_register":  handleIdentityRegister,
		"identity_claim":     handleIdentityClaim,
		"identity_list":      handleIdentityList,
		"identity_revoke":    handleIdentityRevoke,
		"mesh_list_nodes":    handleMeshListNodes,
		"mesh_status":        handleMeshStatus,
		"sync_status":        handleSyncStatus,
		"sync_status_table":  handleSyncStatusTable,
		"sync_repair":        handleSyncRepair,
	}
}

// dispatch looks up and invokes the handler for method. An unknown method
// is logged and denied (spec §4.2: "Unknown operations MUST be logged and
// denied — never crashed over"), not treated as a protocol error.
func (s *Server) dispatch(ctx context.Context, caller authz.Caller, node string, method string, params protocol.Value) (protocol.Value, error) {
	h, ok := dispatchTable[method]
	if !ok {
		s.log.Warn("unknown method", "method", method)
		return nil, cortexerr.New(cortexerr.AccessDenied, "unknown method %q", method)
	}
	arr, err := paramsArray(params)
	if err != nil {
		return nil, err
	}
	return h(ctx, s, caller, node, arr)
}

func paramsArray(v protocol.Value) ([]protocol.Value, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]protocol.Value)
	if !ok {
		return nil, cortexerr.New(cortexerr.InvalidParams, "params must be an array")
	}
	return arr, nil
}

func paramString(params []protocol.Value, i int) (string, error) {
	if i >= len(params) {
		return "", cortexerr.New(cortexerr.InvalidParams, "missing parameter %d", i)
	}
	s, ok := params[i].(string)
	if !ok {
		return "", cortexerr.New(cortexerr.InvalidParams, "parameter %d must be a string", i)
	}
	return s, nil
}

// resolveName applies spec §4.1's name-resolution rule: a short name
// resolves against the caller's own namespace; an @-prefixed name
// resolves against the caller's federated identity, failing
// federated_identity_required if the caller has none; anything else
// (already containing ':' or '@fed:') is taken literally and MUST
// already be a known catalog entry — callers are never allowed to mint a
// new symbolic identifier by supplying an already-qualified name.
func resolveName(caller authz.Caller, name string) (string, error) {
	if name == "" || !types.NameRE.MatchString(name) {
		if strings.HasPrefix(name, "@") {
			if !types.FederatedNameRE.MatchString(name) {
				return "", cortexerr.New(cortexerr.InvalidParams, "invalid federated table name %q", name)
			}
			if strings.Contains(name, ":") {
				return name, nil // already fully qualified; resolved against the catalog, not minted
			}
			if caller.FedID == "" {
				return "", cortexerr.New(cortexerr.FederatedIdentityNeeded, "caller has no federated identity")
			}
			return "@" + caller.FedID + ":" + name[1:], nil
		}
		if strings.Contains(name, ":") {
			return name, nil
		}
		return "", cortexerr.New(cortexerr.InvalidParams, "invalid table name %q", name)
	}
	return fmt.Sprintf("%d:%s", caller.UID, name), nil
}

func (s *Server) loadTableForOp(ctx context.Context, caller authz.Caller, node string, rawName string, op authz.Operation) (*types.TableMeta, string, error) {
	resolved, err := resolveName(caller, rawName)
	if err != nil {
		return nil, "", err
	}
	table, err := s.store.GetTable(ctx, resolved)
	if err != nil {
		return nil, "", authz.AuthorizeTableExists(err)
	}
	if err := authz.Authorize(ctx, s.store, caller, table, op, node); err != nil {
		return nil, "", err
	}
	return table, resolved, nil
}

func handlePing(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	return "pong", nil
}

func handleStatus(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	tables, err := s.store.ListTables(ctx, caller.UID, caller.FedID)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	uptime := "unknown"
	if !s.startTime.IsZero() {
		uptime = humanize.Time(s.startTime)
	}
	dbSize := "unknown"
	if fi, err := os.Stat(s.store.Path()); err == nil {
		dbSize = humanize.Bytes(uint64(fi.Size()))
	}

	return map[string]protocol.Value{
		"version": ServerVersion,
		"status":  "ok",
		"node":    hostname,
		"tables":  int64(len(tables)),
		"uptime":  uptime,
		"db_size": dbSize,
	}, nil
}

func handleTables(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	tables, err := s.store.ListTables(ctx, caller.UID, caller.FedID)
	if err != nil {
		return nil, err
	}
	names := make([]protocol.Value, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names, nil
}

func handleCreateTable(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	if len(params) < 2 || len(params) > 3 {
		return nil, cortexerr.New(cortexerr.InvalidParams, "create_table takes [name, attrs] or [name, attrs, scope]")
	}
	rawName, ok := params[0].(string)
	if !ok {
		return nil, cortexerr.New(cortexerr.InvalidParams, "name must be a string")
	}
	attrVals, ok := params[1].([]protocol.Value)
	if !ok {
		return nil, cortexerr.New(cortexerr.InvalidParams, "attrs must be an array")
	}
	attrs := make([]string, 0, len(attrVals))
	for _, a := range attrVals {
		as, ok := a.(string)
		if !ok || !types.NameRE.MatchString(as) {
			return nil, cortexerr.New(cortexerr.InvalidParams, "invalid attribute name")
		}
		attrs = append(attrs, as)
	}
	if len(attrs) == 0 {
		return nil, cortexerr.New(cortexerr.InvalidParams, "attrs must be non-empty")
	}

	scope := types.NodeScope{Kind: types.ScopeLocal}
	if len(params) == 3 {
		scopeStr, ok := params[2].(string)
		if !ok {
			return nil, cortexerr.New(cortexerr.InvalidParams, "scope must be a string")
		}
		scope = types.ParseScope(scopeStr)
	}

	// A qualified name ("1000:notes", "@acme:notes") only ever refers to
	// an existing catalog entry (see resolveName), so it cannot be created.
	if strings.Contains(rawName, ":") {
		return nil, cortexerr.New(cortexerr.Unauthorized, "create_table takes a short or @-prefixed name, not %q", rawName)
	}

	resolved, err := resolveName(caller, rawName)
	if err != nil {
		return nil, err
	}

	meta := &types.TableMeta{
		Name:       resolved,
		OwnerUID:   caller.UID,
		OwnerFed:   caller.FedID,
		KeyField:   attrs[0],
		Attributes: attrs,
		Scope:      scope,
	}
	if caller.FedID != "" {
		meta.OwnerUID = -1
	}
	if err := s.store.CreateTable(ctx, meta); err != nil {
		return nil, err
	}
	return "created", nil
}

func handleDropTable(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	_, resolved, err := s.loadTableForOp(ctx, caller, node, name, authz.OpAdmin)
	if err != nil {
		return nil, err
	}
	if err := s.store.DropTable(ctx, resolved); err != nil {
		return nil, err
	}
	return "dropped", nil
}

func handlePut(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, cortexerr.New(cortexerr.InvalidParams, "put requires [table, record]")
	}
	recMap, ok := params[1].(map[string]protocol.Value)
	if !ok {
		return nil, cortexerr.New(cortexerr.InvalidParams, "record must be a map")
	}
	table, _, err := s.loadTableForOp(ctx, caller, node, name, authz.OpWrite)
	if err != nil {
		return nil, err
	}
	rec := make(types.Record, len(recMap))
	for k, v := range recMap {
		rec[k] = v
	}
	if err := s.store.Put(ctx, table, rec); err != nil {
		return nil, err
	}
	return "ok", nil
}

func handleGet(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, cortexerr.New(cortexerr.InvalidParams, "get requires [table, key]")
	}
	key := types.CoerceString(params[1])
	table, _, err := s.loadTableForOp(ctx, caller, node, name, authz.OpRead)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, table, key)
	if err != nil {
		return nil, err
	}
	return protocol.Normalize(map[string]interface{}(rec)), nil
}

func handleDelete(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, cortexerr.New(cortexerr.InvalidParams, "delete requires [table, key]")
	}
	key := types.CoerceString(params[1])
	table, _, err := s.loadTableForOp(ctx, caller, node, name, authz.OpWrite)
	if err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, table, key); err != nil {
		return nil, err
	}
	return "ok", nil
}

func recordsToValue(recs []types.Record) protocol.Value {
	out := make([]protocol.Value, len(recs))
	for i, r := range recs {
		out[i] = protocol.Normalize(map[string]interface{}(r))
	}
	return out
}

func handleMatch(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, cortexerr.New(cortexerr.InvalidParams, "match requires [table, pattern]")
	}
	pattern, ok := params[1].(map[string]protocol.Value)
	if !ok {
		return nil, cortexerr.New(cortexerr.InvalidParams, "pattern must be a map")
	}
	table, _, err := s.loadTableForOp(ctx, caller, node, name, authz.OpRead)
	if err != nil {
		return nil, err
	}
	all, err := s.store.All(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []types.Record
	for _, rec := range all {
		if recordMatchesPattern(rec, pattern) {
			out = append(out, rec)
		}
	}
	return recordsToValue(out), nil
}

// recordMatchesPattern implements spec §4.1's match refinements: a
// missing field never matches, and an array field matches a scalar
// pattern value by membership.
func recordMatchesPattern(rec types.Record, pattern map[string]protocol.Value) bool {
	for k, want := range pattern {
		got, ok := rec[k]
		if !ok {
			return false
		}
		if arr, isArr := got.([]interface{}); isArr {
			if !sliceContains(arr, want) {
				return false
			}
			continue
		}
		if types.CoerceString(got) != types.CoerceString(want) {
			return false
		}
	}
	return true
}

func sliceContains(arr []interface{}, want protocol.Value) bool {
	for _, e := range arr {
		if types.CoerceString(e) == types.CoerceString(want) {
			return true
		}
	}
	return false
}

func handleAll(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	table, _, err := s.loadTableForOp(ctx, caller, node, name, authz.OpRead)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.All(ctx, table)
	if err != nil {
		return nil, err
	}
	return recordsToValue(recs), nil
}

func handleKeys(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	table, _, err := s.loadTableForOp(ctx, caller, node, name, authz.OpRead)
	if err != nil {
		return nil, err
	}
	keys, err := s.store.Keys(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Value, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func parsePermCSV(s string) (types.PermissionSet, error) {
	perms := types.NewPermissionSet()
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := types.ParsePermission(part)
		if p == "" {
			return nil, cortexerr.New(cortexerr.InvalidPermissions, "invalid permission %q", part)
		}
		perms[p] = struct{}{}
	}
	if perms.Empty() {
		return nil, cortexerr.New(cortexerr.InvalidPermissions, "permission set must be non-empty")
	}
	return perms, nil
}

func handleACLGrant(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	if len(params) != 3 {
		return nil, cortexerr.New(cortexerr.InvalidParams, "acl_grant requires [identity, table, perm_csv]")
	}
	identity, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	tableName, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	permCSV, err := paramString(params, 2)
	if err != nil {
		return nil, err
	}
	perms, err := parsePermCSV(permCSV)
	if err != nil {
		return nil, err
	}
	_, resolved, err := s.loadTableForOp(ctx, caller, node, tableName, authz.OpAdmin)
	if err != nil {
		return nil, err
	}
	if err := s.store.GrantACL(ctx, identity, resolved, perms); err != nil {
		return nil, err
	}
	return "granted", nil
}

func handleACLRevoke(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	if len(params) != 3 {
		return nil, cortexerr.New(cortexerr.InvalidParams, "acl_revoke requires [identity, table, perm_csv]")
	}
	identity, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	tableName, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	permCSV, err := paramString(params, 2)
	if err != nil {
		return nil, err
	}
	perms, err := parsePermCSV(permCSV)
	if err != nil {
		return nil, err
	}
	_, resolved, err := s.loadTableForOp(ctx, caller, node, tableName, authz.OpAdmin)
	if err != nil {
		return nil, err
	}
	if err := s.store.RevokeACL(ctx, identity, resolved, perms); err != nil {
		return nil, err
	}
	return "revoked", nil
}

// handleACLList is acl_list (spec §6): params [], returns every ACL row
// in the catalog. There is no table argument to run the usual per-table
// admin gate against, so this is restricted to local root the same way
// status/tables would be if they exposed other identities' grants — the
// node operator, not a tenant.
func handleACLList(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	if caller.UID != 0 || caller.FedID != "" || node != "" {
		return nil, cortexerr.New(cortexerr.AccessDenied, "access denied")
	}
	entries, err := s.store.ListAllACLs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Value, len(entries))
	for i, e := range entries {
		permNames := make([]protocol.Value, 0, len(e.Permissions))
		for p := range e.Permissions {
			permNames = append(permNames, string(p))
		}
		out[i] = map[string]protocol.Value{
			"identity":    e.Identity,
			"table":       e.Table,
			"permissions": permNames,
		}
	}
	return out, nil
}

func handleGetScope(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	table, _, err := s.loadTableForOp(ctx, caller, node, name, authz.OpRead)
	if err != nil {
		return nil, err
	}
	return table.Scope.String(), nil
}

func handleSetScope(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	scopeStr, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}
	_, resolved, err := s.loadTableForOp(ctx, caller, node, name, authz.OpAdmin)
	if err != nil {
		return nil, err
	}
	scope := types.ParseScope(scopeStr)
	if err := s.store.SetNodeScope(ctx, resolved, scope); err != nil {
		return nil, err
	}
	if m := s.meshDriver(); m != nil {
		// scope_changed is a catalog event the replication driver reacts
		// to asynchronously (spec §4.7): ScopeChanged converges replicas
		// to exactly the new scope, including removing members that
		// fell out of it — Repair does not, since it only touches
		// members already in scope (driver.go).
		go m.ScopeChanged(context.Background(), resolved, scope)
	}
	return "ok", nil
}

func handleTableInfo(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	table, _, err := s.loadTableForOp(ctx, caller, node, name, authz.OpRead)
	if err != nil {
		return nil, err
	}
	attrs := make([]protocol.Value, len(table.Attributes))
	for i, a := range table.Attributes {
		attrs[i] = a
	}
	owner := types.LocalIdentity(table.OwnerUID)
	if table.OwnerFed != "" {
		owner = table.OwnerFed
	}
	return map[string]protocol.Value{
		"name":       table.Name,
		"owner":      owner,
		"key_field":  table.KeyField,
		"attributes": attrs,
		"scope":      table.Scope.String(),
	}, nil
}

func federatedIdentityToValue(fi *types.FederatedIdentity) protocol.Value {
	mappings := make(map[string]protocol.Value, len(fi.Mappings))
	for node, uid := range fi.Mappings {
		mappings[node] = int64(uid)
	}
	return map[string]protocol.Value{
		"fed_id":     fi.FedID,
		"mappings":   mappings,
		"created_at": fi.CreatedAt,
		"created_by": fi.CreatedBy,
	}
}

// handleIdentityRegister creates a new federated identity owned, on this
// node, by the caller's local uid (spec §3's "created by one node"
// half of the identity lifecycle). A caller must be a local uid, not
// already a federated identity — federated ids can't nest.
func handleIdentityRegister(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	if caller.FedID != "" {
		return nil, cortexerr.New(cortexerr.InvalidRequest, "a federated identity cannot register another")
	}
	if node != "" {
		return nil, cortexerr.New(cortexerr.AccessDenied, "access denied")
	}
	fedID, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetFederatedIdentity(ctx, fedID); err == nil {
		return nil, cortexerr.New(cortexerr.AlreadyExists, "federated identity %q already registered", fedID)
	} else if !cortexerr.Is(err, cortexerr.NotFound) {
		return nil, err
	}
	fi := &types.FederatedIdentity{
		FedID:     fedID,
		Mappings:  map[string]int{s.localNode: caller.UID},
		CreatedAt: nowMillis(),
		CreatedBy: s.localNode,
	}
	if err := s.store.PutFederatedIdentity(ctx, fi); err != nil {
		return nil, err
	}
	return federatedIdentityToValue(fi), nil
}

// handleIdentityClaim extends an already-registered federated identity
// with a mapping for this node, the one-time claim spec §3 describes:
// a node may claim an identity once, adding its own local-uid mapping.
func handleIdentityClaim(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	if caller.FedID != "" {
		return nil, cortexerr.New(cortexerr.InvalidRequest, "a federated identity cannot claim another")
	}
	fedID, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	fi, err := s.store.GetFederatedIdentity(ctx, fedID)
	if err != nil {
		return nil, err
	}
	if _, already := fi.Mappings[s.localNode]; already {
		return nil, cortexerr.New(cortexerr.AlreadyExists, "identity %q already claimed on this node", fedID)
	}
	fi.Mappings[s.localNode] = caller.UID
	if err := s.store.PutFederatedIdentity(ctx, fi); err != nil {
		return nil, err
	}
	return federatedIdentityToValue(fi), nil
}

func handleIdentityList(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	fis, err := s.store.ListFederatedIdentities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Value, len(fis))
	for i, fi := range fis {
		out[i] = federatedIdentityToValue(fi)
	}
	return out, nil
}

// handleIdentityRevoke removes this node's mapping from a federated
// identity, or the identity entirely once its last mapping is gone
// (spec §3: "revocation removes a single node mapping or, if none
// remain, the identity"). Only the uid currently mapped for this node,
// or local root, may revoke it.
func handleIdentityRevoke(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	fedID, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	fi, err := s.store.GetFederatedIdentity(ctx, fedID)
	if err != nil {
		return nil, err
	}
	mappedUID, ok := fi.Mappings[s.localNode]
	if !ok {
		return nil, cortexerr.New(cortexerr.NotFound, "identity %q has no mapping on this node", fedID)
	}
	// A federated or TLS caller carries UID 0 without being root, so root
	// also needs an empty FedID, and any request from another node
	// (node != "") is refused.
	isLocalRoot := caller.UID == 0 && caller.FedID == ""
	isMapped := caller.FedID == fedID || (caller.FedID == "" && caller.UID == mappedUID)
	if node != "" || (!isLocalRoot && !isMapped) {
		return nil, cortexerr.New(cortexerr.AccessDenied, "access denied")
	}
	delete(fi.Mappings, s.localNode)
	if len(fi.Mappings) == 0 {
		if err := s.store.DeleteFederatedIdentity(ctx, fedID); err != nil {
			return nil, err
		}
		return "revoked", nil
	}
	if err := s.store.PutFederatedIdentity(ctx, fi); err != nil {
		return nil, err
	}
	return "revoked", nil
}

func handleMeshListNodes(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	m := s.meshDriver()
	if m == nil {
		return nil, cortexerr.New(cortexerr.NotFound, "mesh is not configured on this node")
	}
	nodes := m.ListNodes()
	out := make([]protocol.Value, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out, nil
}

func handleMeshStatus(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	m := s.meshDriver()
	if m == nil {
		return nil, cortexerr.New(cortexerr.NotFound, "mesh is not configured on this node")
	}
	return protocol.Normalize(m.Status()), nil
}

func handleSyncStatus(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	m := s.meshDriver()
	if m == nil {
		return nil, cortexerr.New(cortexerr.NotFound, "mesh is not configured on this node")
	}
	return protocol.Normalize(m.SyncStatus("")), nil
}

func handleSyncStatusTable(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	m := s.meshDriver()
	if m == nil {
		return nil, cortexerr.New(cortexerr.NotFound, "mesh is not configured on this node")
	}
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	_, resolved, err := s.loadTableForOp(ctx, caller, node, name, authz.OpRead)
	if err != nil {
		return nil, err
	}
	return protocol.Normalize(m.SyncStatus(resolved)), nil
}

func handleSyncRepair(ctx context.Context, s *Server, caller authz.Caller, node string, params []protocol.Value) (protocol.Value, error) {
	m := s.meshDriver()
	if m == nil {
		return nil, cortexerr.New(cortexerr.NotFound, "mesh is not configured on this node")
	}
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	_, resolved, err := s.loadTableForOp(ctx, caller, node, name, authz.OpAdmin)
	if err != nil {
		return nil, err
	}
	if err := m.Repair(ctx, resolved); err != nil {
		return nil, err
	}
	return "ok", nil
}
