package mesh

import (
	"context"
	"sort"
	"sync"

	"github.com/cortexlabs/cortex/internal/logging"
	"github.com/cortexlabs/cortex/internal/store"
	"github.com/cortexlabs/cortex/internal/types"
)

// systemTables replicate to every mesh member regardless of scope (spec
// §3 invariant 6: "cortex_identities, cortex_acls, and cortex_meta
// replicate to every mesh member so that authorization can resolve
// locally without a network round-trip").
var systemTables = []string{"cortex_meta", "cortex_acls", "cortex_identities"}

// Replicator is the pluggable transport the driver manipulates placement
// through. Spec §9 treats the actual replication transport as a black
// box with exactly two responsibilities; this interface is that seam.
// EnsureReplica/RemoveReplica ask the transport to converge (or stop
// converging) one table onto one member; they return once the request
// has been accepted, not once convergence has completed — replication
// itself is asynchronous.
type Replicator interface {
	EnsureReplica(ctx context.Context, table, node string) error
	RemoveReplica(ctx context.Context, table, node string) error
}

// Driver is the replication driver (spec §2 C7). It is stateless with
// respect to record data — it only decides, and tells the Replicator,
// which members should hold a copy of which table.
type Driver struct {
	store      store.Store
	registry   *Registry
	replicator Replicator
	log        logging.Logger
	localNode  string

	mu        sync.RWMutex
	placement map[string]map[string]bool // table -> node -> replica present
}

// NewDriver builds a Driver. localNode is this daemon's own node name,
// never a placement target of its own replication calls.
func NewDriver(st store.Store, registry *Registry, replicator Replicator, localNode string, log logging.Logger) *Driver {
	if log == nil {
		log = logging.Nop()
	}
	return &Driver{
		store:      st,
		registry:   registry,
		replicator: replicator,
		log:        log,
		localNode:  localNode,
		placement:  make(map[string]map[string]bool),
	}
}

func (d *Driver) members() []string {
	nodes, err := d.registry.List()
	if err != nil {
		d.log.Warn("mesh registry list failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Name != d.localNode {
			out = append(out, n.Name)
		}
	}
	return out
}

func (d *Driver) setReplica(table, node string, present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.placement[table] == nil {
		d.placement[table] = make(map[string]bool)
	}
	if present {
		d.placement[table][node] = true
	} else {
		delete(d.placement[table], node)
	}
}

func (d *Driver) converge(ctx context.Context, table string, want bool, node string) {
	var err error
	if want {
		err = d.replicator.EnsureReplica(ctx, table, node)
	} else {
		err = d.replicator.RemoveReplica(ctx, table, node)
	}
	if err != nil {
		d.log.Warn("replica convergence failed", "table", table, "node", node, "want", want, "error", err)
		return
	}
	d.setReplica(table, node, want)
}

// ScopeChanged reacts to a catalog event: a table's scope was set to
// newScope. For every mesh member, it ensures a replica exists iff the
// member is now in scope, adding or removing replicas as needed (spec
// §4.7).
func (d *Driver) ScopeChanged(ctx context.Context, table string, newScope types.NodeScope) {
	for _, node := range d.members() {
		d.converge(ctx, table, newScope.InScope(node), node)
	}
}

// NodeJoin reacts to a membership-up event: m has joined the mesh. Every
// system table replicates to it, and every user table whose scope
// includes m gets a replica there (spec §4.7).
func (d *Driver) NodeJoin(ctx context.Context, m string) {
	for _, t := range systemTables {
		d.converge(ctx, t, true, m)
	}
	tables, err := d.store.ListAllTables(ctx)
	if err != nil {
		d.log.Warn("mesh node_join: list tables failed", "node", m, "error", err)
		return
	}
	for _, meta := range tables {
		if meta.Scope.InScope(m) {
			d.converge(ctx, meta.Name, true, m)
		}
	}
}

// NodeLeave reacts to a membership-down event. Placement is left
// untouched — spec §4.7 is explicit that this is a no-op on placement,
// since the underlying replication engine owns partitioned recovery —
// but the node is dropped from the registry so it stops being a target
// of future ScopeChanged/NodeJoin convergence until it rejoins.
func (d *Driver) NodeLeave(m string) {
	if err := d.registry.Unregister(m); err != nil {
		d.log.Warn("mesh node_leave: registry unregister failed", "node", m, "error", err)
	}
}

// Repair removes and re-adds replicas of table on every currently
// eligible member, forcing re-synchronization (spec §4.7).
func (d *Driver) Repair(ctx context.Context, table string) error {
	meta, err := d.store.GetTable(ctx, table)
	if err != nil {
		return err
	}
	for _, node := range d.members() {
		if !meta.Scope.InScope(node) {
			continue
		}
		if err := d.replicator.RemoveReplica(ctx, table, node); err != nil {
			d.log.Warn("repair: remove replica failed", "table", table, "node", node, "error", err)
			continue
		}
		d.setReplica(table, node, false)
		if err := d.replicator.EnsureReplica(ctx, table, node); err != nil {
			d.log.Warn("repair: ensure replica failed", "table", table, "node", node, "error", err)
			continue
		}
		d.setReplica(table, node, true)
	}
	return nil
}

// ListNodes returns the names of every known mesh member other than this
// node, satisfying rpc.MeshInfo.
func (d *Driver) ListNodes() []string {
	nodes := d.members()
	sort.Strings(nodes)
	return nodes
}

// Status reports a summary view of the mesh for the mesh_status method.
func (d *Driver) Status() map[string]interface{} {
	nodes := d.members()
	d.mu.RLock()
	tableCount := len(d.placement)
	d.mu.RUnlock()
	return map[string]interface{}{
		"node":        d.localNode,
		"peer_count":  int64(len(nodes)),
		"peers":       nodes,
		"table_count": int64(tableCount),
	}
}

// SyncStatus reports per-node replica placement for one table, or for
// every tracked table when table is empty (the sync_status method; a
// specific table selects sync_status_table).
func (d *Driver) SyncStatus(table string) map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if table != "" {
		nodesWithReplica := make([]string, 0, len(d.placement[table]))
		for n := range d.placement[table] {
			nodesWithReplica = append(nodesWithReplica, n)
		}
		sort.Strings(nodesWithReplica)
		return map[string]interface{}{"table": table, "replicas": nodesWithReplica}
	}

	out := make(map[string]interface{}, len(d.placement))
	for t, nodes := range d.placement {
		ns := make([]string, 0, len(nodes))
		for n := range nodes {
			ns = append(ns, n)
		}
		sort.Strings(ns)
		out[t] = ns
	}
	return out
}
