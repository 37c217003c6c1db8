package mesh

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cortexlabs/cortex/internal/config"
	"github.com/cortexlabs/cortex/internal/store/sqlite"
	"github.com/cortexlabs/cortex/internal/types"
)

// fakeReplicator records every convergence call instead of talking to a
// real replication transport, the way a hand test double would stand in
// for the teacher's storage backend in a unit test.
type fakeReplicator struct {
	mu      sync.Mutex
	ensured map[string]map[string]bool
	removed map[string]map[string]bool
}

func newFakeReplicator() *fakeReplicator {
	return &fakeReplicator{ensured: map[string]map[string]bool{}, removed: map[string]map[string]bool{}}
}

func (f *fakeReplicator) EnsureReplica(ctx context.Context, table, node string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensured[table] == nil {
		f.ensured[table] = map[string]bool{}
	}
	f.ensured[table][node] = true
	return nil
}

func (f *fakeReplicator) RemoveReplica(ctx context.Context, table, node string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed[table] == nil {
		f.removed[table] = map[string]bool{}
	}
	f.removed[table][node] = true
	return nil
}

func newTestDriver(t *testing.T, nodes []config.NodeConfig) (*Driver, *fakeReplicator, *sqlite.SQLiteStore) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "cortex.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := NewRegistry(t.TempDir())
	if err := reg.Seed(nodes); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	rep := newFakeReplicator()
	return NewDriver(st, reg, rep, "node-local", nil), rep, st
}

func TestScopeChangedAddsAndRemovesReplicas(t *testing.T) {
	d, rep, st := newTestDriver(t, []config.NodeConfig{{Name: "node-a"}, {Name: "node-b"}})
	ctx := context.Background()

	meta := &types.TableMeta{Name: "1000:notes", OwnerUID: 1000, KeyField: "id", Scope: types.NodeScope{Kind: types.ScopeLocal}}
	if err := st.CreateTable(ctx, meta); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	d.ScopeChanged(ctx, meta.Name, types.NodeScope{Kind: types.ScopeList, Nodes: []string{"node-a"}})
	if !rep.ensured[meta.Name]["node-a"] {
		t.Fatalf("expected node-a to have a replica ensured")
	}
	if rep.ensured[meta.Name]["node-b"] {
		t.Fatalf("node-b should not be in scope")
	}

	d.ScopeChanged(ctx, meta.Name, types.NodeScope{Kind: types.ScopeAll})
	if !rep.ensured[meta.Name]["node-b"] {
		t.Fatalf("expected node-b to have a replica ensured once scope widened to all")
	}

	d.ScopeChanged(ctx, meta.Name, types.NodeScope{Kind: types.ScopeLocal})
	if !rep.removed[meta.Name]["node-a"] || !rep.removed[meta.Name]["node-b"] {
		t.Fatalf("expected both replicas removed once scope narrowed to local")
	}
}

func TestNodeJoinReplicatesSystemTablesAndInScopeUserTables(t *testing.T) {
	d, rep, st := newTestDriver(t, []config.NodeConfig{{Name: "node-a"}})
	ctx := context.Background()

	inScope := &types.TableMeta{Name: "1000:shared", OwnerUID: 1000, KeyField: "id", Scope: types.NodeScope{Kind: types.ScopeAll}}
	outOfScope := &types.TableMeta{Name: "1000:private", OwnerUID: 1000, KeyField: "id", Scope: types.NodeScope{Kind: types.ScopeLocal}}
	if err := st.CreateTable(ctx, inScope); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := st.CreateTable(ctx, outOfScope); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	d.NodeJoin(ctx, "node-a")

	for _, st := range systemTables {
		if !rep.ensured[st]["node-a"] {
			t.Fatalf("expected system table %q to replicate to node-a", st)
		}
	}
	if !rep.ensured[inScope.Name]["node-a"] {
		t.Fatalf("expected in-scope table to replicate to node-a")
	}
	if rep.ensured[outOfScope.Name]["node-a"] {
		t.Fatalf("out-of-scope table must not replicate to node-a")
	}
}

func TestNodeLeaveDropsFromRegistry(t *testing.T) {
	d, _, _ := newTestDriver(t, []config.NodeConfig{{Name: "node-a"}})
	d.NodeLeave("node-a")
	if nodes := d.ListNodes(); len(nodes) != 0 {
		t.Fatalf("ListNodes after NodeLeave: got %v, want empty", nodes)
	}
}

func TestRepairRemovesAndReaddsEligibleReplicas(t *testing.T) {
	d, rep, st := newTestDriver(t, []config.NodeConfig{{Name: "node-a"}})
	ctx := context.Background()

	meta := &types.TableMeta{Name: "1000:notes", OwnerUID: 1000, KeyField: "id", Scope: types.NodeScope{Kind: types.ScopeAll}}
	if err := st.CreateTable(ctx, meta); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	if err := d.Repair(ctx, meta.Name); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if !rep.removed[meta.Name]["node-a"] || !rep.ensured[meta.Name]["node-a"] {
		t.Fatalf("expected Repair to both remove and re-add node-a's replica")
	}

	status := d.SyncStatus(meta.Name)
	replicas, _ := status["replicas"].([]string)
	if len(replicas) != 1 || replicas[0] != "node-a" {
		t.Fatalf("SyncStatus after Repair: got %v, want [node-a]", status)
	}
}

func TestListNodesExcludesLocalNode(t *testing.T) {
	d, _, _ := newTestDriver(t, []config.NodeConfig{{Name: "node-local"}, {Name: "node-a"}})
	nodes := d.ListNodes()
	if len(nodes) != 1 || nodes[0] != "node-a" {
		t.Fatalf("ListNodes: got %v, want [node-a]", nodes)
	}
}
