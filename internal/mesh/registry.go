// Package mesh is the replication driver (spec §2 component C7): it owns
// table-to-node placement based on a table's scope and reacts to catalog
// and membership events by calling a pluggable Replicator, the way spec
// §9 describes the transport as "a pluggable backend with two
// responsibilities: keep a set of tables converged, notify on membership
// change."
//
// The node registry below is grounded on the teacher's
// internal/daemon.Registry: a JSON file guarded by a cross-process file
// lock, read-modify-written atomically via a tempfile rename. The teacher
// locks with its own internal/lockfile wrapper; that package isn't part
// of this retrieval, so the registry here calls gofrs/flock directly.
package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/cortexlabs/cortex/internal/config"
)

// Node describes one mesh peer.
type Node struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Registry is the durable record of known mesh peers, persisted alongside
// the daemon's data directory so a restart doesn't forget membership
// configured via the mesh config block.
type Registry struct {
	path     string
	lockPath string
	mu       sync.Mutex // in-process mutual exclusion; flock handles cross-process
}

// NewRegistry opens a Registry rooted at dataDir/mesh/nodes.json.
func NewRegistry(dataDir string) *Registry {
	dir := filepath.Join(dataDir, "mesh")
	return &Registry{
		path:     filepath.Join(dir, "nodes.json"),
		lockPath: filepath.Join(dir, "nodes.json.lock"),
	}
}

// Seed replaces the registry contents with the nodes listed in the mesh
// config block, the set of peers the operator declared at startup.
func (r *Registry) Seed(nodes []config.NodeConfig) error {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = Node{Name: n.Name, Host: n.Host, Port: n.Port}
	}
	return r.withFileLock(func() error { return r.writeEntriesLocked(out) })
}

// List returns every known mesh peer.
func (r *Registry) List() ([]Node, error) {
	var out []Node
	err := r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		out = entries
		return err
	})
	return out, err
}

// Register adds or updates a peer's address.
func (r *Registry) Register(n Node) error {
	return r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		replaced := false
		for i, e := range entries {
			if e.Name == n.Name {
				entries[i] = n
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, n)
		}
		return r.writeEntriesLocked(entries)
	})
}

// Unregister removes a peer by name.
func (r *Registry) Unregister(name string) error {
	return r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		out := entries[:0]
		for _, e := range entries {
			if e.Name != name {
				out = append(out, e)
			}
		}
		return r.writeEntriesLocked(out)
	})
}

func (r *Registry) withFileLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	fl := flock.New(r.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer fl.Unlock()

	return fn()
}

// readEntriesLocked must only be called with the file lock held.
func (r *Registry) readEntriesLocked() ([]Node, error) {
	b, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var entries []Node
	if err := json.Unmarshal(b, &entries); err != nil {
		// A corrupt registry is treated as empty rather than fatal: the
		// mesh config block is re-seeded on every daemon start anyway.
		return nil, nil
	}
	return entries, nil
}

// writeEntriesLocked must only be called with the file lock held. It
// writes via a tempfile + rename so a crash mid-write never leaves a
// half-written registry behind.
func (r *Registry) writeEntriesLocked(entries []Node) error {
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write registry tempfile: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("rename registry tempfile: %w", err)
	}
	return nil
}
