package mesh

import (
	"path/filepath"
	"testing"

	"github.com/cortexlabs/cortex/internal/config"
)

func TestRegistrySeedAndList(t *testing.T) {
	r := NewRegistry(t.TempDir())
	nodes := []config.NodeConfig{
		{Name: "node-a", Host: "10.0.0.1", Port: 7443},
		{Name: "node-b", Host: "10.0.0.2", Port: 7443},
	}
	if err := r.Seed(nodes); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	got, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List: got %d nodes, want 2", len(got))
	}
}

func TestRegistryRegisterAndUnregister(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.Register(Node{Name: "node-a", Host: "10.0.0.1", Port: 7443}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(Node{Name: "node-a", Host: "10.0.0.9", Port: 7443}); err != nil {
		t.Fatalf("Register (update): %v", err)
	}
	got, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Host != "10.0.0.9" {
		t.Fatalf("Register did not update in place, got %+v", got)
	}

	if err := r.Unregister("node-a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	got, err = r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("List after Unregister: got %d nodes, want 0", len(got))
	}
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	r1 := NewRegistry(dir)
	if err := r1.Register(Node{Name: "node-a", Host: "10.0.0.1", Port: 7443}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r2 := NewRegistry(dir)
	got, err := r2.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Name != "node-a" {
		t.Fatalf("registry did not persist, got %+v", got)
	}
}

func TestRegistryEmptyWhenUnseeded(t *testing.T) {
	r := NewRegistry(t.TempDir())
	got, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("List: got %d nodes, want 0", len(got))
	}
}
