package identity

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveLocalReturnsOwnUID(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	conn := <-accepted
	defer conn.Close()

	id, err := ResolveLocal(conn)
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if id.UID != os.Getuid() {
		t.Fatalf("resolved uid %d, want %d (both ends of the socket are this process)", id.UID, os.Getuid())
	}
}

func TestResolveLocalRejectsNonUnixConn(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	if _, err := ResolveLocal(server); err == nil {
		t.Fatalf("expected an error for a non-Unix connection")
	}
}
