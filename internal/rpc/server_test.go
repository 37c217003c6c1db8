package rpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/protocol"
	"github.com/cortexlabs/cortex/internal/store/sqlite"
)

// startTestServer boots a Server on a real Unix socket in a temp
// directory and returns a connected Client, the way an integration test
// for a socket-based daemon has to: there is no in-process shortcut for
// peer-credential resolution, it only works over an actual AF_UNIX pair.
func startTestServer(t *testing.T) *Client {
	t.Helper()
	c, _ := startTestServerWithOptions(t, Options{NodeName: "test-node"})
	return c
}

// startTestServerWithOptions is startTestServer with caller-supplied
// Options, for tests that need non-default settings (e.g. the metadata
// extension enabled). It also returns the socket path, for tests that
// open a raw connection of their own.
func startTestServerWithOptions(t *testing.T, opts Options) (*Client, string) {
	t.Helper()

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "cortex.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sockPath := filepath.Join(t.TempDir(), "cortex.sock")
	srv := NewServer(sockPath, st, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)

	if err := srv.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		<-srv.Done()
	})

	var c *Client
	for i := 0; i < 20; i++ {
		c, err = TryConnectWithTimeout(sockPath, time.Second)
		if err != nil {
			t.Fatalf("TryConnect: %v", err)
		}
		if c != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c == nil {
		t.Fatalf("failed to connect to test server at %s", sockPath)
	}
	t.Cleanup(func() { c.Close() })
	return c, sockPath
}

func TestPingPong(t *testing.T) {
	c := startTestServer(t)
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCreatePutGetRoundTrip(t *testing.T) {
	c := startTestServer(t)

	if err := c.CreateTable("notes", []string{"id", "body"}, ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := c.Put("notes", map[string]interface{}{"id": "a1", "body": "hello"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := c.Get("notes", "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec["body"] != "hello" {
		t.Fatalf("Get: got %v, want body=hello", rec)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	c := startTestServer(t)
	if err := c.CreateTable("notes", []string{"id"}, ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := c.Get("notes", "nope"); !cortexerr.Is(err, cortexerr.NotFound) {
		t.Fatalf("Get on missing key: want not_found, got %v", err)
	}
}

func TestUnknownMethodIsDeniedNotCrashed(t *testing.T) {
	c := startTestServer(t)
	if _, err := c.Call("not_a_real_method"); err == nil {
		t.Fatalf("Call(unknown method): want error, got nil")
	}
	// the connection must still be usable afterwards
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping after unknown method: %v", err)
	}
}

func TestMatchFiltersByPattern(t *testing.T) {
	c := startTestServer(t)
	if err := c.CreateTable("notes", []string{"id", "tag"}, ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := c.Put("notes", map[string]interface{}{"id": "a1", "tag": "work"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put("notes", map[string]interface{}{"id": "a2", "tag": "home"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	recs, err := c.Match("notes", map[string]interface{}{"tag": "work"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(recs) != 1 || recs[0]["id"] != "a1" {
		t.Fatalf("Match: got %v, want one record with id=a1", recs)
	}
}

func TestACLGrantAppearsInACLList(t *testing.T) {
	c := startTestServer(t)
	if err := c.CreateTable("notes", []string{"id"}, ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := c.ACLGrant("*", "notes", "read"); err != nil {
		t.Fatalf("ACLGrant: %v", err)
	}
	entries, err := c.ACLList()
	if err != nil {
		t.Fatalf("ACLList: %v", err)
	}
	if len(entries) != 1 || entries[0]["identity"] != "*" || entries[0]["table"] != "0:notes" {
		t.Fatalf("ACLList: got %v", entries)
	}
}

func TestSetScopeAndGetScopeRoundTrip(t *testing.T) {
	c := startTestServer(t)
	if err := c.CreateTable("notes", []string{"id"}, ""); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := c.SetScope("notes", "all"); err != nil {
		t.Fatalf("SetScope: %v", err)
	}
	scope, err := c.GetScope("notes")
	if err != nil {
		t.Fatalf("GetScope: %v", err)
	}
	if scope != "all" {
		t.Fatalf("GetScope: got %q, want %q", scope, "all")
	}
}

func TestMeshMethodsFailWithoutMeshConfigured(t *testing.T) {
	c := startTestServer(t)
	if _, err := c.Call("mesh_list_nodes"); err == nil {
		t.Fatalf("mesh_list_nodes without mesh configured: want error, got nil")
	}
}

// TestFederatedIdentityReachableViaMetadataForwarding covers scenario S7:
// a request carrying a forwarding node's metadata resolves the claimed
// federated identity for that (node, uid) pair and uses it as the
// effective ACL subject, making the @fed: namespace reachable. A plain,
// non-forwarded request from the same peer stays local root and must
// still be denied.
func TestFederatedIdentityReachableViaMetadataForwarding(t *testing.T) {
	c, sockPath := startTestServerWithOptions(t, Options{
		NodeName:       "test-node",
		MetadataPolicy: protocol.MetadataPolicy{AllowUnix: true},
	})

	if _, err := c.Call("identity_register", "acme"); err != nil {
		t.Fatalf("identity_register: %v", err)
	}
	// identity_register already mapped this node's uid; a claim extends
	// an identity to a node that has no mapping yet, so it is refused here.
	if _, err := c.Call("identity_claim", "acme"); !cortexerr.Is(err, cortexerr.AlreadyExists) {
		t.Fatalf("identity_claim on the registering node: want already_exists, got %v", err)
	}

	// "@notes" (no colon) asks to use the caller's own claimed federated
	// identity; a plain, non-forwarded request is still local root with
	// no FedID, so this must fail federated_identity_required exactly as
	// scenario S7 requires.
	if err := c.CreateTable("@notes", []string{"id"}, ""); err == nil {
		t.Fatalf("create_table @notes over a plain request: want error, got nil")
	}

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	meta := map[string]protocol.Value{"requesting_node": "test-node", "uid": int64(0)}
	call := func(msgID int64, method string, params protocol.Value) protocol.Response {
		t.Helper()
		frame := protocol.EncodeMetadataFrame(protocol.MetadataFrame{
			MsgID: msgID, Method: method, Params: params, Meta: meta,
		})
		if _, err := conn.Write(frame); err != nil {
			t.Fatalf("write %s: %v", method, err)
		}
		dec := protocol.NewDecoder(protocol.DefaultMaxFrameBytes)
		buf := make([]byte, 64*1024)
		for {
			tag, arr, ok, err := dec.Next()
			if err != nil {
				t.Fatalf("decode %s response: %v", method, err)
			}
			if ok {
				if tag != protocol.TagResponse {
					t.Fatalf("%s: expected response frame, got tag %d", method, tag)
				}
				resp, err := protocol.ParseResponse(arr)
				if err != nil {
					t.Fatalf("parse %s response: %v", method, err)
				}
				return resp
			}
			n, err := conn.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
			}
			if err != nil {
				t.Fatalf("read %s response: %v", method, err)
			}
		}
	}

	// Scope "all" so the node-scope gate doesn't also deny this forwarded
	// request (requestingNode is non-empty, and the default "local" scope
	// is never in-scope for a non-empty requesting node).
	createResp := call(1, "create_table", protocol.Normalize([]interface{}{"@notes", []interface{}{"id"}, "all"}))
	if createResp.Error != "" {
		t.Fatalf("forwarded create_table @notes: %v", createResp.Error)
	}

	putResp := call(2, "put", protocol.Normalize([]interface{}{"@acme:notes", map[string]interface{}{"id": "a1"}}))
	if putResp.Error != "" {
		t.Fatalf("forwarded put: %v", putResp.Error)
	}

	getResp := call(3, "get", protocol.Normalize([]interface{}{"@acme:notes", "a1"}))
	if getResp.Error != "" {
		t.Fatalf("forwarded get: %v", getResp.Error)
	}
	rec, ok := getResp.Result.(map[string]protocol.Value)
	if !ok || rec["id"] != "a1" {
		t.Fatalf("forwarded get: got %v, want record with id=a1", getResp.Result)
	}
}
