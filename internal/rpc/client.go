package rpc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/protocol"
)

// Client is a connection to a Cortex daemon's Unix socket, grounded on the
// teacher's internal/rpc.Client: a single persistent connection, a
// request/response Call method every typed wrapper funnels through, and
// a best-effort TryConnect that never returns an error for "no daemon
// running" — it returns a nil Client and leaves the response to the
// caller.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	mu      sync.Mutex
	nextID  atomic.Int64
	readBuf []byte
	dec     *protocol.Decoder
}

// TryConnect attempts to connect to the daemon socket. It returns (nil,
// nil) rather than an error when no daemon appears to be listening, so
// callers can decide whether to spawn one.
func TryConnect(socketPath string) (*Client, error) {
	return TryConnectWithTimeout(socketPath, 500*time.Millisecond)
}

// TryConnectWithTimeout is TryConnect with an explicit dial timeout.
func TryConnectWithTimeout(socketPath string, dialTimeout time.Duration) (*Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 500 * time.Millisecond
	}
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, nil
	}
	c := &Client{
		conn:    conn,
		timeout: 30 * time.Second,
		dec:     protocol.NewDecoder(protocol.DefaultMaxFrameBytes),
		readBuf: make([]byte, 64*1024),
	}
	if err := c.Ping(); err != nil {
		conn.Close()
		return nil, nil
	}
	return c, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetTimeout sets the per-call request timeout.
func (c *Client) SetTimeout(timeout time.Duration) { c.timeout = timeout }

// Call sends method(params...) to the daemon and returns its decoded
// result. One Client serializes its own calls: the connection carries
// one logical request at a time, matching the per-connection
// strictly-ordered request/response discipline the daemon assumes.
func (c *Client) Call(method string, params ...interface{}) (protocol.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgID := c.nextID.Add(1)
	req := protocol.Request{MsgID: msgID, Method: method, Params: protocol.Normalize(params)}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	if _, err := c.conn.Write(protocol.EncodeRequest(req)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := c.readResponse()
	if err != nil {
		return nil, err
	}
	if resp.MsgID != msgID {
		return nil, fmt.Errorf("response msgid %d does not match request %d", resp.MsgID, msgID)
	}
	if resp.Error != "" {
		return nil, cortexerr.New(cortexerr.Kind(resp.Error), "%s", method)
	}
	return resp.Result, nil
}

func (c *Client) readResponse() (protocol.Response, error) {
	for {
		tag, arr, ok, err := c.dec.Next()
		if err != nil {
			return protocol.Response{}, fmt.Errorf("decode response: %w", err)
		}
		if ok {
			if tag != protocol.TagResponse {
				return protocol.Response{}, fmt.Errorf("expected response frame, got tag %d", tag)
			}
			return protocol.ParseResponse(arr)
		}
		n, err := c.conn.Read(c.readBuf)
		if n > 0 {
			c.dec.Feed(c.readBuf[:n])
		}
		if err != nil {
			return protocol.Response{}, fmt.Errorf("read response: %w", err)
		}
	}
}

// Ping verifies the daemon is alive.
func (c *Client) Ping() error {
	_, err := c.Call("ping")
	return err
}

// Status retrieves daemon status metadata.
func (c *Client) Status() (map[string]interface{}, error) {
	v, err := c.Call("status")
	if err != nil {
		return nil, err
	}
	return toRecord(v)
}

// Tables lists the tables visible to the caller's identity.
func (c *Client) Tables() ([]string, error) {
	v, err := c.Call("tables")
	if err != nil {
		return nil, err
	}
	return toStringSlice(v)
}

// CreateTable creates a table with the given attributes and, optionally,
// a node scope ("local" if omitted).
func (c *Client) CreateTable(name string, attrs []string, scope string) error {
	attrVals := make([]interface{}, len(attrs))
	for i, a := range attrs {
		attrVals[i] = a
	}
	if scope == "" {
		_, err := c.Call("create_table", name, attrVals)
		return err
	}
	_, err := c.Call("create_table", name, attrVals, scope)
	return err
}

// DropTable drops a table.
func (c *Client) DropTable(name string) error {
	_, err := c.Call("drop_table", name)
	return err
}

// Put upserts a record into table.
func (c *Client) Put(table string, record map[string]interface{}) error {
	_, err := c.Call("put", table, record)
	return err
}

// Get fetches a record by key.
func (c *Client) Get(table, key string) (map[string]interface{}, error) {
	v, err := c.Call("get", table, key)
	if err != nil {
		return nil, err
	}
	return toRecord(v)
}

// Delete removes a record by key.
func (c *Client) Delete(table, key string) error {
	_, err := c.Call("delete", table, key)
	return err
}

// All fetches every record in table.
func (c *Client) All(table string) ([]map[string]interface{}, error) {
	v, err := c.Call("all", table)
	if err != nil {
		return nil, err
	}
	return toRecords(v)
}

// Keys fetches every key in table.
func (c *Client) Keys(table string) ([]string, error) {
	v, err := c.Call("keys", table)
	if err != nil {
		return nil, err
	}
	return toStringSlice(v)
}

// Match fetches every record whose fields match pattern.
func (c *Client) Match(table string, pattern map[string]interface{}) ([]map[string]interface{}, error) {
	v, err := c.Call("match", table, pattern)
	if err != nil {
		return nil, err
	}
	return toRecords(v)
}

// ACLGrant grants identity the comma-separated permissions on table.
func (c *Client) ACLGrant(identity, table, permCSV string) error {
	_, err := c.Call("acl_grant", identity, table, permCSV)
	return err
}

// ACLRevoke revokes the comma-separated permissions from identity on
// table.
func (c *Client) ACLRevoke(identity, table, permCSV string) error {
	_, err := c.Call("acl_revoke", identity, table, permCSV)
	return err
}

// ACLList lists every ACL entry in the catalog (spec §6: acl_list takes
// no arguments and is not scoped to one table).
func (c *Client) ACLList() ([]map[string]interface{}, error) {
	v, err := c.Call("acl_list")
	if err != nil {
		return nil, err
	}
	return toRecords(v)
}

// SetScope changes a table's replication scope.
func (c *Client) SetScope(table, scope string) error {
	_, err := c.Call("set_scope", table, scope)
	return err
}

// GetScope reads a table's replication scope.
func (c *Client) GetScope(table string) (string, error) {
	v, err := c.Call("get_scope", table)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// TableInfo reads a table's full catalog entry.
func (c *Client) TableInfo(table string) (map[string]interface{}, error) {
	v, err := c.Call("table_info", table)
	if err != nil {
		return nil, err
	}
	return toRecord(v)
}

func toStringSlice(v protocol.Value) ([]string, error) {
	arr, ok := v.([]protocol.Value)
	if !ok {
		return nil, fmt.Errorf("unexpected result shape, want array")
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected array element shape, want string")
		}
		out[i] = s
	}
	return out, nil
}

func toRecord(v protocol.Value) (map[string]interface{}, error) {
	m, ok := v.(map[string]protocol.Value)
	if !ok {
		return nil, fmt.Errorf("unexpected result shape, want map")
	}
	return map[string]interface{}(m), nil
}

func toRecords(v protocol.Value) ([]map[string]interface{}, error) {
	arr, ok := v.([]protocol.Value)
	if !ok {
		return nil, fmt.Errorf("unexpected result shape, want array")
	}
	out := make([]map[string]interface{}, len(arr))
	for i, e := range arr {
		rec, err := toRecord(e)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}
