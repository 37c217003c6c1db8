// Package identity resolves the caller for a connection (spec §4.1,
// component C3): a local uid from the Unix socket's peer credentials, or
// a node name from a TLS client certificate's CN. Mapping a uid to a
// federated id is done by the rpc package against the store, not here.
// The peer-credential lookup is platform
// specific and lives in identity_linux.go/identity_darwin.go, split by
// build tag the same way the teacher's internal/rpc package splits
// socket_path.go from its Windows-excluded build tag.
package identity

import (
	"crypto/tls"
	"net"

	"github.com/cortexlabs/cortex/internal/cortexerr"
)

// Identity is a resolved caller: exactly one of UID/FedID is meaningful,
// mirroring authz.Caller (kept as a separate type so this package has no
// dependency on authz).
type Identity struct {
	UID   int
	FedID string
}

// ResolveLocal extracts the connecting uid from a Unix domain socket
// connection's peer credentials.
func ResolveLocal(conn net.Conn) (Identity, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Identity{}, cortexerr.New(cortexerr.Internal, "ResolveLocal called on non-Unix connection")
	}
	uid, err := peerUID(uc)
	if err != nil {
		return Identity{}, cortexerr.Wrap(cortexerr.Internal, err)
	}
	return Identity{UID: uid}, nil
}

// ResolveRemoteNode extracts the node name from a TLS connection's
// verified client certificate CN. The connection must already be past
// its handshake (spec §4.6: tls.RequireAndVerifyClientCert rejects
// unverified certs before the connection reaches this call).
func ResolveRemoteNode(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", cortexerr.New(cortexerr.Unauthorized, "no client certificate presented")
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", cortexerr.New(cortexerr.Unauthorized, "client certificate has no common name")
	}
	return cn, nil
}
