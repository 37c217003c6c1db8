//go:build !linux && !darwin

package identity

import (
	"net"

	"github.com/cortexlabs/cortex/internal/cortexerr"
)

func peerUID(conn *net.UnixConn) (int, error) {
	return 0, cortexerr.New(cortexerr.Internal, "peer credential resolution is not implemented on this platform")
}
