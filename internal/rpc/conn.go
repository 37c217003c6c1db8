package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cortexlabs/cortex/internal/authz"
	"github.com/cortexlabs/cortex/internal/cortexerr"
	"github.com/cortexlabs/cortex/internal/identity"
	"github.com/cortexlabs/cortex/internal/protocol"
)

// connState is the per-connection state machine (spec §4.3): a connection
// moves strictly forward except Reading<->Dispatching, which alternate
// once per request.
type connState int

const (
	stateInit connState = iota
	stateResolving
	stateReading
	stateDispatching
	stateClosed
)

// serveConn resolves the connection's caller identity, then loops
// decoding and dispatching frames until the peer disconnects, a read
// times out, or a malformed frame forces the connection closed.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, transport protocol.Transport) {
	state := stateInit
	defer func() {
		state = stateClosed
		conn.Close()
	}()

	state = stateResolving
	caller, node, err := s.resolveCaller(ctx, conn, transport)
	if err != nil {
		s.log.Warn("connection identity resolution failed", "error", err, "transport", transport)
		return
	}

	dec := protocol.NewDecoder(s.maxFrameBytes)
	readBuf := make([]byte, 64*1024)

	for {
		state = stateReading
		if s.requestTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.requestTimeout))
		}

		frame, ok, decErr := nextFrame(dec, conn, readBuf)
		if decErr != nil {
			s.log.Warn("connection closed: protocol error", "error", decErr)
			return
		}
		if !ok {
			return // peer closed cleanly
		}

		state = stateDispatching
		s.dispatchFrame(ctx, conn, caller, node, transport, frame)
	}
}

// nextFrame reads from conn until the decoder can produce one complete
// frame, feeding it incrementally the way the teacher's client buffers a
// newline-delimited response — except here a length prefix, not a
// delimiter, marks completion.
func nextFrame(dec *protocol.Decoder, conn net.Conn, readBuf []byte) (frameResult, bool, error) {
	for {
		tag, arr, ok, err := dec.Next()
		if err != nil {
			return frameResult{}, false, err
		}
		if ok {
			return frameResult{tag: tag, arr: arr}, true, nil
		}

		n, err := conn.Read(readBuf)
		if n > 0 {
			dec.Feed(readBuf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n == 0 {
				return frameResult{}, false, nil
			}
			if n > 0 {
				continue // try to decode what we just fed before surfacing the error
			}
			return frameResult{}, false, err
		}
	}
}

type frameResult struct {
	tag int64
	arr []protocol.Value
}

// resolveCaller resolves the connection's transport identity into an
// authz.Caller, then completes resolve_federated(node_name, uid) (spec
// §4.1 C3): if the connecting local uid has claimed a federated identity
// on this node, that identity — not the raw uid — becomes the effective
// ACL subject, the way scenario S7 requires for the `@fed:` namespace to
// be reachable at all. Root (uid 0) is left alone so the local-root
// bypass in authz.Authorize still applies regardless of any claim.
func (s *Server) resolveCaller(ctx context.Context, conn net.Conn, transport protocol.Transport) (authz.Caller, string, error) {
	switch transport {
	case protocol.TransportUnix:
		id, err := identity.ResolveLocal(conn)
		if err != nil {
			return authz.Caller{}, "", err
		}
		caller := authz.Caller{UID: id.UID}
		if id.UID != 0 {
			if fedID, found, ferr := s.store.ResolveFederatedIdentity(ctx, s.localNode, id.UID); ferr == nil && found {
				caller = authz.Caller{FedID: fedID}
			}
		}
		return caller, "", nil
	case protocol.TransportTLS:
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return authz.Caller{}, "", cortexerr.New(cortexerr.Internal, "TLS transport connection is not *tls.Conn")
		}
		// The handshake runs here, in this connection's goroutine, so the
		// verified peer certificate is available to ResolveRemoteNode.
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return authz.Caller{}, "", err
		}
		node, err := identity.ResolveRemoteNode(tlsConn)
		if err != nil {
			return authz.Caller{}, "", err
		}
		return authz.Caller{}, node, nil
	default:
		return authz.Caller{}, "", cortexerr.New(cortexerr.Internal, "unknown transport")
	}
}

// resolveForwardedCaller is the metadata-frame-path equivalent: a request
// forwarded across a mesh hop names the origin node's local uid in its
// metadata, and resolve_federated(requestingNode, uid) against this
// node's own cortex_identities surfaces whatever federated identity that
// uid has claimed here (spec §4.1: "surface a federated identity as the
// effective ACL subject when a request originates from another node").
// A uid absent from the metadata, or with no matching claim, falls back
// to the connection's resolved caller (empty for a TLS connection, so
// the request authorizes on node scope and world ACLs only).
func (s *Server) resolveForwardedCaller(ctx context.Context, base authz.Caller, requestingNode string, meta map[string]protocol.Value) authz.Caller {
	if requestingNode == "" {
		return base
	}
	uidVal, ok := meta["uid"].(int64)
	if !ok {
		return base
	}
	fedID, found, err := s.store.ResolveFederatedIdentity(ctx, requestingNode, int(uidVal))
	if err != nil || !found {
		return base
	}
	return authz.Caller{FedID: fedID}
}

func (s *Server) dispatchFrame(ctx context.Context, conn net.Conn, caller authz.Caller, node string, transport protocol.Transport, f frameResult) {
	if f.tag != protocol.TagRequest {
		s.writeResponse(conn, protocol.Response{Error: string(cortexerr.ProtocolError)})
		return
	}

	if protocol.IsMetadataFrame(f.arr) {
		if !s.metadataPolicy.Allowed(transport) {
			mf, _ := protocol.ParseMetadataFrame(f.arr)
			s.writeResponse(conn, protocol.Response{MsgID: mf.MsgID, Error: string(cortexerr.ProtocolError)})
			return
		}
		mf, err := protocol.ParseMetadataFrame(f.arr)
		if err != nil {
			s.writeResponse(conn, protocol.Response{Error: string(cortexerr.ProtocolError)})
			return
		}
		// A forwarded request's requesting node is taken from the
		// metadata frame rather than the resolved transport identity,
		// since the metadata frame exists precisely to carry the
		// original caller across a mesh hop.
		requestingNode, _ := mf.Meta["requesting_node"].(string)
		forwardedCaller := s.resolveForwardedCaller(ctx, caller, requestingNode, mf.Meta)
		s.handleRequest(ctx, conn, forwardedCaller, requestingNode, protocol.Request{
			MsgID: mf.MsgID, Method: mf.Method, Params: mf.Params,
		})
		return
	}

	req, err := protocol.ParseRequest(f.arr)
	if err != nil {
		s.writeResponse(conn, protocol.Response{Error: string(cortexerr.ProtocolError)})
		return
	}
	s.handleRequest(ctx, conn, caller, node, req)
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, caller authz.Caller, node string, req protocol.Request) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "method", req.Method, "recovered", r)
			s.writeResponse(conn, protocol.Response{MsgID: req.MsgID, Error: string(cortexerr.Internal)})
		}
	}()

	reqCtx := ctx
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	result, err := s.dispatch(reqCtx, caller, node, req.Method, req.Params)
	if err != nil {
		s.writeResponse(conn, protocol.Response{MsgID: req.MsgID, Error: string(cortexerr.KindOf(err))})
		return
	}
	s.writeResponse(conn, protocol.Response{MsgID: req.MsgID, Result: protocol.Normalize(result)})
}

func (s *Server) writeResponse(conn net.Conn, resp protocol.Response) {
	frame := protocol.EncodeResponse(resp)
	if _, err := conn.Write(frame); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}
