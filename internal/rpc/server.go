// Package rpc is the daemon's connection layer (spec §2 components
// C5/C6): it accepts connections on a Unix socket and, optionally, a
// mutual-TLS listener for mesh peers, decodes frames with the protocol
// package's streaming decoder, authorizes and dispatches each request
// against a store.Store, and writes back a response frame.
//
// The Server type and its Start/Stop/WaitReady lifecycle are grounded on
// the teacher's internal/rpc.Server: a struct of connection-accounting
// fields built up by NewServer, a bounded semaphore gating concurrent
// handlers, and a readiness channel a caller can block on before treating
// the daemon as up.
package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexlabs/cortex/internal/logging"
	"github.com/cortexlabs/cortex/internal/protocol"
	"github.com/cortexlabs/cortex/internal/store"
)

// Server serves the Cortex wire protocol over a Unix socket and,
// optionally, a TLS listener for mesh peers.
type Server struct {
	socketPath string
	store      store.Store
	log        logging.Logger

	tlsConfig      *tls.Config
	tlsAddr        string
	metadataPolicy protocol.MetadataPolicy

	maxConns       int32
	requestTimeout time.Duration
	maxFrameBytes  int

	mu          sync.RWMutex
	unixLn      net.Listener
	tlsLn       net.Listener
	shutdown    bool
	shutdownCh  chan struct{}
	stopOnce    sync.Once
	doneCh      chan struct{}
	readyCh     chan struct{}
	readyOnce   sync.Once
	startErr    error
	startTime   time.Time
	activeConns atomic.Int32
	connSem     chan struct{}

	localNode string
	mesh      MeshInfo
}

// Options configures a Server beyond its required socket path and store.
type Options struct {
	Log            logging.Logger
	TLSConfig      *tls.Config // nil disables the mesh TLS listener
	TLSAddr        string      // e.g. "0.0.0.0:7443", required if TLSConfig is set
	MetadataPolicy protocol.MetadataPolicy
	MaxConns       int
	RequestTimeout time.Duration
	MaxFrameBytes  int
	// NodeName identifies this node for identity_register/identity_claim
	// and mesh status reporting. Defaults to the OS hostname.
	NodeName string
}

// NewServer builds a Server. socketPath is used as given; NewServer does
// not validate it.
func NewServer(socketPath string, st store.Store, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 1000
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if opts.NodeName == "" {
		opts.NodeName, _ = os.Hostname()
	}
	return &Server{
		socketPath:     socketPath,
		store:          st,
		log:            opts.Log,
		tlsConfig:      opts.TLSConfig,
		tlsAddr:        opts.TLSAddr,
		metadataPolicy: opts.MetadataPolicy,
		maxConns:       int32(opts.MaxConns),
		requestTimeout: opts.RequestTimeout,
		maxFrameBytes:  opts.MaxFrameBytes,
		localNode:      opts.NodeName,
		shutdownCh:     make(chan struct{}),
		doneCh:         make(chan struct{}),
		readyCh:        make(chan struct{}),
		connSem:        make(chan struct{}, opts.MaxConns),
	}
}

// Start binds the listeners and serves connections until ctx is canceled
// or Stop is called. It returns once both accept loops have exited.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.failStart(fmt.Errorf("remove stale socket: %w", err))
		return s.startErr
	}
	unixLn, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.failStart(fmt.Errorf("listen on %s: %w", s.socketPath, err))
		return s.startErr
	}
	// Mode 0666 is deliberate: socket access control is ACL-based (authz
	// package), not filesystem-based, so the socket file itself stays
	// world read/writable (spec §4.6).
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		unixLn.Close()
		s.failStart(fmt.Errorf("chmod socket: %w", err))
		return s.startErr
	}
	s.mu.Lock()
	s.unixLn = unixLn
	s.mu.Unlock()

	var tlsLn net.Listener
	if s.tlsConfig != nil {
		tlsLn, err = tls.Listen("tcp", s.tlsAddr, s.tlsConfig)
		if err != nil {
			unixLn.Close()
			s.failStart(fmt.Errorf("listen TLS on %s: %w", s.tlsAddr, err))
			return s.startErr
		}
		s.mu.Lock()
		s.tlsLn = tlsLn
		s.mu.Unlock()
	}

	s.readyOnce.Do(func() { close(s.readyCh) })
	s.log.Info("rpc server listening", "unix_socket", s.socketPath, "tls_addr", s.tlsAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx, unixLn, protocol.TransportUnix)
	}()
	if tlsLn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptLoop(ctx, tlsLn, protocol.TransportTLS)
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdownCh:
		}
	}()

	wg.Wait()
	close(s.doneCh)
	return nil
}

func (s *Server) failStart(err error) {
	s.startErr = err
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitReady blocks until the listeners are bound (or Start failed to bind
// them), or ctx is canceled.
func (s *Server) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return s.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the listeners, causing both accept loops to exit. It does
// not wait for in-flight connections to finish; callers that need a
// graceful drain should cancel the Start context and wait on a signal of
// their own instead.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		if s.unixLn != nil {
			s.unixLn.Close()
		}
		if s.tlsLn != nil {
			s.tlsLn.Close()
		}
		s.mu.Unlock()
		close(s.shutdownCh)
		os.Remove(s.socketPath)
	})
}

// Done returns a channel closed once Start has fully returned.
func (s *Server) Done() <-chan struct{} { return s.doneCh }

// ActiveConns reports the number of connections currently being served.
func (s *Server) ActiveConns() int32 { return s.activeConns.Load() }

func (s *Server) isShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, transport protocol.Transport) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShuttingDown() {
				return
			}
			s.log.Warn("accept failed", "transport", transport, "error", err)
			continue
		}

		select {
		case s.connSem <- struct{}{}:
		default:
			// Pool saturated: refuse at the transport level rather than
			// queue the socket and head-of-line-block every other accept
			// behind it (spec §5).
			s.log.Warn("connection pool saturated, refusing connection", "transport", transport)
			conn.Close()
			continue
		}

		s.activeConns.Add(1)
		go func() {
			defer func() {
				<-s.connSem
				s.activeConns.Add(-1)
			}()
			s.serveConn(ctx, conn, transport)
		}()
	}
}
