// Command cortexd is the Cortex storage daemon: it loads configuration,
// opens the record store, and serves the wire protocol on a Unix socket
// and, if mesh config is present, a mutual-TLS listener for mesh peers.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/cortexlabs/cortex/internal/config"
	"github.com/cortexlabs/cortex/internal/logging"
	"github.com/cortexlabs/cortex/internal/mesh"
	"github.com/cortexlabs/cortex/internal/protocol"
	"github.com/cortexlabs/cortex/internal/rpc"
	"github.com/cortexlabs/cortex/internal/store/sqlite"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cortexd",
	Short: "Cortex storage daemon",
	RunE:  run,
}

func main() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to cortex.yaml (overrides the default search path)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cortexd:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		os.Setenv("CORTEX_CONFIG_FILE", configFile)
	}
	if err := config.Initialize(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := parseLevel(config.GetString("log_level"))
	var log logging.Logger
	if p := config.GetString("log_path"); p != "" {
		log = logging.NewFile(p, 100, 5, 28, level)
	} else {
		log = logging.New(os.Stderr, level)
	}

	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := sqlite.Open(context.Background(), filepath.Join(dataDir, "cortex.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	opts := rpc.Options{
		Log: log,
		MetadataPolicy: protocol.MetadataPolicy{
			AllowUnix: config.GetBool("allow_metadata_frame_unix"),
			AllowTLS:  config.GetBool("allow_metadata_frame_tls"),
		},
		MaxConns:       config.GetInt("max_conns"),
		RequestTimeout: config.GetDuration("request_timeout"),
		MaxFrameBytes:  config.GetInt("max_frame_bytes"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var driver *mesh.Driver
	if mc := config.Mesh(); mc != nil {
		opts.NodeName = mc.NodeName

		reloader, err := newCertReloader(mc, log)
		if err != nil {
			return fmt.Errorf("build mesh tls config: %w", err)
		}
		go reloader.watch(ctx)
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientAuth:         tls.RequireAndVerifyClientCert,
			GetConfigForClient: reloader.getConfigForClient,
		}
		opts.TLSAddr = fmt.Sprintf("0.0.0.0:%d", mc.TLSPort)

		registry := mesh.NewRegistry(dataDir)
		if err := registry.Seed(mc.Nodes); err != nil {
			return fmt.Errorf("seed mesh registry: %w", err)
		}
		driver = mesh.NewDriver(st, registry, &noopReplicator{log: log}, mc.NodeName, log)
	}

	srv := rpc.NewServer(config.SocketPath(), st, opts)
	if driver != nil {
		srv.SetMesh(driver)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	if err := srv.WaitReady(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("cortexd ready", "socket", config.SocketPath())

	select {
	case <-ctx.Done():
		srv.Stop()
		<-srv.Done()
		return nil
	case err := <-errCh:
		return err
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// certReloader holds the mesh TLS material (node cert/key, CA pool) and
// keeps it current by watching the underlying files with fsnotify: an
// operator can rotate a cert or push a new CA without restarting the
// daemon. It's plugged into tls.Config.GetConfigForClient so every new
// TLS handshake picks up the latest material; connections already
// established keep whatever config they negotiated with.
type certReloader struct {
	mc  *config.MeshConfig
	log logging.Logger
	cur atomic.Pointer[tls.Config]
}

func newCertReloader(mc *config.MeshConfig, log logging.Logger) (*certReloader, error) {
	r := &certReloader{mc: mc, log: log}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.mc.NodeCert, r.mc.NodeKey)
	if err != nil {
		return fmt.Errorf("load node cert/key: %w", err)
	}
	caBytes, err := os.ReadFile(r.mc.CACert)
	if err != nil {
		return fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return fmt.Errorf("parse ca cert: invalid PEM")
	}
	r.cur.Store(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	})
	return nil
}

func (r *certReloader) getConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	return r.cur.Load(), nil
}

func (r *certReloader) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("mesh cert watcher: could not start", "error", err)
		return
	}
	defer w.Close()

	for _, f := range []string{r.mc.NodeCert, r.mc.NodeKey, r.mc.CACert} {
		if err := w.Add(f); err != nil {
			r.log.Warn("mesh cert watcher: could not watch file", "file", f, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.log.Warn("mesh cert watcher: reload failed", "error", err)
				continue
			}
			r.log.Info("mesh tls material reloaded", "file", ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.log.Warn("mesh cert watcher: error", "error", err)
		}
	}
}

// noopReplicator is the default Replicator when no distributed-replication
// backend is wired in: it accepts every placement request and logs it,
// leaving actual data convergence to whatever transport an operator
// plugs in later (spec §9 treats the transport as an external seam).
type noopReplicator struct{ log logging.Logger }

func (r *noopReplicator) EnsureReplica(ctx context.Context, table, node string) error {
	r.log.Debug("ensure replica", "table", table, "node", node)
	return nil
}

func (r *noopReplicator) RemoveReplica(ctx context.Context, table, node string) error {
	r.log.Debug("remove replica", "table", table, "node", node)
	return nil
}
