// Package config loads the daemon's configuration from a config file,
// environment variables, and defaults, via a viper singleton the way
// the teacher's internal/config package does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// NodeConfig describes one mesh peer as listed in the config file's
// mesh.nodes list.
type NodeConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MeshConfig is the optional mesh/replication block. Its absence disables
// the TLS listener and the replication driver entirely (spec §6).
type MeshConfig struct {
	NodeName string       `mapstructure:"node_name"`
	TLSPort  int          `mapstructure:"tls_port"`
	CACert   string       `mapstructure:"ca_cert"`
	NodeCert string       `mapstructure:"node_cert"`
	NodeKey  string       `mapstructure:"node_key"`
	Nodes    []NodeConfig `mapstructure:"nodes"`
}

// Initialize sets up the viper configuration singleton. Should be called
// once at daemon startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	if p := os.Getenv("CORTEX_CONFIG_FILE"); p != "" {
		v.SetConfigFile(p)
		configFileSet = true
	}

	if !configFileSet {
		if cwd, err := os.Getwd(); err == nil {
			for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
				p := filepath.Join(dir, "cortex.yaml")
				if _, statErr := os.Stat(p); statErr == nil {
					v.SetConfigFile(p)
					configFileSet = true
					break
				}
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			p := filepath.Join(configDir, "cortex", "config.yaml")
			if _, statErr := os.Stat(p); statErr == nil {
				v.SetConfigFile(p)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		p := "/etc/cortex/config.yaml"
		if _, statErr := os.Stat(p); statErr == nil {
			v.SetConfigFile(p)
			configFileSet = true
		}
	}

	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("socket_path", "/run/cortex/cortex.sock")
	v.SetDefault("data_dir", "/var/lib/cortex/data")
	v.SetDefault("max_conns", 1000)
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("idle_timeout", "10m")
	v.SetDefault("max_frame_bytes", 4*1024*1024)
	v.SetDefault("allow_metadata_frame_unix", false)
	v.SetDefault("allow_metadata_frame_tls", false)
	v.SetDefault("log_path", "")
	v.SetDefault("log_level", "info")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// SocketPath returns the configured Unix socket path.
func SocketPath() string { return GetString("socket_path") }

// DataDir returns the configured data directory.
func DataDir() string { return GetString("data_dir") }

// Mesh returns the mesh configuration, or nil if the daemon has no mesh
// block (i.e. it only serves local Unix-socket clients).
func Mesh() *MeshConfig {
	if v == nil || !v.IsSet("mesh") {
		return nil
	}
	var m MeshConfig
	if err := v.UnmarshalKey("mesh", &m); err != nil {
		return nil
	}
	if m.NodeName == "" {
		return nil
	}
	return &m
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value, mainly for tests.
func Set(key string, value interface{}) {
	if v == nil {
		v = viper.New()
	}
	v.Set(key, value)
}
