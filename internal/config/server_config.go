// Package config loads the DPU server configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultListenPort is the bootstrap port hosts connect to.
const DefaultListenPort = 13337

// ServerConfig holds configuration for the DPU server
type ServerConfig struct {
	ListenAddr        string
	ListenPort        int
	NumThreads        int
	PinThreads        bool
	NumCores          int
	PrintSummary      bool
	LogLevel          string
	FabricProvider    string
	MetricsEnabled    bool
	OtelCollectorAddr string
	StatusAddr        string
	SummaryDBURI      string
	ServeForever      bool
}

// BootstrapAddr is the host:port the bootstrap listener binds.
func (c *ServerConfig) BootstrapAddr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}

// Validate rejects configurations the server cannot run with.
func (c *ServerConfig) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.NumThreads <= 0 {
		return fmt.Errorf("num_threads must be positive, got %d", c.NumThreads)
	}
	if c.PinThreads && c.NumCores <= 0 {
		return fmt.Errorf("num_cores must be positive when pinning threads, got %d", c.NumCores)
	}
	if c.FabricProvider == "" {
		return fmt.Errorf("fabric_provider is empty")
	}
	return nil
}

// SetupServerFlags registers the server command line flags on fs.
func SetupServerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to configuration file")
	fs.Bool("version", false, "Print version and exit")
	fs.Bool("create-config", false, "Write a default configuration file and exit")
	fs.String("config-output", "dpu-server.yaml", "Where --create-config writes the configuration")

	fs.String("listen-addr", "0.0.0.0", "Address the bootstrap listener binds")
	fs.Int("listen-port", DefaultListenPort, "Port the bootstrap listener binds")
	fs.Int("num-threads", 8, "Number of worker threads")
	fs.Bool("pin-threads", true, "Pin worker threads to cores")
	fs.Int("num-cores", 8, "Number of cores available for pinning")
	fs.Bool("print-summary", false, "Print a summary of serviced collectives at the end of a job")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("fabric-provider", "sim", "Fabric provider name")
	fs.Bool("metrics-enabled", false, "Export OpenTelemetry metrics")
	fs.String("otel-collector-addr", "localhost:4317", "OpenTelemetry collector address")
	fs.String("status-addr", "", "gRPC health service address, empty to disable")
	fs.String("summary-db-uri", "", "rqlite URI for job summaries, empty to disable")
	fs.Bool("serve-forever", false, "Accept another job after each job ends instead of exiting")
}

// LoadServerConfig merges defaults, the config file, environment variables
// and the flags parsed into fs, in increasing order of precedence.
func LoadServerConfig(fs *pflag.FlagSet) (*ServerConfig, error) {
	v := viper.New()

	v.SetDefault("listen_addr", "0.0.0.0")
	v.SetDefault("listen_port", DefaultListenPort)
	v.SetDefault("num_threads", 8)
	v.SetDefault("pin_threads", true)
	v.SetDefault("num_cores", 8)
	v.SetDefault("print_summary", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("fabric_provider", "sim")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("otel_collector_addr", "localhost:4317")
	v.SetDefault("status_addr", "")
	v.SetDefault("summary_db_uri", "")
	v.SetDefault("serve_forever", false)

	// Environment variables
	v.SetEnvPrefix("UCC_DPU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Names used by existing job launchers
	if err := v.BindEnv("listen_port", "UCC_DPU_LISTEN_PORT", "LISTEN_PORT"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("print_summary", "UCC_DPU_PRINT_SUMMARY", "UCC_TL_DPU_PRINT_SUMMARY"); err != nil {
		return nil, err
	}

	configPath := ""
	if fs != nil {
		configPath, _ = fs.GetString("config")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dpu-server")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ucc")
		v.AddConfigPath("/etc/ucc")
	}
	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if fs != nil {
		for _, key := range []string{
			"listen_addr", "listen_port", "num_threads", "pin_threads", "num_cores",
			"print_summary", "log_level", "fabric_provider", "metrics_enabled",
			"otel_collector_addr", "status_addr", "summary_db_uri", "serve_forever",
		} {
			if f := fs.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	config := &ServerConfig{
		ListenAddr:        v.GetString("listen_addr"),
		ListenPort:        v.GetInt("listen_port"),
		NumThreads:        v.GetInt("num_threads"),
		PinThreads:        v.GetBool("pin_threads"),
		NumCores:          v.GetInt("num_cores"),
		PrintSummary:      v.GetBool("print_summary"),
		LogLevel:          v.GetString("log_level"),
		FabricProvider:    v.GetString("fabric_provider"),
		MetricsEnabled:    v.GetBool("metrics_enabled"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
		StatusAddr:        v.GetString("status_addr"),
		SummaryDBURI:      v.GetString("summary_db_uri"),
		ServeForever:      v.GetBool("serve_forever"),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WriteDefaultConfig creates a default configuration file for the server
func WriteDefaultConfig(path string) error {
	configContent := `# UCC DPU Server Configuration
listen_addr: "0.0.0.0"
listen_port: 13337
num_threads: 8
pin_threads: true
num_cores: 8
print_summary: false
log_level: "info" # debug, info, warn, error
fabric_provider: "sim"
metrics_enabled: false
otel_collector_addr: "localhost:4317"
status_addr: "" # e.g. ":13338"
summary_db_uri: "" # e.g. "http://localhost:4001"
serve_forever: false
`
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Hostname names this DPU in telemetry, falling back to the pid.
func Hostname() string {
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return fmt.Sprintf("dpu-%d", os.Getpid())
}
