package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/zde37/gusearch/internal/hash"
)

// Config holds all configuration for a ring node
type Config struct {
	// Node identification. Host is derived from Nodes when empty.
	NodeNum uint32
	Host    string
	Port    int // UDP port shared by every ring member

	// Operator surfaces, 0 disables
	HTTPPort  int
	GRPCPort  int
	AuthToken string

	// Directory of node number -> IPv4 address
	Nodes map[string]string

	// Landmark joined at startup, -1 waits for a join command
	Landmark int

	// Chord parameters
	M                 int           // Identifier space size in bits (160)
	StabilizeInterval time.Duration // How often to run stabilization
	PingTimeout       time.Duration // How long a ping may stay unanswered
	AuditInterval     time.Duration // How often expired pings are swept

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // rotated file output when set
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		NodeNum:           1,
		Host:              "127.0.0.1",
		Port:              10001,
		HTTPPort:          8080,
		GRPCPort:          9090,
		Nodes:             map[string]string{"1": "127.0.0.1"},
		Landmark:          -1,
		M:                 hash.M,
		StabilizeInterval: 2000 * time.Millisecond,
		PingTimeout:       2000 * time.Millisecond,
		AuditInterval:     500 * time.Millisecond,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.M != hash.M {
		return fmt.Errorf("M must be %d, got %d", hash.M, c.M)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	addr, err := netip.ParseAddr(c.Host)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("host must be an IPv4 address, got %q", c.Host)
	}
	own, ok := c.Nodes[strconv.FormatUint(uint64(c.NodeNum), 10)]
	if !ok {
		return fmt.Errorf("node %d is missing from the node table", c.NodeNum)
	}
	if own != c.Host {
		return fmt.Errorf("node %d is listed at %s but binds %s", c.NodeNum, own, c.Host)
	}
	if c.Landmark < -1 {
		return fmt.Errorf("invalid landmark: %d", c.Landmark)
	}
	if c.StabilizeInterval <= 0 {
		return fmt.Errorf("stabilize interval must be positive, got %s", c.StabilizeInterval)
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("ping timeout must be positive, got %s", c.PingTimeout)
	}
	if c.AuditInterval <= 0 {
		return fmt.Errorf("audit interval must be positive, got %s", c.AuditInterval)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// Viper keys
const (
	KeyNode              = "node"
	KeyHost              = "host"
	KeyPort              = "port"
	KeyHTTPPort          = "http_port"
	KeyGRPCPort          = "grpc_port"
	KeyAuthToken         = "auth_token"
	KeyNodes             = "nodes"
	KeyLandmark          = "landmark"
	KeyStabilizeInterval = "stabilize_interval"
	KeyPingTimeout       = "ping_timeout"
	KeyAuditInterval     = "audit_interval"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
	KeyLogFile           = "log_file"
)

// SetDefaults registers DefaultConfig values with v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyNode, d.NodeNum)
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyHTTPPort, d.HTTPPort)
	v.SetDefault(KeyGRPCPort, d.GRPCPort)
	v.SetDefault(KeyNodes, d.Nodes)
	v.SetDefault(KeyLandmark, d.Landmark)
	v.SetDefault(KeyStabilizeInterval, d.StabilizeInterval)
	v.SetDefault(KeyPingTimeout, d.PingTimeout)
	v.SetDefault(KeyAuditInterval, d.AuditInterval)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
}

// Load builds a validated Config from v. Flags, environment and config files
// are bound to v by the caller.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{
		NodeNum:           v.GetUint32(KeyNode),
		Host:              v.GetString(KeyHost),
		Port:              v.GetInt(KeyPort),
		HTTPPort:          v.GetInt(KeyHTTPPort),
		GRPCPort:          v.GetInt(KeyGRPCPort),
		AuthToken:         v.GetString(KeyAuthToken),
		Nodes:             v.GetStringMapString(KeyNodes),
		Landmark:          v.GetInt(KeyLandmark),
		M:                 hash.M,
		StabilizeInterval: v.GetDuration(KeyStabilizeInterval),
		PingTimeout:       v.GetDuration(KeyPingTimeout),
		AuditInterval:     v.GetDuration(KeyAuditInterval),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         v.GetString(KeyLogFormat),
		LogFile:           v.GetString(KeyLogFile),
	}
	if cfg.Host == "" {
		cfg.Host = cfg.Nodes[strconv.FormatUint(uint64(cfg.NodeNum), 10)]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
