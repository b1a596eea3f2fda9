// Package config loads creamas settings from defaults, a YAML file and
// CREAMAS_* environment variables through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Node        NodeConfig        `mapstructure:"node" yaml:"node"`
	RPC         RPCConfig         `mapstructure:"rpc" yaml:"rpc"`
	Environment EnvironmentConfig `mapstructure:"environment" yaml:"environment"`
	Multi       MultiConfig       `mapstructure:"multi" yaml:"multi"`
	Distributed DistributedConfig `mapstructure:"distributed" yaml:"distributed"`
	Simulation  SimulationConfig  `mapstructure:"simulation" yaml:"simulation"`
	Voting      VotingConfig      `mapstructure:"voting" yaml:"voting"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the console color of each level.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// NodeConfig is the address this process binds its manager to.
type NodeConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// RPCConfig tunes the manager transport.
type RPCConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit" yaml:"read_limit"`
	RateLimit      int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window" yaml:"rate_window"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// EnvironmentConfig holds single-environment settings.
type EnvironmentConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	Resources int    `mapstructure:"resources" yaml:"resources"`
}

// MultiConfig holds multi-environment settings. Slaves, when empty, are
// derived as Count local addresses starting at BasePort.
type MultiConfig struct {
	Slaves       []string      `mapstructure:"slaves" yaml:"slaves"`
	Count        int           `mapstructure:"count" yaml:"count"`
	BasePort     int           `mapstructure:"base_port" yaml:"base_port"`
	Spawn        bool          `mapstructure:"spawn" yaml:"spawn"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
}

// NodeSpec is one distributed node.
type NodeSpec struct {
	Host    string `mapstructure:"host" yaml:"host"`
	SSHPort int    `mapstructure:"ssh_port" yaml:"ssh_port"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// DistributedConfig holds distributed-environment settings.
type DistributedConfig struct {
	Nodes           []NodeSpec    `mapstructure:"nodes" yaml:"nodes"`
	AllowLocalNodes bool          `mapstructure:"allow_local_nodes" yaml:"allow_local_nodes"`
	SpawnCmd        string        `mapstructure:"spawn_cmd" yaml:"spawn_cmd"`
	SSHUser         string        `mapstructure:"ssh_user" yaml:"ssh_user"`
	SSHOptions      []string      `mapstructure:"ssh_options" yaml:"ssh_options"`
	WaitTimeout     time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// SimulationConfig drives a run.
type SimulationConfig struct {
	Agents      int    `mapstructure:"agents" yaml:"agents"`
	Kind        string `mapstructure:"kind" yaml:"kind"`
	Steps       int    `mapstructure:"steps" yaml:"steps"`
	Connections int    `mapstructure:"connections" yaml:"connections"`
	Order       string `mapstructure:"order" yaml:"order"`
	Async       bool   `mapstructure:"async" yaml:"async"`
}

// VotingConfig sets how often and how the society votes.
type VotingConfig struct {
	Method   string `mapstructure:"method" yaml:"method"`
	Accepted int    `mapstructure:"accepted" yaml:"accepted"`
	Validate bool   `mapstructure:"validate" yaml:"validate"`
	Every    int    `mapstructure:"every" yaml:"every"` // steps between rounds, 0 disables voting
}

// StorageConfig selects where run results go.
type StorageConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`     // SQLite archive, empty disables
	Folder string `mapstructure:"folder" yaml:"folder"` // env_info.yaml folder, empty disables
}

// NewDefaultConfig returns a configuration holding only defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "creamas")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("node.host", "localhost")
	v.SetDefault("node.port", 5555)

	v.SetDefault("rpc.connect_timeout", 5*time.Second)
	v.SetDefault("rpc.call_timeout", 30*time.Second)
	v.SetDefault("rpc.read_limit", 1<<20)
	v.SetDefault("rpc.rate_limit", 0)
	v.SetDefault("rpc.rate_window", time.Second)
	v.SetDefault("rpc.concurrency", 0)

	v.SetDefault("environment.name", "")
	v.SetDefault("environment.resources", 0)

	v.SetDefault("multi.slaves", []string{})
	v.SetDefault("multi.count", 4)
	v.SetDefault("multi.base_port", 5560)
	v.SetDefault("multi.spawn", true)
	v.SetDefault("multi.wait_timeout", 20*time.Second)
	v.SetDefault("multi.probe_timeout", 500*time.Millisecond)
	v.SetDefault("multi.poll_interval", 500*time.Millisecond)
	v.SetDefault("multi.stop_timeout", time.Second)
	v.SetDefault("multi.stop_grace", 5*time.Second)

	v.SetDefault("distributed.nodes", []NodeSpec{})
	v.SetDefault("distributed.allow_local_nodes", false)
	v.SetDefault("distributed.spawn_cmd", "creamas node multi --host {host} --port {port}")
	v.SetDefault("distributed.ssh_user", "")
	v.SetDefault("distributed.ssh_options", []string{"-o", "BatchMode=yes"})
	v.SetDefault("distributed.wait_timeout", 60*time.Second)
	v.SetDefault("distributed.probe_timeout", 2*time.Second)
	v.SetDefault("distributed.poll_interval", time.Second)
	v.SetDefault("distributed.stop_timeout", 5*time.Second)

	v.SetDefault("simulation.agents", 20)
	v.SetDefault("simulation.kind", "inventor")
	v.SetDefault("simulation.steps", 10)
	v.SetDefault("simulation.connections", 3)
	v.SetDefault("simulation.order", "alphabetical")
	v.SetDefault("simulation.async", true)

	v.SetDefault("voting.method", "IRV")
	v.SetDefault("voting.accepted", 1)
	v.SetDefault("voting.validate", true)
	v.SetDefault("voting.every", 1)

	v.SetDefault("storage.path", "")
	v.SetDefault("storage.folder", "")
}

// NewConfigFromViper unmarshals and validates v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("CREAMAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values no component can work around.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		errs = append(errs, fmt.Errorf("node.port must be within 0-65535, got %d", c.Node.Port))
	}
	if c.RPC.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("rpc.connect_timeout must be positive"))
	}
	if c.RPC.CallTimeout <= 0 {
		errs = append(errs, errors.New("rpc.call_timeout must be positive"))
	}
	if c.RPC.RateLimit < 0 {
		errs = append(errs, errors.New("rpc.rate_limit must not be negative"))
	}
	if c.Environment.Resources < 0 {
		errs = append(errs, errors.New("environment.resources must not be negative"))
	}
	if len(c.Multi.Slaves) == 0 && c.Multi.Count <= 0 {
		errs = append(errs, errors.New("multi.count must be a positive integer when multi.slaves is empty"))
	}
	if c.Multi.WaitTimeout <= 0 || c.Distributed.WaitTimeout <= 0 {
		errs = append(errs, errors.New("wait timeouts must be positive"))
	}
	for i, n := range c.Distributed.Nodes {
		if n.Host == "" {
			errs = append(errs, fmt.Errorf("distributed.nodes[%d].host is required", i))
		}
	}
	if c.Simulation.Agents < 0 || c.Simulation.Steps < 0 {
		errs = append(errs, errors.New("simulation.agents and simulation.steps must not be negative"))
	}
	switch strings.ToLower(c.Simulation.Order) {
	case "alphabetical", "random":
	default:
		errs = append(errs, fmt.Errorf("simulation.order must be alphabetical or random, got %q", c.Simulation.Order))
	}
	if c.Voting.Accepted < 1 {
		errs = append(errs, errors.New("voting.accepted must be at least 1"))
	}
	if c.Voting.Every < 0 {
		errs = append(errs, errors.New("voting.every must not be negative"))
	}
	return errors.Join(errs...)
}

// SlaveAddrs returns the configured slave addresses, or Count local ones
// starting at BasePort on host.
func (m MultiConfig) SlaveAddrs(host string) []string {
	if len(m.Slaves) > 0 {
		return m.Slaves
	}
	out := make([]string, m.Count)
	for i := range m.Count {
		out[i] = fmt.Sprintf("tcp://%s:%d/0", host, m.BasePort+i)
	}
	return out
}
