package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Transport selects the flow type dialed to the target.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
	TransportUDP Transport = "udp"
)

// RateMode selects how the rate controller derives its schedule.
type RateMode string

const (
	RateModeStatic RateMode = "static"
	RateModeStep   RateMode = "step"
	RateModeSlope  RateMode = "slope"
)

// Config holds all configuration for the load generator.
type Config struct {
	// Target
	Transport     Transport `mapstructure:"transport"`
	Host          string    `mapstructure:"host"`
	Port          int       `mapstructure:"port"`
	SkipTLSVerify bool      `mapstructure:"skip_tls_verify"`

	// Flows
	Flows       int     `mapstructure:"flows"`
	NewConnRate float64 `mapstructure:"new_conn_rate"`

	// Rate
	RateMode   RateMode `mapstructure:"rate_mode"`
	StaticRate float64  `mapstructure:"rate"`
	ScriptPath string   `mapstructure:"script"` // "-" means stdin

	// Duration & reproducibility
	Duration time.Duration `mapstructure:"duration"`
	Seed     int64         `mapstructure:"seed"`

	// Output
	PrintRTT  bool   `mapstructure:"print_rtt"`
	CSVOutput string `mapstructure:"csv_output"` // "-" means stdout, ".gz" suffix gzips

	// Observability
	Verbose     int    `mapstructure:"verbose"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Internal
	ConfigFile string `mapstructure:"config"`
}

// NewConfig returns a Config with sensible defaults, mirroring
// original_source/tcpclient.c's defaults (new-conn rate 1000/s,
// seed 42, MAX_RTT_MSEC-driven ring sizing handled in internal/engine).
func NewConfig() *Config {
	return &Config{
		Transport:     TransportTCP,
		Port:          53,
		SkipTLSVerify: false,

		Flows:       10,
		NewConnRate: 1000,

		RateMode:   RateModeStatic,
		StaticRate: 0,
		ScriptPath: "",

		Duration: 0,
		Seed:     42,

		PrintRTT:  true,
		CSVOutput: "-",

		Verbose:     0,
		MetricsAddr: "",
	}
}

// BindFlags binds pflag flags to viper.
func (c *Config) BindFlags(flags *pflag.FlagSet) error {
	flags.String("transport", string(c.Transport), "Transport: tcp, tls, udp")
	flags.String("host", c.Host, "Target host")
	flags.Int("port", c.Port, "Target port")
	flags.Bool("skip-tls-verify", c.SkipTLSVerify, "Skip TLS certificate verification (tls transport only)")

	flags.Int("flows", c.Flows, "Number of concurrent flows (TCP/TLS connections or UDP sockets)")
	flags.Float64("new-conn-rate", c.NewConnRate, "New connections to open per second during start-up (ignored for UDP)")

	flags.Float64("rate", c.StaticRate, "Static aggregate query rate in qps (mutually exclusive with --script)")
	flags.String("script", c.ScriptPath, "Path to a rate/slope schedule script, or '-' for stdin")
	flags.String("rate-mode", string(c.RateMode), "Script mode when --script is set: step or slope")

	flags.Duration("duration", c.Duration, "Run duration (0 for unlimited, or until the script ends)")
	flags.Int64("seed", c.Seed, "Random seed for Poisson sampling and flow selection")

	flags.Bool("print-rtt", c.PrintRTT, "Emit Q/A CSV rows to the RTT sink")
	flags.String("csv-output", c.CSVOutput, "CSV output path ('-' for stdout, '.gz' suffix gzips)")

	flags.CountP("verbose", "v", "Increase verbosity (repeatable)")
	flags.String("metrics-addr", c.MetricsAddr, "Prometheus metrics listen address (empty disables)")

	flags.String("config", c.ConfigFile, "Config file path")

	return viper.BindPFlags(flags)
}

// Load finalizes configuration from flags, environment, and an optional
// config file. The caller must already have registered flags on the
// FlagSet via BindFlags (typically once, at command construction time);
// Load only reads back what viper has accumulated since then.
func Load(flags *pflag.FlagSet) (*Config, error) {
	cfg := NewConfig()

	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.SetEnvPrefix("DNSGEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Verbose = viper.GetInt("verbose")
	cfg.Transport = Transport(strings.ToLower(string(cfg.Transport)))
	cfg.RateMode = RateMode(strings.ToLower(string(cfg.RateMode)))

	if cfg.ScriptPath != "" && cfg.RateMode == RateModeStatic {
		cfg.RateMode = RateModeStep
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportTLS, TransportUDP:
	default:
		return fmt.Errorf("transport must be tcp, tls, or udp, got %q", c.Transport)
	}

	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Flows <= 0 {
		return fmt.Errorf("flows must be > 0")
	}
	if c.NewConnRate <= 0 {
		return fmt.Errorf("new-conn-rate must be > 0")
	}

	hasStaticRate := c.StaticRate > 0
	hasScript := c.ScriptPath != ""
	if hasStaticRate && hasScript {
		return fmt.Errorf("--rate and --script are mutually exclusive")
	}
	if !hasStaticRate && !hasScript {
		return fmt.Errorf("one of --rate or --script is required")
	}

	if hasScript {
		switch c.RateMode {
		case RateModeStep, RateModeSlope:
		default:
			return fmt.Errorf("rate-mode must be step or slope when --script is set, got %q", c.RateMode)
		}
	}

	if c.Seed < 0 {
		return fmt.Errorf("seed must be >= 0")
	}

	return nil
}
