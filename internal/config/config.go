// Package config parses pacrelay's command line and environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/goodtune/pacrelay/internal/resolver"
)

// EnvPrefix prefixes the environment variable that backs each flag, e.g.
// PACRELAY_LISTEN for --listen.
const EnvPrefix = "PACRELAY_"

// Config holds the process settings.
type Config struct {
	Listen        string
	MetricsListen string

	PACFile    string
	SubnetFile string
	// OutboundAddrs pins the addresses matched against the subnet table
	// instead of detecting them per query.
	OutboundAddrs []string

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	IdleTimeout        time.Duration
	ResolveTimeout     time.Duration
	KeepAlive          net.KeepAliveConfig

	QueueSize int
	Watch     bool
	UserAgent string

	LogFormat string
	LogLevel  string
	Syslog    bool
}

// Parse reads args (without the program name). Flags not given on the
// command line fall back to PACRELAY_<NAME> from getenv; --pac-file also
// honors PAC_FILE. It returns pflag.ErrHelp when help was requested.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	var (
		c            Config
		tcpKeepAlive string
	)

	fs := pflag.NewFlagSet("pacrelay", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&c.Listen, "listen", "127.0.0.1:8100", "Proxy listen address")
	fs.StringVar(&c.MetricsListen, "metrics-listen", "127.0.0.1:9128", "Prometheus metrics listen address. Empty disables.")
	fs.StringVar(&c.PACFile, "pac-file", "", "PAC file path or URL (env PAC_FILE)")
	fs.StringVar(&c.SubnetFile, "subnet-file", "", "Subnet route table (.toml, .yaml or .yml), used instead of a PAC file")
	fs.StringSliceVar(&c.OutboundAddrs, "outbound-addr", nil, "Outbound address to match against the subnet table. Empty detects it per request.")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&c.NegotiationTimeout, "negotiation-timeout", 10*time.Second, "Timeout for the CONNECT exchange with an upstream proxy")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", 5*time.Minute, "Close tunnels that move no data for this long. 0 disables.")
	fs.DurationVar(&c.ResolveTimeout, "resolve-timeout", 0, "Bound on waiting for a route decision. 0 waits for the client.")
	fs.StringVar(&tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.IntVar(&c.QueueSize, "queue-size", resolver.DefaultQueueSize, "Maximum queued PAC evaluations")
	fs.BoolVar(&c.Watch, "watch", false, "Reload the route source when the file changes")
	fs.StringVar(&c.UserAgent, "user-agent", "", "User-Agent for upstream CONNECT requests when the client sends none")
	fs.StringVar(&c.LogFormat, "log-format", "json", "Log format: json|text")
	fs.StringVar(&c.LogLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&c.Syslog, "syslog", true, "Log to syslog, falling back to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if err := applyEnv(fs, getenv); err != nil {
		return nil, err
	}

	ka, err := parseTCPKeepAlive(tcpKeepAlive)
	if err != nil {
		return nil, fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	c.KeepAlive = ka

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnv fills flags left at their defaults from the environment.
func applyEnv(fs *pflag.FlagSet, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		v := getenv(EnvPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")))
		if v == "" && f.Name == "pac-file" {
			v = getenv("PAC_FILE")
		}
		if v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("environment value for --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Validate checks that exactly one route source is configured and that the
// limits are usable.
func (c *Config) Validate() error {
	switch {
	case c.PACFile == "" && c.SubnetFile == "":
		return errors.New("no route source: set --pac-file (or PAC_FILE) or --subnet-file")
	case c.PACFile != "" && c.SubnetFile != "":
		return errors.New("--pac-file and --subnet-file are mutually exclusive")
	}
	if c.Listen == "" {
		return errors.New("--listen must not be empty")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("--queue-size must be > 0, got %d", c.QueueSize)
	}
	if len(c.OutboundAddrs) > 0 && c.SubnetFile == "" {
		return errors.New("--outbound-addr only applies with --subnet-file")
	}
	for name, d := range map[string]time.Duration{
		"dial-timeout":        c.DialTimeout,
		"negotiation-timeout": c.NegotiationTimeout,
		"idle-timeout":        c.IdleTimeout,
		"resolve-timeout":     c.ResolveTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("--%s must not be negative", name)
		}
	}
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	idle, err := parsePositive(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	intvl, err := parsePositive(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	cnt, err := parsePositive(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(idle) * time.Second,
		Interval: time.Duration(intvl) * time.Second,
		Count:    cnt,
	}, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
