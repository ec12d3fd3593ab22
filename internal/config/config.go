// Package config holds the agent and broker settings and binds them to
// command-line flags, CONNECTOR_* environment variables and an optional YAML
// file. Precedence is flags, then environment, then file, then defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable derived from a flag name.
const EnvPrefix = "CONNECTOR_"

type AgentConfig struct {
	AgentID   string
	User      string
	Domain    string
	Password  string
	BrokerURL string
	Insecure  bool
	RulesFile string

	SocksAddr     string
	ProxyPortBase int

	HealthzAddr       string
	HealthzEnabled    bool
	HealthzPrincipals []string
	Pprof             bool

	PollInterval time.Duration
	WatchNotify  bool

	DialTimeout       time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	RegisterTimeout   time.Duration
	MaxFramingErrors  int
	FetchWorkers      int
	ConnectTimeout    time.Duration
	MaxResponseBytes  int64
	RetiredSocketKeep int

	LogLevel  string
	LogFormat string
}

type BrokerConfig struct {
	ListenWS     string
	ListenTCP    string
	ListenQUIC   string
	PlainHTTP    bool
	DBPath       string
	TLSCertFile  string
	TLSKeyFile   string
	ACMEDomains  []string
	CertCacheDir string

	HealthInterval time.Duration
	HealthTimeout  time.Duration

	LogLevel  string
	LogFormat string
}

const (
	defaultSocksAddr       = "127.0.0.1:1080"
	defaultProxyPortBase   = 9000
	defaultHealthzAddr     = "127.0.0.1:0"
	defaultPollInterval    = time.Minute
	defaultDialTimeout     = 15 * time.Second
	defaultReconnectMin    = 2 * time.Second
	defaultReconnectMax    = time.Minute
	defaultRegisterTimeout = 30 * time.Second
	defaultConnectTimeout  = 60 * time.Second

	defaultBrokerListenWS = ":8443"
	defaultBrokerDBPath   = "./connector.db"
	defaultCertCacheDir   = "./cert"
	defaultHealthInterval = 5 * time.Second
	defaultHealthTimeout  = 30 * time.Second
)

// NewAgentConfig returns the agent defaults.
func NewAgentConfig() AgentConfig {
	return AgentConfig{
		SocksAddr:         defaultSocksAddr,
		ProxyPortBase:     defaultProxyPortBase,
		HealthzAddr:       defaultHealthzAddr,
		HealthzEnabled:    true,
		PollInterval:      defaultPollInterval,
		WatchNotify:       true,
		DialTimeout:       defaultDialTimeout,
		ReconnectMin:      defaultReconnectMin,
		ReconnectMax:      defaultReconnectMax,
		RegisterTimeout:   defaultRegisterTimeout,
		MaxFramingErrors:  3,
		FetchWorkers:      16,
		ConnectTimeout:    defaultConnectTimeout,
		MaxResponseBytes:  900 << 10,
		RetiredSocketKeep: 4096,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// NewBrokerConfig returns the broker defaults.
func NewBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ListenWS:       defaultBrokerListenWS,
		DBPath:         defaultBrokerDBPath,
		CertCacheDir:   defaultCertCacheDir,
		HealthInterval: defaultHealthInterval,
		HealthTimeout:  defaultHealthTimeout,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// BindFlags registers the agent flags on fs with c's current values as
// defaults.
func (c *AgentConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.AgentID, "agent-id", c.AgentID, "Agent id registered with the broker")
	fs.StringVar(&c.User, "user", c.User, "Agent user name")
	fs.StringVar(&c.Domain, "domain", c.Domain, "Agent domain")
	fs.StringVar(&c.Password, "password", c.Password, "Agent password")
	fs.StringVar(&c.BrokerURL, "broker-url", c.BrokerURL, "Broker URL (wss://, ws://, quic://, tcp://)")
	fs.BoolVar(&c.Insecure, "insecure", c.Insecure, "Skip broker TLS certificate verification")
	fs.StringVar(&c.RulesFile, "rules", c.RulesFile, "Resource rules file (YAML or JSON)")
	fs.StringVar(&c.SocksAddr, "socks-addr", c.SocksAddr, "Local SOCKS5 listen address")
	fs.IntVar(&c.ProxyPortBase, "proxy-port-base", c.ProxyPortBase, "First HTTP proxy port handed to rules")
	fs.StringVar(&c.HealthzAddr, "healthz-addr", c.HealthzAddr, "Local health endpoint listen address")
	fs.BoolVar(&c.HealthzEnabled, "healthz", c.HealthzEnabled, "Serve and register the local health endpoint")
	fs.StringSliceVar(&c.HealthzPrincipals, "healthz-principals", c.HealthzPrincipals, "Principals allowed to reach the health endpoint")
	fs.BoolVar(&c.Pprof, "pprof", c.Pprof, "Serve pprof on the health endpoint listener")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Rules file poll interval")
	fs.BoolVar(&c.WatchNotify, "watch-notify", c.WatchNotify, "Also wake on filesystem notifications for the rules file")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "Broker connect timeout")
	fs.DurationVar(&c.ReconnectMin, "reconnect-min", c.ReconnectMin, "Initial reconnect delay")
	fs.DurationVar(&c.ReconnectMax, "reconnect-max", c.ReconnectMax, "Maximum reconnect delay")
	fs.DurationVar(&c.RegisterTimeout, "register-timeout", c.RegisterTimeout, "Registration response timeout")
	fs.IntVar(&c.MaxFramingErrors, "max-framing-errors", c.MaxFramingErrors, "Consecutive framing errors before the connection is dropped")
	fs.IntVar(&c.FetchWorkers, "fetch-workers", c.FetchWorkers, "Concurrent fetch requests")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "Socket session connect timeout")
	fs.Int64Var(&c.MaxResponseBytes, "max-response-bytes", c.MaxResponseBytes, "Largest fetch response body relayed")
	fs.IntVar(&c.RetiredSocketKeep, "retired-socket-handles", c.RetiredSocketKeep, "Closed socket handles remembered to refuse reuse")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text|json")
}

// BindFlags registers the broker flags on fs.
func (c *BrokerConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenWS, "listen", c.ListenWS, "Websocket listen address")
	fs.StringVar(&c.ListenTCP, "listen-tcp", c.ListenTCP, "Plain TCP tunnel listen address (optional)")
	fs.StringVar(&c.ListenQUIC, "listen-quic", c.ListenQUIC, "QUIC tunnel listen address (optional)")
	fs.BoolVar(&c.PlainHTTP, "plain-http", c.PlainHTTP, "Serve websocket without TLS")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	fs.StringVar(&c.TLSCertFile, "tls-cert-file", c.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&c.TLSKeyFile, "tls-key-file", c.TLSKeyFile, "Static TLS key PEM file")
	fs.StringSliceVar(&c.ACMEDomains, "acme-domains", c.ACMEDomains, "Domains to obtain ACME certificates for")
	fs.StringVar(&c.CertCacheDir, "cert-cache-dir", c.CertCacheDir, "ACME certificate cache dir")
	fs.DurationVar(&c.HealthInterval, "health-interval", c.HealthInterval, "Agent health probe interval")
	fs.DurationVar(&c.HealthTimeout, "health-timeout", c.HealthTimeout, "Agent health timeout")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text|json")
}

// Validate checks the agent settings.
func (c *AgentConfig) Validate() error {
	var problems []error
	for _, req := range []struct{ flag, value string }{
		{"agent-id", c.AgentID},
		{"user", c.User},
		{"domain", c.Domain},
		{"password", c.Password},
		{"broker-url", c.BrokerURL},
		{"rules", c.RulesFile},
	} {
		if strings.TrimSpace(req.value) == "" {
			problems = append(problems, fmt.Errorf("missing --%s or %s", req.flag, EnvName(req.flag)))
		}
	}
	if strings.ContainsAny(c.AgentID, "/ ") {
		problems = append(problems, errors.New("agent id must not contain '/' or spaces"))
	}
	if c.BrokerURL != "" {
		u, err := url.Parse(c.BrokerURL)
		if err != nil {
			problems = append(problems, fmt.Errorf("invalid broker url: %w", err))
		} else {
			switch u.Scheme {
			case "ws", "wss", "quic", "tcp":
			default:
				problems = append(problems, errors.New("broker url scheme must be one of: ws, wss, quic, tcp"))
			}
		}
	}
	if _, _, err := net.SplitHostPort(c.SocksAddr); err != nil {
		problems = append(problems, fmt.Errorf("invalid socks address: %w", err))
	}
	if c.ProxyPortBase <= 0 || c.ProxyPortBase > 65535 {
		problems = append(problems, errors.New("proxy port base must be between 1 and 65535"))
	}
	if c.PollInterval <= 0 || c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin || c.RegisterTimeout <= 0 {
		problems = append(problems, errors.New("intervals must be > 0 and reconnect-max >= reconnect-min"))
	}
	if c.MaxFramingErrors <= 0 || c.FetchWorkers <= 0 {
		problems = append(problems, errors.New("max framing errors and fetch workers must be > 0"))
	}
	return errors.Join(problems...)
}

// Validate checks the broker settings.
func (c *BrokerConfig) Validate() error {
	if strings.TrimSpace(c.ListenWS) == "" && strings.TrimSpace(c.ListenTCP) == "" && strings.TrimSpace(c.ListenQUIC) == "" {
		return errors.New("at least one of --listen, --listen-tcp, --listen-quic is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("missing --db or " + EnvName("db"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("both --tls-cert-file and --tls-key-file are required")
	}
	if c.HealthInterval <= 0 || c.HealthTimeout <= c.HealthInterval {
		return errors.New("health interval must be > 0 and below the health timeout")
	}
	return nil
}

// EnvName maps a flag name to its environment variable.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// Resolve fills every flag not given on the command line, first from the YAML
// file at path (when non-empty) and then from the environment. File keys are
// flag names.
func Resolve(fs *pflag.FlagSet, path string) error {
	explicit := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })

	if strings.TrimSpace(path) != "" {
		if err := applyFile(fs, path, explicit); err != nil {
			return err
		}
	}

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || explicit[f.Name] {
			return
		}
		if v, ok := os.LookupEnv(EnvName(f.Name)); ok && v != "" {
			if setErr := setFlag(fs, f.Name, v); setErr != nil {
				err = fmt.Errorf("%s: %w", EnvName(f.Name), setErr)
			}
		}
	})
	return err
}

func applyFile(fs *pflag.FlagSet, path string, explicit map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for key, raw := range values {
		if fs.Lookup(key) == nil {
			return fmt.Errorf("config file %s: unknown setting %q", path, key)
		}
		if explicit[key] {
			continue
		}
		if err := setFlag(fs, key, fileValue(raw)); err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, key, err)
		}
	}
	return nil
}

// setFlag replaces the flag value. Slice flags append on repeated Set calls,
// so the whole list goes in one comma-joined value.
func setFlag(fs *pflag.FlagSet, name, value string) error {
	if sv, ok := fs.Lookup(name).Value.(pflag.SliceValue); ok {
		return sv.Replace(splitList(value))
	}
	return fs.Set(name, value)
}

func fileValue(raw any) string {
	switch v := raw.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
