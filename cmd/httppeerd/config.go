package main

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/peerhttp/internal/engine"
	"github.com/matst80/peerhttp/internal/ratelimit"
	"github.com/spf13/viper"
)

// Config holds the node's runtime configuration. Values come from flags, then
// an optional YAML file and PEERHTTP_* environment variables, then flags given
// explicitly on the command line.
type Config struct {
	ConfigFile string `mapstructure:"-"`

	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	NodeID      string `mapstructure:"node_id"`
	NetworkID   uint32 `mapstructure:"network_id"`

	NumClients        uint64        `mapstructure:"num_clients"`
	MaxClientsPerHost uint64        `mapstructure:"max_clients_per_host"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxHeaderSize     int           `mapstructure:"max_header_size"`
	MaxMessageLen     int           `mapstructure:"max_message_len"`

	// Rates are per second; 0 disables the limit.
	ConnectRate  int `mapstructure:"connect_rate"`
	ConnectBurst int `mapstructure:"connect_burst"`
	RequestRate  int `mapstructure:"request_rate"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	Bootstrap         []string      `mapstructure:"bootstrap"`
	BootstrapInterval time.Duration `mapstructure:"bootstrap_interval"`

	Debug bool `mapstructure:"debug"`
}

var cfg Config

var configKeys = []string{
	"listen_addr", "metrics_addr", "node_id", "network_id",
	"num_clients", "max_clients_per_host", "idle_timeout", "request_timeout", "poll_interval",
	"max_header_size", "max_message_len",
	"connect_rate", "connect_burst", "request_rate",
	"redis_addr", "redis_password", "redis_db",
	"bootstrap", "bootstrap_interval", "debug",
}

func init() {
	registerFlags(flag.CommandLine, &cfg)
}

func registerFlags(fs *flag.FlagSet, c *Config) {
	def := engine.DefaultConnectionOptions()
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML config file")
	fs.StringVar(&c.ListenAddr, "listen", "0.0.0.0:20443", "RPC listen address (ip:port)")
	fs.StringVar(&c.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	fs.StringVar(&c.NodeID, "node-id", "", "node identity; a random UUID when empty")
	fs.Func("network-id", "network id (default 0x80000000)", func(s string) error {
		var v uint64
		if _, err := fmt.Sscan(s, &v); err != nil || v > 0xffffffff {
			return fmt.Errorf("bad network id %q", s)
		}
		c.NetworkID = uint32(v)
		return nil
	})
	c.NetworkID = 0x80000000
	fs.Uint64Var(&c.NumClients, "num-clients", def.NumClients, "maximum established conversations")
	fs.Uint64Var(&c.MaxClientsPerHost, "max-clients-per-host", def.MaxClientsPerHost, "maximum inbound conversations per IP")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", def.IdleTimeout, "evict conversations idle this long")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", def.RequestTimeout, "abandon outbound requests unanswered this long")
	fs.DurationVar(&c.PollInterval, "poll-interval", 100*time.Millisecond, "maximum wait per reactor poll")
	fs.IntVar(&c.MaxHeaderSize, "max-header-size", def.MaxHeaderSize, "maximum HTTP head bytes")
	fs.IntVar(&c.MaxMessageLen, "max-message-len", def.MaxMessageLen, "maximum HTTP body bytes")
	fs.IntVar(&c.ConnectRate, "connect-rate", 0, "new inbound connections per second per host (0 = unlimited)")
	fs.IntVar(&c.ConnectBurst, "connect-burst", 10, "token bucket burst for connection and request limits")
	fs.IntVar(&c.RequestRate, "request-rate", 0, "requests per second per host (0 = unlimited)")
	fs.StringVar(&c.RedisAddr, "redis", "", "redis address for the shared peer directory; in-memory when empty")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database")
	fs.Func("bootstrap", "comma separated data URLs of peers to ask for neighbors", func(s string) error {
		c.Bootstrap = splitList(s)
		return nil
	})
	fs.DurationVar(&c.BootstrapInterval, "bootstrap-interval", time.Minute, "how often bootstrap peers are asked again")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadConfig parses args into c, layers the config file and environment on
// top, then re-applies the explicit flags.
func loadConfig(fs *flag.FlagSet, args []string, c *Config) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	v := viper.New()
	v.SetEnvPrefix("PEERHTTP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, k := range configKeys {
		if err := v.BindEnv(k); err != nil {
			return fmt.Errorf("bind env %s: %w", k, err)
		}
	}
	if c.ConfigFile != "" {
		v.SetConfigFile(c.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	return c.validate()
}

func (c *Config) validate() error {
	if _, err := netip.ParseAddrPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	if c.NumClients == 0 {
		return errors.New("num-clients must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll-interval must be positive")
	}
	if c.ConnectRate < 0 || c.RequestRate < 0 || c.ConnectBurst < 0 {
		return errors.New("rates must not be negative")
	}
	return nil
}

func (c *Config) listenAddr() netip.AddrPort { return netip.MustParseAddrPort(c.ListenAddr) }

func (c *Config) connectionOptions() engine.ConnectionOptions {
	opts := engine.ConnectionOptions{
		NumClients:        c.NumClients,
		MaxClientsPerHost: c.MaxClientsPerHost,
		IdleTimeout:       c.IdleTimeout,
		RequestTimeout:    c.RequestTimeout,
		MaxHeaderSize:     c.MaxHeaderSize,
		MaxMessageLen:     c.MaxMessageLen,
	}
	if c.ConnectRate > 0 || c.RequestRate > 0 {
		burst := c.ConnectBurst
		if burst == 0 {
			burst = 1
		}
		opts.Limiter = ratelimit.NewHostLimiter(0, c.ConnectRate, 0, c.RequestRate, burst)
	}
	return opts
}
