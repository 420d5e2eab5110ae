// Package config parses server and client configuration from flags and
// environment variables, per spec.md §6.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds the edge server's runtime configuration.
type ServerConfig struct {
	Port         int
	BaseDomain   string
	HTTPS        bool
	APIKeyPepper string
	DBPath       string
	LogLevel     string

	RegistrationTimeout time.Duration
	RequestTimeout      time.Duration
	RateLimitPerSecond  int
	MaxFrameBytes       int
}

// ClientConfig holds the tunnel client's runtime configuration.
type ClientConfig struct {
	ServerURL string
	APIKey    string
	LocalPort int
	Subdomain string

	LocalTimeout   time.Duration
	MaxResponseMiB int64
}

const (
	defaultPort                = 3000
	defaultBaseDomain          = "localhost:3000"
	defaultServerURL           = "wss://tunl.cc"
	defaultRegistrationTimeout = 10 * time.Second
	defaultRequestTimeout      = 30 * time.Second
	defaultRateLimitPerSecond  = 100
	defaultMaxFrameBytes       = 1 << 20
	defaultLocalTimeout        = 30 * time.Second
	defaultMaxResponseMiB      = 100
)

// ParseServerFlags builds a ServerConfig from args, falling back to
// environment variables and finally to the defaults above.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Port:                envIntOrDefault("PORT", defaultPort),
		BaseDomain:           envOrDefault("BASE_DOMAIN", defaultBaseDomain),
		HTTPS:                envBoolOrDefault("HTTPS", false),
		APIKeyPepper:         os.Getenv("TUNL_API_KEY_PEPPER"),
		DBPath:               envOrDefault("TUNL_DB_PATH", "./tunl.db"),
		LogLevel:             envOrDefault("TUNL_LOG_LEVEL", "info"),
		RegistrationTimeout:  defaultRegistrationTimeout,
		RequestTimeout:       defaultRequestTimeout,
		RateLimitPerSecond:   defaultRateLimitPerSecond,
		MaxFrameBytes:        defaultMaxFrameBytes,
	}

	fs := flag.NewFlagSet("tunl-server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.StringVar(&cfg.BaseDomain, "base-domain", cfg.BaseDomain, "public base domain, e.g. tunl.cc")
	fs.BoolVar(&cfg.HTTPS, "https", cfg.HTTPS, "advertise https:// URLs instead of http://")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return cfg, errors.New("port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.BaseDomain) == "" {
		return cfg, errors.New("base domain must not be empty")
	}

	return cfg, nil
}

// ParseClientFlags builds a ClientConfig from the tunl CLI's positional
// and flag arguments: tunl <port> [subdomain] [--api-key <key>|-k].
func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      envOrDefault("TUNNEL_SERVER", defaultServerURL),
		APIKey:         os.Getenv("TUNL_API_KEY"),
		LocalTimeout:   defaultLocalTimeout,
		MaxResponseMiB: defaultMaxResponseMiB,
	}

	fs := flag.NewFlagSet("tunl", flag.ContinueOnError)
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key")
	fs.StringVar(&cfg.APIKey, "k", cfg.APIKey, "API key (shorthand)")

	// Flags may follow the positional arguments, so parse repeatedly,
	// taking one positional argument off the front each time.
	var positional []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return cfg, err
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	if len(positional) == 0 {
		return cfg, errors.New("usage: tunl <port> [subdomain]")
	}
	port, err := strconv.Atoi(positional[0])
	if err != nil {
		return cfg, errors.New("port must be a number")
	}
	if port < 1024 || port > 65535 {
		return cfg, errors.New("port must be between 1024 and 65535")
	}
	cfg.LocalPort = port
	if len(positional) > 1 {
		cfg.Subdomain = positional[1]
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
