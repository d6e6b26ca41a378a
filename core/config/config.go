package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	OTel     OTelConfig
	Nostr    NostrConfig
	LND      LNDConfig
	Redis    RedisConfig
	Invoices InvoiceSourceConfig
	Relay    RelayConfig
	Env      string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

type NostrConfig struct {
	PrivateKey string // hex or nsec
}

type LNDConfig struct {
	Host     string
	Port     string
	TLSCert  string // base64 or PEM
	Macaroon string // hex or base64
}

type RedisConfig struct {
	URL              string
	SentinelAddrs    []string
	MasterName       string
	Password         string
	RequestKeyPrefix string
}

type InvoiceSourceKind string

const (
	InvoiceSourceLND    InvoiceSourceKind = "lnd"
	InvoiceSourceStream InvoiceSourceKind = "stream"
)

type InvoiceSourceConfig struct {
	Kind     InvoiceSourceKind
	Stream   string
	Group    string
	Consumer string
}

type RelayConfig struct {
	PublishTimeout time.Duration
}

// Load loads configuration from environment variables.
// In development, a .env file in the working directory is loaded first.
func Load() (Config, error) {
	if getEnv("ZAPPER_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := Config{
		Env: getEnv("ZAPPER_ENV", "development"),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "zapper"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		Nostr: NostrConfig{
			PrivateKey: strings.TrimSpace(getEnv("NOSTR_PRIVATE_KEY", "")),
		},
		LND: LNDConfig{
			Host:     getEnv("LND1_DNS", ""),
			Port:     getEnv("LND1_PORT", "10009"),
			TLSCert:  getEnv("LND1_TLS", ""),
			Macaroon: getEnv("LND1_MACAROON", ""),
		},
		Redis: RedisConfig{
			URL:              getEnv("REDIS_URL", ""),
			SentinelAddrs:    sentinelAddrs(),
			MasterName:       getEnv("REDIS_MASTER_NAME", "mymaster"),
			Password:         getEnv("REDIS_PASSWORD", ""),
			RequestKeyPrefix: getEnv("REQUEST_KEY_PREFIX", "nostrInvoice:"),
		},
		Invoices: InvoiceSourceConfig{
			Kind:     InvoiceSourceKind(getEnv("INVOICE_SOURCE", string(InvoiceSourceLND))),
			Stream:   getEnv("INVOICE_STREAM", "settled_invoices"),
			Group:    getEnv("INVOICE_STREAM_GROUP", "zapper_group"),
			Consumer: getEnv("INVOICE_STREAM_CONSUMER", "zapper"),
		},
		Relay: RelayConfig{
			PublishTimeout: getEnvDuration("RELAY_PUBLISH_TIMEOUT", 10*time.Second),
		},
	}

	if cfg.Nostr.PrivateKey == "" {
		return Config{}, fmt.Errorf("NOSTR_PRIVATE_KEY is required")
	}

	switch cfg.Invoices.Kind {
	case InvoiceSourceLND:
		if cfg.LND.Host == "" || cfg.LND.TLSCert == "" || cfg.LND.Macaroon == "" {
			return Config{}, fmt.Errorf("LND1_DNS, LND1_TLS and LND1_MACAROON are required")
		}
	case InvoiceSourceStream:
	default:
		return Config{}, fmt.Errorf("unknown INVOICE_SOURCE %q", cfg.Invoices.Kind)
	}

	if cfg.Relay.PublishTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_PUBLISH_TIMEOUT must be positive, got %s", cfg.Relay.PublishTimeout)
	}

	if cfg.Redis.URL == "" && len(cfg.Redis.SentinelAddrs) == 0 {
		return Config{}, fmt.Errorf("REDIS_URL or REDIS_0_DNS is required")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// UsesSentinel reports whether the store should be reached through
// sentinel failover rather than a direct URL.
func (c RedisConfig) UsesSentinel() bool {
	return c.URL == "" && len(c.SentinelAddrs) > 0
}

func (c LNDConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func sentinelAddrs() []string {
	var addrs []string
	for i := 0; i < 3; i++ {
		host := getEnv(fmt.Sprintf("REDIS_%d_DNS", i), "")
		if host == "" {
			continue
		}
		port := getEnv(fmt.Sprintf("REDIS_%d_SENTINEL_PORT", i), "26379")
		addrs = append(addrs, net.JoinHostPort(host, port))
	}
	return addrs
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
