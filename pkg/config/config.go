// Package config holds the typed settings cmd/thalo's serve subcommand
// assembles from CLI flags and passes down to every component it starts.
package config

import (
	"fmt"

	"github.com/thalo-rs/thalo/internal/log"
	"github.com/thalo-rs/thalo/pkg/runtime"
)

// StoreBackend selects which eventstore.Store implementation serve opens.
type StoreBackend string

const (
	StorePostgres StoreBackend = "postgres"
	StoreEmbedded StoreBackend = "embedded"
)

// RelayBackend selects which outbox.Relay implementation serve starts, if
// any.
type RelayBackend string

const (
	RelayNone  RelayBackend = "none"
	RelayRedis RelayBackend = "redis"
	RelayKafka RelayBackend = "kafka"
)

// Config is the full set of tunables for a `thalo serve` process.
type Config struct {
	// Store selects the event store backend.
	Store        StoreBackend
	PostgresDSN  string
	EmbeddedPath string

	// ModulesDir is where WASM component binaries are loaded from and
	// published to.
	ModulesDir string

	// GRPCAddr is the gRPC API listen address.
	GRPCAddr string

	// Relay selects the outbox relay backend.
	Relay        RelayBackend
	RedisAddr    string
	RedisStream  string
	KafkaBrokers []string
	KafkaTopic   string

	// LogLevel and LogJSON configure internal/log.Init.
	LogLevel log.Level
	LogJSON  bool

	Runtime runtime.Config
}

// DefaultConfig returns the documented defaults: an embedded store under
// ./thalo-data, modules loaded from ./modules, gRPC on 127.0.0.1:7700, no
// outbox relay, and info-level console logging.
func DefaultConfig() Config {
	return Config{
		Store:        StoreEmbedded,
		EmbeddedPath: "./thalo-data",
		ModulesDir:   "./modules",
		GRPCAddr:     "127.0.0.1:7700",
		Relay:        RelayNone,
		RedisStream:  "thalo-events",
		KafkaTopic:   "thalo-events",
		LogLevel:     log.InfoLevel,
		Runtime:      runtime.DefaultConfig(),
	}
}

// Validate checks that the combination of fields is runnable, returning a
// descriptive error for the first problem found.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: --postgres-dsn is required when --store=postgres")
		}
	case StoreEmbedded:
		if c.EmbeddedPath == "" {
			return fmt.Errorf("config: --embedded-path is required when --store=embedded")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store)
	}

	switch c.Relay {
	case RelayNone:
	case RelayRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: --redis-addr is required when --relay=redis")
		}
	case RelayKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("config: --kafka-brokers is required when --relay=kafka")
		}
	default:
		return fmt.Errorf("config: unknown relay backend %q", c.Relay)
	}
	return nil
}

func (r RelayBackend) String() string { return string(r) }
