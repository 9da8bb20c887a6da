package config_test

import (
	"testing"

	"github.com/thalo-rs/thalo/pkg/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := config.DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to validate, got: %v", err)
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store = config.StorePostgres
	cfg.PostgresDSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when postgres DSN is empty")
	}
}

func TestValidateRedisRelayRequiresAddr(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Relay = config.RelayRedis
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when redis addr is empty")
	}
	cfg.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateUnknownStoreBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown store backend")
	}
}
