package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Event ledger deployment modes. A deployment runs exactly one of the two
// delivery protocols; they are never combined on the same registry.
const (
	LedgerModeDirect = "direct"
	LedgerModeInbox  = "inbox"
)

// Config carries the environment-driven settings for the registry API.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`

	// EventLedgerMode selects the envelope delivery protocol: "direct"
	// (depositor must hold custody rights on the target) or "inbox"
	// (anyone may deposit, only the creator may receive).
	EventLedgerMode string `env:"EVENT_LEDGER_MODE" envDefault:"inbox"`

	// RequireUnassignedDelete restricts record deletion to records whose
	// custody is unassigned at delete time.
	RequireUnassignedDelete bool `env:"REQUIRE_UNASSIGNED_DELETE" envDefault:"true"`

	LogMode string `env:"LOG_MODE" envDefault:"development"`
}

// Load parses the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	mode := strings.ToLower(cfg.EventLedgerMode)
	if mode != LedgerModeDirect && mode != LedgerModeInbox {
		return Config{}, fmt.Errorf("config: unknown EVENT_LEDGER_MODE %q", cfg.EventLedgerMode)
	}
	cfg.EventLedgerMode = mode

	return cfg, nil
}
