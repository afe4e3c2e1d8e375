// Package config loads process configuration from the environment (and an
// optional .env file) plus game rules from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds everything cmd/server needs to wire the engine.
type Config struct {
	Env         string // "local", "dev", "prod"
	ServiceName string
	Port        string

	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache
	CacheTTL    time.Duration

	KafkaBrokers    []string // empty → events are not shipped to Kafka
	TopicLedger     string
	TopicSettlement string

	ReconcileInterval time.Duration
	RulesFile         string

	Rules Rules
}

// Rules are the tunable game and ledger rules.
type Rules struct {
	MinDeposit             decimal.Decimal `yaml:"min_deposit"`
	MinWithdrawal          decimal.Decimal `yaml:"min_withdrawal"`
	EnforceWithdrawalHours bool            `yaml:"enforce_withdrawal_hours"`
	UTCOffsetMinutes       int             `yaml:"utc_offset_minutes"`
	LotoRoundLength        time.Duration   `yaml:"loto_round_length"`
	LotoAutoResultDelay    time.Duration   `yaml:"loto_auto_result_delay"`
	SettlementChunkSize    int             `yaml:"settlement_chunk_size"`
}

// DefaultRules returns the production rule set.
func DefaultRules() Rules {
	return Rules{
		MinDeposit:             decimal.NewFromInt(100),
		MinWithdrawal:          decimal.NewFromInt(300),
		EnforceWithdrawalHours: true,
		UTCOffsetMinutes:       330,
		LotoRoundLength:        10 * time.Minute,
		LotoAutoResultDelay:    2 * time.Minute,
		SettlementChunkSize:    500,
	}
}

// Location is the platform timezone as a fixed offset.
func (r Rules) Location() *time.Location {
	if r.UTCOffsetMinutes == 330 {
		return time.FixedZone("IST", 330*60)
	}
	return time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", r.UTCOffsetMinutes/60, abs(r.UTCOffsetMinutes%60)), r.UTCOffsetMinutes*60)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Load reads .env (if present), the environment and the rules file.
func Load() (Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := Config{
		Env:             getEnv("ENV", "local"),
		ServiceName:     getEnv("SERVICE_NAME", "settlement-engine"),
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		TopicLedger:     getEnv("KAFKA_TOPIC_LEDGER", "ledger.events"),
		TopicSettlement: getEnv("KAFKA_TOPIC_SETTLEMENT", "settlement.events"),
		RulesFile:       os.Getenv("RULES_FILE"),
		Rules:           DefaultRules(),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}

	if cfg.RulesFile != "" {
		data, err := os.ReadFile(cfg.RulesFile)
		if err != nil {
			return cfg, fmt.Errorf("read rules file: %w", err)
		}
		if cfg.Rules, err = ParseRules(data); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// ParseRules overlays YAML onto DefaultRules. Keys absent from the document
// keep their defaults.
func ParseRules(data []byte) (Rules, error) {
	r := DefaultRules()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse rules: %w", err)
	}
	if r.MinDeposit.IsNegative() || r.MinWithdrawal.IsNegative() {
		return r, fmt.Errorf("parse rules: minimum amounts must not be negative")
	}
	if r.LotoRoundLength <= 0 {
		return r, fmt.Errorf("parse rules: loto_round_length must be positive")
	}
	if r.SettlementChunkSize <= 0 {
		return r, fmt.Errorf("parse rules: settlement_chunk_size must be positive")
	}
	return r, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
