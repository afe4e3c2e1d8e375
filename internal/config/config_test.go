package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseRules_Overlay(t *testing.T) {
	doc := []byte(`
min_deposit: 200
enforce_withdrawal_hours: false
loto_round_length: 5m
`)
	r, err := ParseRules(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.MinDeposit.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected min deposit 200, got %s", r.MinDeposit)
	}
	if r.EnforceWithdrawalHours {
		t.Error("expected withdrawal hours to be disabled")
	}
	if r.LotoRoundLength != 5*time.Minute {
		t.Errorf("expected 5m round, got %s", r.LotoRoundLength)
	}
	// Untouched keys keep defaults.
	if !r.MinWithdrawal.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected default min withdrawal 300, got %s", r.MinWithdrawal)
	}
	if r.LotoAutoResultDelay != 2*time.Minute {
		t.Errorf("expected default auto-result delay, got %s", r.LotoAutoResultDelay)
	}
}

func TestParseRules_Invalid(t *testing.T) {
	for _, doc := range []string{
		"loto_round_length: 0s",
		"min_deposit: -1",
		"settlement_chunk_size: 0",
		"min_deposit: [",
	} {
		if _, err := ParseRules([]byte(doc)); err == nil {
			t.Errorf("%q: expected error", doc)
		}
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("RULES_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Errorf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.ReconcileInterval)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("CACHE_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for malformed CACHE_TTL")
	}
}

func TestRules_Location(t *testing.T) {
	loc := DefaultRules().Location()
	_, offset := time.Date(2025, 8, 11, 0, 0, 0, 0, loc).Zone()
	if offset != 19800 {
		t.Errorf("expected +05:30, got %d", offset)
	}
}
