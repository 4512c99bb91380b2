package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "MATCH_INTERVAL", "NOTIFY_RETRY_AFTER", "KAFKA_BROKERS", "PG_DSN", "MIGRATE"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MatchInterval != time.Second || cfg.NotifyRetryAfter != time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.KafkaBrokers != nil || cfg.RunMigrations {
		t.Fatalf("kafka and migrations must be off by default, got %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("MATCH_INTERVAL", "250ms")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MatchInterval != 250*time.Millisecond || len(cfg.KafkaBrokers) != 2 || !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("NOTIFY_RETRY_AFTER", "0s")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "NOTIFY_RETRY_AFTER"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err)
		}
	}
}

func TestLoadConsumerConfigValidates(t *testing.T) {
	t.Setenv("CONSUMER_MAX_RETRIES", "0")
	if _, err := LoadConsumerConfig(); err == nil || !strings.Contains(err.Error(), "CONSUMER_MAX_RETRIES") {
		t.Fatalf("expected retries error, got %v", err)
	}
}
