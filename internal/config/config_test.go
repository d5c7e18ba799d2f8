package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Store != StorePostgres || cfg.EventBus != BusNone {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.DefaultPageSize != 20 || cfg.MaxPageSize != 100 || cfg.MatchRadiusKm != 5 {
		t.Errorf("query defaults = %d/%d/%v", cfg.DefaultPageSize, cfg.MaxPageSize, cfg.MatchRadiusKm)
	}
	if cfg.AMQPExchange != "rides" || cfg.RedisRideTTL != 24*time.Hour {
		t.Errorf("bus/cache defaults = %q %v", cfg.AMQPExchange, cfg.RedisRideTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE", "MEMORY")
	t.Setenv("EVENT_BUS", "kafka")
	t.Setenv("KAFKA_BROKERS", " k1:9092 , ,k2:9092")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("MAX_PAGE_SIZE", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store != StoreMemory || cfg.EventBus != BusKafka {
		t.Errorf("store/bus = %q/%q", cfg.Store, cfg.EventBus)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.ReadTimeout != 2*time.Second || cfg.RunMigrations || cfg.MaxPageSize != 50 {
		t.Errorf("overrides = %+v", cfg)
	}
}

func TestLoadReportsAllErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE", "sqlite")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("DEFAULT_PAGE_SIZE", "200")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"JWT_SECRET", "STORE", "HTTP_READ_TIMEOUT", "DEFAULT_PAGE_SIZE"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}
