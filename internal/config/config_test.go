package config

import (
	"testing"
	"time"
)

func TestLoadWorkerConfigDefaults(t *testing.T) {
	cfg, err := LoadWorkerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.KafkaTopic != "booking-requests" {
		t.Fatalf("KafkaTopic = %q", cfg.KafkaTopic)
	}
	if cfg.AuditTopic != "booking-events" {
		t.Fatalf("AuditTopic = %q", cfg.AuditTopic)
	}
	if cfg.KafkaGroup != "ride-booking-worker" {
		t.Fatalf("KafkaGroup = %q", cfg.KafkaGroup)
	}
	if len(cfg.KafkaBrokers) == 0 {
		t.Fatal("KafkaBrokers empty")
	}
}

func TestLoadWorkerConfigEnvOverrides(t *testing.T) {
	t.Setenv("AUDIT_TOPIC", "booking-audit")
	t.Setenv("PUSH_ENDPOINT", "https://push.example.com/send")
	t.Setenv("PUSH_KEY", "pk-1")
	t.Setenv("ASSIGN_RETRY_BACKOFF", "75ms")

	cfg, err := LoadWorkerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuditTopic != "booking-audit" {
		t.Fatalf("AuditTopic = %q", cfg.AuditTopic)
	}
	if cfg.PushEndpoint != "https://push.example.com/send" {
		t.Fatalf("PushEndpoint = %q", cfg.PushEndpoint)
	}
	if cfg.PushKey != "pk-1" {
		t.Fatalf("PushKey = %q", cfg.PushKey)
	}
	if cfg.AssignRetryBackoff != 75*time.Millisecond {
		t.Fatalf("AssignRetryBackoff = %s", cfg.AssignRetryBackoff)
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected validation error for missing JWT_SECRET and REDIS_ADDR")
	}

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_BACKEND", "memory")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("StoreBackend = %q", cfg.StoreBackend)
	}
}
