package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOCK_WAIT_MS", "")
	t.Setenv("EVENT_SINK", "")

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("expected default address :8080, got %q", cfg.Address())
	}
	if cfg.LockWaitMillis != 250 || cfg.MaxLineageDepth != 50 {
		t.Fatalf("unexpected lock/lineage defaults %d/%d", cfg.LockWaitMillis, cfg.MaxLineageDepth)
	}
	if cfg.BillNumberPrefix != "BILL" {
		t.Fatalf("expected BILL prefix, got %q", cfg.BillNumberPrefix)
	}
}

func TestLoadParsesEnvironment(t *testing.T) {
	t.Setenv("LOCK_WAIT_MS", "-5")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")
	t.Setenv("EVENT_SINK", "Kafka")
	t.Setenv("BILL_NUMBER_PREFIX", "inv")
	t.Setenv("METRICS_ENABLED", "false")

	cfg := Load()
	if cfg.LockWaitMillis != 250 {
		t.Fatalf("expected invalid lock wait to fall back to 250, got %d", cfg.LockWaitMillis)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.EventSink != "kafka" || cfg.BillNumberPrefix != "INV" {
		t.Fatalf("unexpected sink/prefix %q/%q", cfg.EventSink, cfg.BillNumberPrefix)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("expected metrics disabled")
	}
}
