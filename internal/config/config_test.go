package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IM_CONFIG_FILE", "/nonexistent/config.yml")
	cfg := Load()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.SignalQueueTTLSeconds != 60 || cfg.SignalReadRetentionSeconds != 10 || cfg.SignalQueueCap != 256 {
		t.Fatalf("signal queue defaults wrong: ttl=%d retention=%d cap=%d",
			cfg.SignalQueueTTLSeconds, cfg.SignalReadRetentionSeconds, cfg.SignalQueueCap)
	}
	if cfg.PollIntervalActiveMS != 500 || cfg.PollIntervalIdleMS != 2000 {
		t.Fatalf("poll interval defaults wrong: active=%d idle=%d", cfg.PollIntervalActiveMS, cfg.PollIntervalIdleMS)
	}
	if cfg.PushMaxReconnectAttempts != 5 || cfg.CallRingTimeoutSeconds != 60 {
		t.Fatalf("client defaults wrong: attempts=%d ringTimeout=%d", cfg.PushMaxReconnectAttempts, cfg.CallRingTimeoutSeconds)
	}
	if cfg.MessageDB != "mysql" {
		t.Fatalf("MessageDB default = %q", cfg.MessageDB)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IM_CONFIG_FILE", "/nonexistent/config.yml")
	t.Setenv("IM_LISTEN_ADDR", ":9000")
	t.Setenv("IM_SIGNAL_QUEUE_TTL_SECONDS", "120")
	t.Setenv("IM_CALL_RING_TIMEOUT_SECONDS", "0")
	t.Setenv("IM_ENABLE_METRICS", "false")
	t.Setenv("IM_WEBRTC_STUN_SERVERS", "stun:a.example.com:3478, stun:b.example.com:3478")

	cfg := Load()
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.SignalQueueTTLSeconds != 120 {
		t.Fatalf("SignalQueueTTLSeconds = %d", cfg.SignalQueueTTLSeconds)
	}
	if cfg.CallRingTimeoutSeconds != 0 {
		t.Fatalf("CallRingTimeoutSeconds = %d, want 0 (timeout disabled)", cfg.CallRingTimeoutSeconds)
	}
	if cfg.EnableMetrics {
		t.Fatalf("EnableMetrics not overridden")
	}
	if len(cfg.WebRTCSTUNServers) != 2 || cfg.WebRTCSTUNServers[1] != "stun:b.example.com:3478" {
		t.Fatalf("stun list = %v", cfg.WebRTCSTUNServers)
	}
}
