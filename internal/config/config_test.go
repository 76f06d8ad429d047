package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("store driver = %q, want sqlite", cfg.StoreDriver)
	}
	if cfg.ScanInterval != 2*time.Second {
		t.Errorf("scan interval = %v", cfg.ScanInterval)
	}
	if cfg.RequestSpacing != 3*time.Second {
		t.Errorf("request spacing = %v", cfg.RequestSpacing)
	}
	if cfg.JitterMin != 500*time.Millisecond || cfg.JitterMax != 1500*time.Millisecond {
		t.Errorf("jitter = [%v, %v]", cfg.JitterMin, cfg.JitterMax)
	}
	if cfg.DefaultPollInterval != 5*time.Second || cfg.DefaultMaxAttempts != 60 {
		t.Errorf("sniper defaults = %v/%d", cfg.DefaultPollInterval, cfg.DefaultMaxAttempts)
	}
	if cfg.DefaultSlackMinutes != 60 {
		t.Errorf("default slack = %d", cfg.DefaultSlackMinutes)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("SCAN_INTERVAL", "10s")
	t.Setenv("REQUEST_SPACING", "1s")
	t.Setenv("DEFAULT_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != "postgres" {
		t.Errorf("store driver = %q", cfg.StoreDriver)
	}
	if cfg.ScanInterval != 10*time.Second {
		t.Errorf("scan interval = %v", cfg.ScanInterval)
	}
	if cfg.RequestSpacing != time.Second {
		t.Errorf("request spacing = %v", cfg.RequestSpacing)
	}
	if cfg.DefaultMaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.DefaultMaxAttempts)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"STORE_DRIVER":       "mysql",
		"SCAN_INTERVAL":      "sometimes",
		"SCAN_BATCH_SIZE":    "0",
		"REQUEST_JITTER_MAX": "100ms", // below default minimum
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%q accepted, want error", key, val)
			} else if !strings.Contains(err.Error(), key) {
				t.Errorf("error %q does not name %s", err, key)
			}
		})
	}
}

func TestRequireResyCredentials(t *testing.T) {
	cfg := Config{ResyAPIKey: "k"}
	if err := cfg.RequireResyCredentials(); err == nil {
		t.Error("missing auth token accepted")
	}
	cfg.ResyAuthToken = "t"
	if err := cfg.RequireResyCredentials(); err != nil {
		t.Errorf("complete credentials rejected: %v", err)
	}
}
