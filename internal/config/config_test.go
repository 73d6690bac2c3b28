package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BaseBitrate != 192 || cfg.MinBitrate != 128 || cfg.BitrateStep != 8 {
		t.Fatalf("unexpected bitrate defaults: %+v", cfg)
	}
	if cfg.FreeListeners != 5 {
		t.Fatalf("unexpected free listener default: %d", cfg.FreeListeners)
	}
	if cfg.MPVPipePath == "" {
		t.Fatal("expected a default mpv pipe path")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("CLUBCAST_HTTP_PORT", "9090")
	t.Setenv("CLUBCAST_MPV_BIN", "/opt/mpv/mpv")
	t.Setenv("CLUBCAST_BASE_BITRATE", "256")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("unexpected port: %d", cfg.HTTPPort)
	}
	if cfg.MPVBin != "/opt/mpv/mpv" {
		t.Fatalf("unexpected mpv bin: %q", cfg.MPVBin)
	}
	if cfg.BaseBitrate != 256 {
		t.Fatalf("unexpected base bitrate: %d", cfg.BaseBitrate)
	}
}

func TestLoadRejectsInvalidBitrateBounds(t *testing.T) {
	t.Setenv("CLUBCAST_BASE_BITRATE", "96")
	t.Setenv("CLUBCAST_MIN_BITRATE", "128")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail when base bitrate is below the floor")
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("CLUBCAST_HTTP_PORT", "70000")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail on out-of-range port")
	}
}
