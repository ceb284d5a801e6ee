package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pantry.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: "0123456789abcdef"
channels:
  relay:
    enabled: true
    bots:
      - token: "123:abc"
        chat_id: "-100"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown_timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if len(cfg.Server.TrustedProxies) != 0 {
		t.Errorf("trusted_proxies = %v, want none", cfg.Server.TrustedProxies)
	}
	if cfg.Upload.DefaultChannel != ChannelRelay {
		t.Errorf("default_channel = %q", cfg.Upload.DefaultChannel)
	}
	if cfg.Upload.ShortIDAttempts != 10 || cfg.Upload.MaxFolderDepth != 3 {
		t.Errorf("upload = %+v", cfg.Upload)
	}
	if cfg.Channels.Relay.APIURL != "https://api.telegram.org" {
		t.Errorf("relay api_url = %q", cfg.Channels.Relay.APIURL)
	}
	if !cfg.ChannelEnabled(ChannelExternal) || cfg.ChannelEnabled(ChannelS3) {
		t.Error("unexpected channel enablement")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: "0123456789abcdef"
upload:
  default_channel: external
`)
	t.Setenv("PANTRY_LOGGING_LEVEL", "debug")
	t.Setenv("PANTRY_QUOTA_DEFAULT_TOTAL", "1048576")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Quota.DefaultTotal != 1048576 {
		t.Errorf("default_total = %d", cfg.Quota.DefaultTotal)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing secret",
			yaml: "upload:\n  default_channel: external\n",
			want: "JWTSecret",
		},
		{
			name: "default channel disabled",
			yaml: "auth:\n  jwt_secret: \"0123456789abcdef\"\nupload:\n  default_channel: s3\n",
			want: "not enabled",
		},
		{
			name: "s3 without endpoints",
			yaml: "auth:\n  jwt_secret: \"0123456789abcdef\"\nupload:\n  default_channel: external\nchannels:\n  s3:\n    enabled: true\n",
			want: "at least one endpoint",
		},
		{
			name: "trusted proxy not an address",
			yaml: "auth:\n  jwt_secret: \"0123456789abcdef\"\nupload:\n  default_channel: external\nserver:\n  trusted_proxies: [\"10.0.0.0/8\", \"proxy.local\"]\n",
			want: "TrustedProxies[1]",
		},
		{
			name: "unknown moderation provider",
			yaml: "auth:\n  jwt_secret: \"0123456789abcdef\"\nupload:\n  default_channel: external\nmoderation:\n  provider: magic\n",
			want: "Provider",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
