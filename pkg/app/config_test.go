package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
vendors:
  stt:
    provider: assemblyai
    settings:
      api_key: test-key
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" || cfg.LogFormat != "json" {
		t.Fatalf("ambient defaults not applied: %+v", cfg)
	}
	if cfg.Relay.SampleRate != 8000 || cfg.Relay.ConnectTimeoutMS != 10000 {
		t.Fatalf("relay defaults not applied: %+v", cfg.Relay)
	}
	if cfg.Relay.Filter.DedupWindowMS != 30000 || cfg.Relay.Filter.HistorySize != 10 {
		t.Fatalf("filter defaults not applied: %+v", cfg.Relay.Filter)
	}
	if cfg.Relay.Session.ResolveMaxAttempts != 10 || cfg.Relay.Session.BufferLimit != 50 {
		t.Fatalf("session defaults not applied: %+v", cfg.Relay.Session)
	}
	if cfg.Relay.Suggest.CooldownMS != 15000 {
		t.Fatalf("suggestion defaults not applied: %+v", cfg.Relay.Suggest)
	}
	if cfg.Telephony.Provider != "twilio" || cfg.Store.Driver != "memory" || cfg.Notify.Provider != "none" {
		t.Fatalf("provider defaults not applied: %+v", cfg)
	}
	if ms(cfg.Relay.Suggest.CooldownMS) != 15*time.Second {
		t.Fatalf("millisecond conversion broken")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_RELAY_STT_KEY", "secret-from-env")
	t.Setenv("TEST_RELAY_DSN", "postgres://u:p@localhost/relay")
	cfg, err := LoadConfig(writeConfig(t, `
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_RELAY_STT_KEY}
store:
  driver: postgres
  dsn: ${TEST_RELAY_DSN}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "secret-from-env" {
		t.Fatalf("settings env not expanded: %v", got)
	}
	if cfg.Store.DSN != "postgres://u:p@localhost/relay" {
		t.Fatalf("dsn env not expanded: %q", cfg.Store.DSN)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing stt provider",
			content: "environment: production\n",
			wantErr: "vendors.stt.provider",
		},
		{
			name: "postgres without dsn",
			content: minimalConfig + `
store:
  driver: postgres
`,
			wantErr: "store.dsn",
		},
		{
			name: "unknown store driver",
			content: minimalConfig + `
store:
  driver: mongodb
`,
			wantErr: "store.driver",
		},
		{
			name: "bad track role",
			content: minimalConfig + `
relay:
  track_roles:
    inbound: operator
`,
			wantErr: "track_roles",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestTrackRolesMapping(t *testing.T) {
	roles := trackRoles(map[string]string{"inbound": "agent", "outbound": "customer"})
	if roles["inbound"] != "agent" || roles["outbound"] != "customer" {
		t.Fatalf("unexpected mapping: %v", roles)
	}
	if trackRoles(nil) != nil {
		t.Fatalf("empty input should map to nil")
	}
}
