package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Rcon.Port != DefaultRconPort || cfg.Rcon.RelayPort != DefaultRelayPort {
		t.Errorf("ports = %d/%d, want %d/%d", cfg.Rcon.Port, cfg.Rcon.RelayPort, DefaultRconPort, DefaultRelayPort)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Errorf("default config not written: %v", err)
	}
	if !cfg.IsFirstRun() {
		t.Error("default config should need setup")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := `{"rcon": {"rcon_password": "hunter22", "port": 28000}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Rcon.Port != 28000 || cfg.Rcon.Password != "hunter22" {
		t.Errorf("overlay lost: %+v", cfg.Rcon)
	}
	if cfg.Rcon.MaxCommandSize != DefaultMaxCommandSize {
		t.Errorf("max_command_size = %d, want default %d", cfg.Rcon.MaxCommandSize, DefaultMaxCommandSize)
	}

	saved, err := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(saved), `"max_queued_messages"`) {
		t.Error("re-saved config is missing default fields")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestUpdateRconField(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		key     string
		value   interface{}
		wantErr bool
		check   func(RconConfig) bool
	}{
		{"port", "28015", false, func(r RconConfig) bool { return r.Port == 28015 }},
		{"rcon_password", "12345678", false, func(r RconConfig) bool { return r.Password == "12345678" }},
		{"whitelist", `["10.0.0.0/8"]`, false, func(r RconConfig) bool { return len(r.Whitelist) == 1 }},
		{"max_failures", 3, false, func(r RconConfig) bool { return r.MaxFailures == 3 }},
		{"port", "not a number", true, nil},
		{"no_such_field", "1", true, nil},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			err := cfg.UpdateRconField(tc.key, tc.value)
			if (err != nil) != tc.wantErr {
				t.Fatalf("UpdateRconField(%q, %v) error = %v, wantErr %v", tc.key, tc.value, err, tc.wantErr)
			}
			if tc.check != nil && !tc.check(cfg.GetRcon()) {
				t.Errorf("field %s not applied: %+v", tc.key, cfg.GetRcon())
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Rcon.Password = "correct horse"
		cfg.ApplicationData.API.Token = "token"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing password", func(c *Config) { c.Rcon.Password = "" }, "rcon.rcon_password"},
		{"bad port", func(c *Config) { c.Rcon.Port = 70000 }, "rcon.port"},
		{"bad whitelist", func(c *Config) { c.Rcon.Whitelist = []string{"nope"} }, "rcon.whitelist"},
		{"api port clash", func(c *Config) { c.ApplicationData.API.Port = c.Rcon.Port }, "application_data.api.port"},
		{"mqtt without broker", func(c *Config) { c.ApplicationData.MQTT.Enabled = true }, "application_data.mqtt.broker_url"},
		{"tiny frames", func(c *Config) { c.Rcon.MaxCommandSize = 4 }, "rcon.max_command_size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			result := Validate(cfg)
			if tc.field == "" {
				if !result.IsValid() {
					t.Fatalf("unexpected errors: %v", result.Errors)
				}
				return
			}
			for _, e := range result.Errors {
				if e.Field == tc.field {
					return
				}
			}
			t.Errorf("no error for %s, got %v", tc.field, result.Errors)
		})
	}
}

func TestRconConversions(t *testing.T) {
	r := DefaultConfig().Rcon
	r.Whitelist = []string{"127.0.0.1"}

	ft := r.FailureTracking()
	if ft.MaxFailures != 10 || ft.MinFailures != 5 || ft.MinFailureWindow != 30*time.Second {
		t.Errorf("FailureTracking = %+v", ft)
	}
	if len(ft.Whitelist) != 1 {
		t.Errorf("whitelist = %v", ft.Whitelist)
	}
	if got := r.BanPenalty(); got != 30*time.Minute {
		t.Errorf("BanPenalty = %s, want 30m", got)
	}
	if got := r.TickInterval(); got != 50*time.Millisecond {
		t.Errorf("TickInterval = %s, want 50ms", got)
	}
	if r.RelayAddr() != "" {
		t.Errorf("RelayAddr = %q, want empty", r.RelayAddr())
	}
	r.RelayAddress = "10.0.0.2"
	if r.RelayAddr() != "10.0.0.2:27016" {
		t.Errorf("RelayAddr = %q", r.RelayAddr())
	}
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	answers := strings.Join([]string{
		"s3cret-pass", // password
		"",            // listen address
		"28015",       // port
		"",            // relay
		"",            // max failures
		"60",          // ban minutes
		"yes",         // api
		"",            // api port
		"no",          // mqtt
	}, "\n") + "\n"

	if err := RunSetupWizard(cfg, strings.NewReader(answers)); err != nil {
		t.Fatalf("RunSetupWizard: %v", err)
	}
	r := cfg.GetRcon()
	if r.Password != "s3cret-pass" || r.Port != 28015 || r.BanPenaltyMin != 60 {
		t.Errorf("rcon = %+v", r)
	}
	if cfg.GetApplicationData().API.Token == "" {
		t.Error("api token was not generated")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Errorf("config not saved: %v", err)
	}
}
