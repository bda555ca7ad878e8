package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestLoad_DefaultsFilled(t *testing.T) {
	cfg, err := Load(writeConfig(t, "anthropic:\n  api_key: sk-test\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 6 {
		t.Errorf("max_iterations = %d, want 6", cfg.Agent.MaxIterations)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Tools.Timeout != 30*time.Second {
		t.Errorf("tools.timeout = %v, want 30s", cfg.Tools.Timeout)
	}
}

func TestLoad_ParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, "agent:\n  model_timeout: 45s\ntools:\n  timeout: 5s\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.ModelTimeout != 45*time.Second {
		t.Errorf("model_timeout = %v, want 45s", cfg.Agent.ModelTimeout)
	}
	if cfg.Tools.Timeout != 5*time.Second {
		t.Errorf("tools.timeout = %v, want 5s", cfg.Tools.Timeout)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("ANALYST_TEST_TOKEN", "ya29.secret")
	cfg, err := Load(writeConfig(t, "search_console:\n  access_token: ${ANALYST_TEST_TOKEN}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SearchConsole.AccessToken != "ya29.secret" {
		t.Errorf("access_token = %q, want %q", cfg.SearchConsole.AccessToken, "ya29.secret")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANALYST_LISTEN_PORT", "9191")
	t.Setenv("ANALYST_ANTHROPIC_API_KEY", "sk-from-env")
	t.Setenv("ANALYST_DATABASE_DRIVER", "postgres")
	t.Setenv("ANALYST_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "listen:\n  port: 8000\nanthropic:\n  api_key: sk-from-file\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Listen.Port)
	}
	if cfg.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want sk-from-env", cfg.Anthropic.APIKey)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("default config without key or operators should not validate")
	}
	for _, want := range []string{"api_key", "operator"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	cfg.Anthropic.APIKey = "sk-test"
	cfg.Operators = []OperatorConfig{{Name: "ops", TokenHash: "$2a$10$abc", Clients: []string{"*"}}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	cfg.Database.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Error("unsupported driver should not validate")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_RendersTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "payload")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q missing level=TRACE", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, LevelTrace, "json").Log(t.Context(), LevelTrace, "payload")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("json output %q missing TRACE level", buf.String())
	}
}

func TestValidate_LogFormat(t *testing.T) {
	cfg := Default()
	cfg.Anthropic.APIKey = "sk-test"
	cfg.Operators = []OperatorConfig{{Name: "ops", TokenHash: "$2a$10$abc", Clients: []string{"*"}}}
	cfg.LogFormat = "xml"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "log_format") {
		t.Errorf("Validate() = %v, want log_format error", err)
	}
}
