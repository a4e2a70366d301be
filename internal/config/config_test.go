package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSettings(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "settings.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("RHO_TELEGRAM_DISABLE", "")
	t.Setenv("RHO_SUBAGENT", "")

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Mode != "polling" {
		t.Fatalf("mode = %q", s.Mode)
	}
	if s.PollTimeoutSeconds != 30 || s.RPCPromptTimeoutSeconds != 60 {
		t.Fatalf("timeouts = %d/%d", s.PollTimeoutSeconds, s.RPCPromptTimeoutSeconds)
	}
	if s.LockRefreshMs != 15000 || s.LockStaleMs != 90000 {
		t.Fatalf("lock = %d/%d", s.LockRefreshMs, s.LockStaleMs)
	}
	if s.LogMaxBytes != 5*1024*1024 || s.LogMaxFiles != 5 {
		t.Fatalf("log rotation = %d/%d", s.LogMaxBytes, s.LogMaxFiles)
	}
	if err := s.Validate(); err == nil {
		t.Fatal("validate passed without a token")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, `
mode = "polling"
bot_username = "from_file"
poll_timeout_seconds = 10

[stt]
provider = "elevenlabs"
`)
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_BOT_USERNAME", "from_env")
	t.Setenv("RHO_TELEGRAM_WORKER_LOCK_STALE_MS", "120000")
	t.Setenv("ELEVENLABS_API_KEY", "el-key")
	t.Setenv("RHO_TELEGRAM_DISABLE", "")
	t.Setenv("RHO_SUBAGENT", "")

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.BotToken != "123:abc" {
		t.Fatalf("token = %q", s.BotToken)
	}
	if s.BotUsername != "from_env" {
		t.Fatalf("username = %q, env should win", s.BotUsername)
	}
	if s.PollTimeoutSeconds != 10 {
		t.Fatalf("poll timeout = %d", s.PollTimeoutSeconds)
	}
	if s.LockStaleMs != 120000 {
		t.Fatalf("stale = %d", s.LockStaleMs)
	}
	if s.STT.Provider != "elevenlabs" || s.STT.APIKey != "el-key" {
		t.Fatalf("stt = %+v", s.STT)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDisableEnvBlocksStartup(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("RHO_TELEGRAM_DISABLE", "1")

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !s.Disabled {
		t.Fatal("disable flag ignored")
	}
	if err := s.Validate(); err == nil {
		t.Fatal("validate passed while disabled")
	}
}

func TestLoadOperator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	op, err := LoadOperator(path)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if op.HasChat(1) || op.HasUser(1) {
		t.Fatal("empty operator config allows ids")
	}

	os.WriteFile(path, []byte(`{"allowedChatIds":[100],"allowedUserIds":[1,2]}`), 0o644)
	op, err = LoadOperator(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !op.HasChat(100) || !op.HasUser(2) || op.HasUser(3) {
		t.Fatalf("operator = %+v", op)
	}
}

func TestLoadOperatorRejectsInvalidShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"allowedChatIds":["not-a-number"]}`), 0o644)
	if _, err := LoadOperator(path); err == nil {
		t.Fatal("schema violation accepted")
	}
}

func TestGrantAndSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	op := &Operator{}
	op.Grant(100, 999)
	op.Grant(100, 999) // duplicate ignored
	if err := SaveOperator(path, op); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadOperator(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got.AllowedChatIDs) != 1 || len(got.AllowedUserIDs) != 1 {
		t.Fatalf("operator = %+v", got)
	}
	if !got.HasChat(100) || !got.HasUser(999) {
		t.Fatalf("operator = %+v", got)
	}
}
