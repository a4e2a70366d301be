// Package config loads worker settings from settings.toml, applies env
// overrides, and manages the operator allowlist document (config.json).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults applied by normalize.
const (
	DefaultPollTimeoutSeconds      = 30
	DefaultRPCPromptTimeoutSeconds = 60
	DefaultLockRefreshMs           = 15_000
	DefaultLockStaleMs             = 90_000
	DefaultLogMaxBytes             = 5 * 1024 * 1024
	DefaultLogMaxFiles             = 5
)

// AgentSettings describes the agent subprocess.
type AgentSettings struct {
	Command []string `toml:"command"`
	WorkDir string   `toml:"work_dir"`
}

// STTSettings selects the speech-to-text provider.
type STTSettings struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	Endpoint string `toml:"endpoint"`
	APIKey   string `toml:"-"`
}

// TTSSettings configures ElevenLabs synthesis for /tts.
type TTSSettings struct {
	VoiceID string `toml:"voice_id"`
	ModelID string `toml:"model_id"`
	APIKey  string `toml:"-"`
}

// MetricsSettings configures the optional OTel meter.
type MetricsSettings struct {
	Enabled  bool   `toml:"enabled"`
	Exporter string `toml:"exporter"` // "stdout" or "otlp"
	Endpoint string `toml:"endpoint"`
}

// Settings is the worker configuration from settings.toml plus env overrides.
type Settings struct {
	HomeDir     string `toml:"-"`
	SessionsDir string `toml:"sessions_dir"`

	Mode        string `toml:"mode"`
	Disabled    bool   `toml:"-"`
	BotTokenEnv string `toml:"bot_token_env"`
	BotToken    string `toml:"-"`
	BotUsername string `toml:"bot_username"`

	PollTimeoutSeconds      int    `toml:"poll_timeout_seconds"`
	RPCPromptTimeoutSeconds int    `toml:"rpc_prompt_timeout_seconds"`
	RequireMentionInGroups  bool   `toml:"require_mention_in_groups"`
	StrictAllowlists        bool   `toml:"strict_allowlists"`
	ThreadedTopics          bool   `toml:"threaded_topics"`
	TimestampTZ             string `toml:"timestamp_tz"`
	CheckSchedule           string `toml:"check_schedule"`

	LockRefreshMs int64 `toml:"lock_refresh_ms"`
	LockStaleMs   int64 `toml:"lock_stale_ms"`
	LogMaxBytes   int64 `toml:"log_max_bytes"`
	LogMaxFiles   int   `toml:"log_max_files"`

	Agent   AgentSettings   `toml:"agent"`
	STT     STTSettings     `toml:"stt"`
	TTS     TTSSettings     `toml:"tts"`
	Metrics MetricsSettings `toml:"metrics"`
}

// DefaultHome returns ~/.rho/telegram, honoring RHO_TELEGRAM_HOME.
func DefaultHome() string {
	if v := os.Getenv("RHO_TELEGRAM_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".rho", "telegram")
}

// SettingsPath returns the settings.toml path within homeDir.
func SettingsPath(homeDir string) string {
	return filepath.Join(homeDir, "settings.toml")
}

// Load reads settings.toml (a missing file yields defaults), applies env
// overrides, and normalizes defaults.
func Load(homeDir string) (*Settings, error) {
	s := &Settings{HomeDir: homeDir}
	path := SettingsPath(homeDir)
	if _, err := toml.DecodeFile(path, s); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.applyEnvOverrides()
	s.normalize()
	return s, nil
}

func (s *Settings) applyEnvOverrides() {
	if s.BotTokenEnv == "" {
		s.BotTokenEnv = "TELEGRAM_BOT_TOKEN"
	}
	s.BotToken = os.Getenv(s.BotTokenEnv)
	if v := os.Getenv("TELEGRAM_BOT_USERNAME"); v != "" {
		s.BotUsername = v
	}
	if envBool("RHO_TELEGRAM_DISABLE") || envBool("RHO_SUBAGENT") {
		s.Disabled = true
	}
	if v, ok := envInt64("RHO_TELEGRAM_WORKER_LOCK_REFRESH_MS"); ok {
		s.LockRefreshMs = v
	}
	if v, ok := envInt64("RHO_TELEGRAM_WORKER_LOCK_STALE_MS"); ok {
		s.LockStaleMs = v
	}
	if v, ok := envInt64("RHO_TELEGRAM_LOG_MAX_BYTES"); ok {
		s.LogMaxBytes = v
	}
	if v, ok := envInt64("RHO_TELEGRAM_LOG_MAX_FILES"); ok {
		s.LogMaxFiles = int(v)
	}
	if v := os.Getenv("TELEGRAM_TIMESTAMP_TZ"); v != "" {
		s.TimestampTZ = v
	}
	if v := os.Getenv("RHO_AGENT_SESSIONS_DIR"); v != "" {
		s.SessionsDir = v
	}
	s.TTS.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	if v := os.Getenv("ELEVENLABS_TTS_VOICE_ID"); v != "" {
		s.TTS.VoiceID = v
	}
	switch strings.ToLower(s.STT.Provider) {
	case "openai":
		s.STT.APIKey = os.Getenv("OPENAI_API_KEY")
	default:
		s.STT.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	}
}

func (s *Settings) normalize() {
	if s.Mode == "" {
		s.Mode = "polling"
	}
	if s.PollTimeoutSeconds <= 0 {
		s.PollTimeoutSeconds = DefaultPollTimeoutSeconds
	}
	if s.RPCPromptTimeoutSeconds <= 0 {
		s.RPCPromptTimeoutSeconds = DefaultRPCPromptTimeoutSeconds
	}
	if s.LockRefreshMs <= 0 {
		s.LockRefreshMs = DefaultLockRefreshMs
	}
	if s.LockStaleMs <= 0 {
		s.LockStaleMs = DefaultLockStaleMs
	}
	if s.LogMaxBytes <= 0 {
		s.LogMaxBytes = DefaultLogMaxBytes
	}
	if s.LogMaxFiles <= 0 {
		s.LogMaxFiles = DefaultLogMaxFiles
	}
	if s.STT.Provider == "" {
		s.STT.Provider = "openai"
	}
	if s.SessionsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		s.SessionsDir = filepath.Join(home, ".pi", "agent", "sessions")
	}
	if s.Agent.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			s.Agent.WorkDir = wd
		}
	}
	if len(s.Agent.Command) == 0 {
		s.Agent.Command = []string{"rho"}
	}
}

// Validate reports whether the worker may start.
func (s *Settings) Validate() error {
	if s.Disabled {
		return fmt.Errorf("telegram bridge is disabled by environment")
	}
	if s.Mode != "polling" {
		return fmt.Errorf("unsupported mode %q (only polling)", s.Mode)
	}
	if s.BotToken == "" {
		return fmt.Errorf("bot token missing: set %s", s.BotTokenEnv)
	}
	return nil
}

// Path returns a file path inside the bridge home.
func (s *Settings) Path(name string) string {
	return filepath.Join(s.HomeDir, name)
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes"
}

func envInt64(name string) (int64, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
