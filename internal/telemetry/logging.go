// Package telemetry builds the worker's structured logger: JSON lines into a
// size-rotated log.jsonl, secret redaction on keys and values, stdout echo
// unless quiet.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing substrings in log values.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot tokens: numeric id, colon, 30+ char secret.
	regexp.MustCompile(`\b\d{6,}:[A-Za-z0-9_\-]{30,}\b`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Options configures NewLogger.
type Options struct {
	Path     string // log file path, e.g. <home>/log.jsonl
	Level    string
	Quiet    bool // no stdout echo (non-TTY or subcommand)
	MaxBytes int64
	MaxFiles int
}

// NewLogger opens the rotating log file and returns a redacting JSON logger.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	rw, err := newRotatingWriter(opts.Path, opts.MaxBytes, opts.MaxFiles)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = rw
	if !opts.Quiet {
		w = io.MultiWriter(os.Stdout, rw)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(opts.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, redactedPlaceholder)
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, changed := redactValue(a.Value.String()); changed {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler).With("component", "telegram-worker"), rw, nil
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactValue(v string) (string, bool) {
	result := v
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result, result != v
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
