// Package tts synthesizes speech for the /tts command via ElevenLabs.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMissingAPIKey marks auth failures the user can fix by configuring a key.
var ErrMissingAPIKey = errors.New("tts: api key missing or rejected")

// DefaultVoiceID is ElevenLabs' stock "Rachel" voice.
const DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

// Synthesizer renders text to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config configures the ElevenLabs client.
type Config struct {
	APIKey   string
	VoiceID  string
	ModelID  string
	Endpoint string // optional base URL override
}

type elevenLabs struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) Synthesizer {
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.elevenlabs.io"
	}
	return &elevenLabs{cfg: cfg, http: &http.Client{Timeout: 60 * time.Second}}
}

func (e *elevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if e.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	payload, err := json.Marshal(map[string]string{
		"text":          text,
		"model_id":      e.cfg.ModelID,
		"output_format": "mp3_44100_128",
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s", strings.TrimRight(e.cfg.Endpoint, "/"), e.cfg.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.cfg.APIKey)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrMissingAPIKey
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tts: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return io.ReadAll(resp.Body)
}
