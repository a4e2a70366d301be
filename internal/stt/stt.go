// Package stt turns voice notes into text. Providers share one contract:
// bytes in, transcript out, over HTTP multipart.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrMissingAPIKey marks auth failures the user can fix by configuring a key.
var ErrMissingAPIKey = errors.New("stt: api key missing or rejected")

// Transcriber converts recorded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mimeType, fileName string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "openai" or "elevenlabs"
	APIKey   string
	Endpoint string // optional override
	Model    string // optional override
}

// New builds a Transcriber for cfg. An unknown provider is an error;
// a missing key is not, it surfaces on first use so startup stays clean.
func New(cfg Config) (Transcriber, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "https://api.openai.com/v1/audio/transcriptions"
		}
		model := cfg.Model
		if model == "" {
			model = "whisper-1"
		}
		return &openAI{apiKey: cfg.APIKey, endpoint: endpoint, model: model, http: client}, nil
	case "elevenlabs":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "https://api.elevenlabs.io/v1/speech-to-text"
		}
		model := cfg.Model
		if model == "" {
			model = "scribe_v1"
		}
		return &elevenLabs{apiKey: cfg.APIKey, endpoint: endpoint, model: model, http: client}, nil
	default:
		return nil, fmt.Errorf("stt: unknown provider %q", cfg.Provider)
	}
}

type openAI struct {
	apiKey   string
	endpoint string
	model    string
	http     *http.Client
}

func (o *openAI) Transcribe(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	if o.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	body, contentType, err := multipartAudio(data, fileName, map[string]string{"model": o.model})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: openai request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrMissingAPIKey
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("stt: openai status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("stt: openai response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

type elevenLabs struct {
	apiKey   string
	endpoint string
	model    string
	http     *http.Client
}

func (e *elevenLabs) Transcribe(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	if e.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	body, contentType, err := multipartAudio(data, fileName, map[string]string{"model_id": e.model})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: elevenlabs request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrMissingAPIKey
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("stt: elevenlabs status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("stt: elevenlabs response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func multipartAudio(data []byte, fileName string, fields map[string]string) (*bytes.Buffer, string, error) {
	if fileName == "" {
		fileName = "audio.ogg"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
