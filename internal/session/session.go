// Package session maps chat keys to agent session files and creates new
// session files on demand. A session file is an append-only JSONL
// conversation whose first line is a version-1 header record.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/rho-bridge/internal/fsio"
	"github.com/basket/rho-bridge/internal/inbound"
)

// Key computes the session key for an envelope: "dm:<chatId>" for private
// chats, "group:<chatId>" otherwise, with a ":topic:<threadId>" suffix when a
// forum topic applies.
func Key(env *inbound.Envelope) string {
	var key string
	if env.IsPrivate() {
		key = fmt.Sprintf("dm:%d", env.ChatID)
	} else {
		key = fmt.Sprintf("group:%d", env.ChatID)
	}
	if env.MessageThreadID != 0 {
		key = fmt.Sprintf("%s:topic:%d", key, env.MessageThreadID)
	}
	return key
}

type header struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	ID        string `json:"id"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
}

// Resolution is the result of ResolveFile.
type Resolution struct {
	SessionKey  string
	SessionFile string
	Created     bool
}

// Map is the persistent chat-key → session-file mapping.
type Map struct {
	path        string // session-map.json
	sessionsDir string // directory new session files are created in
	cwd         string // recorded in session headers

	entries map[string]string
}

// NewMap loads (or initializes) the mapping at path. Session files are
// created under sessionsDir/<safeCwd>, grouping them by working directory.
func NewMap(path, sessionsDir, cwd string) *Map {
	m := &Map{
		path:        path,
		sessionsDir: filepath.Join(sessionsDir, SafeCwdSegment(cwd)),
		cwd:         cwd,
		entries:     map[string]string{},
	}
	var entries map[string]string
	if err := fsio.ReadJSON(path, &entries); err == nil && entries != nil {
		m.entries = entries
	}
	return m
}

// Lookup returns the mapped session file for key, if any.
func (m *Map) Lookup(key string) (string, bool) {
	file, ok := m.entries[key]
	return file, ok
}

// ResolveFile returns the session file for the envelope's key, reusing the
// mapped file when it still exists on disk and creating a fresh one otherwise.
func (m *Map) ResolveFile(env *inbound.Envelope) (Resolution, error) {
	key := Key(env)
	if file, ok := m.entries[key]; ok {
		if _, err := os.Stat(file); err == nil {
			return Resolution{SessionKey: key, SessionFile: file}, nil
		}
	}
	file, err := m.createSessionFile()
	if err != nil {
		return Resolution{}, err
	}
	m.entries[key] = file
	if err := m.persist(); err != nil {
		return Resolution{}, err
	}
	return Resolution{SessionKey: key, SessionFile: file, Created: true}, nil
}

// ResetFile unconditionally creates a new session file for the envelope's key
// and remaps it, returning the previous file path (empty when none).
func (m *Map) ResetFile(env *inbound.Envelope) (Resolution, string, error) {
	key := Key(env)
	previous := m.entries[key]
	file, err := m.createSessionFile()
	if err != nil {
		return Resolution{}, "", err
	}
	m.entries[key] = file
	if err := m.persist(); err != nil {
		return Resolution{}, "", err
	}
	return Resolution{SessionKey: key, SessionFile: file, Created: true}, previous, nil
}

func (m *Map) persist() error {
	return fsio.WriteJSON(m.path, m.entries)
}

// createSessionFile writes a fresh session JSONL with its header record.
// File names carry the creation timestamp and a UUID for uniqueness.
func (m *Map) createSessionFile() (string, error) {
	if err := fsio.EnsureDir(m.sessionsDir); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	name := fmt.Sprintf("%s_%s.jsonl", now.Format("2006-01-02T15-04-05"), id)
	path := filepath.Join(m.sessionsDir, name)

	h := header{
		Type:      "session",
		Version:   1,
		ID:        id,
		Cwd:       m.cwd,
		Timestamp: now.Format(time.RFC3339),
	}
	line, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	if err := fsio.WriteText(path, string(line)+"\n"); err != nil {
		return "", fmt.Errorf("write session header: %w", err)
	}
	return path, nil
}

// SafeCwdSegment converts a working directory into the path-safe directory
// name session files are grouped under.
func SafeCwdSegment(cwd string) string {
	s := strings.TrimPrefix(cwd, string(filepath.Separator))
	s = strings.ReplaceAll(s, string(filepath.Separator), "-")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		s = "root"
	}
	return s
}
