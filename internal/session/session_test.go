package session_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/rho-bridge/internal/inbound"
	"github.com/basket/rho-bridge/internal/session"
)

func TestKey(t *testing.T) {
	cases := []struct {
		name string
		env  inbound.Envelope
		want string
	}{
		{"private", inbound.Envelope{ChatID: 100, ChatType: inbound.ChatPrivate}, "dm:100"},
		{"group", inbound.Envelope{ChatID: -200, ChatType: inbound.ChatSupergroup}, "group:-200"},
		{"topic", inbound.Envelope{ChatID: -200, ChatType: inbound.ChatSupergroup, MessageThreadID: 7}, "group:-200:topic:7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := session.Key(&tc.env); got != tc.want {
				t.Fatalf("key = %q, want %q", got, tc.want)
			}
		})
	}
}

func newMap(t *testing.T) (*session.Map, string) {
	t.Helper()
	dir := t.TempDir()
	m := session.NewMap(filepath.Join(dir, "session-map.json"), filepath.Join(dir, "sessions"), "/work/rho")
	return m, dir
}

func TestResolveFile_CreatesAndReuses(t *testing.T) {
	m, _ := newMap(t)
	env := &inbound.Envelope{ChatID: 100, ChatType: inbound.ChatPrivate, Text: "hi", UpdateID: 1, MessageID: 1, Date: 1}

	res, err := m.ResolveFile(env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Created || res.SessionKey != "dm:100" {
		t.Fatalf("first resolve: %+v", res)
	}
	if !strings.HasSuffix(res.SessionFile, ".jsonl") {
		t.Fatalf("session file name: %q", res.SessionFile)
	}

	again, err := m.ResolveFile(env)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again.Created || again.SessionFile != res.SessionFile {
		t.Fatalf("expected reuse, got %+v", again)
	}
}

func TestResolveFile_GroupsBySafeCwd(t *testing.T) {
	m, dir := newMap(t)
	env := &inbound.Envelope{ChatID: 100, ChatType: inbound.ChatPrivate, Text: "hi", UpdateID: 1, MessageID: 1, Date: 1}

	res, err := m.ResolveFile(env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wantDir := filepath.Join(dir, "sessions", session.SafeCwdSegment("/work/rho"))
	if filepath.Dir(res.SessionFile) != wantDir {
		t.Fatalf("session file in %q, want %q", filepath.Dir(res.SessionFile), wantDir)
	}
}

func TestResolveFile_RecreatesWhenFileDeleted(t *testing.T) {
	m, _ := newMap(t)
	env := &inbound.Envelope{ChatID: 100, ChatType: inbound.ChatPrivate}

	res, err := m.ResolveFile(env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.Remove(res.SessionFile); err != nil {
		t.Fatalf("remove: %v", err)
	}

	again, err := m.ResolveFile(env)
	if err != nil {
		t.Fatalf("resolve after delete: %v", err)
	}
	if !again.Created || again.SessionFile == res.SessionFile {
		t.Fatalf("expected fresh file, got %+v", again)
	}
}

func TestSessionFileHeader(t *testing.T) {
	m, _ := newMap(t)
	env := &inbound.Envelope{ChatID: 100, ChatType: inbound.ChatPrivate}
	res, err := m.ResolveFile(env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	f, err := os.Open(res.SessionFile)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("session file empty")
	}
	var hdr struct {
		Type      string `json:"type"`
		Version   int    `json:"version"`
		ID        string `json:"id"`
		Cwd       string `json:"cwd"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &hdr); err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if hdr.Type != "session" || hdr.Version != 1 || hdr.ID == "" || hdr.Cwd != "/work/rho" || hdr.Timestamp == "" {
		t.Fatalf("bad header: %+v", hdr)
	}
}

func TestResetFile_RemapsAndReturnsPrevious(t *testing.T) {
	m, _ := newMap(t)
	env := &inbound.Envelope{ChatID: 100, ChatType: inbound.ChatPrivate}

	first, err := m.ResolveFile(env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, prev, err := m.ResetFile(env)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if prev != first.SessionFile {
		t.Fatalf("previous = %q, want %q", prev, first.SessionFile)
	}
	if res.SessionFile == first.SessionFile || !res.Created {
		t.Fatalf("reset did not rotate: %+v", res)
	}
}

func TestMapPersistence(t *testing.T) {
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "session-map.json")
	sessionsDir := filepath.Join(dir, "sessions")

	m := session.NewMap(mapPath, sessionsDir, "/work")
	env := &inbound.Envelope{ChatID: 100, ChatType: inbound.ChatPrivate}
	res, err := m.ResolveFile(env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	reloaded := session.NewMap(mapPath, sessionsDir, "/work")
	file, ok := reloaded.Lookup("dm:100")
	if !ok || file != res.SessionFile {
		t.Fatalf("mapping not persisted: %q %v", file, ok)
	}
}

func TestSafeCwdSegment(t *testing.T) {
	if got := session.SafeCwdSegment("/home/user/my project"); got != "home-user-my_project" {
		t.Fatalf("segment = %q", got)
	}
	if got := session.SafeCwdSegment("/"); got != "root" {
		t.Fatalf("root segment = %q", got)
	}
}
