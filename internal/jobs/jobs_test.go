package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/rho-bridge/internal/fsio"
	"github.com/basket/rho-bridge/internal/inbound"
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/session"
)

func TestOpenRequeuesRunningJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	seed := []Job{
		{ID: "J1", Status: StatusRunning, StartedAtMs: 123, Error: "stale"},
		{ID: "J2", Status: StatusCompleted, Result: "done"},
	}
	if err := fsio.WriteJSON(path, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j, ok := s.Get("J1")
	if !ok {
		t.Fatal("J1 missing")
	}
	if j.Status != StatusQueued || j.StartedAtMs != 0 || j.Error != "" {
		t.Fatalf("rehydrated job = %+v", j)
	}
	if j2, _ := s.Get("J2"); j2.Status != StatusCompleted {
		t.Fatalf("completed job touched: %+v", j2)
	}

	// Rehydration was persisted, not just in memory.
	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if j, _ := reloaded.Get("J1"); j.Status != StatusQueued {
		t.Fatalf("persisted status = %s", j.Status)
	}
}

type stubRunner struct {
	mu        sync.Mutex
	results   map[string]string // sessionFile -> result
	errs      map[string]error
	block     chan struct{} // non-nil: RunPrompt waits until closed
	cancelled []string
}

func (r *stubRunner) RunPrompt(ctx context.Context, sessionFile, message string, timeoutMs int64) (string, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[sessionFile]; err != nil {
		return "", err
	}
	return r.results[sessionFile], nil
}

func (r *stubRunner) CancelSession(sessionFile, reason string) {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, sessionFile)
	r.mu.Unlock()
}

type captureNotify struct {
	mu    sync.Mutex
	items []queue.OutboundItem
}

func (c *captureNotify) add(item queue.OutboundItem) error {
	c.mu.Lock()
	c.items = append(c.items, item)
	c.mu.Unlock()
	return nil
}

func (c *captureNotify) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.items))
	for i, item := range c.items {
		out[i] = item.Text
	}
	return out
}

func newTestScheduler(t *testing.T, runner *stubRunner, notify *captureNotify) (*Scheduler, *Store) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "jobs.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewScheduler(store, runner, notify.add, nil), store
}

func TestPumpCompletesJobAndNotifiesOnce(t *testing.T) {
	runner := &stubRunner{results: map[string]string{"/s/a.jsonl": "the answer"}}
	notify := &captureNotify{}
	sched, store := newTestScheduler(t, runner, notify)

	job := Job{ID: "JAAA", ChatID: 100, ReplyToMessageID: 42, SessionFile: "/s/a.jsonl", Prompt: "think", Status: StatusQueued, CreatedAtMs: 1}
	if err := store.Append(job); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := sched.Pump(context.Background()); err != nil {
		t.Fatalf("pump: %v", err)
	}
	sched.Wait()

	got, _ := sched.Lookup("JAAA")
	if got.Status != StatusCompleted || got.Result != "the answer" {
		t.Fatalf("job = %+v", got)
	}
	texts := notify.texts()
	if len(texts) != 1 || texts[0] != "✅ Job JAAA finished.\n\nthe answer" {
		t.Fatalf("notifications = %q", texts)
	}

	// A second pump must not re-run or re-notify.
	if err := sched.Pump(context.Background()); err != nil {
		t.Fatalf("second pump: %v", err)
	}
	sched.Wait()
	if texts := notify.texts(); len(texts) != 1 {
		t.Fatalf("re-notified: %q", texts)
	}
}

func TestPumpSerializesPerSessionFile(t *testing.T) {
	runner := &stubRunner{results: map[string]string{}, block: make(chan struct{})}
	notify := &captureNotify{}
	sched, store := newTestScheduler(t, runner, notify)

	store.Append(Job{ID: "J1", SessionFile: "/s/a.jsonl", Status: StatusQueued})
	store.Append(Job{ID: "J2", SessionFile: "/s/a.jsonl", Status: StatusQueued})
	store.Append(Job{ID: "J3", SessionFile: "/s/b.jsonl", Status: StatusQueued})

	if err := sched.Pump(context.Background()); err != nil {
		t.Fatalf("pump: %v", err)
	}

	j1, _ := sched.Lookup("J1")
	j2, _ := sched.Lookup("J2")
	j3, _ := sched.Lookup("J3")
	if j1.Status != StatusRunning || j3.Status != StatusRunning {
		t.Fatalf("j1=%s j3=%s, want running", j1.Status, j3.Status)
	}
	if j2.Status != StatusQueued {
		t.Fatalf("j2=%s, want queued while j1 owns the session", j2.Status)
	}

	close(runner.block)
	sched.Wait()
}

func TestFailedJobNotifiesWithError(t *testing.T) {
	runner := &stubRunner{errs: map[string]error{"/s/a.jsonl": errors.New("agent exploded")}}
	notify := &captureNotify{}
	sched, store := newTestScheduler(t, runner, notify)

	store.Append(Job{ID: "JBAD", ChatID: 7, SessionFile: "/s/a.jsonl", Status: StatusQueued})
	sched.Pump(context.Background())
	sched.Wait()

	got, _ := sched.Lookup("JBAD")
	if got.Status != StatusFailed || got.Error != "agent exploded" {
		t.Fatalf("job = %+v", got)
	}
	texts := notify.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "❌ Job JBAD failed") {
		t.Fatalf("notifications = %q", texts)
	}
}

func TestCancelledJobDiscardsLateResult(t *testing.T) {
	runner := &stubRunner{results: map[string]string{"/s/a.jsonl": "too late"}, block: make(chan struct{})}
	notify := &captureNotify{}
	sched, store := newTestScheduler(t, runner, notify)

	store.Append(Job{ID: "JCXL", ChatID: 7, SessionFile: "/s/a.jsonl", Status: StatusQueued})
	sched.Pump(context.Background())

	job, ok, err := sched.Cancel("JCXL", time.Now())
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s", job.Status)
	}

	close(runner.block)
	sched.Wait()

	got, _ := sched.Lookup("JCXL")
	if got.Status != StatusCancelled || got.Result != "" {
		t.Fatalf("job = %+v", got)
	}
	if texts := notify.texts(); len(texts) != 0 {
		t.Fatalf("cancelled job notified: %q", texts)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.cancelled) == 0 {
		t.Fatal("cancelSession was not requested")
	}
}

func TestForkRotatesSessionAndQueues(t *testing.T) {
	dir := t.TempDir()
	sessions := session.NewMap(filepath.Join(dir, "session-map.json"), filepath.Join(dir, "sessions"), dir)
	env := &inbound.Envelope{UpdateID: 1, ChatID: 100, ChatType: inbound.ChatPrivate, UserID: 1, MessageID: 42, Text: "/plan x"}

	res, err := sessions.ResolveFile(env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	oldFile := res.SessionFile

	runner := &stubRunner{}
	notify := &captureNotify{}
	sched, _ := newTestScheduler(t, runner, notify)

	job, err := sched.Fork(env, sessions, "/plan x", time.Now())
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if job.Status != StatusQueued || job.ChatID != 100 || job.ReplyToMessageID != 42 {
		t.Fatalf("job = %+v", job)
	}
	if job.SessionFile == oldFile {
		t.Fatal("fork did not rotate the session file")
	}
	if !strings.HasPrefix(job.ID, "J") {
		t.Fatalf("job id = %q", job.ID)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.cancelled) != 1 || runner.cancelled[0] != oldFile {
		t.Fatalf("cancelled = %v, want the old session file", runner.cancelled)
	}
}
