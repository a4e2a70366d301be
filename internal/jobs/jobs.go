// Package jobs persists background prompts and schedules them, one at a time
// per session file. A restart rewinds any running job to queued before
// scheduling resumes.
package jobs

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/rho-bridge/internal/fsio"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is one background prompt.
type Job struct {
	ID                     string `json:"id"`
	ChatID                 int64  `json:"chatId"`
	ReplyToMessageID       int    `json:"replyToMessageId,omitempty"`
	MessageThreadID        int    `json:"messageThreadId,omitempty"`
	SessionKey             string `json:"sessionKey"`
	SessionFile            string `json:"sessionFile"`
	Prompt                 string `json:"prompt"`
	Status                 string `json:"status"`
	CreatedAtMs            int64  `json:"createdAtMs"`
	StartedAtMs            int64  `json:"startedAtMs,omitempty"`
	FinishedAtMs           int64  `json:"finishedAtMs,omitempty"`
	Result                 string `json:"result,omitempty"`
	Error                  string `json:"error,omitempty"`
	CancelRequestedAtMs    int64  `json:"cancelRequestedAtMs,omitempty"`
	CompletionNotifiedAtMs int64  `json:"completionNotifiedAtMs,omitempty"`
}

// NewID mints a short job id.
func NewID() string {
	return "J" + strings.ToUpper(uuid.NewString()[:8])
}

// Store is the jobs.json file.
type Store struct {
	path string
	jobs []Job
}

// Open loads jobs.json and rehydrates crashed work: a job left running is
// requeued with its start metadata cleared.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	var jobs []Job
	if err := fsio.ReadJSON(path, &jobs); err != nil && !os.IsNotExist(err) {
		jobs = nil
	}
	changed := false
	for i := range jobs {
		if jobs[i].Status == StatusRunning {
			jobs[i].Status = StatusQueued
			jobs[i].StartedAtMs = 0
			jobs[i].Error = ""
			changed = true
		}
	}
	s.jobs = jobs
	if changed {
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ReadAll loads jobs.json without rehydrating. Control-plane commands use it
// so a status read never rewrites the worker's files.
func ReadAll(path string) []Job {
	var jobs []Job
	if err := fsio.ReadJSON(path, &jobs); err != nil {
		return nil
	}
	return jobs
}

func (s *Store) persist() error {
	jobs := s.jobs
	if jobs == nil {
		jobs = []Job{}
	}
	return fsio.WriteJSON(s.path, jobs)
}

// All returns a copy of every job.
func (s *Store) All() []Job {
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (Job, bool) {
	for _, j := range s.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// Append persists a new job record.
func (s *Store) Append(j Job) error {
	s.jobs = append(s.jobs, j)
	return s.persist()
}

// Update applies fn to the job with the given id and persists. Returns false
// if no such job exists.
func (s *Store) Update(id string, fn func(*Job)) (bool, error) {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			fn(&s.jobs[i])
			return true, s.persist()
		}
	}
	return false, nil
}

// ForChat returns the newest jobs for a chat, most recent first, capped at
// limit.
func (s *Store) ForChat(chatID int64, limit int) []Job {
	var out []Job
	for i := len(s.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.jobs[i].ChatID == chatID {
			out = append(out, s.jobs[i])
		}
	}
	return out
}

// RenderList formats the /jobs reply.
func RenderList(jobs []Job) string {
	if len(jobs) == 0 {
		return "No background jobs yet."
	}
	var b strings.Builder
	b.WriteString("Background jobs:\n")
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s  %s  %s\n", j.ID, j.Status, firstLine(j.Prompt, 60))
	}
	b.WriteString("\nUse /job <id> for details or /cancel <id> to stop one.")
	return b.String()
}

// RenderDetail formats the /job <id> reply.
func RenderDetail(j Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s\nStatus: %s\nCreated: %s\n", j.ID, j.Status, msToLocal(j.CreatedAtMs))
	if j.StartedAtMs > 0 {
		fmt.Fprintf(&b, "Started: %s\n", msToLocal(j.StartedAtMs))
	}
	if j.FinishedAtMs > 0 {
		fmt.Fprintf(&b, "Finished: %s\n", msToLocal(j.FinishedAtMs))
	}
	if j.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", j.Error)
	}
	fmt.Fprintf(&b, "Prompt: %s", firstLine(j.Prompt, 200))
	return b.String()
}

func firstLine(s string, max int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

func msToLocal(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
