package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/rho-bridge/internal/inbound"
	"github.com/basket/rho-bridge/internal/metrics"
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/session"
)

// Runner is the slice of the RPC runtime the scheduler needs.
type Runner interface {
	RunPrompt(ctx context.Context, sessionFile, message string, timeoutMs int64) (string, error)
	CancelSession(sessionFile, reason string)
}

// Notify enqueues an outbound message for delivery.
type Notify func(item queue.OutboundItem) error

// Scheduler runs queued jobs, one per session file at a time. Jobs on
// different session files may overlap.
type Scheduler struct {
	runner Runner
	notify Notify
	log    *slog.Logger

	mu      sync.Mutex
	store   *Store
	active  map[string]bool
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewScheduler(store *Store, runner Runner, notify Notify, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:  store,
		runner: runner,
		notify: notify,
		log:    log,
		active: make(map[string]bool),
	}
}

// UseMetrics attaches job counters. Call before Pump.
func (s *Scheduler) UseMetrics(m *metrics.Metrics) { s.metrics = m }

// Fork promotes a timed-out prompt to a background job: the chat is moved to
// a fresh session file, the stuck session is cancelled best-effort, and a
// queued record is appended.
func (s *Scheduler) Fork(env *inbound.Envelope, sessions *session.Map, prompt string, now time.Time) (Job, error) {
	res, previous, err := sessions.ResetFile(env)
	if err != nil {
		return Job{}, err
	}
	if previous != "" {
		s.runner.CancelSession(previous, "promoted to background job")
	}
	job := Job{
		ID:               NewID(),
		ChatID:           env.ChatID,
		ReplyToMessageID: env.MessageID,
		MessageThreadID:  env.MessageThreadID,
		SessionKey:       res.SessionKey,
		SessionFile:      res.SessionFile,
		Prompt:           prompt,
		Status:           StatusQueued,
		CreatedAtMs:      now.UnixMilli(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Append(job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Pump starts every queued job whose session file is idle.
func (s *Scheduler) Pump(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.store.All() {
		if job.Status != StatusQueued || s.active[job.SessionFile] {
			continue
		}
		job := job
		s.active[job.SessionFile] = true
		if _, err := s.store.Update(job.ID, func(j *Job) {
			j.Status = StatusRunning
			j.StartedAtMs = time.Now().UnixMilli()
		}); err != nil {
			delete(s.active, job.SessionFile)
			return err
		}
		s.wg.Add(1)
		go s.run(ctx, job)
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	defer s.wg.Done()
	if s.metrics != nil {
		s.metrics.ActiveJobs.Add(ctx, 1)
		defer s.metrics.ActiveJobs.Add(context.WithoutCancel(ctx), -1)
	}
	text, err := s.runner.RunPrompt(ctx, job.SessionFile, job.Prompt, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, job.SessionFile)

	current, ok := s.store.Get(job.ID)
	if !ok || current.Status == StatusCancelled {
		// A late result for a cancelled job is discarded.
		return
	}

	now := time.Now().UnixMilli()
	if err != nil {
		if _, uerr := s.store.Update(job.ID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
			j.FinishedAtMs = now
		}); uerr != nil {
			s.log.Error("persist failed job", "job_id", job.ID, "error", uerr)
		}
		if s.metrics != nil {
			s.metrics.JobsFailed.Add(context.WithoutCancel(ctx), 1)
		}
		s.enqueue(job, fmt.Sprintf("❌ Job %s failed: %s", job.ID, err.Error()))
		return
	}

	notify := false
	if _, uerr := s.store.Update(job.ID, func(j *Job) {
		j.Status = StatusCompleted
		j.Result = text
		j.FinishedAtMs = now
		if j.CompletionNotifiedAtMs == 0 {
			j.CompletionNotifiedAtMs = now
			notify = true
		}
	}); uerr != nil {
		s.log.Error("persist completed job", "job_id", job.ID, "error", uerr)
	}
	if s.metrics != nil {
		s.metrics.JobsCompleted.Add(context.WithoutCancel(ctx), 1)
	}
	if notify {
		s.enqueue(job, fmt.Sprintf("✅ Job %s finished.\n\n%s", job.ID, text))
	}
}

func (s *Scheduler) enqueue(job Job, text string) {
	item := queue.OutboundItem{
		ChatID:           job.ChatID,
		ReplyToMessageID: job.ReplyToMessageID,
		MessageThreadID:  job.MessageThreadID,
		Text:             text,
	}
	if err := s.notify(item); err != nil {
		s.log.Error("enqueue job notification", "job_id", job.ID, "error", err)
	}
}

// Cancel flips a job to cancelled and signals its session. Completed and
// failed jobs are left alone.
func (s *Scheduler) Cancel(id string, now time.Time) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.store.Get(id)
	if !ok {
		return Job{}, false, nil
	}
	if job.Status != StatusQueued && job.Status != StatusRunning {
		return job, false, nil
	}
	if _, err := s.store.Update(id, func(j *Job) {
		j.Status = StatusCancelled
		j.CancelRequestedAtMs = now.UnixMilli()
	}); err != nil {
		return Job{}, false, err
	}
	s.runner.CancelSession(job.SessionFile, "cancelled by user")
	job.Status = StatusCancelled
	return job, true, nil
}

// ActiveOn reports whether a job goroutine currently owns the session file.
func (s *Scheduler) ActiveOn(sessionFile string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[sessionFile]
}

// Snapshot returns jobs for a chat under the scheduler lock.
func (s *Scheduler) Snapshot(chatID int64, limit int) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ForChat(chatID, limit)
}

// Lookup returns one job by id.
func (s *Scheduler) Lookup(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(id)
}

// Wait blocks until every running job goroutine has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }
