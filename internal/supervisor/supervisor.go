// Package supervisor owns the worker process lifecycle: it validates
// settings, takes the worker lease, assembles the runtime, and drives the
// sequential poll loop until a signal or a fatal fault stops it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/rho-bridge/internal/approval"
	"github.com/basket/rho-bridge/internal/bus"
	"github.com/basket/rho-bridge/internal/config"
	"github.com/basket/rho-bridge/internal/cron"
	"github.com/basket/rho-bridge/internal/fsio"
	"github.com/basket/rho-bridge/internal/jobs"
	"github.com/basket/rho-bridge/internal/lease"
	"github.com/basket/rho-bridge/internal/metrics"
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/rpc"
	"github.com/basket/rho-bridge/internal/session"
	"github.com/basket/rho-bridge/internal/state"
	"github.com/basket/rho-bridge/internal/stt"
	"github.com/basket/rho-bridge/internal/telegram"
	"github.com/basket/rho-bridge/internal/tts"
	"github.com/basket/rho-bridge/internal/worker"
)

// LockFile is the worker lease inside the bridge home.
const LockFile = "worker.lock.json"

// errorPace is the loop delay after a failed tick; successful ticks re-poll
// immediately because getUpdates already long-polls.
const errorPace = 1 * time.Second

// ContentionError reports a live peer holding the lease.
type ContentionError struct {
	PID int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("Telegram worker already running (pid %d)", e.PID)
}

// Config assembles a Supervisor.
type Config struct {
	Settings *config.Settings
	Logger   *slog.Logger
	Bus      *bus.Bus

	// Telegram overrides the Bot API client (tests). Nil dials the real API.
	Telegram telegram.Client
}

// Supervisor runs one worker process end to end.
type Supervisor struct {
	settings *config.Settings
	log      *slog.Logger
	bus      *bus.Bus
	tg       telegram.Client
}

// New validates the settings and builds a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Settings.CheckSchedule != "" {
		if _, err := cron.NextRunTime(cfg.Settings.CheckSchedule, time.Now()); err != nil {
			return nil, fmt.Errorf("invalid check_schedule: %w", err)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New()
	}
	return &Supervisor{settings: cfg.Settings, log: log, bus: b, tg: cfg.Telegram}, nil
}

// Run acquires the lease, builds the runtime, and drives the poll loop until
// ctx is cancelled (clean, nil) or the lease is lost (error). Lease
// contention returns a ContentionError without polling at all.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := fsio.EnsureDir(s.settings.HomeDir); err != nil {
		return fmt.Errorf("create bridge home: %w", err)
	}

	lockPath := s.settings.Path(LockFile)
	staleFor := time.Duration(s.settings.LockStaleMs) * time.Millisecond
	acq, err := lease.TryAcquire(lockPath, uuid.NewString(), time.Now(), staleFor, "telegram-worker")
	if err != nil {
		return err
	}
	if !acq.OK {
		return &ContentionError{PID: acq.OwnerPID}
	}
	handle := acq.Handle
	s.log.Info("Telegram worker lock acquired", "path", lockPath)
	defer func() {
		if err := handle.Release(); err != nil {
			s.log.Warn("release lease", "error", err)
		}
	}()

	tg := s.tg
	if tg == nil {
		tg, err = telegram.New(s.settings.BotToken)
		if err != nil {
			return fmt.Errorf("telegram client: %w", err)
		}
	}

	m, shutdownMetrics, err := metrics.Init(ctx, metrics.Config{
		Enabled:  s.settings.Metrics.Enabled,
		Exporter: s.settings.Metrics.Exporter,
		Endpoint: s.settings.Metrics.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			s.log.Warn("metrics shutdown", "error", err)
		}
	}()

	operator, err := config.LoadOperator(s.settings.Path("config.json"))
	if err != nil {
		return fmt.Errorf("operator config: %w", err)
	}

	runner := rpc.NewRunner(rpc.Config{
		AgentCommand: s.settings.Agent.Command,
		WorkDir:      s.settings.Agent.WorkDir,
		Logger:       s.log,
	})
	defer runner.Dispose()

	jobStore, err := jobs.Open(s.settings.Path("jobs.json"))
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}

	var w *worker.Worker
	notify := func(item queue.OutboundItem) error { return w.EnqueueOutbound(item) }
	sched := jobs.NewScheduler(jobStore, jobRunner{runner}, notify, s.log)
	sched.UseMetrics(m)

	sessionsDir := s.settings.SessionsDir
	sessions := session.NewMap(
		s.settings.Path("session-map.json"),
		sessionsDir,
		s.settings.Agent.WorkDir,
	)

	var transcriber stt.Transcriber
	if s.settings.STT.APIKey != "" {
		transcriber, err = stt.New(stt.Config{
			Provider: s.settings.STT.Provider,
			APIKey:   s.settings.STT.APIKey,
			Endpoint: s.settings.STT.Endpoint,
			Model:    s.settings.STT.Model,
		})
		if err != nil {
			return fmt.Errorf("stt: %w", err)
		}
	}
	var synthesizer tts.Synthesizer
	if s.settings.TTS.APIKey != "" {
		synthesizer = tts.New(tts.Config{
			APIKey:  s.settings.TTS.APIKey,
			VoiceID: s.settings.TTS.VoiceID,
			ModelID: s.settings.TTS.ModelID,
		})
	}

	var leaseHealthy atomic.Bool
	leaseHealthy.Store(true)
	w = worker.New(worker.Config{
		Settings:    s.settings,
		Operator:    operator,
		Telegram:    tg,
		Runner:      runner,
		Scheduler:   sched,
		States:      state.NewStore(s.settings.Path("state.json")),
		Inbound:     queue.NewInboundStore(s.settings.Path("inbound.queue.json")),
		Outbound:    queue.NewOutboundStore(s.settings.Path("outbound.queue.json")),
		Sessions:    sessions,
		Approvals:   approval.NewStore(s.settings.Path("pending-approvals.json")),
		STT:         transcriber,
		TTS:         synthesizer,
		TriggerPath: s.settings.Path("check-trigger.json"),
		Leader:      leaseHealthy.Load,
		Bus:         s.bus,
		Metrics:     m,
		Logger:      s.log,
	})

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Lease refresh runs beside the loop; losing it fails the whole run.
	lost := make(chan error, 1)
	go s.refreshLoop(loopCtx, handle, func(err error) {
		leaseHealthy.Store(false)
		select {
		case lost <- err:
		default:
		}
		cancel()
	})

	watcher := config.NewWatcher(s.settings.HomeDir, s.log)
	if err := watcher.Start(loopCtx); err != nil {
		s.log.Warn("config watcher unavailable", "error", err)
	} else {
		go s.reloadLoop(loopCtx, watcher, w)
	}

	if s.settings.CheckSchedule != "" {
		checks, err := cron.NewScheduler(cron.Config{
			Expr:        s.settings.CheckSchedule,
			TriggerPath: s.settings.Path("check-trigger.json"),
			Logger:      s.log,
		})
		if err != nil {
			return fmt.Errorf("check schedule: %w", err)
		}
		checks.Start(loopCtx)
		defer checks.Stop()
	}

	s.log.Info("telegram worker started", "home", s.settings.HomeDir, "mode", s.settings.Mode)
	err = s.loop(loopCtx, w)

	// Drain whatever the loop left behind, then let jobs finish their writes.
	runner.Dispose()
	sched.Wait()

	select {
	case lerr := <-lost:
		s.bus.Publish(bus.TopicLeaseLost, nil)
		s.log.Error("worker lease lost, shutting down", "error", lerr)
		return lerr
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Info("telegram worker stopped")
	return nil
}

// loop runs poll ticks back to back, pacing only after failures.
func (s *Supervisor) loop(ctx context.Context, w *worker.Worker) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, pollErr := w.PollOnce(ctx, false)
		if pollErr != nil {
			s.log.Warn("poll failed", "error", pollErr)
		}
		if err := w.HandleCheckTrigger(ctx); err != nil {
			s.log.Warn("check trigger", "error", err)
		}
		if pollErr == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(errorPace):
		}
	}
}

// refreshLoop keeps the lease fresh; onLost fires once when refresh fails.
func (s *Supervisor) refreshLoop(ctx context.Context, handle *lease.Handle, onLost func(error)) {
	ticker := time.NewTicker(time.Duration(s.settings.LockRefreshMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := handle.Refresh(time.Now()); err != nil {
				onLost(err)
				return
			}
		}
	}
}

// reloadLoop re-reads the operator allowlists when config.json changes.
// settings.toml changes require a restart and are only logged.
func (s *Supervisor) reloadLoop(ctx context.Context, watcher *config.Watcher, w *worker.Worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case "config.json":
				op, err := config.LoadOperator(s.settings.Path("config.json"))
				if err != nil {
					s.log.Warn("operator reload rejected", "error", err)
					continue
				}
				w.SetOperator(op)
				s.log.Info("operator allowlists reloaded",
					"chats", len(op.AllowedChatIDs), "users", len(op.AllowedUserIDs))
			case "settings.toml":
				s.log.Info("settings.toml changed, restart to apply")
			}
		}
	}
}

// jobRunner narrows the RPC runner to the scheduler's interface; background
// jobs never attach images.
type jobRunner struct{ r *rpc.Runner }

func (j jobRunner) RunPrompt(ctx context.Context, sessionFile, message string, timeoutMs int64) (string, error) {
	return j.r.RunPrompt(ctx, sessionFile, message, timeoutMs, nil)
}

func (j jobRunner) CancelSession(sessionFile, reason string) {
	j.r.CancelSession(sessionFile, reason)
}
