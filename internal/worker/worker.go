// Package worker wires the inbound/outbound pipeline: poll Telegram, gate
// updates through the operator allowlists, run prompts over the agent RPC,
// and deliver chunked replies with retry.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/rho-bridge/internal/approval"
	"github.com/basket/rho-bridge/internal/bus"
	"github.com/basket/rho-bridge/internal/config"
	"github.com/basket/rho-bridge/internal/jobs"
	"github.com/basket/rho-bridge/internal/metrics"
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/rpc"
	"github.com/basket/rho-bridge/internal/session"
	"github.com/basket/rho-bridge/internal/state"
	"github.com/basket/rho-bridge/internal/stt"
	"github.com/basket/rho-bridge/internal/telegram"
	"github.com/basket/rho-bridge/internal/tts"
)

// chatActionKeepalive re-sends the typing indicator while a prompt runs;
// Telegram expires chat actions after ~5 s.
const chatActionKeepalive = 4 * time.Second

// jobListLimit bounds the /jobs rendering.
const jobListLimit = 10

// PromptRunner is the slice of the RPC runtime the worker needs.
type PromptRunner interface {
	RunPrompt(ctx context.Context, sessionFile, message string, timeoutMs int64, images []rpc.Image) (string, error)
	CancelSession(sessionFile, reason string)
}

// Config assembles a Worker. Telegram, Runner, and the stores are required;
// nil Bus/Metrics/Logger fall back to working defaults.
type Config struct {
	Settings  *config.Settings
	Operator  *config.Operator
	Telegram  telegram.Client
	Runner    PromptRunner
	Scheduler *jobs.Scheduler

	States    *state.Store
	Inbound   *queue.Store[queue.InboundItem]
	Outbound  *queue.Store[queue.OutboundItem]
	Sessions  *session.Map
	Approvals *approval.Store

	STT stt.Transcriber
	TTS tts.Synthesizer

	TriggerPath string

	// Leader reports whether this process still holds the worker lease.
	// Nil means always leader (tests, single-process setups).
	Leader func() bool

	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Worker is the single-process bridge runtime. All operations run on the
// caller's goroutine; only background jobs overlap.
type Worker struct {
	settings  *config.Settings
	tg        telegram.Client
	runner    PromptRunner
	sched     *jobs.Scheduler
	states    *state.Store
	inbox     *queue.Store[queue.InboundItem]
	outbox    *queue.Store[queue.OutboundItem]
	sessions  *session.Map
	approvals *approval.Store
	stt       stt.Transcriber
	tts       tts.Synthesizer
	bus       *bus.Bus
	metrics   *metrics.Metrics
	log       *slog.Logger
	leader    func() bool

	triggerPath string
	tz          *time.Location

	opMu     sync.RWMutex
	operator *config.Operator

	rt          state.Runtime
	triggerSeen int64
	inFlight    bool

	// outMu serializes outbound queue file access between the poll loop and
	// job goroutines delivering completion notices.
	outMu sync.Mutex

	consecutiveSendFailures int

	now   func() time.Time
	sleep func(time.Duration)
}

// New builds a Worker from cfg and loads the persisted runtime state.
func New(cfg Config) *Worker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New()
	}
	m := cfg.Metrics
	if m == nil {
		m, _, _ = metrics.Init(context.Background(), metrics.Config{})
	}
	leader := cfg.Leader
	if leader == nil {
		leader = func() bool { return true }
	}
	op := cfg.Operator
	if op == nil {
		op = &config.Operator{}
	}
	tz := time.Local
	if cfg.Settings.TimestampTZ != "" {
		if loc, err := time.LoadLocation(cfg.Settings.TimestampTZ); err == nil {
			tz = loc
		} else {
			log.Warn("invalid timestamp_tz, using local", "tz", cfg.Settings.TimestampTZ)
		}
	}
	w := &Worker{
		settings:    cfg.Settings,
		operator:    op,
		tg:          cfg.Telegram,
		runner:      cfg.Runner,
		sched:       cfg.Scheduler,
		states:      cfg.States,
		inbox:       cfg.Inbound,
		outbox:      cfg.Outbound,
		sessions:    cfg.Sessions,
		approvals:   cfg.Approvals,
		stt:         cfg.STT,
		tts:         cfg.TTS,
		bus:         b,
		metrics:     m,
		log:         log,
		leader:      leader,
		triggerPath: cfg.TriggerPath,
		tz:          tz,
		now:         time.Now,
		sleep:       time.Sleep,
	}
	w.rt = w.states.Load()
	return w
}

// SetOperator swaps the allowlist document after a config reload.
func (w *Worker) SetOperator(op *config.Operator) {
	if op == nil {
		return
	}
	w.opMu.Lock()
	w.operator = op
	w.opMu.Unlock()
}

func (w *Worker) currentOperator() *config.Operator {
	w.opMu.RLock()
	defer w.opMu.RUnlock()
	return w.operator
}

// Runtime returns a snapshot of the in-memory runtime state.
func (w *Worker) Runtime() state.Runtime { return w.rt }

// enqueueOutbound appends one pending reply and persists the queue. The
// scheduler delivers job notifications through this same path.
func (w *Worker) enqueueOutbound(item queue.OutboundItem) error {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	items := w.outbox.Load()
	items = append(items, item)
	return w.outbox.Save(items)
}

// EnqueueOutbound is the Notify hook handed to the job scheduler.
func (w *Worker) EnqueueOutbound(item queue.OutboundItem) error {
	return w.enqueueOutbound(item)
}

// reply enqueues text addressed back at the item's message.
func (w *Worker) reply(item queue.InboundItem, text string) {
	out := queue.OutboundItem{
		ChatID:           item.ChatID,
		ReplyToMessageID: item.MessageID,
		MessageThreadID:  item.MessageThreadID,
		Text:             text,
	}
	if err := w.enqueueOutbound(out); err != nil {
		w.log.Error("enqueue reply", "chat_id", item.ChatID, "error", err)
	}
}

// localTimestamp renders a message date in the configured zone for the
// prompt prefix.
func (w *Worker) localTimestamp(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).In(w.tz).Format("2006-01-02 15:04:05 MST")
}
