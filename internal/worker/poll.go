package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/rho-bridge/internal/bus"
	"github.com/basket/rho-bridge/internal/inbound"
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/slash"
	"github.com/basket/rho-bridge/internal/state"
	"github.com/basket/rho-bridge/internal/telegram"
	"github.com/basket/rho-bridge/internal/trigger"
)

// Skip reasons returned by PollOnce.
const (
	SkipDisabled  = "disabled"
	SkipMode      = "mode"
	SkipNotLeader = "not_leader"
	SkipInFlight  = "in_flight"
)

// PollResult reports what one poll tick did.
type PollResult struct {
	Skipped  string // non-empty when the tick did not run
	Updates  int
	Accepted int
	Blocked  int
}

// PollOnce runs one full tick: getUpdates, normalize+authorize, enqueue,
// advance the offset, then drain inbound, flush outbound, and pump jobs.
// silent lowers per-tick logging to debug (trigger-driven polls).
func (w *Worker) PollOnce(ctx context.Context, silent bool) (PollResult, error) {
	switch {
	case w.settings.Disabled:
		return PollResult{Skipped: SkipDisabled}, nil
	case w.settings.Mode != state.ModePolling:
		return PollResult{Skipped: SkipMode}, nil
	case !w.leader():
		return PollResult{Skipped: SkipNotLeader}, nil
	case w.inFlight:
		return PollResult{Skipped: SkipInFlight}, nil
	}
	w.inFlight = true
	defer func() { w.inFlight = false }()

	updates, err := w.tg.GetUpdates(ctx, w.rt.LastUpdateID, w.settings.PollTimeoutSeconds)
	if err != nil {
		w.rt.MarkPollFailure()
		if serr := w.states.Save(w.rt); serr != nil {
			w.log.Error("persist state after poll failure", "error", serr)
		}
		return PollResult{}, fmt.Errorf("getUpdates: %w", err)
	}
	w.metrics.UpdatesPolled.Add(ctx, int64(len(updates)))

	res := PollResult{Updates: len(updates)}
	ids := make([]int64, 0, len(updates))
	for _, u := range updates {
		if u == nil {
			continue
		}
		ids = append(ids, u.ID)
		env := inbound.Normalize(u, inbound.NormalizeOptions{
			Threaded:    w.settings.ThreadedTopics,
			BotUsername: w.settings.BotUsername,
		})
		if env == nil {
			continue // no usable content, offset still advances
		}
		if w.acceptUpdate(ctx, env) {
			res.Accepted++
		} else {
			res.Blocked++
		}
	}

	w.rt.LastUpdateID = state.AdvanceUpdateOffset(w.rt.LastUpdateID, ids)
	w.rt.MarkPollSuccess(w.now())
	if err := w.states.Save(w.rt); err != nil {
		w.log.Error("persist state", "error", err)
	}

	w.DrainInbound(ctx)
	w.FlushOutbound(ctx)
	if err := w.sched.Pump(ctx); err != nil {
		w.log.Error("pump jobs", "error", err)
	}

	lvl := w.log.Info
	if silent || res.Updates == 0 {
		lvl = w.log.Debug
	}
	lvl("poll tick", "updates", res.Updates, "accepted", res.Accepted, "blocked", res.Blocked, "offset", w.rt.LastUpdateID)
	return res, nil
}

// acceptUpdate authorizes one envelope and routes it: blocked envelopes may
// mint an approval PIN, "/new" resets the session, everything else lands on
// the inbound queue. Returns true when the envelope was accepted.
func (w *Worker) acceptUpdate(ctx context.Context, env *inbound.Envelope) bool {
	op := w.currentOperator()
	decision := inbound.Authorize(env, inbound.Policy{
		AllowedChatIDs:         op.AllowedChatIDs,
		AllowedUserIDs:         op.AllowedUserIDs,
		Strict:                 w.settings.StrictAllowlists,
		RequireMentionInGroups: w.settings.RequireMentionInGroups,
		BotUsername:            w.settings.BotUsername,
	})
	if !decision.OK {
		w.metrics.InboundBlocked.Add(ctx, 1)
		w.bus.Publish(bus.TopicInboundBlocked, bus.InboundEvent{
			UpdateID:  env.UpdateID,
			ChatID:    env.ChatID,
			UserID:    env.UserID,
			MessageID: env.MessageID,
			Reason:    decision.Reason,
		})
		w.handleBlocked(ctx, env, decision.Reason)
		return false
	}

	w.metrics.InboundAccepted.Add(ctx, 1)
	w.bus.Publish(bus.TopicInboundAccepted, bus.InboundEvent{
		UpdateID:  env.UpdateID,
		ChatID:    env.ChatID,
		UserID:    env.UserID,
		MessageID: env.MessageID,
	})

	text := strings.TrimSpace(slash.NormalizeMentionSuffix(env.Text, w.settings.BotUsername))
	if text == "/new" {
		w.handleNewSession(env)
		return true
	}

	resolution, err := w.sessions.ResolveFile(env)
	if err != nil {
		w.log.Error("resolve session file", "chat_id", env.ChatID, "error", err)
		return true
	}
	items := w.inbox.Load()
	items = append(items, queue.InboundItem{
		Envelope:    *env,
		SessionKey:  resolution.SessionKey,
		SessionFile: resolution.SessionFile,
	})
	if err := w.inbox.Save(items); err != nil {
		w.log.Error("persist inbound queue", "chat_id", env.ChatID, "error", err)
	}
	return true
}

// handleBlocked runs the strict-allowlist first-contact path: record a
// pending approval and send the PIN exactly once per chat/user pair.
func (w *Worker) handleBlocked(ctx context.Context, env *inbound.Envelope, reason string) {
	if !w.settings.StrictAllowlists {
		return
	}
	if reason != inbound.ReasonChatNotAllowed && reason != inbound.ReasonUserNotAllowed {
		return
	}
	res, err := w.approvals.Upsert(env.ChatID, env.UserID, "", reason, w.now())
	if err != nil {
		w.log.Error("record pending approval", "chat_id", env.ChatID, "error", err)
		return
	}
	if !res.NeedNotify {
		return
	}
	// The PIN goes straight out, not through the outbound queue: the chat is
	// not allowlisted, so queued delivery would re-gate it.
	_, err = w.tg.SendMessage(ctx, telegram.SendParams{
		ChatID: env.ChatID,
		Text:   fmt.Sprintf("🔒 Access request received. Share this PIN with the operator to approve: %s", res.Entry.PIN),
	})
	if err != nil {
		w.log.Warn("send approval pin", "chat_id", env.ChatID, "error", err)
		return
	}
	if err := w.approvals.MarkNotified(res.Entry.PIN, w.now()); err != nil {
		w.log.Error("mark pin notified", "pin", res.Entry.PIN, "error", err)
	}
	w.log.Info("pending approval created", "chat_id", env.ChatID, "user_id", env.UserID)
}

// handleNewSession rotates the chat onto a fresh session file and acks.
func (w *Worker) handleNewSession(env *inbound.Envelope) {
	_, previous, err := w.sessions.ResetFile(env)
	if err != nil {
		w.log.Error("reset session", "chat_id", env.ChatID, "error", err)
		return
	}
	if previous != "" {
		w.runner.CancelSession(previous, "session reset by /new")
	}
	out := queue.OutboundItem{
		ChatID:           env.ChatID,
		ReplyToMessageID: env.MessageID,
		MessageThreadID:  env.MessageThreadID,
		Text:             "✨ Started a new session. Previous context is gone.",
	}
	if err := w.enqueueOutbound(out); err != nil {
		w.log.Error("enqueue new-session ack", "chat_id", env.ChatID, "error", err)
	}
}

// HandleCheckTrigger consumes a pending check-trigger file and, when one was
// posted, runs a silent poll tick.
func (w *Worker) HandleCheckTrigger(ctx context.Context) error {
	res, err := trigger.Consume(w.triggerPath, w.triggerSeen)
	w.triggerSeen = res.NextSeen
	if err != nil {
		if trigger.IsInvalid(err) {
			w.log.Warn("invalid check trigger dropped", "error", err)
			return nil
		}
		return err
	}
	if !res.Triggered {
		return nil
	}
	w.rt.MarkCheckConsumed(res.Request.RequestedAt, res.Request.Source, w.now())
	if err := w.states.Save(w.rt); err != nil {
		w.log.Error("persist state after trigger", "error", err)
	}
	w.bus.Publish(bus.TopicTriggerConsumed, bus.TriggerEvent{
		Source:       res.Request.Source,
		RequesterPID: res.Request.RequesterPID,
	})
	w.log.Info("check trigger consumed", "source", res.Request.Source, "requester_pid", res.Request.RequesterPID)
	_, err = w.PollOnce(ctx, true)
	return err
}
