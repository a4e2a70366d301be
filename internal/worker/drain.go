package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/basket/rho-bridge/internal/bus"
	"github.com/basket/rho-bridge/internal/inbound"
	"github.com/basket/rho-bridge/internal/jobs"
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/rpc"
	"github.com/basket/rho-bridge/internal/slash"
	"github.com/basket/rho-bridge/internal/stt"
	"github.com/basket/rho-bridge/internal/telegram"
)

const imageFetchAttempts = 3

// DrainInbound processes queued inbound items FIFO. At most one item per
// session file is active at a time; items whose session file is owned by a
// background job (or by an earlier deferred item) stay queued.
func (w *Worker) DrainInbound(ctx context.Context) {
	items := w.inbox.Load()
	if len(items) == 0 {
		return
	}
	deferred := make([]queue.InboundItem, 0, len(items))
	held := make(map[string]bool)
	// Persisted after every settled item: a crash mid-drain must not leave
	// an already-executed prompt queued for a second run.
	persist := func(tail []queue.InboundItem) {
		snapshot := make([]queue.InboundItem, 0, len(deferred)+len(tail))
		snapshot = append(snapshot, deferred...)
		snapshot = append(snapshot, tail...)
		if err := w.inbox.Save(snapshot); err != nil {
			w.log.Error("persist inbound queue", "error", err)
		}
	}
	for i, item := range items {
		if held[item.SessionFile] || w.sched.ActiveOn(item.SessionFile) {
			held[item.SessionFile] = true
			deferred = append(deferred, item)
			continue
		}
		w.processInbound(ctx, item)
		persist(items[i+1:])
	}
}

func (w *Worker) processInbound(ctx context.Context, item queue.InboundItem) {
	switch {
	case item.Media.IsAudio():
		w.processAudio(ctx, item)
	case item.Media.IsImage():
		w.processImage(ctx, item)
	default:
		w.processText(ctx, item)
	}
}

// processAudio downloads the attachment, transcribes it, and feeds the
// transcript through the normal prompt path. Timeouts promote to background
// like any non-slash prompt.
func (w *Worker) processAudio(ctx context.Context, item queue.InboundItem) {
	if err := w.tg.SendChatAction(ctx, item.ChatID, item.MessageThreadID, telegram.ActionTyping); err != nil {
		w.log.Debug("chat action", "chat_id", item.ChatID, "error", err)
	}
	data, ok := w.fetchMedia(ctx, item, 1)
	if !ok {
		return
	}
	if w.stt == nil {
		w.reply(item, "🎤 Voice transcription needs an API key. Set OPENAI_API_KEY or ELEVENLABS_API_KEY and restart the worker.")
		return
	}
	transcript, err := w.stt.Transcribe(ctx, data, item.Media.MimeType, item.Media.FileName)
	if err != nil {
		if errors.Is(err, stt.ErrMissingAPIKey) {
			w.reply(item, "🎤 Voice transcription needs an API key. Set OPENAI_API_KEY or ELEVENLABS_API_KEY and restart the worker.")
		} else {
			w.reply(item, fmt.Sprintf("⚠️ Could not transcribe the audio: %s", err))
		}
		return
	}
	prompt := w.prefixed(item, transcript)
	text, err := w.runPrompt(ctx, item, prompt, nil)
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) {
			w.promote(item, prompt)
			return
		}
		w.reply(item, fmt.Sprintf("⚠️ Failed to run prompt: %s", err))
		return
	}
	w.reply(item, text)
}

// processImage attaches the downloaded image to the prompt. A timed-out
// image prompt is never promoted: the image bytes would be lost with the
// rotated session, so the user is asked to resend instead.
func (w *Worker) processImage(ctx context.Context, item queue.InboundItem) {
	data, ok := w.fetchMedia(ctx, item, imageFetchAttempts)
	if !ok {
		return
	}
	mime := item.Media.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	images := []rpc.Image{{
		Type:     "image",
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mime,
	}}
	prompt := strings.TrimSpace(item.Text)
	if prompt == "" {
		prompt = "Describe this image."
	}
	text, err := w.runPrompt(ctx, item, prompt, images)
	if err != nil {
		w.reply(item, fmt.Sprintf("⚠️ Failed to run prompt: %s", err))
		return
	}
	w.reply(item, text)
}

// fetchMedia resolves and downloads the attachment, enforcing the size cap
// before and after the transfer. Failures reply to the user and report !ok.
func (w *Worker) fetchMedia(ctx context.Context, item queue.InboundItem, attempts int) ([]byte, bool) {
	if item.Media.FileSize >= inbound.MaxMediaBytes {
		w.reply(item, "⚠️ That file is too large to process (max 5 MiB).")
		return nil, false
	}
	var ref telegram.FileRef
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			w.sleep(time.Duration(500+rand.Intn(501)) * time.Millisecond)
		}
		ref, err = w.tg.GetFile(ctx, item.Media.FileID)
		if err == nil {
			break
		}
	}
	if err != nil {
		w.reply(item, fmt.Sprintf("⚠️ Could not fetch the attachment: %s", err))
		return nil, false
	}
	if ref.FileSize >= inbound.MaxMediaBytes {
		w.reply(item, "⚠️ That file is too large to process (max 5 MiB).")
		return nil, false
	}
	data, err := w.tg.DownloadFile(ctx, ref, inbound.MaxMediaBytes)
	if err != nil {
		w.reply(item, fmt.Sprintf("⚠️ Could not download the attachment: %s", err))
		return nil, false
	}
	return data, true
}

// processText handles local slash commands and forwards everything else to
// the agent, prefixing non-slash prompts with routing metadata.
func (w *Worker) processText(ctx context.Context, item queue.InboundItem) {
	text := slash.NormalizeMentionSuffix(item.Text, w.settings.BotUsername)
	if !item.IsPrivate() {
		text = inbound.StripMention(text, w.settings.BotUsername)
	}
	parsed := slash.Parse(text)
	if parsed.Kind == slash.KindInvalid {
		w.reply(item, "⚠️ That doesn't look like a valid command.")
		return
	}
	if parsed.Kind == slash.KindSlash && slash.IsLocal(parsed.CommandName) {
		w.runLocalCommand(ctx, item, parsed)
		return
	}

	prompt := text
	if parsed.Kind == slash.KindNotSlash {
		prompt = w.prefixed(item, text)
	}
	reply, err := w.runPrompt(ctx, item, prompt, nil)
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) && w.promotable(parsed) {
			w.promote(item, prompt)
			return
		}
		if parsed.Kind == slash.KindSlash {
			w.reply(item, fmt.Sprintf("⚠️ Failed to run /%s: %s", parsed.CommandName, err))
		} else {
			w.reply(item, fmt.Sprintf("⚠️ Failed to run prompt: %s", err))
		}
		return
	}
	w.reply(item, reply)
}

// promotable reports whether a timed-out prompt may become a background job:
// any non-slash prompt, or an explicitly background-eligible command.
func (w *Worker) promotable(parsed slash.Parsed) bool {
	if parsed.Kind != slash.KindSlash {
		return true
	}
	return slash.BackgroundEligible(parsed.CommandName)
}

// promote forks a timed-out prompt to a background job and tells the chat.
func (w *Worker) promote(item queue.InboundItem, prompt string) {
	env := item.Envelope
	job, err := w.sched.Fork(&env, w.sessions, prompt, w.now())
	if err != nil {
		w.log.Error("fork background job", "chat_id", item.ChatID, "error", err)
		w.reply(item, fmt.Sprintf("⚠️ Failed to run prompt: %s", err))
		return
	}
	w.bus.Publish(bus.TopicJobStateChanged, bus.JobStateEvent{
		JobID:     job.ID,
		ChatID:    job.ChatID,
		NewStatus: jobs.StatusQueued,
	})
	w.log.Info("prompt promoted to background job", "job_id", job.ID, "chat_id", item.ChatID)
	w.reply(item, fmt.Sprintf("⏳ This is now running as a background job. I'll post updates here. Use /jobs to monitor or /cancel <job-id> to stop.\nJob ID: %s", job.ID))
}

// runLocalCommand dispatches /jobs, /job, /cancel, and /tts.
func (w *Worker) runLocalCommand(ctx context.Context, item queue.InboundItem, parsed slash.Parsed) {
	switch strings.ToLower(parsed.CommandName) {
	case "jobs":
		w.reply(item, jobs.RenderList(w.sched.Snapshot(item.ChatID, jobListLimit)))
	case "job":
		id := strings.TrimSpace(parsed.Args)
		if id == "" {
			w.reply(item, "Usage: /job <id>")
			return
		}
		job, ok := w.sched.Lookup(id)
		if !ok {
			w.reply(item, fmt.Sprintf("Job %s not found.", id))
			return
		}
		w.reply(item, jobs.RenderDetail(job))
	case "cancel":
		id := strings.TrimSpace(parsed.Args)
		if id == "" {
			w.reply(item, "Usage: /cancel <id>")
			return
		}
		job, cancelled, err := w.sched.Cancel(id, w.now())
		switch {
		case err != nil:
			w.reply(item, fmt.Sprintf("⚠️ Could not cancel job %s: %s", id, err))
		case job.ID == "":
			w.reply(item, fmt.Sprintf("Job %s not found.", id))
		case !cancelled:
			w.reply(item, fmt.Sprintf("Job %s is already %s.", job.ID, job.Status))
		default:
			w.bus.Publish(bus.TopicJobStateChanged, bus.JobStateEvent{
				JobID:     job.ID,
				ChatID:    job.ChatID,
				NewStatus: jobs.StatusCancelled,
			})
			w.reply(item, fmt.Sprintf("🛑 Job %s cancelled.", job.ID))
		}
	case "tts":
		w.runTTS(ctx, item, parsed.Args)
	case "new":
		// "/new" is handled at accept time; a queued copy just re-acks.
		w.handleNewSession(&item.Envelope)
	}
}

// runTTS synthesizes speech for the given text and sends it as a voice note.
func (w *Worker) runTTS(ctx context.Context, item queue.InboundItem, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		w.reply(item, "Usage: /tts <text>")
		return
	}
	if w.tts == nil {
		w.reply(item, "🔊 Text-to-speech needs ELEVENLABS_API_KEY set. Add it and restart the worker.")
		return
	}
	if err := w.tg.SendChatAction(ctx, item.ChatID, item.MessageThreadID, telegram.ActionRecordVoice); err != nil {
		w.log.Debug("chat action", "chat_id", item.ChatID, "error", err)
	}
	audio, err := w.tts.Synthesize(ctx, text)
	if err != nil {
		w.reply(item, fmt.Sprintf("⚠️ Could not synthesize speech: %s", err))
		return
	}
	if err := w.tg.SendChatAction(ctx, item.ChatID, item.MessageThreadID, telegram.ActionUploadVoice); err != nil {
		w.log.Debug("chat action", "chat_id", item.ChatID, "error", err)
	}
	if err := w.tg.SendVoice(ctx, item.ChatID, item.MessageThreadID, "tts.mp3", audio); err != nil {
		w.reply(item, fmt.Sprintf("⚠️ Could not send the voice note: %s", err))
	}
}

// runPrompt forwards one prompt to the agent under the foreground timeout,
// keeping the typing indicator alive while it runs.
func (w *Worker) runPrompt(ctx context.Context, item queue.InboundItem, message string, images []rpc.Image) (string, error) {
	stop := w.keepTyping(ctx, item)
	defer stop()
	start := w.now()
	text, err := w.runner.RunPrompt(ctx, item.SessionFile, message, int64(w.settings.RPCPromptTimeoutSeconds)*1000, images)
	w.metrics.PromptDuration.Record(ctx, w.now().Sub(start).Seconds())
	return text, err
}

// keepTyping sends the typing action immediately and then every few seconds
// until the returned stop func is called.
func (w *Worker) keepTyping(ctx context.Context, item queue.InboundItem) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(chatActionKeepalive)
		defer t.Stop()
		for {
			if err := w.tg.SendChatAction(ctx, item.ChatID, item.MessageThreadID, telegram.ActionTyping); err != nil {
				w.log.Debug("chat action", "chat_id", item.ChatID, "error", err)
			}
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return func() { close(done) }
}

// prefixed adds the routing metadata line the agent uses to address replies.
func (w *Worker) prefixed(item queue.InboundItem, text string) string {
	return fmt.Sprintf("[msg:%d:%d] [%s]\n%s", item.ChatID, item.MessageID, w.localTimestamp(item.Date), text)
}
