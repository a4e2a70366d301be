package worker

import (
	"context"

	"github.com/basket/rho-bridge/internal/bus"
	"github.com/basket/rho-bridge/internal/outbound"
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/telegram"
)

// FlushOutbound delivers pending replies. Each item is rendered into chunks;
// the reply reference goes on chunk 0 only. A parse-mode rejection retries
// the same chunk in plain text, retryable API errors reschedule the whole
// item with backoff, and permanent errors drop it.
func (w *Worker) FlushOutbound(ctx context.Context) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	items := w.outbox.Load()
	if len(items) == 0 {
		return
	}
	nowMs := w.now().UnixMilli()
	remaining := make([]queue.OutboundItem, 0, len(items))
	// Persisted after every settled item: a crash between a send and the
	// final save must not leave the delivered item on disk for redelivery.
	persist := func(tail []queue.OutboundItem) {
		snapshot := make([]queue.OutboundItem, 0, len(remaining)+len(tail))
		snapshot = append(snapshot, remaining...)
		snapshot = append(snapshot, tail...)
		if err := w.outbox.Save(snapshot); err != nil {
			w.log.Error("persist outbound queue", "error", err)
		}
	}
	for i, item := range items {
		if item.NotBeforeMs > nowMs {
			remaining = append(remaining, item)
			continue
		}
		switch err := w.sendItem(ctx, item); {
		case err == nil:
			w.consecutiveSendFailures = 0
			w.metrics.OutboundSent.Add(ctx, 1)
			w.bus.Publish(bus.TopicOutboundSent, bus.OutboundEvent{
				ChatID:   item.ChatID,
				Chunks:   len(outbound.Render(item.Text, outbound.MaxChunkLen)),
				Attempts: item.Attempts + 1,
			})
		case outbound.ShouldRetry(err, item.Attempts):
			w.consecutiveSendFailures++
			w.metrics.SendRetries.Add(ctx, 1)
			delay := outbound.RetryDelayMs(err, item.Attempts)
			item.Attempts++
			item.NotBeforeMs = nowMs + delay
			remaining = append(remaining, item)
			w.log.Warn("send failed, will retry", "chat_id", item.ChatID, "attempts", item.Attempts, "delay_ms", delay, "error", err)
		default:
			w.consecutiveSendFailures++
			w.metrics.OutboundDropped.Add(ctx, 1)
			w.bus.Publish(bus.TopicOutboundDropped, bus.OutboundEvent{
				ChatID:   item.ChatID,
				Attempts: item.Attempts + 1,
				Reason:   err.Error(),
			})
			w.log.Error("send failed permanently, dropping", "chat_id", item.ChatID, "error", err)
		}
		persist(items[i+1:])
	}
}

// sendItem sends every chunk of one item in order. The first failed chunk
// aborts the item; a retry resends from chunk 0 with the same reply
// reference.
func (w *Worker) sendItem(ctx context.Context, item queue.OutboundItem) error {
	chunks := outbound.Render(item.Text, outbound.MaxChunkLen)
	for i, chunk := range chunks {
		p := telegram.SendParams{
			ChatID:             item.ChatID,
			Text:               chunk.HTML,
			ParseMode:          "HTML",
			MessageThreadID:    item.MessageThreadID,
			DisableLinkPreview: true,
		}
		if i == 0 {
			p.ReplyToMessageID = item.ReplyToMessageID
		}
		if err := w.sendChunk(ctx, p, chunk.Plain); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk tries the rendered form first and falls back to plain text when
// the server rejects the markup.
func (w *Worker) sendChunk(ctx context.Context, p telegram.SendParams, plain string) error {
	_, err := w.tg.SendMessage(ctx, p)
	if err == nil {
		return nil
	}
	if !telegram.IsParseModeRejection(err) {
		return err
	}
	p.Text = plain
	p.ParseMode = ""
	_, err = w.tg.SendMessage(ctx, p)
	return err
}

// ConsecutiveSendFailures reports the current send failure streak.
func (w *Worker) ConsecutiveSendFailures() int { return w.consecutiveSendFailures }
