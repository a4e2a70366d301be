package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicInboundAccepted)
	defer b.Unsubscribe(sub)

	b.Publish(TopicInboundAccepted, InboundEvent{UpdateID: 7, ChatID: 100})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(InboundEvent)
		if !ok || payload.UpdateID != 7 {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	inbound := b.Subscribe("inbound.")
	outbound := b.Subscribe("outbound.")
	defer func() {
		b.Unsubscribe(all)
		b.Unsubscribe(inbound)
		b.Unsubscribe(outbound)
	}()

	b.Publish(TopicInboundBlocked, InboundEvent{Reason: "user_not_allowed"})

	if ev := <-all.Ch(); ev.Topic != TopicInboundBlocked {
		t.Fatalf("all sub got %q", ev.Topic)
	}
	if ev := <-inbound.Ch(); ev.Topic != TopicInboundBlocked {
		t.Fatalf("inbound sub got %q", ev.Topic)
	}
	select {
	case ev := <-outbound.Ch():
		t.Fatalf("outbound sub got %q", ev.Topic)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicOutboundSent, OutboundEvent{ChatID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
	// Double unsubscribe is harmless.
	b.Unsubscribe(sub)
}
