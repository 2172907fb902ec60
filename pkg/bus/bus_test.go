package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{Channel: "test", SessionID: "s", SenderID: "u", Content: "msg"})
	}

	mb.PublishInbound(InboundMessage{Channel: "test", SessionID: "s", SenderID: "u", Content: "overflow"})
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "test", SessionID: "s", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "test", SessionID: "s", Content: "overflow"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
}

func TestMessageBus_InboundPreservesArrivalOrder(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	base := time.Now()
	for i := 0; i < 5; i++ {
		mb.PublishInbound(InboundMessage{
			SessionID:   "s",
			SenderID:    "u",
			Content:     string(rune('a' + i)),
			ArrivalTime: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	for i := 0; i < 5; i++ {
		msg, ok := mb.ConsumeInbound(context.Background())
		if !ok {
			t.Fatalf("consume %d returned ok=false", i)
		}
		if want := string(rune('a' + i)); msg.Content != want {
			t.Fatalf("message %d out of order: got %q want %q", i, msg.Content, want)
		}
	}
}
