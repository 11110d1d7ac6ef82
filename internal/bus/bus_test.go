package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundMessage_SessionKey(t *testing.T) {
	m := InboundMessage{Channel: "discord", ChatID: "123"}
	if got := m.SessionKey(); got != "discord:123" {
		t.Errorf("SessionKey = %q, want discord:123", got)
	}
}

func TestMessageBus_DispatchOutbound(t *testing.T) {
	b := NewMessageBus(4)
	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("discord", func(msg OutboundMessage) { got <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "unknown", Content: "dropped"}
	b.Outbound <- OutboundMessage{Channel: "discord", ChatID: "1", Content: "hi"}

	select {
	case msg := <-got:
		if msg.Content != "hi" {
			t.Errorf("content = %q, want hi", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}
}

func TestMessageBus_DispatchStopsOnCancel(t *testing.T) {
	b := NewMessageBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchOutbound did not return after cancel")
	}
}
