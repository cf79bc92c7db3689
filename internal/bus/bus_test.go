package bus

import (
	"context"
	"testing"
	"time"
)

func TestDispatchOutboundRoutesToSubscriber(t *testing.T) {
	b := NewMessageBus(10)

	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("twilio", func(msg OutboundMessage) {
		got <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "twilio", ChatID: "+15551234567", Content: "hello"}

	select {
	case msg := <-got:
		if msg.Content != "hello" || msg.ChatID != "+15551234567" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestDispatchOutboundDropsUnknownChannel(t *testing.T) {
	b := NewMessageBus(10)

	got := make(chan OutboundMessage, 2)
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) {
		got <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "nosuch", Content: "dropped"}
	b.Outbound <- OutboundMessage{Channel: "telegram", Content: "kept"}

	select {
	case msg := <-got:
		if msg.Content != "kept" {
			t.Errorf("expected only the telegram message, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "twilio", ChatID: "+15551234567"}
	if got := msg.SessionKey(); got != "twilio:+15551234567" {
		t.Errorf("SessionKey() = %q", got)
	}
}

func TestNewMessageIDUnique(t *testing.T) {
	if NewMessageID() == NewMessageID() {
		t.Error("expected unique message ids")
	}
}
