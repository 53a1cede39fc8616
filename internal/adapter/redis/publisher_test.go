package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rylieai/handover/internal/config"
	"github.com/rylieai/handover/internal/domain/handover"
)

func TestChannel(t *testing.T) {
	p := NewPublisher(nil, "rylie")
	if got := p.Channel(handover.EventIntentTriggered); got != "rylie:handover.intent.triggered" {
		t.Fatalf("Channel = %q", got)
	}
	if got := NewPublisher(nil, "").Channel("x"); got != "x" {
		t.Fatalf("Channel without prefix = %q", got)
	}
}

func TestPublisher_EmitAndForward(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("requires REDIS_ADDR")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := Connect(ctx, config.Redis{Addr: addr, ChannelPrefix: "handover-test"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = p.Close() }()

	type got struct {
		name    string
		payload json.RawMessage
	}
	received := make(chan got, 1)
	if err := p.StartForwarder(ctx, func(name string, payload json.RawMessage) {
		received <- got{name, payload}
	}); err != nil {
		t.Fatalf("StartForwarder: %v", err)
	}

	ev := handover.ConfigChangedEvent{Source: "manual", Version: 7}
	if err := p.Emit(ctx, handover.EventConfigChanged, ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case g := <-received:
		if g.name != handover.EventConfigChanged {
			t.Errorf("name = %q", g.name)
		}
		var back handover.ConfigChangedEvent
		if err := json.Unmarshal(g.payload, &back); err != nil {
			t.Fatal(err)
		}
		if back.Version != 7 {
			t.Errorf("version = %d", back.Version)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for forwarded event")
	}
}
