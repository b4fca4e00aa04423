package eventbus

import "testing"

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New(8)
	ch, unsub := b.Subscribe("p1")
	defer unsub()

	b.Publish("p1", ToolUse, ToolUsePayload{ToolName: "grep", CumulativeCount: 1})
	b.Publish("p1", ToolUse, ToolUsePayload{ToolName: "grep", CumulativeCount: 2})
	b.Publish("p1", SessionComplete, SessionCompletePayload{SessionID: "s1", Status: "completed"})

	var got []EventType
	for i := 0; i < 3; i++ {
		got = append(got, (<-ch).Type)
	}
	want := []EventType{ToolUse, ToolUse, SessionComplete}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestIndependentSubscribers(t *testing.T) {
	b := New(8)
	ch1, unsub1 := b.Subscribe("p1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("p1")
	defer unsub2()

	b.Publish("p1", ToolUse, ToolUsePayload{ToolName: "grep", CumulativeCount: 1})

	if (<-ch1).Type != ToolUse {
		t.Fatal("subscriber 1 did not receive event")
	}
	if (<-ch2).Type != ToolUse {
		t.Fatal("subscriber 2 did not receive event")
	}
}

func TestOverflowInsertsLaggedAndKeepsTerminal(t *testing.T) {
	b := New(2)
	ch, unsub := b.Subscribe("p1")
	defer unsub()

	// Fill the buffer beyond capacity without ever reading it.
	for i := 0; i < 5; i++ {
		b.Publish("p1", ToolUse, ToolUsePayload{ToolName: "grep", CumulativeCount: i})
	}
	b.Publish("p1", SessionComplete, SessionCompletePayload{SessionID: "s1", Status: "completed"})

	var sawLagged, sawTerminal bool
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			if ev.Type == Lagged {
				sawLagged = true
			}
			if ev.Type == SessionComplete {
				sawTerminal = true
			}
		default:
			if !sawTerminal {
				t.Fatal("terminal event was dropped")
			}
			if !sawLagged {
				t.Fatal("expected a Lagged marker after overflow")
			}
			return
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(4)
	_, unsub := b.Subscribe("p1")
	unsub()
	unsub() // must not panic
}

func TestUnsubscribeDuringPublishDoesNotPanic(t *testing.T) {
	b := New(2)
	_, unsub := b.Subscribe("p1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish("p1", ToolUse, ToolUsePayload{CumulativeCount: i})
		}
	}()
	unsub()
	<-done

	// A publish after unsubscribe is a no-op.
	b.Publish("p1", SessionComplete, SessionCompletePayload{SessionID: "s1"})
}

func TestFreshSubscriberDoesNotReplayHistory(t *testing.T) {
	b := New(4)
	b.Publish("p1", ToolUse, ToolUsePayload{ToolName: "grep", CumulativeCount: 1})

	ch, unsub := b.Subscribe("p1")
	defer unsub()

	b.Publish("p1", ToolUse, ToolUsePayload{ToolName: "grep", CumulativeCount: 2})
	ev := <-ch
	payload := ev.Payload.(ToolUsePayload)
	if payload.CumulativeCount != 2 {
		t.Fatalf("expected only the post-subscribe event, got cumulative count %d", payload.CumulativeCount)
	}
}
