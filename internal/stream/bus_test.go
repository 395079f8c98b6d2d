package stream

import (
	"log/slog"
	"sync"
	"testing"

	"rechat/pkg/domain"
)

func TestSubscribeDeliversConnectedEvent(t *testing.T) {
	bus := NewBus(4, slog.Default())
	sub := bus.Subscribe("user-a")
	defer bus.Unsubscribe("user-a", sub)

	ev := <-sub.Events()
	if ev.Type != domain.EventConnected {
		t.Fatalf("first event = %q, want %q", ev.Type, domain.EventConnected)
	}
}

func TestPublishFansOutToAllUserChannels(t *testing.T) {
	bus := NewBus(4, slog.Default())
	subA1 := bus.Subscribe("user-a")
	subA2 := bus.Subscribe("user-a")
	subB := bus.Subscribe("user-b")
	defer bus.Unsubscribe("user-a", subA1)
	defer bus.Unsubscribe("user-a", subA2)
	defer bus.Unsubscribe("user-b", subB)

	// Drain connected events.
	<-subA1.Events()
	<-subA2.Events()
	<-subB.Events()

	bus.Publish("user-a", domain.Event{Type: domain.EventConversationCreated, ConversationID: "c1"})

	for _, sub := range []*Subscriber{subA1, subA2} {
		ev := <-sub.Events()
		if ev.Type != domain.EventConversationCreated || ev.ConversationID != "c1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
	select {
	case ev := <-subB.Events():
		t.Fatalf("user-b received user-a's event: %+v", ev)
	default:
	}
}

func TestPublishPrunesSubscriberThatStoppedDraining(t *testing.T) {
	bus := NewBus(1, slog.Default())
	sub := bus.Subscribe("user-a")
	// The pre-delivered connected event fills the single-slot buffer,
	// so the next publish finds it full and prunes the channel.
	bus.Publish("user-a", domain.Event{Type: domain.EventConversationUpdated})

	if got := bus.SubscriberCount("user-a"); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}

	// Channel must be closed after draining the buffered event.
	<-sub.Events()
	if _, open := <-sub.Events(); open {
		t.Fatal("expected pruned subscriber channel to be closed")
	}

	// Publishing again for the user must be a no-op, not a panic.
	bus.Publish("user-a", domain.Event{Type: domain.EventConversationUpdated})
}

func TestSubscribeSurvivesConcurrentPruneOfLastChannel(t *testing.T) {
	// A publish that prunes the user's last dead channel removes the
	// user entry; a Subscribe racing with it must still end up
	// registered and reachable by later publishes.
	bus := NewBus(2, slog.Default())
	for i := 0; i < 1000; i++ {
		dead := bus.Subscribe("user-a")
		// Fill the dead channel's buffer so the next publish prunes it.
		bus.Publish("user-a", domain.Event{Type: domain.EventConversationUpdated})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish("user-a", domain.Event{Type: domain.EventConversationUpdated})
		}()
		live := bus.Subscribe("user-a")
		wg.Wait()

		if got := bus.SubscriberCount("user-a"); got == 0 {
			t.Fatalf("iteration %d: subscriber lost to a concurrent prune", i)
		}

		for drained := false; !drained; {
			select {
			case <-live.Events():
			default:
				drained = true
			}
		}
		bus.Publish("user-a", domain.Event{Type: domain.EventConversationDeleted})
		select {
		case ev := <-live.Events():
			if ev.Type != domain.EventConversationDeleted {
				t.Fatalf("iteration %d: unexpected event %+v", i, ev)
			}
		default:
			t.Fatalf("iteration %d: publish missed the surviving subscriber", i)
		}

		bus.Unsubscribe("user-a", live)
		_ = dead
	}
}

func TestUnsubscribeLastChannelRemovesUserEntry(t *testing.T) {
	bus := NewBus(4, slog.Default())
	sub1 := bus.Subscribe("user-a")
	sub2 := bus.Subscribe("user-a")

	bus.Unsubscribe("user-a", sub1)
	if got := bus.SubscriberCount("user-a"); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}
	bus.Unsubscribe("user-a", sub2)
	if got := bus.SubscriberCount("user-a"); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}

	bus.mu.RLock()
	_, exists := bus.users["user-a"]
	bus.mu.RUnlock()
	if exists {
		t.Fatal("expected empty user entry to be removed")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(4, slog.Default())
	sub := bus.Subscribe("user-a")
	bus.Unsubscribe("user-a", sub)
	bus.Unsubscribe("user-a", sub)
}
