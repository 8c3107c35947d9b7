package events

import (
	"sync"
	"testing"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventOccurrenceCreated)

	bus.Publish(EventOccurrenceCreated, Payload{"definition_id": "def-1"})

	select {
	case payload := <-sub:
		if payload["definition_id"] != "def-1" {
			t.Fatalf("bad payload: %v", payload)
		}
	default:
		t.Fatal("no payload delivered")
	}
}

func TestPublishOnlyMatchingType(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventOccurrenceFailed)

	bus.Publish(EventOccurrenceCreated, Payload{"definition_id": "def-1"})

	select {
	case payload := <-sub:
		t.Fatalf("unexpected delivery: %v", payload)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventHealth)

	// Overflow the buffer; publishes beyond capacity are dropped, not
	// blocked on.
	for i := 0; i < cap(sub)+5; i++ {
		bus.Publish(EventHealth, Payload{"n": i})
	}

	if len(sub) != cap(sub) {
		t.Fatalf("buffered %d payloads, want %d", len(sub), cap(sub))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventHealth)
	bus.Unsubscribe(EventHealth, sub)

	if _, ok := <-sub; ok {
		t.Fatal("channel not closed")
	}

	// Publishing after unsubscribe reaches nobody and must not panic.
	bus.Publish(EventHealth, Payload{})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bus.Publish(EventHealth, Payload{})
			}
		}
	}()

	// Churning subscribers while a publisher runs must never send on a
	// closed channel.
	for i := 0; i < 200; i++ {
		sub := bus.Subscribe(EventHealth)
		bus.Unsubscribe(EventHealth, sub)
	}

	close(stop)
	wg.Wait()
}
