package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/rollout/internal/core/domain"
)

func TestBus_FanOut(t *testing.T) {
	b := New(nil)
	ch1, cancel1 := b.Subscribe("first", 4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe("second", 4)
	defer cancel2()

	ev := domain.DeploymentEvent{Type: domain.EventPhaseStarted, DeploymentID: "d1"}
	b.Publish(ev)

	select {
	case got := <-ch1:
		assert.Equal(t, ev.DeploymentID, got.DeploymentID)
	case <-time.After(time.Second):
		t.Fatal("first subscriber did not receive event")
	}
	select {
	case got := <-ch2:
		assert.Equal(t, ev.Type, got.Type)
	case <-time.After(time.Second):
		t.Fatal("second subscriber did not receive event")
	}
}

func TestBus_DeliveryOrder(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe("ordered", 8)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(domain.DeploymentEvent{Attempt: i})
	}

	for i := 0; i < 5; i++ {
		select {
		case got := <-ch:
			assert.Equal(t, i, got.Attempt)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestBus_FullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe("slow", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(domain.DeploymentEvent{Attempt: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The first event fit the buffer; later ones were dropped.
	got := <-ch
	assert.Equal(t, 0, got.Attempt)
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe("gone", 4)

	b.Publish(domain.DeploymentEvent{Attempt: 1})
	require.Len(t, drain(ch), 1)

	cancel()
	b.Publish(domain.DeploymentEvent{Attempt: 2})
	assert.Empty(t, drain(ch))
}

func drain(ch <-chan domain.DeploymentEvent) []domain.DeploymentEvent {
	var events []domain.DeploymentEvent
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-time.After(50 * time.Millisecond):
			return events
		}
	}
}
