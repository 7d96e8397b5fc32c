package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	var mu sync.Mutex
	var received []Event

	bus.SubscribeFunc(EventStateChanged, func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)
		return nil
	})

	event := Event{
		Type:     EventStateChanged,
		Kind:     types.KindActivity,
		EntityID: 42,
		Data:     map[string]interface{}{"from": "DRAFT", "to": "SUBMITTED"},
	}
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event was not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0].EntityID != 42 || received[0].Kind != types.KindActivity {
		t.Errorf("unexpected event: %+v", received[0])
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: EventEntityCreated})
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("want ErrNoHandler, got %v", err)
	}
}

func TestPublishSyncCollectsErrors(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	bus.SubscribeFunc(EventDecisionRecorded, func(ctx context.Context, event Event) error {
		return nil
	})
	bus.SubscribeFunc(EventDecisionRecorded, func(ctx context.Context, event Event) error {
		return errors.New("handler boom")
	})

	errs := bus.PublishSync(context.Background(), Event{Type: EventDecisionRecorded, EntityID: 7})
	if len(errs) != 1 {
		t.Fatalf("want exactly one handler error, got %v", errs)
	}
}

func TestErrorHandlerReceivesAsyncFailures(t *testing.T) {
	errCh := make(chan error, 1)
	bus := NewBus(WithErrorHandler(func(event Event, err error) {
		errCh <- err
	}))
	defer bus.Stop()

	bus.SubscribeFunc(EventEntityDeleted, func(ctx context.Context, event Event) error {
		return errors.New("delete hook failed")
	})

	if err := bus.Publish(context.Background(), Event{Type: EventEntityDeleted, EntityID: 3}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected a non-nil handler error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler was not invoked")
	}
}

func TestPublishAfterStop(t *testing.T) {
	bus := NewBus()
	bus.SubscribeFunc(EventStateChanged, func(ctx context.Context, event Event) error {
		return nil
	})
	bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: EventStateChanged})
	if !errors.Is(err, ErrBusClosed) {
		t.Errorf("want ErrBusClosed, got %v", err)
	}

	errs := bus.PublishSync(context.Background(), Event{Type: EventStateChanged})
	if len(errs) != 1 || !errors.Is(errs[0], ErrBusClosed) {
		t.Errorf("want ErrBusClosed from PublishSync, got %v", errs)
	}
}

func TestBufferSizeOption(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	defer bus.Stop()

	block := make(chan struct{})
	bus.SubscribeFunc(EventStateChanged, func(ctx context.Context, event Event) error {
		<-block
		return nil
	})

	// First event occupies the handler, the second fills the buffer. A
	// third publish finds the channel full.
	_ = bus.Publish(context.Background(), Event{Type: EventStateChanged})
	_ = bus.Publish(context.Background(), Event{Type: EventStateChanged})

	var full bool
	for i := 0; i < 50; i++ {
		if err := bus.Publish(context.Background(), Event{Type: EventStateChanged}); errors.Is(err, ErrChannelFull) {
			full = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(block)
	if !full {
		t.Error("expected ErrChannelFull with a saturated buffer")
	}
}

func TestCanceledContext(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()
	bus.SubscribeFunc(EventStateChanged, func(ctx context.Context, event Event) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, Event{Type: EventStateChanged}); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
