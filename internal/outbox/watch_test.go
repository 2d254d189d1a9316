package outbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"planbox/internal/outbox"
)

// Claiming a bundle renames it away from ready/, which the watcher
// observes. That must not re-deliver the bundle to the callback.
func TestWatchDeliversArrivalOnceDespiteClaim(t *testing.T) {
	o := newOutbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var calls []string
	first := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- o.Watch(ctx, zap.NewNop(), func(name string) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			if _, err := o.Claim(outbox.StateReady, name); err != nil {
				t.Errorf("claim %s: %v", name, err)
			}
			select {
			case first <- struct{}{}:
			default:
			}
		})
	}()

	// give the watcher time to attach before the bundle lands
	time.Sleep(100 * time.Millisecond)
	dropBundle(t, o, outbox.StateReady, "late.json", validBundle)

	select {
	case <-first:
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher never saw the bundle")
	}
	// settle window for any spurious re-delivery from the claim rename
	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "late.json" {
		t.Fatalf("onReady calls = %v", calls)
	}
}
