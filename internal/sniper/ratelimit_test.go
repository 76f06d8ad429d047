package sniper

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_SpacesConsecutiveCalls(t *testing.T) {
	l := NewLimiter(80*time.Millisecond, 0, 0)
	ctx := context.Background()

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("second call waited %s, want >= ~80ms spacing", elapsed)
	}
}

func TestLimiter_JitterWithinBounds(t *testing.T) {
	l := NewLimiter(10*time.Millisecond, 5*time.Millisecond, 15*time.Millisecond)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	l.randF = func() float64 { return 0.5 }

	_ = l.Wait(context.Background())
	// spacing 10ms + jitter 5+0.5*10 = 10ms
	if want := base.Add(20 * time.Millisecond); !l.next.Equal(want) {
		t.Errorf("next = %s, want %s", l.next.Sub(base), want.Sub(base))
	}
}

func TestLimiter_CancelledContext(t *testing.T) {
	l := NewLimiter(time.Hour, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	cancel()
	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx) }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}
