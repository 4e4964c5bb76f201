package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestPacerSpacesConsecutiveRequests(t *testing.T) {
	p := New(Config{MinDelay: 100 * time.Millisecond})
	ctx := context.Background()

	// First call should be immediate.
	start := time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Logf("warning: first wait took %v", time.Since(start))
	}

	start = time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestPacerJitterStaysInRange(t *testing.T) {
	p := New(Config{MinDelay: 0, MaxDelay: 30 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		start := time.Now()
		if err := p.Wait(ctx); err != nil {
			t.Fatal(err)
		}
		if dur := time.Since(start); dur > 200*time.Millisecond {
			t.Errorf("jittered wait too long: %v", dur)
		}
	}
}

func TestPacerZeroConfigDoesNotBlock(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("unpaced waits blocked for %v", time.Since(start))
	}
}

func TestPacerHonorsCanceledContext(t *testing.T) {
	p := New(Config{MinDelay: time.Hour})
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
