package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDefaultSchedule(t *testing.T) {
	t.Parallel()

	var b Backoff
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("retry %d: budget unexpectedly exhausted", i)
		}
		if d != w {
			t.Errorf("retry %d: delay = %v, want %v", i, d, w)
		}
	}
}

func TestBackoffCustomSchedule(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, w := range want {
		d, _ := b.Next()
		if d != w {
			t.Errorf("retry %d: delay = %v, want %v", i, d, w)
		}
	}
}

func TestBackoffBudget(t *testing.T) {
	t.Parallel()

	b := Backoff{Budget: 3}
	for i := range 3 {
		if _, ok := b.Next(); !ok {
			t.Fatalf("retry %d: want granted", i)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatal("fourth retry granted, want budget exhausted")
	}
	if got := b.Tries(); got != 3 {
		t.Errorf("Tries() = %d, want 3", got)
	}

	b.Reset()
	if _, ok := b.Next(); !ok {
		t.Fatal("retry after Reset not granted")
	}
}

func TestBackoffResetRestartsSchedule(t *testing.T) {
	t.Parallel()

	var b Backoff
	b.Next()
	b.Next()
	b.Reset()

	d, _ := b.Next()
	if d != time.Second {
		t.Errorf("delay after Reset = %v, want 1s", d)
	}
	if got := b.Tries(); got != 1 {
		t.Errorf("Tries() after Reset = %d, want 1", got)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sleep took %v despite cancelled context", elapsed)
	}
}

func TestSleepZeroReturnsImmediately(t *testing.T) {
	t.Parallel()

	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
