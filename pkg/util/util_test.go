package util

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParallelVisitsEveryInput(t *testing.T) {
	var (
		sum     atomic.Int64
		running atomic.Int32
		peak    atomic.Int32
	)
	inputs := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	errOdd := errors.New("odd")

	err := Parallel(context.Background(), inputs, 3, func(_ context.Context, n int) error {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)

		sum.Add(int64(n))
		if n%2 == 1 {
			return errOdd
		}
		return nil
	})

	if sum.Load() != 55 {
		t.Fatalf("sum = %d, every input must be visited", sum.Load())
	}
	if !errors.Is(err, errOdd) {
		t.Fatalf("err = %v, want joined errOdd", err)
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds limit", peak.Load())
	}
}

func TestParallelEmptyAndCancelled(t *testing.T) {
	if err := Parallel(context.Background(), []int(nil), 4, func(context.Context, int) error { return errors.New("x") }); err != nil {
		t.Fatalf("empty input = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Parallel(ctx, []int{1, 2, 3}, 0, func(context.Context, int) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled = %v", err)
	}
}

func TestFormatClock(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{-time.Second, "0:00"},
		{187 * time.Second, "3:07"},
		{3723 * time.Second, "1:02:03"},
		{59*time.Second + 900*time.Millisecond, "0:59"},
	}
	for _, tt := range tests {
		if got := FormatClock(tt.in); got != tt.want {
			t.Errorf("FormatClock(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatMinSec(t *testing.T) {
	if got := FormatMinSec(187 * time.Second); got != "3 min 7 secs" {
		t.Fatalf("FormatMinSec = %q", got)
	}
	if got := FormatMinSec(-time.Minute); got != "0 min 0 secs" {
		t.Fatalf("FormatMinSec(negative) = %q", got)
	}
}
