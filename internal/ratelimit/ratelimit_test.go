package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dest = "https://api.example.com"

func TestSetBackoff_DeadlineOnlyMovesForward(t *testing.T) {
	base := time.Now()
	tbl := NewWithClock(func() time.Time { return base })

	tbl.SetBackoff(dest, 5*time.Second)
	d1, ok := tbl.Deadline(dest)
	require.True(t, ok)

	// A shorter hint must not shrink the standing deadline.
	tbl.SetBackoff(dest, time.Second)
	d2, ok := tbl.Deadline(dest)
	require.True(t, ok)
	assert.Equal(t, d1, d2)

	// A longer hint extends it.
	tbl.SetBackoff(dest, 10*time.Second)
	d3, ok := tbl.Deadline(dest)
	require.True(t, ok)
	assert.True(t, d3.After(d2))
}

func TestDeadline_ExpiredAndUnknownDestinations(t *testing.T) {
	now := time.Now()
	clock := now
	var mu sync.Mutex
	tbl := NewWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	})

	_, ok := tbl.Deadline("https://never-seen.example.com")
	assert.False(t, ok)

	tbl.SetBackoff(dest, 100*time.Millisecond)
	_, ok = tbl.Deadline(dest)
	assert.True(t, ok)

	mu.Lock()
	clock = now.Add(time.Second)
	mu.Unlock()
	_, ok = tbl.Deadline(dest)
	assert.False(t, ok, "passed deadlines are not reported")
}

func TestClearBackoff(t *testing.T) {
	tbl := New()
	tbl.SetBackoff(dest, time.Minute)
	_, ok := tbl.Deadline(dest)
	require.True(t, ok)

	tbl.ClearBackoff(dest)
	_, ok = tbl.Deadline(dest)
	assert.False(t, ok)

	// Clearing an unknown destination is a no-op.
	tbl.ClearBackoff("https://never-seen.example.com")
}

func TestWaitForBackoff_SleepsOutTheDeadline(t *testing.T) {
	tbl := New()
	tbl.SetBackoff(dest, 30*time.Millisecond)

	start := time.Now()
	require.NoError(t, tbl.WaitForBackoff(context.Background(), dest))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	// Second wait returns immediately: the deadline has passed.
	start = time.Now()
	require.NoError(t, tbl.WaitForBackoff(context.Background(), dest))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitForBackoff_NoDeadlineReturnsImmediately(t *testing.T) {
	tbl := New()
	start := time.Now()
	require.NoError(t, tbl.WaitForBackoff(context.Background(), dest))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitForBackoff_ContextCancel(t *testing.T) {
	tbl := New()
	tbl.SetBackoff(dest, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tbl.WaitForBackoff(ctx, dest)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetBackoff_ConcurrentWritersKeepMaxDeadline(t *testing.T) {
	base := time.Now()
	tbl := NewWithClock(func() time.Time { return base })

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tbl.SetBackoff(dest, time.Duration(n)*time.Second)
		}(i)
	}
	wg.Wait()

	d, ok := tbl.Deadline(dest)
	require.True(t, ok)
	assert.Equal(t, base.Add(50*time.Second).UnixMilli(), d.UnixMilli())
}
