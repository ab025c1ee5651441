package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherline/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	c := clock.Fake(epoch)
	require.Equal(t, epoch, c.Now())
	c.Advance(5 * time.Second)
	require.Equal(t, epoch.Add(5*time.Second), c.Now())
}

func TestFakeTimerFiresAtDeadline(t *testing.T) {
	c := clock.Fake(epoch)
	timer := c.NewTimer(5 * time.Second)

	c.Advance(3 * time.Second)
	select {
	case <-timer.C:
		t.Fatal("timer fired before deadline")
	default:
	}

	c.Advance(2 * time.Second)
	select {
	case <-timer.C:
	default:
		t.Fatal("timer did not fire at deadline")
	}
	require.False(t, timer.Stop())
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := clock.Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
	require.Zero(t, c.PendingCount())
}

func TestFakeStoppedTimerIsNotPending(t *testing.T) {
	c := clock.Fake(epoch)
	timer := c.NewTimer(time.Second)
	require.Equal(t, 1, c.PendingCount())
	require.True(t, timer.Stop())
	require.Zero(t, c.PendingCount())

	c.Advance(time.Second)
	select {
	case <-timer.C:
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFakeTickerRepeats(t *testing.T) {
	c := clock.Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
	require.Equal(t, 1, c.PendingCount())
}

func TestFakeWaitForTimers(t *testing.T) {
	c := clock.Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(10 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(10 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake")
	}
}
