package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_TickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := NewFake(start)
	ticker := fake.NewTicker(5 * time.Second)
	defer ticker.Stop()

	fake.Advance(4 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before its interval elapsed")
	default:
	}

	fake.Advance(time.Second)
	select {
	case tick := <-ticker.C:
		assert.Equal(t, start.Add(5*time.Second), tick)
	default:
		t.Fatal("ticker did not fire")
	}
	assert.Equal(t, start.Add(5*time.Second), fake.Now())
}

func TestFake_StopRemovesTicker(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	require.Equal(t, 1, fake.ActiveTickers())

	ticker.Stop()
	assert.Equal(t, 0, fake.ActiveTickers())

	fake.Advance(2 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFake_DropsOverflowTicks(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)

	fake.Advance(3 * time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("expected overflowed ticks to be dropped")
	default:
	}
}
