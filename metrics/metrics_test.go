package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mirrorstore/mirrorstore/metrics"
)

type mockSetter struct {
	ch chan float64
}

func (m *mockSetter) Set(v float64) {
	select {
	case m.ch <- v:
	default:
	}
}

type mockStats struct{}

func (mockStats) ConnectionCount() int32     { return 3 }
func (mockStats) Push2SlaveMaxOffset() int64 { return 1024 }
func (mockStats) FallBehind() int64          { return 512 }

func TestStartReplicationMonitor(t *testing.T) {
	t.Parallel()

	// --- given ---
	conns := &mockSetter{ch: make(chan float64, 1)}
	ack := &mockSetter{ch: make(chan float64, 1)}
	fall := &mockSetter{ch: make(chan float64, 1)}

	// --- when ---
	go metrics.StartReplicationMonitor(conns, ack, fall, mockStats{}, 10*time.Millisecond)

	// --- then --- each gauge is published within a few intervals
	assert.Equal(t, 3.0, waitValue(t, conns.ch))
	assert.Equal(t, 1024.0, waitValue(t, ack.ch))
	assert.Equal(t, 512.0, waitValue(t, fall.ch))
}

func waitValue(t *testing.T, ch chan float64) float64 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not publish a sample in time")
		return 0
	}
}
