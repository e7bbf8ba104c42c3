package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/scpishot/internal/acquire"
)

// countingAcquirer succeeds okCount times, then fails.
type countingAcquirer struct {
	mu      sync.Mutex
	calls   int
	okCount int
	delay   time.Duration
}

func (a *countingAcquirer) Acquire(ctx context.Context, tag, resourceID string) (*acquire.Artifact, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls > a.okCount {
		return nil, &acquire.Error{Kind: acquire.KindTransport, TypeTag: tag, ResourceID: resourceID, Err: errors.New("timeout")}
	}
	return &acquire.Artifact{TypeTag: tag, ResourceID: resourceID}, nil
}

func (a *countingAcquirer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestClampInterval(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, 200 * time.Millisecond},
		{50 * time.Millisecond, 200 * time.Millisecond},
		{time.Second, time.Second},
		{time.Minute, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampInterval(tt.in), tt.in.String())
	}
}

func TestAutoRefresh_StopsOnError(t *testing.T) {
	acq := &countingAcquirer{okCount: 2}

	var mu sync.Mutex
	var results []error
	r := NewAutoRefresh(acq, "T", "USB0::1::INSTR", 0, func(a *acquire.Artifact, err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	}, zaptest.NewLogger(t))

	require.NoError(t, r.Start())

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("auto refresh did not stop after failure")
	}

	assert.False(t, r.IsRunning())
	assert.Equal(t, 2, r.Captures())
	assert.True(t, acquire.IsKind(r.Err(), acquire.KindTransport))
	assert.Equal(t, 3, acq.Calls())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 3)
	assert.NoError(t, results[0])
	assert.Error(t, results[2])

	// Stop after a self-stop is harmless
	r.Stop()
}

func TestAutoRefresh_Stop(t *testing.T) {
	acq := &countingAcquirer{okCount: 1 << 30}
	r := NewAutoRefresh(acq, "T", "USB0::1::INSTR", 0, nil, zaptest.NewLogger(t))

	require.NoError(t, r.Start())
	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())

	time.Sleep(450 * time.Millisecond)
	r.Stop()

	assert.False(t, r.IsRunning())
	assert.NoError(t, r.Err())
	calls := acq.Calls()
	assert.GreaterOrEqual(t, calls, 1)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, calls, acq.Calls(), "no captures after Stop")
}

func TestAutoRefresh_SlowCaptureSkipsTicks(t *testing.T) {
	acq := &countingAcquirer{okCount: 1 << 30, delay: 700 * time.Millisecond}
	r := NewAutoRefresh(acq, "T", "USB0::1::INSTR", 0, nil, zaptest.NewLogger(t))

	require.NoError(t, r.Start())
	time.Sleep(1500 * time.Millisecond)
	r.Stop()

	// 200ms ticks, but every capture holds the worker for 700ms
	assert.LessOrEqual(t, acq.Calls(), 2)
	assert.NoError(t, r.Err(), "cancelled capture is not a failure")
}
