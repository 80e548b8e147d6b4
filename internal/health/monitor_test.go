package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProber struct {
	mu   sync.Mutex
	errs []error
	idx  int
}

func (f *fakeProber) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.errs) {
		return nil
	}
	err := f.errs[f.idx]
	f.idx++
	return err
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusHealthy, Classify(0))
	assert.Equal(t, StatusDegraded, Classify(1))
	assert.Equal(t, StatusDegraded, Classify(2))
	assert.Equal(t, StatusUnhealthy, Classify(3))
	assert.Equal(t, StatusUnhealthy, Classify(10))
}

func TestMonitorStartsUnknown(t *testing.T) {
	m := NewMonitor("source", &fakeProber{}, time.Minute, zap.NewNop(), nil)
	state := m.State()
	assert.Equal(t, StatusUnknown, state.Status)
	assert.True(t, state.Usable(), "unknown must not block sync attempts")
}

func TestMonitorTransitions(t *testing.T) {
	probeErr := errors.New("connection refused")
	probe := &fakeProber{errs: []error{nil, probeErr, probeErr, probeErr, nil}}
	m := NewMonitor("target", probe, time.Minute, zap.NewNop(), nil)
	ctx := context.Background()

	s := m.Check(ctx)
	assert.Equal(t, StatusHealthy, s.Status)
	assert.False(t, s.LastHealthy.IsZero())

	s = m.Check(ctx)
	assert.Equal(t, StatusDegraded, s.Status)
	assert.Equal(t, 1, s.ConsecutiveFailures)
	assert.True(t, s.Usable())

	m.Check(ctx)
	s = m.Check(ctx)
	assert.Equal(t, StatusUnhealthy, s.Status)
	assert.Equal(t, 3, s.ConsecutiveFailures)
	assert.False(t, s.Usable())
	assert.Equal(t, probeErr.Error(), s.LastError)

	// Recovery resets the failure counter outright.
	s = m.Check(ctx)
	assert.Equal(t, StatusHealthy, s.Status)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Empty(t, s.LastError)
}

func TestMonitorNotifiesOnChange(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	probe := &fakeProber{errs: []error{nil, errors.New("timeout")}}
	m := NewMonitor("source", probe, time.Minute, zap.NewNop(), func(name string, s State) {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, "source", name)
		seen = append(seen, s.Status)
	})

	m.Check(context.Background())
	m.Check(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusHealthy, StatusDegraded}, seen)
}
