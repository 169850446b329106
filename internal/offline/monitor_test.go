package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
)

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestManualMonitorPublishesTransitionsOnly(t *testing.T) {
	m := NewManualMonitor(true)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)

	assert.True(t, m.Online())
	assert.Equal(t, false, <-m.Changes())
	assert.Equal(t, true, <-m.Changes())
	select {
	case v := <-m.Changes():
		t.Fatalf("unexpected transition %v", v)
	default:
	}
}

func TestProbeMonitorCountsOnlyNetworkFailures(t *testing.T) {
	var err error
	m := NewProbeMonitor(checkerFunc(func(context.Context) error { return err }), time.Second, nil)
	ctx := context.Background()

	err = &syncerrors.BackendError{Code: "42501", Message: "permission denied"}
	assert.True(t, m.Probe(ctx))

	err = syncerrors.NewNetwork("health_check", syncerrors.CodeConnectionFailed, errors.New("refused"))
	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Online())
	assert.Equal(t, false, <-m.Changes())

	err = nil
	assert.True(t, m.Probe(ctx))
	assert.Equal(t, true, <-m.Changes())
}

func TestProbeMonitorRunStopsWithContext(t *testing.T) {
	calls := make(chan struct{}, 100)
	m := NewProbeMonitor(checkerFunc(func(context.Context) error {
		calls <- struct{}{}
		return nil
	}), 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	<-calls
	<-calls
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
