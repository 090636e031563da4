package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"grid_engine/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResyncMeasuresOffset(t *testing.T) {
	serverTime := func(_ context.Context) (int64, error) {
		return time.Now().UnixMilli() + 5000, nil
	}
	s := NewSync(serverTime, time.Hour, logging.Nop())

	require.NoError(t, s.Resync(context.Background()))

	// Allow a little slack for the round trip midpoint estimate.
	assert.InDelta(t, 5000, s.Offset(), 50)
}

func TestTimestampAppliesOffset(t *testing.T) {
	serverTime := func(_ context.Context) (int64, error) {
		return time.Now().UnixMilli() - 3000, nil
	}
	s := NewSync(serverTime, time.Hour, logging.Nop())
	require.NoError(t, s.Resync(context.Background()))

	got := s.Timestamp()
	want := time.Now().UnixMilli() - 3000
	assert.InDelta(t, want, got, 50)
}

func TestResyncPropagatesError(t *testing.T) {
	wantErr := errors.New("venue unreachable")
	s := NewSync(func(_ context.Context) (int64, error) { return 0, wantErr }, time.Hour, logging.Nop())

	err := s.Resync(context.Background())
	assert.ErrorIs(t, err, wantErr)
	assert.EqualValues(t, 0, s.Offset())
}

func TestStartFailsWhenInitialResyncFails(t *testing.T) {
	s := NewSync(func(_ context.Context) (int64, error) {
		return 0, errors.New("down")
	}, time.Hour, logging.Nop())

	assert.Error(t, s.Start(context.Background()))
}

func TestStartStopLifecycle(t *testing.T) {
	s := NewSync(func(_ context.Context) (int64, error) {
		return time.Now().UnixMilli(), nil
	}, 10*time.Millisecond, logging.Nop())

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	assert.InDelta(t, 0, s.Offset(), 50)
}
