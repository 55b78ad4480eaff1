package propsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propsync/internal/propsync"
	"propsync/internal/testutil"
)

type healthFixture struct {
	monitor *propsync.HealthMonitor
	remote  *testutil.FaultyRemote
	clock   *testutil.StubClock
	logger  *testutil.RecordingLogger
}

func newHealthFixture(t *testing.T) healthFixture {
	t.Helper()
	f := healthFixture{
		remote: testutil.NewFaultyRemote(),
		clock:  testutil.FixedClock(),
		logger: testutil.NewRecordingLogger(),
	}
	f.monitor = propsync.NewHealthMonitor(f.remote, f.clock, f.logger, propsync.DefaultHealthConfig())
	return f
}

func TestCheckHealth_CachesResult(t *testing.T) {
	ctx := context.Background()
	f := newHealthFixture(t)

	assert.True(t, f.monitor.CheckHealth(ctx))
	f.clock.Advance(4 * time.Second)
	assert.True(t, f.monitor.CheckHealth(ctx))
	assert.Equal(t, 1, f.remote.Calls(testutil.OpEnable))

	f.clock.Advance(time.Second)
	assert.True(t, f.monitor.CheckHealth(ctx))
	assert.Equal(t, 2, f.remote.Calls(testutil.OpEnable))
}

func TestCheckHealth_ReportsUnreachable(t *testing.T) {
	ctx := context.Background()
	f := newHealthFixture(t)
	f.remote.Fail(testutil.OpEnable, propsync.ErrUnavailable)

	assert.False(t, f.monitor.CheckHealth(ctx))
	assert.False(t, f.monitor.Healthy())
	assert.True(t, f.logger.Contains("WARN", "remote store unreachable"))

	f.remote.Heal()
	f.clock.Advance(5 * time.Second)
	assert.True(t, f.monitor.CheckHealth(ctx))
	assert.True(t, f.logger.Contains("INFO", "remote store reachable"))
}

func TestMarkUnhealthy_ForcesRecheck(t *testing.T) {
	ctx := context.Background()
	f := newHealthFixture(t)

	f.monitor.CheckHealth(ctx)
	f.monitor.MarkUnhealthy()
	assert.False(t, f.monitor.Healthy())

	assert.True(t, f.monitor.CheckHealth(ctx))
	assert.Equal(t, 2, f.remote.Calls(testutil.OpEnable))
}

func TestRecover_Strategies(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantWaits   []time.Duration
		wantDisable int
		wantRefresh int
	}{
		{
			name:        "internal assertion cycles the network",
			err:         errors.New("FIRESTORE INTERNAL ASSERTION FAILED: Unexpected state"),
			wantWaits:   []time.Duration{time.Second},
			wantDisable: 1,
		},
		{
			name:        "duplicate target cycles with a longer pause",
			err:         propsync.ErrDuplicateTarget,
			wantWaits:   []time.Duration{2 * time.Second},
			wantDisable: 1,
		},
		{
			name:        "permission refreshes credentials",
			err:         errors.New("Missing or insufficient permissions."),
			wantRefresh: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHealthFixture(t)
			f.monitor.MarkUnhealthy()

			require.True(t, f.monitor.Recover(context.Background(), tt.err))
			assert.Equal(t, tt.wantWaits, f.clock.Waits())
			assert.Equal(t, tt.wantDisable, f.remote.Calls(testutil.OpDisable))
			assert.Equal(t, tt.wantDisable, f.remote.Calls(testutil.OpEnable))
			assert.Equal(t, tt.wantRefresh, f.remote.Calls(testutil.OpRefresh))

			snap := f.monitor.Snapshot()
			assert.True(t, snap.Healthy)
			assert.Equal(t, 1, snap.RecoveryAttempts)
			assert.Equal(t, f.clock.Now(), snap.LastRecovery)
		})
	}
}

func TestRecover_IgnoresUnknownErrors(t *testing.T) {
	f := newHealthFixture(t)

	for _, err := range []error{propsync.ErrUnavailable, propsync.ErrDocumentTooLarge, propsync.ErrNotFound} {
		assert.False(t, f.monitor.Recover(context.Background(), err))
	}
	assert.Zero(t, f.monitor.Snapshot().RecoveryAttempts)
	assert.Zero(t, f.remote.Calls(testutil.OpDisable)+f.remote.Calls(testutil.OpRefresh))
}

func TestRecover_CapsAttemptsWithinWindow(t *testing.T) {
	ctx := context.Background()
	f := newHealthFixture(t)

	for i := 0; i < 3; i++ {
		require.True(t, f.monitor.Recover(ctx, propsync.ErrPermissionDenied), "attempt %d", i+1)
	}
	assert.False(t, f.monitor.Recover(ctx, propsync.ErrPermissionDenied))
	assert.Equal(t, 3, f.remote.Calls(testutil.OpRefresh))
	assert.True(t, f.logger.Contains("WARN", "recovery limit reached"))
}

func TestRecover_CooldownResetsCounter(t *testing.T) {
	ctx := context.Background()
	f := newHealthFixture(t)

	for i := 0; i < 3; i++ {
		require.True(t, f.monitor.Recover(ctx, propsync.ErrPermissionDenied))
	}
	f.clock.Advance(29 * time.Second)
	assert.False(t, f.monitor.Recover(ctx, propsync.ErrPermissionDenied))

	f.clock.Advance(time.Second)
	assert.True(t, f.monitor.Recover(ctx, propsync.ErrPermissionDenied))
	assert.Equal(t, 1, f.monitor.Snapshot().RecoveryAttempts)
}

func TestRecover_WindowResetsAfterFailures(t *testing.T) {
	ctx := context.Background()
	f := newHealthFixture(t)
	f.remote.Fail(testutil.OpRefresh, errors.New("token endpoint unreachable"))

	for i := 0; i < 3; i++ {
		assert.False(t, f.monitor.Recover(ctx, propsync.ErrPermissionDenied))
	}
	assert.Equal(t, 3, f.remote.Calls(testutil.OpRefresh))
	assert.False(t, f.monitor.Healthy())

	f.remote.Heal()
	assert.False(t, f.monitor.Recover(ctx, propsync.ErrPermissionDenied), "cap still applies")
	assert.Equal(t, 3, f.remote.Calls(testutil.OpRefresh))

	f.clock.Advance(time.Minute)
	assert.True(t, f.monitor.Recover(ctx, propsync.ErrPermissionDenied))
	assert.True(t, f.monitor.Healthy())
}

func TestRecover_CycleFailureLeavesUnhealthy(t *testing.T) {
	f := newHealthFixture(t)
	f.remote.Fail(testutil.OpDisable, propsync.ErrUnavailable)

	assert.False(t, f.monitor.Recover(context.Background(), propsync.ErrInternalAssertion))
	assert.False(t, f.monitor.Healthy())
	assert.True(t, f.logger.Contains("WARN", "connection recovery failed"))
}
