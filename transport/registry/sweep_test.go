package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentlink/testutil"
	"github.com/BaSui01/agentlink/testutil/mocks"
	"github.com/BaSui01/agentlink/transport/events"
	"github.com/BaSui01/agentlink/types"
)

func TestSweep_ReclaimsIdleConnections(t *testing.T) {
	r, rec := newRegistry(Config{IdleTimeout: time.Minute})
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)
	base := time.Unix(1700000000, 0)
	r.now = func() time.Time { return base }

	idle, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.NoError(t, err)
	busy, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(50 * time.Second) }
	r.Touch(busy.ID)

	r.now = func() time.Time { return base.Add(61 * time.Second) }
	removed := r.Sweep()

	assert.Equal(t, []string{idle.ID}, removed)
	_, ok := r.Get(busy.ID)
	assert.True(t, ok)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, events.ConnectionClosed, last.Type)
	assert.Equal(t, ReasonStale, last.Reason)
}

func TestSweep_KeepsConnectionsWithOutstandingRequests(t *testing.T) {
	r, _ := newRegistry(Config{IdleTimeout: time.Minute})
	base := time.Unix(1700000000, 0)
	r.now = func() time.Time { return base }

	conn, err := r.Connect(context.Background(), "planner", tcpConfig(), mocks.NewFakeAdapter(types.ProtocolTCP))
	require.NoError(t, err)
	require.NoError(t, r.BeginRequest(conn.ID, "slow"))

	r.now = func() time.Time { return base.Add(time.Hour) }
	assert.Empty(t, r.Sweep())

	r.EndRequest(conn.ID, "slow")
	assert.Equal(t, []string{conn.ID}, r.Sweep())
}

func TestSweep_ReclaimsDeadHandles(t *testing.T) {
	r, rec := newRegistry(Config{})
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)
	conn, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.NoError(t, err)

	fake.Handles()[0].Kill()
	assert.Equal(t, []string{conn.ID}, r.Sweep())
	assert.Zero(t, r.Count())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, ReasonDead, rec.events[len(rec.events)-1].Reason)
}

func TestSweep_ZeroIdleTimeoutNeverExpires(t *testing.T) {
	r, _ := newRegistry(Config{})
	base := time.Unix(1700000000, 0)
	r.now = func() time.Time { return base }
	_, err := r.Connect(context.Background(), "planner", tcpConfig(), mocks.NewFakeAdapter(types.ProtocolTCP))
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(24 * time.Hour) }
	assert.Empty(t, r.Sweep())
}

func TestRun_SweepsPeriodically(t *testing.T) {
	r, _ := newRegistry(Config{SweepInterval: 10 * time.Millisecond})
	fake := mocks.NewFakeAdapter(types.ProtocolTCP)
	_, err := r.Connect(context.Background(), "planner", tcpConfig(), fake)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	fake.Handles()[0].Kill()
	testutil.AssertEventuallyTrue(t, func() bool { return r.Count() == 0 }, 2*time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSweep_ActivityAfterScanKeepsConnection(t *testing.T) {
	r, rec := newRegistry(Config{IdleTimeout: time.Minute})
	base := time.Unix(1700000000, 0)
	r.now = func() time.Time { return base }

	touched, err := r.Connect(context.Background(), "planner", tcpConfig(), mocks.NewFakeAdapter(types.ProtocolTCP))
	require.NoError(t, err)
	busy, err := r.Connect(context.Background(), "planner", tcpConfig(), mocks.NewFakeAdapter(types.ProtocolTCP))
	require.NoError(t, err)

	later := base.Add(2 * time.Minute)
	r.now = func() time.Time { return later }
	victims := r.scan(later)
	require.Len(t, victims, 2)

	// 扫描之后、回收之前出现的活动
	r.RecordSend(touched.ID, 10)
	require.NoError(t, r.BeginRequest(busy.ID, "late"))

	assert.Empty(t, r.reclaim(victims, later))
	assert.Equal(t, 2, r.Count())
	assert.Zero(t, rec.count(events.ConnectionClosed))
}
