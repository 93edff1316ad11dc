package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/internal/platform/testutil"
	"github.com/pipeforge/pipecore/lock"
)

func TestDecodeLockEvent(t *testing.T) {
	cases := []struct {
		payload   string
		wantStage int
		wantState lock.State
		wantOK    bool
	}{
		{"3:acquired", 3, lock.Locked, true},
		{"3:released", 3, lock.Unlocked, true},
		{"3:uncertain", 3, lock.Uncertain, true},
		{"3:gibberish", 0, lock.Invalid, false},
		{"not-a-number:acquired", 0, lock.Invalid, false},
		{"nodelimiter", 0, lock.Invalid, false},
	}
	for _, c := range cases {
		stage, state, ok := decodeLockEvent(c.payload)
		require.Equal(t, c.wantOK, ok, c.payload)
		if ok {
			require.Equal(t, c.wantStage, stage, c.payload)
			require.Equal(t, c.wantState, state, c.payload)
		}
	}
}

func newManager(t *testing.T, addr, runID string) *Manager {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)
	m, err := New(log, addr, runID)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// TestAcquireReleaseLocalState covers the non-forwarded path: a manager
// observes its own Acquire/Release transitions synchronously.
func TestAcquireReleaseLocalState(t *testing.T) {
	addr := testutil.RedisAddr(t)
	m := newManager(t, addr, uuid.NewString())
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 0))
	require.Equal(t, lock.Locked, m.GetState(0))

	require.NoError(t, m.Release(ctx, 0))
	require.Equal(t, lock.Unlocked, m.GetState(0))
}

// TestCrossProcessListenerFiresOnPeerAcquire is the regression test for the
// reviewed bug: a second manager instance (standing in for another
// process) sharing the same run ID must observe the first's Acquire
// through its own AddListener callback, driven by startForwarder decoding
// the published pub/sub event rather than only logging it.
func TestCrossProcessListenerFiresOnPeerAcquire(t *testing.T) {
	addr := testutil.RedisAddr(t)
	runID := uuid.NewString()

	owner := newManager(t, addr, runID)
	peer := newManager(t, addr, runID)

	events := make(chan lock.State, 4)
	peer.AddListener(func(stage int, old, new lock.State) {
		if stage == 2 {
			events <- new
		}
	})

	require.NoError(t, owner.Acquire(context.Background(), 2))

	select {
	case s := <-events:
		require.Equal(t, lock.Locked, s)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed the owner's acquire over pub/sub")
	}
	require.Equal(t, lock.Locked, peer.GetState(2), "peer's own state must reflect the forwarded event, not just fire the callback")

	require.NoError(t, owner.Release(context.Background(), 2))

	select {
	case s := <-events:
		require.Equal(t, lock.Unlocked, s)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed the owner's release over pub/sub")
	}
}
