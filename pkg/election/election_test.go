package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/cds/internal/testutil"
)

func testConfig() Config {
	return Config{LeaseTTL: time.Second, RenewInterval: 100 * time.Millisecond}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{LeaseTTL: 10 * time.Second, RenewInterval: 3 * time.Second}).Validate())
	assert.ErrorIs(t, (&Config{LeaseTTL: time.Second, RenewInterval: time.Second}).Validate(), ErrInvalidLease)
	assert.ErrorIs(t, (&Config{LeaseTTL: time.Second}).Validate(), ErrInvalidLease)
}

func TestLeaderElection(t *testing.T) {
	t.Run("single instance becomes leader", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, client := testutil.NewMiniredisClient(t)

		elector := NewLeaderElector(testutil.NewLogger(t), client, "test", testConfig())
		require.NoError(t, elector.Start(ctx))
		defer elector.Stop()

		require.Eventually(t, elector.IsLeader, 2*time.Second, 20*time.Millisecond)

		owner, err := client.Get(ctx, "test:leader").Result()
		require.NoError(t, err)
		assert.NotEmpty(t, owner)
	})

	t.Run("multiple instances elect one leader", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, client := testutil.NewMiniredisClient(t)
		log := testutil.NewLogger(t)

		elector1 := NewLeaderElector(log, client, "test", testConfig())
		elector2 := NewLeaderElector(log, client, "test", testConfig())

		require.NoError(t, elector1.Start(ctx))
		defer elector1.Stop()

		require.NoError(t, elector2.Start(ctx))
		defer elector2.Stop()

		require.Eventually(t, func() bool {
			return elector1.IsLeader() || elector2.IsLeader()
		}, 2*time.Second, 20*time.Millisecond)

		time.Sleep(300 * time.Millisecond)

		leaders := 0
		if elector1.IsLeader() {
			leaders++
		}

		if elector2.IsLeader() {
			leaders++
		}

		assert.Equal(t, 1, leaders, "Exactly one instance should be leader")
	})

	t.Run("follower takes over after the leader stops", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, client := testutil.NewMiniredisClient(t)
		log := testutil.NewLogger(t)

		elector1 := NewLeaderElector(log, client, "test", testConfig())
		require.NoError(t, elector1.Start(ctx))
		require.Eventually(t, elector1.IsLeader, 2*time.Second, 20*time.Millisecond)

		elector2 := NewLeaderElector(log, client, "test", testConfig())
		require.NoError(t, elector2.Start(ctx))
		defer elector2.Stop()

		require.NoError(t, elector1.Stop())
		assert.False(t, elector1.IsLeader())

		// the stopped leader released its lock, so no lease expiry is needed
		require.Eventually(t, elector2.IsLeader, 2*time.Second, 20*time.Millisecond)

		select {
		case <-elector2.PromotedChan():
		default:
			t.Fatal("expected a promotion signal")
		}
	})

	t.Run("wait for leadership", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, client := testutil.NewMiniredisClient(t)

		elector := NewLeaderElector(testutil.NewLogger(t), client, "test", testConfig())

		done := make(chan error, 1)
		go func() {
			done <- elector.WaitForLeadership(ctx)
		}()

		require.NoError(t, elector.Start(ctx))
		defer elector.Stop()

		select {
		case err := <-done:
			require.NoError(t, err)
			assert.True(t, elector.IsLeader())
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for leadership")
		}
	})

	t.Run("stopped elector stops waiters", func(t *testing.T) {
		_, client := testutil.NewMiniredisClient(t)
		client.Set(context.Background(), "test:leader", "someone-else", time.Minute)

		elector := NewLeaderElector(testutil.NewLogger(t), client, "test", testConfig())
		require.NoError(t, elector.Start(context.Background()))
		require.NoError(t, elector.Stop())

		assert.ErrorIs(t, elector.WaitForLeadership(context.Background()), ErrElectorStopped)
	})
}
