package credpool

import (
	"context"
	"testing"
	"time"

	"kiro-gateway/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TestNewPool
// =============================================================================

func TestNewPool(t *testing.T) {
	t.Run("builds one account per refresh token", func(t *testing.T) {
		cfg := &config.Config{
			RefreshTokens:         []string{"tok-a", "tok-b", "tok-c"},
			Region:                "us-east-1",
			TokenRefreshThreshold: 600,
		}
		pool, err := NewPool(cfg)
		require.NoError(t, err)
		assert.Equal(t, 3, pool.Len())
	})

	t.Run("falls back to a single file-backed account", func(t *testing.T) {
		cfg := &config.Config{
			KiroCredsFile:         "/nonexistent/creds.json",
			Region:                "us-east-1",
			TokenRefreshThreshold: 600,
		}
		pool, err := NewPool(cfg)
		require.NoError(t, err)
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("errors with no credentials configured", func(t *testing.T) {
		cfg := &config.Config{Region: "us-east-1"}
		_, err := NewPool(cfg)
		assert.Error(t, err)
	})
}

// =============================================================================
// TestPoolAcquireRoundRobin
// =============================================================================

func TestPoolAcquireRoundRobin(t *testing.T) {
	t.Run("skips cooling accounts and wraps around", func(t *testing.T) {
		pool := &Pool{accounts: []*Account{
			{Index: 0, accessToken: "a0", expiresAt: time.Now().Add(time.Hour), refreshThreshold: 10 * time.Minute},
			{Index: 1, accessToken: "a1", expiresAt: time.Now().Add(time.Hour), refreshThreshold: 10 * time.Minute},
		}}

		pool.ReportFailure(0, "rate limited")

		lease, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, lease.Index)
		assert.Equal(t, "a1", lease.AccessToken)
	})

	t.Run("errors when every account is cooling", func(t *testing.T) {
		pool := &Pool{accounts: []*Account{
			{Index: 0, accessToken: "a0", expiresAt: time.Now().Add(time.Hour), refreshThreshold: 10 * time.Minute},
		}}
		pool.ReportFailure(0, "server error")

		_, err := pool.Acquire(context.Background())
		assert.Error(t, err)
	})
}

// =============================================================================
// TestBackoff
// =============================================================================

func TestBackoff(t *testing.T) {
	t.Run("first failure cools for the floor duration", func(t *testing.T) {
		acc := &Account{Index: 0}
		acc.applyFailureUnlocked()
		until := time.Until(acc.cooldownUntil)
		assert.True(t, until > 4*time.Minute && until <= 5*time.Minute+time.Second)
	})

	t.Run("failures double up to the cap", func(t *testing.T) {
		acc := &Account{Index: 0}
		for i := 0; i < 6; i++ {
			acc.applyFailureUnlocked()
		}
		until := time.Until(acc.cooldownUntil)
		assert.True(t, until <= 2*time.Hour+time.Second)
	})

	t.Run("success clears failure state", func(t *testing.T) {
		pool := &Pool{accounts: []*Account{{Index: 0}}}
		pool.ReportFailure(0, "boom")
		pool.ReportSuccess(0)

		snap := pool.Snapshot()
		require.Len(t, snap, 1)
		assert.False(t, snap[0].Cooling)
		assert.Equal(t, 0, snap[0].FailureCount)
	})
}

// =============================================================================
// TestPoolSnapshot
// =============================================================================

func TestPoolSnapshot(t *testing.T) {
	t.Run("reports healthy accounts by default", func(t *testing.T) {
		pool := &Pool{accounts: []*Account{
			{Index: 0, authType: AuthTypeKiroDesktop},
			{Index: 1, authType: AuthTypeAWSSSOOIDC},
		}}
		snap := pool.Snapshot()
		require.Len(t, snap, 2)
		assert.True(t, snap[0].Healthy)
		assert.Equal(t, "kiro_desktop", snap[0].AuthType)
		assert.Equal(t, "aws_sso_oidc", snap[1].AuthType)
	})
}
