package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresGroupingRadius(t *testing.T) {
	t.Setenv("GROUPING_RADIUS_M", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GROUPING_RADIUS_M")

	t.Setenv("GROUPING_RADIUS_M", "abc")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("GROUPING_RADIUS_M", "-1")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadRequiresNoFixPolicy(t *testing.T) {
	t.Setenv("GROUPING_RADIUS_M", "5")
	t.Setenv("NO_FIX_POLICY", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO_FIX_POLICY")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GROUPING_RADIUS_M", "5")
	t.Setenv("NO_FIX_POLICY", "drop")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.GroupingRadiusM)
	assert.Equal(t, "4000", cfg.ServerPort)
	assert.Equal(t, time.Duration(0), cfg.ClusterWindow)
	assert.Equal(t, 500, cfg.LiveMaxRoutePoints)
	assert.Equal(t, 50, cfg.LiveMaxGroups)
	assert.Equal(t, "drop", cfg.NoFixPolicy)
	assert.Equal(t, 100.0, cfg.NearbyDefaultRadiusM)
	assert.Equal(t, "roadscan:live", cfg.RedisLiveKey)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GROUPING_RADIUS_M", "7.5")
	t.Setenv("CLUSTER_WINDOW", "30s")
	t.Setenv("LIVE_EVERY_N", "10")
	t.Setenv("NO_FIX_POLICY", "buffer")
	t.Setenv("NO_FIX_BUFFER_SIZE", "8")
	t.Setenv("DEBUG", "true")
	t.Setenv("LIVE_INTERVAL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7.5, cfg.GroupingRadiusM)
	assert.Equal(t, 30*time.Second, cfg.ClusterWindow)
	assert.Equal(t, 10, cfg.LiveEveryN)
	assert.Equal(t, "buffer", cfg.NoFixPolicy)
	assert.Equal(t, 8, cfg.NoFixBufferSize)
	assert.True(t, cfg.Debug)
	// 无法解析时使用默认值
	assert.Equal(t, 2*time.Second, cfg.LiveInterval)
}

func TestLoadRejectsUnknownNoFixPolicy(t *testing.T) {
	t.Setenv("GROUPING_RADIUS_M", "5")
	t.Setenv("NO_FIX_POLICY", "interpolate")
	_, err := Load()
	assert.Error(t, err)
}
