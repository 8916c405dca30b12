package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewClientPings(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()

	client, err := NewClient(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, client.Health(context.Background()))

	require.NoError(t, client.GetClient().Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	assert.NoError(t, client.Close())
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.MaxRetries = -1
	mr.Close()

	_, err := NewClient(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestOptionsModes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DB = 2
	opts := cfg.Options()
	assert.Equal(t, []string{"localhost:6379"}, opts.Addrs)
	assert.Equal(t, 2, opts.DB)

	cfg.EnableCluster = true
	cfg.ClusterAddrs = []string{"a:7000", "b:7000"}
	opts = cfg.Options()
	assert.Equal(t, []string{"a:7000", "b:7000"}, opts.Addrs)
	assert.Zero(t, opts.DB)

	cfg.EnableCluster = false
	cfg.EnableSentinel = true
	cfg.SentinelAddrs = []string{"s:26379"}
	cfg.MasterName = "mymaster"
	opts = cfg.Options()
	assert.Equal(t, []string{"s:26379"}, opts.Addrs)
	assert.Equal(t, "mymaster", opts.MasterName)
}
