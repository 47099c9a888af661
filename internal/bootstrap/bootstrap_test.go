package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/ratelimit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig(t *testing.T) config.Config {
	cfg := config.Config{StoreBackend: "memory"}
	cfg.Sweep.DeploymentMode = config.ModeStandalone
	cfg.Catalog.Dir = t.TempDir()
	cfg.Sanitize()
	return cfg
}

func TestNewServicesMemory(t *testing.T) {
	ctx := context.Background()
	svcs, err := NewServices(ctx, memoryConfig(t), quietLogger())
	require.NoError(t, err)
	defer svcs.Close()

	win := svcs.Sweeper.Staleness()
	assert.Equal(t, 30*time.Minute, win.FailAfter)
	assert.Equal(t, 5*time.Minute, win.RecoverAfter)
	assert.Equal(t, 3, win.MaxRecoveries)

	job, err := svcs.Jobs.Enqueue(ctx, models.Job{TenantID: "t", PackageID: "Mozilla.Firefox", Version: "1.0"})
	require.NoError(t, err)
	got, err := svcs.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestNewLimiter(t *testing.T) {
	ctx := context.Background()
	cfg := config.RateLimitConfig{Capacity: 1, Refill: 0.001, TTL: time.Minute}

	lim, stop := NewLimiter(nil, cfg)
	defer stop()
	_, ok := lim.(*ratelimit.MemoryBucket)
	assert.True(t, ok)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client, err := ConnectRedis(ctx, config.Config{RedisAddr: mr.Addr()}, quietLogger())
	require.NoError(t, err)
	defer client.Close()

	lim, stop = NewLimiter(client, cfg)
	defer stop()
	_, ok = lim.(*ratelimit.TokenBucket)
	require.True(t, ok)
	allowed, _, err := lim.Allow(ctx, ratelimit.Key("tenant"))
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, _, err = lim.Allow(ctx, ratelimit.Key("tenant"))
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestConnectRedisDisabled(t *testing.T) {
	client, err := ConnectRedis(context.Background(), config.Config{}, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestServeHTTPShutsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeHTTP(ctx, addr, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}), quietLogger())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
