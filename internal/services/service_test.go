package services

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/fxmargin/internal/config"
	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/monitor"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
	"github.com/life2you_mini/fxmargin/internal/storage"
)

func memoryConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.System.StorageBackend = config.StorageBackendMemory
	cfg.Metrics.Enabled = false
	cfg.Keeper.ScanIntervalSeconds = 1
	cfg.Monitor.CheckIntervalSeconds = 1
	return cfg
}

func TestNewFxMarginService_MemoryBackend(t *testing.T) {
	cfg := memoryConfig()

	svc, err := NewFxMarginService(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Nil(t, svc.trader, "没有Redis队列时不启动请求处理器")
	assert.NotNil(t, svc.keeper)
	assert.NotNil(t, svc.priceMonitor)

	tc, err := svc.Engine().GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fxmargin-admin", tc.Authority)
	assert.Equal(t, model.DefaultDeleverageThresholds, tc.DeleverageThresholds)
	assert.Equal(t, uint64(1), tc.Version)

	svc.Start()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, svc.Stop(ctx))
}

func TestNewFxMarginService_InvalidTradingConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Trading.DeleverageThresholds = []int{10, 20, 30, 40}

	_, err := NewFxMarginService(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNewFxMarginService_KeeperDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Keeper.Enabled = false

	svc, err := NewFxMarginService(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, svc.keeper)
	assert.Nil(t, svc.priceMonitor, "没有队列也没有keeper时价格监控无处推送")
	assert.NoError(t, svc.Stop(context.Background()))
}

func TestDirectScanPusher_RejectsUnknownTask(t *testing.T) {
	cfg := memoryConfig()
	svc, err := NewFxMarginService(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Stop(context.Background())

	pusher := &directScanPusher{keeper: svc.keeper}
	assert.Error(t, pusher.PushTask(context.Background(), fxredis.QueueKeeperScan, "scan"))
	assert.NoError(t, pusher.PushTask(context.Background(), fxredis.QueueKeeperScan, model.ScanTask{Reason: monitor.ScanReasonPriceMove}))
}

func TestMetricsServer(t *testing.T) {
	store := storage.NewMemoryStorage(zaptest.NewLogger(t))
	srv := newMetricsServer(":0", store)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRedisStorageAdapter(t *testing.T) {
	addr := os.Getenv("FXMARGIN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置 FXMARGIN_TEST_REDIS_ADDR，跳过Redis测试")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx := context.Background()
	prefix := "test:" + uuid.New().String() + ":"
	sc, err := fxredis.NewStorageClient(ctx, fxredis.ClientOptions{Host: host, Port: port}, prefix, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() {
		keys, _ := sc.Client().Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			sc.Client().Del(ctx, keys...)
		}
		_ = sc.Close()
	}()

	adapter := NewRedisStorageAdapter(sc, time.Hour)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	old := monitor.PriceSample{Pair: model.EURUSD, Price: 104_000_000, Expo: -8, ObservedAt: base.Add(-2 * time.Hour)}
	require.NoError(t, adapter.SavePriceSample(ctx, old))
	for i := 0; i < 3; i++ {
		require.NoError(t, adapter.SavePriceSample(ctx, monitor.PriceSample{
			Pair:       model.EURUSD,
			Price:      105_000_000 + int64(i),
			Expo:       -8,
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// 超过保留期的采样已被清理
	history, err := adapter.GetPriceHistory(ctx, model.EURUSD, base.Add(-3*time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(105_000_000), history[0].Price)
	assert.True(t, history[2].ObservedAt.Equal(base.Add(2*time.Minute)))

	other, err := adapter.GetPriceHistory(ctx, model.GBPUSD, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, other)
}
