package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/config"
	"github.com/life2you_mini/fxmargin/internal/keeper"
	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/monitor"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
	"github.com/life2you_mini/fxmargin/internal/repository"
	"github.com/life2you_mini/fxmargin/internal/storage"
	"github.com/life2you_mini/fxmargin/internal/trading"
)

// fxmarginService 杠杆外汇保证金服务：交易引擎、请求处理器、keeper、价格监控和指标服务
type fxmarginService struct {
	ctx           context.Context
	cancel        context.CancelFunc
	logger        *zap.Logger
	store         storage.Store
	db            *sql.DB
	engine        *trading.Engine
	trader        *trading.Trader
	keeper        *keeper.Keeper
	priceMonitor  *monitor.PriceMonitor
	metricsServer *http.Server
	wg            sync.WaitGroup
}

// backend 按存储后端创建的依赖
type backend struct {
	store   storage.Store
	prices  trading.PriceSource
	ledger  trading.Custodian
	redis   *fxredis.StorageClient // 内存后端为空
	history monitor.HistoryStore
}

// NewFxMarginService 创建服务并初始化账本配置
func NewFxMarginService(
	parentCtx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
) (*fxmarginService, error) {
	ctx, cancel := context.WithCancel(parentCtx)

	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &fxmarginService{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		store:  b.store,
	}
	fail := func(err error) (*fxmarginService, error) {
		s.closeResources()
		cancel()
		return nil, err
	}

	if err := b.store.Initialize(ctx); err != nil {
		return fail(fmt.Errorf("初始化存储失败: %w", err))
	}

	// 结算流水
	engineOpts := make([]trading.Option, 0, 1)
	var traderOpts []trading.TraderOption
	if cfg.Postgres.Enabled {
		db, err := repository.OpenDB(ctx, repository.DBOptions{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Name:     cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			return fail(fmt.Errorf("初始化PostgreSQL失败: %w", err))
		}
		if cfg.Postgres.MaxConnections > 0 {
			db.SetMaxOpenConns(cfg.Postgres.MaxConnections)
		}
		s.db = db

		repo := repository.NewSettlementRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			return fail(fmt.Errorf("创建结算流水表失败: %w", err))
		}
		engineOpts = append(engineOpts, trading.WithJournal(repo))
		traderOpts = append(traderOpts, trading.WithSettlementHistory(repo))
	}

	// 交易引擎
	s.engine = trading.NewEngine(b.store, b.prices, b.ledger, logger, engineOpts...)

	tradingCfg, err := cfg.ToTradingConfig()
	if err != nil {
		return fail(fmt.Errorf("构建交易配置失败: %w", err))
	}
	current, err := s.engine.Initialize(ctx, tradingCfg)
	if err != nil {
		return fail(fmt.Errorf("初始化交易配置失败: %w", err))
	}
	logger.Info("交易配置已就绪",
		zap.String("authority", current.Authority),
		zap.Uint64("position_counter", current.PositionCounter),
		zap.Bool("paused", current.IsPaused))

	var queue *fxredis.QueueService
	if b.redis != nil {
		queue = b.redis.GetQueueService()
	}

	// keeper
	if cfg.Keeper.Enabled {
		var keeperQueue keeper.TaskQueue
		var locker keeper.Locker
		if b.redis != nil {
			keeperQueue = queue
			locker = b.redis.GetLockManager()
		}
		s.keeper = keeper.NewKeeper(ctx, s.engine, keeperQueue, locker, keeperOptions(cfg.Keeper), logger)
	}

	// 价格监控
	if cfg.Monitor.Enabled {
		var pusher monitor.TaskPusher
		switch {
		case queue != nil:
			pusher = queue
		case s.keeper != nil:
			pusher = &directScanPusher{keeper: s.keeper}
		}
		pairs, err := cfg.Monitor.FxPairs()
		if err != nil {
			return fail(fmt.Errorf("解析监控交易对失败: %w", err))
		}
		if pusher != nil {
			s.priceMonitor = monitor.NewPriceMonitor(s.engine, b.history, pusher, monitor.Options{
				Pairs:            pairs,
				CheckInterval:    time.Duration(cfg.Monitor.CheckIntervalSeconds) * time.Second,
				MoveThresholdBps: int64(cfg.Monitor.MoveThresholdBps),
			}, logger)
		}
	}

	// 请求处理器只在有队列时运行
	if queue != nil {
		if s.priceMonitor != nil {
			traderOpts = append(traderOpts, trading.WithPriceHistory(s.priceMonitor))
		}
		s.trader = trading.NewTrader(ctx, s.engine, queue, logger, traderOpts...)
	}

	// 指标服务
	if cfg.Metrics.Enabled {
		s.metricsServer = newMetricsServer(cfg.Metrics.ListenAddr, b.store)
	}

	return s, nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.System.StorageBackend == config.StorageBackendMemory {
		logger.Warn("使用内存存储，进程退出后数据丢失")
		return &backend{
			store:  storage.NewMemoryStorage(logger),
			prices: storage.NewMemoryPriceFeedStore(),
			ledger: storage.NewMemoryLedger(logger),
		}, nil
	}

	redisClient, err := fxredis.NewStorageClient(ctx, fxredis.ClientOptions{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.KeyPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化Redis客户端失败: %w", err)
	}

	lockTTL := time.Duration(cfg.Keeper.LockTTLSeconds) * time.Second
	return &backend{
		store:   storage.NewRedisStorage(redisClient, lockTTL, logger),
		prices:  storage.NewRedisPriceFeedStore(redisClient, cfg.Oracle.FeedKeyPrefix, logger),
		ledger:  storage.NewRedisLedger(redisClient, logger),
		redis:   redisClient,
		history: NewRedisStorageAdapter(redisClient, time.Duration(cfg.Monitor.HistoryRetentionHours)*time.Hour),
	}, nil
}

func keeperOptions(cfg config.KeeperConfig) keeper.Options {
	return keeper.Options{
		KeeperID:     cfg.ID,
		ScanInterval: time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		Workers:      cfg.Workers,
		LockTTL:      time.Duration(cfg.LockTTLSeconds) * time.Second,
		RetryDelay:   time.Duration(cfg.RetryDelaySeconds) * time.Second,
		MaxRetries:   cfg.MaxRetries,
	}
}

func newMetricsServer(addr string, store storage.Store) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// directScanPusher 没有Redis队列时把扫描任务直接交给 keeper
type directScanPusher struct {
	keeper *keeper.Keeper
}

// PushTask 实现 monitor.TaskPusher
func (p *directScanPusher) PushTask(ctx context.Context, queue string, task interface{}) error {
	scanTask, ok := task.(model.ScanTask)
	if !ok {
		return fmt.Errorf("不支持的任务类型 %T", task)
	}
	return p.keeper.HandleTask(ctx, scanTask)
}

// Engine 返回交易引擎
func (s *fxmarginService) Engine() *trading.Engine {
	return s.engine
}

// Start 启动服务
func (s *fxmarginService) Start() {
	s.logger.Info("启动杠杆外汇保证金服务")

	if s.trader != nil {
		if err := s.trader.Start(); err != nil {
			s.logger.Error("请求处理器启动失败", zap.Error(err))
		}
	}

	if s.keeper != nil {
		if err := s.keeper.Start(); err != nil {
			s.logger.Error("keeper启动失败", zap.Error(err))
		}
	}

	if s.priceMonitor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.priceMonitor.Start(s.ctx); err != nil {
				s.logger.Error("价格监控启动失败", zap.Error(err))
			}
		}()
	}

	if s.metricsServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("指标服务监听", zap.String("addr", s.metricsServer.Addr))
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("指标服务异常退出", zap.Error(err))
			}
		}()
	}
}

// Stop 停止服务
func (s *fxmarginService) Stop(ctx context.Context) error {
	s.logger.Info("停止杠杆外汇保证金服务")

	if s.trader != nil {
		if err := s.trader.Stop(); err != nil {
			s.logger.Error("停止请求处理器失败", zap.Error(err))
		}
	}

	if s.keeper != nil {
		if err := s.keeper.Stop(); err != nil {
			s.logger.Error("停止keeper失败", zap.Error(err))
		}
	}

	// 取消服务上下文，价格监控随之退出
	s.cancel()

	var shutdownErr error
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("关闭指标服务失败", zap.Error(err))
			shutdownErr = err
		}
	}

	// 等待后台协程退出，最多5秒
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()

	select {
	case <-done:
	case <-ctx.Done():
		shutdownErr = ctx.Err()
	case <-timer.C:
		s.logger.Warn("等待后台任务退出超时")
	}

	s.closeResources()
	return shutdownErr
}

// closeResources 关闭存储和数据库连接
func (s *fxmarginService) closeResources() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("关闭PostgreSQL连接失败", zap.Error(err))
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Close(closeCtx); err != nil {
		s.logger.Error("关闭存储失败", zap.Error(err))
	}
}
