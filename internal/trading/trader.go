package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/monitor"
	"github.com/life2you_mini/fxmargin/internal/oracle"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
	"github.com/life2you_mini/fxmargin/internal/risk"
)

const (
	// 任务处理超时
	taskProcessTimeout = 30 * time.Second

	// 阻塞读取队列的超时
	queuePopTimeout = 5 * time.Second
)

// TaskQueue 请求队列
type TaskQueue interface {
	PushTask(ctx context.Context, queue string, task interface{}) error
	PopTask(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
}

// RequestResult 请求处理结果，写回结果队列
type RequestResult struct {
	RequestID   string          `json:"request_id"`
	Action      string          `json:"action"`
	Success     bool            `json:"success"`
	Code        string          `json:"code,omitempty"`
	Error       string          `json:"error,omitempty"`
	Position    *model.Position `json:"position,omitempty"`
	ProcessedAt time.Time       `json:"processed_at"`

	Positions []*PositionView          `json:"positions,omitempty"`
	Events    []*model.SettlementEvent `json:"events,omitempty"`
	Samples   []monitor.PriceSample    `json:"samples,omitempty"`
}

// TraderOption 请求处理器可选项
type TraderOption func(*Trader)

// WithSettlementHistory 启用结算流水查询
func WithSettlementHistory(h SettlementHistory) TraderOption {
	return func(t *Trader) {
		t.settlements = h
	}
}

// WithPriceHistory 启用价格历史查询
func WithPriceHistory(h PriceHistory) TraderOption {
	return func(t *Trader) {
		t.prices = h
	}
}

// Trader 从请求队列消费开仓/平仓/减仓请求并交给 Engine 执行
type Trader struct {
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	engine    *Engine
	queue     TaskQueue
	wg        sync.WaitGroup

	settlements SettlementHistory
	prices      PriceHistory

	isRunning bool
	mutex     sync.Mutex
}

// NewTrader 创建请求处理器
func NewTrader(parentCtx context.Context, engine *Engine, queue TaskQueue, logger *zap.Logger, opts ...TraderOption) *Trader {
	ctx, cancel := context.WithCancel(parentCtx)

	t := &Trader{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("component", "trader")),
		engine: engine,
		queue:  queue,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start 启动请求处理器
func (t *Trader) Start() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.isRunning {
		return fmt.Errorf("请求处理器已在运行")
	}

	t.logger.Info("启动请求处理器")
	t.isRunning = true

	t.wg.Add(1)
	go t.processRequests()

	return nil
}

// Stop 停止请求处理器
func (t *Trader) Stop() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.isRunning {
		return nil
	}

	t.logger.Info("停止请求处理器")
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	// 等待最多5秒钟
	select {
	case <-done:
		t.logger.Info("请求处理器已停止")
	case <-time.After(5 * time.Second):
		t.logger.Warn("请求处理器停止超时")
	}

	t.isRunning = false
	return nil
}

// processRequests 处理请求队列
func (t *Trader) processRequests() {
	defer t.wg.Done()

	t.logger.Info("开始处理请求队列")

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("结束请求处理")
			return
		default:
		}

		taskBytes, err := t.queue.PopTask(t.ctx, fxredis.QueueTradingRequests, queuePopTimeout)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Error("从请求队列获取任务失败", zap.Error(err))
			}
			// 短暂休眠以避免CPU过度使用
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if taskBytes == nil {
			continue
		}

		var req Request
		if err := json.Unmarshal(taskBytes, &req); err != nil {
			t.logger.Error("解析请求失败", zap.Error(err), zap.String("data", string(taskBytes)))
			continue
		}

		processCtx, cancel := context.WithTimeout(t.ctx, taskProcessTimeout)
		result := t.HandleRequest(processCtx, &req)
		cancel()

		if err := t.queue.PushTask(t.ctx, fxredis.QueueTradingResults, result); err != nil {
			t.logger.Error("写入处理结果失败", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
}

// HandleRequest 执行单个请求，成功开仓后通知 keeper 开始监控
func (t *Trader) HandleRequest(ctx context.Context, req *Request) *RequestResult {
	result := &RequestResult{RequestID: req.ID, Action: req.Action}

	var (
		pos *model.Position
		err error
	)
	switch req.Action {
	case ActionOpen:
		if req.Open == nil {
			err = fmt.Errorf("开仓请求缺少参数")
			break
		}
		var res *OpenResult
		if res, err = t.engine.Open(ctx, *req.Open); err == nil {
			pos = res.Position
			t.requestScan(ctx, pos.PositionID, "opened")
		}
	case ActionClose:
		if req.Close == nil {
			err = fmt.Errorf("平仓请求缺少参数")
			break
		}
		var res *CloseResult
		if res, err = t.engine.Close(ctx, *req.Close); err == nil {
			pos = res.Position
		}
	case ActionDeleverage:
		if req.Deleverage == nil {
			err = fmt.Errorf("减仓请求缺少参数")
			break
		}
		var res *DeleverageOutcome
		if res, err = t.engine.TriggerDeleverage(ctx, *req.Deleverage); err == nil {
			pos = res.Position
		}
	case ActionListPositions, ActionSettlementHistory, ActionPriceHistory:
		if req.Query == nil {
			err = fmt.Errorf("查询请求缺少参数")
			break
		}
		err = t.handleQuery(ctx, req.Action, req.Query, result)
	default:
		err = fmt.Errorf("未知的请求类型: %s", req.Action)
	}

	result.ProcessedAt = time.Now()
	if err != nil {
		result.Code = model.CodeOf(err)
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Position = pos
	return result
}

// handleQuery 处理只读查询，结果写入 result
func (t *Trader) handleQuery(ctx context.Context, action string, q *QueryRequest, result *RequestResult) error {
	switch action {
	case ActionListPositions:
		if q.Owner == "" {
			return fmt.Errorf("查询持仓缺少所有者")
		}
		positions, err := t.engine.ListPositionsByOwner(ctx, q.Owner)
		if err != nil {
			return fmt.Errorf("查询持仓失败: %w", err)
		}
		result.Positions = make([]*PositionView, 0, len(positions))
		for _, pos := range positions {
			view, err := NewPositionView(pos)
			if err != nil {
				return err
			}
			result.Positions = append(result.Positions, view)
		}
		return nil

	case ActionSettlementHistory:
		if t.settlements == nil {
			return fmt.Errorf("未启用结算流水")
		}
		var (
			events []*model.SettlementEvent
			err    error
		)
		if q.PositionID != nil {
			events, err = t.settlements.ListByPosition(ctx, *q.PositionID)
		} else {
			limit := q.Limit
			if limit <= 0 {
				limit = defaultHistoryLimit
			}
			events, err = t.settlements.ListRecent(ctx, limit)
		}
		if err != nil {
			return fmt.Errorf("查询结算流水失败: %w", err)
		}
		result.Events = events
		return nil

	case ActionPriceHistory:
		if t.prices == nil {
			return fmt.Errorf("未启用价格监控")
		}
		pair, err := model.ParseFxPair(q.Pair)
		if err != nil {
			return err
		}
		end := q.End
		if end.IsZero() {
			end = time.Now()
		}
		samples, err := t.prices.GetPriceHistory(ctx, pair, q.Start, end)
		if err != nil {
			return fmt.Errorf("查询价格历史失败: %w", err)
		}
		result.Samples = samples
		return nil
	}
	return fmt.Errorf("未知的查询类型: %s", action)
}

// NewPositionView 把开仓价换算到6位小数，已关闭持仓的最终盈亏换算回稳定币
func NewPositionView(pos *model.Position) (*PositionView, error) {
	display, err := oracle.NormalizePrice(oracle.Price{Value: pos.EntryPrice, Expo: pos.EntryPriceExpo}, oracle.DefaultTargetExpo)
	if err != nil {
		return nil, fmt.Errorf("持仓 %d 开仓价换算失败: %w", pos.PositionID, err)
	}
	view := &PositionView{Position: pos, DisplayEntryPrice: display}
	if pos.FinalPnL != nil {
		usdc, err := risk.SettlementToUSDC(*pos.FinalPnL, risk.DefaultSettlementPrice)
		if err != nil {
			return nil, fmt.Errorf("持仓 %d 最终盈亏换算失败: %w", pos.PositionID, err)
		}
		view.FinalPnLUSDC = &usdc
	}
	return view, nil
}

// requestScan 把新持仓加入 keeper 扫描队列
func (t *Trader) requestScan(ctx context.Context, positionID uint64, reason string) {
	id := positionID
	task := model.ScanTask{PositionID: &id, Reason: reason, RequestedAt: time.Now()}
	if err := t.queue.PushTask(ctx, fxredis.QueueKeeperScan, task); err != nil {
		t.logger.Warn("添加扫描任务失败", zap.Uint64("position_id", positionID), zap.Error(err))
	}
}
