package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/storage"
)

// MockStore 持仓存储的模拟实现
type MockStore struct {
	mock.Mock
}

// Initialize 初始化的模拟实现
func (m *MockStore) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close 关闭的模拟实现
func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Health 健康检查的模拟实现
func (m *MockStore) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// GetConfig 读取配置的模拟实现
func (m *MockStore) GetConfig(ctx context.Context) (*model.TradingConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TradingConfig), args.Error(1)
}

// GetPosition 读取持仓的模拟实现
func (m *MockStore) GetPosition(ctx context.Context, positionID uint64) (*model.Position, error) {
	args := m.Called(ctx, positionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Position), args.Error(1)
}

// ListOpenPositions 列出开放持仓的模拟实现
func (m *MockStore) ListOpenPositions(ctx context.Context) ([]*model.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Position), args.Error(1)
}

// ListPositionsByOwner 按所有者列出持仓的模拟实现
func (m *MockStore) ListPositionsByOwner(ctx context.Context, owner string) ([]*model.Position, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Position), args.Error(1)
}

// Commit 提交状态转换的模拟实现，返回 nil 时会执行 settle
func (m *MockStore) Commit(ctx context.Context, tr storage.Transition, settle storage.SettleFunc) error {
	args := m.Called(ctx, tr, settle)
	if err := args.Error(0); err != nil {
		return err
	}
	if settle != nil {
		_, err := settle(ctx)
		return err
	}
	return nil
}

// MockTaskQueue 任务队列的模拟实现
type MockTaskQueue struct {
	mock.Mock
}

// PushTask 推送任务的模拟实现
func (m *MockTaskQueue) PushTask(ctx context.Context, queue string, task interface{}) error {
	args := m.Called(ctx, queue, task)
	return args.Error(0)
}

// PopTask 弹出任务的模拟实现
func (m *MockTaskQueue) PopTask(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	args := m.Called(ctx, queue, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// PushDelayedTask 推送延迟任务的模拟实现
func (m *MockTaskQueue) PushDelayedTask(ctx context.Context, queue string, task interface{}, delay time.Duration) error {
	args := m.Called(ctx, queue, task, delay)
	return args.Error(0)
}

// MoveReadyTasksToQueue 转移到期任务的模拟实现
func (m *MockTaskQueue) MoveReadyTasksToQueue(ctx context.Context, delayedQueue, targetQueue string) (int, error) {
	args := m.Called(ctx, delayedQueue, targetQueue)
	return args.Int(0), args.Error(1)
}
