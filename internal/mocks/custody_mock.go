package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/fxmargin/internal/model"
)

// MockCustodian 托管划转的模拟实现
type MockCustodian struct {
	mock.Mock
}

// Transfer 资金划转的模拟实现
func (m *MockCustodian) Transfer(ctx context.Context, from, to string, amount uint64) error {
	args := m.Called(ctx, from, to, amount)
	return args.Error(0)
}

// MockJournal 结算流水的模拟实现
type MockJournal struct {
	mock.Mock
}

// Append 追加流水的模拟实现
func (m *MockJournal) Append(ctx context.Context, event *model.SettlementEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// ListByPosition 按持仓查询流水的模拟实现
func (m *MockJournal) ListByPosition(ctx context.Context, positionID uint64) ([]*model.SettlementEvent, error) {
	args := m.Called(ctx, positionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.SettlementEvent), args.Error(1)
}

// ListRecent 查询最近流水的模拟实现
func (m *MockJournal) ListRecent(ctx context.Context, limit int) ([]*model.SettlementEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.SettlementEvent), args.Error(1)
}
