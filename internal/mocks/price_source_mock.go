package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
)

// MockPriceSource 价格源的模拟实现
type MockPriceSource struct {
	mock.Mock
}

// FetchPriceFeed 获取价格记录的模拟实现
func (m *MockPriceSource) FetchPriceFeed(ctx context.Context, pair model.FxPair) (*oracle.PriceFeed, error) {
	args := m.Called(ctx, pair)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.PriceFeed), args.Error(1)
}
