package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/model"
)

// MemoryStorage 内存存储实现，测试和单进程部署使用
type MemoryStorage struct {
	mu        sync.Mutex
	config    *model.TradingConfig
	positions map[uint64]*model.Position
	logger    *zap.Logger
}

// NewMemoryStorage 创建内存存储
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	return &MemoryStorage{
		positions: make(map[uint64]*model.Position),
		logger:    logger.With(zap.String("component", "memory_storage")),
	}
}

func (s *MemoryStorage) Initialize(ctx context.Context) error {
	s.logger.Info("内存存储初始化成功")
	return nil
}

func (s *MemoryStorage) Close(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Health(ctx context.Context) error {
	return nil
}

// GetConfig 获取交易配置
func (s *MemoryStorage) GetConfig(ctx context.Context) (*model.TradingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return nil, ErrConfigNotFound
	}
	return s.config.Clone(), nil
}

// GetPosition 根据ID获取持仓
func (s *MemoryStorage) GetPosition(ctx context.Context, positionID uint64) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("持仓 %d: %w", positionID, ErrPositionNotFound)
	}
	return pos.Clone(), nil
}

// ListOpenPositions 列出所有开放持仓，按ID升序
func (s *MemoryStorage) ListOpenPositions(ctx context.Context) ([]*model.Position, error) {
	return s.list(func(p *model.Position) bool { return p.IsOpen }), nil
}

// ListPositionsByOwner 列出某个用户的全部持仓，按ID升序
func (s *MemoryStorage) ListPositionsByOwner(ctx context.Context, owner string) ([]*model.Position, error) {
	return s.list(func(p *model.Position) bool { return p.Owner == owner }), nil
}

func (s *MemoryStorage) list(match func(*model.Position) bool) []*model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.Position, 0)
	for _, pos := range s.positions {
		if match(pos) {
			result = append(result, pos.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PositionID < result[j].PositionID })
	return result
}

// Commit 在互斥锁内完成版本校验、资金划转和写入
func (s *MemoryStorage) Commit(ctx context.Context, tr Transition, settle SettleFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr.Config != nil {
		var stored uint64
		if s.config != nil {
			stored = s.config.Version
		}
		if err := checkVersion(stored, tr.Config.Version, s.config != nil); err != nil {
			return fmt.Errorf("交易配置版本 %d: %w", tr.Config.Version, err)
		}
	}
	if tr.Position != nil {
		current, exists := s.positions[tr.Position.PositionID]
		var stored uint64
		if exists {
			stored = current.Version
		}
		if err := checkVersion(stored, tr.Position.Version, exists); err != nil {
			return fmt.Errorf("持仓 %d 版本 %d: %w", tr.Position.PositionID, tr.Position.Version, err)
		}
	}

	return settleAndWrite(ctx, settle, func(ctx context.Context) error {
		if tr.Config != nil {
			s.config = tr.Config.Clone()
		}
		if tr.Position != nil {
			s.positions[tr.Position.PositionID] = tr.Position.Clone()
		}
		return nil
	}, s.logger)
}
