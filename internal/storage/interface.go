package storage

import (
	"context"
	"errors"

	"github.com/life2you_mini/fxmargin/internal/model"
)

// 存储类型常量
const (
	StorageTypeRedis    = "redis"
	StorageTypeInMemory = "memory"
)

var (
	// ErrPositionNotFound 持仓不存在
	ErrPositionNotFound = errors.New("持仓不存在")
	// ErrConfigNotFound 交易配置未初始化
	ErrConfigNotFound = errors.New("交易配置未初始化")
	// ErrConcurrentModification 记录已被其他状态转换修改
	ErrConcurrentModification = errors.New("记录已被并发修改")
)

// Transition 一次状态转换要写入的记录，nil 表示不修改
//
// 版本号规则：新记录 Version 必须为 1 且原记录不存在；
// 已有记录的 Version 必须等于存储中的版本加一。
type Transition struct {
	Position *model.Position
	Config   *model.TradingConfig
}

// SettleFunc 在提交临界区内、写入之前执行的资金划转，返回错误则整个提交中止。
// 成功时返回的 CompensateFunc 在写入失败时调用，可以为空
type SettleFunc func(ctx context.Context) (CompensateFunc, error)

// CompensateFunc 反向划转 settle 已完成的资金
type CompensateFunc func(ctx context.Context) error

// Store 持仓与交易配置存储
type Store interface {
	// 基础操作
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	Health(ctx context.Context) error

	// 读取
	GetConfig(ctx context.Context) (*model.TradingConfig, error)
	GetPosition(ctx context.Context, positionID uint64) (*model.Position, error)
	ListOpenPositions(ctx context.Context) ([]*model.Position, error)
	ListPositionsByOwner(ctx context.Context, owner string) ([]*model.Position, error)

	// Commit 原子提交一次状态转换：校验版本、执行 settle、写入记录，
	// 任何一步失败都不会留下部分写入，写入失败时冲正 settle 的划转
	Commit(ctx context.Context, tr Transition, settle SettleFunc) error
}

// checkVersion 校验新版本号与存储中的记录是否衔接
func checkVersion(stored, next uint64, exists bool) error {
	if !exists {
		if next != 1 {
			return ErrConcurrentModification
		}
		return nil
	}
	if next != stored+1 {
		return ErrConcurrentModification
	}
	return nil
}
