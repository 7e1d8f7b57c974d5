package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// settleAndWrite 先执行资金划转再写入记录，写入失败时冲正已完成的划转
func settleAndWrite(ctx context.Context, settle SettleFunc, write func(ctx context.Context) error, logger *zap.Logger) error {
	var compensate CompensateFunc
	if settle != nil {
		c, err := settle(ctx)
		if err != nil {
			return err
		}
		compensate = c
	}

	writeErr := write(ctx)
	if writeErr == nil || compensate == nil {
		return writeErr
	}

	// 请求可能已被取消，冲正不随之中止
	if err := compensate(context.WithoutCancel(ctx)); err != nil {
		logger.Error("写入失败且资金冲正失败，需要人工核对",
			zap.Error(writeErr),
			zap.NamedError("compensate_error", err))
		return fmt.Errorf("%w (资金冲正失败: %v)", writeErr, err)
	}
	logger.Warn("写入失败，资金划转已冲正", zap.Error(writeErr))
	return writeErr
}
