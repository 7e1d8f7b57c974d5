package trading

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/storage"
)

// transfer 一笔资金划转
type transfer struct {
	from   string
	to     string
	amount uint64
	reason string
}

// settleTransfers 依次执行划转，金额为零的跳过；中途失败时反向冲正已完成的部分。
// 返回的冲正函数供存储层在写入失败时调用
func (e *Engine) settleTransfers(transfers ...transfer) storage.SettleFunc {
	return func(ctx context.Context) (storage.CompensateFunc, error) {
		done := make([]transfer, 0, len(transfers))
		for _, t := range transfers {
			if t.amount == 0 {
				continue
			}
			if err := e.custodian.Transfer(ctx, t.from, t.to, t.amount); err != nil {
				if rerr := e.reverseTransfers(context.WithoutCancel(ctx), done); rerr != nil {
					return nil, fmt.Errorf("%s失败: %w (冲正失败: %v)", t.reason, err, rerr)
				}
				return nil, fmt.Errorf("%s失败: %w", t.reason, err)
			}
			done = append(done, t)
		}
		return func(ctx context.Context) error {
			return e.reverseTransfers(ctx, done)
		}, nil
	}
}

// reverseTransfers 按相反顺序退回划转
func (e *Engine) reverseTransfers(ctx context.Context, done []transfer) error {
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		t := done[i]
		if err := e.custodian.Transfer(ctx, t.to, t.from, t.amount); err != nil {
			e.logger.Error("冲正资金划转失败，需要人工核对",
				zap.String("from", t.to),
				zap.String("to", t.from),
				zap.Uint64("amount", t.amount),
				zap.String("reason", t.reason),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("冲正%s: %w", t.reason, err))
			continue
		}
		e.logger.Warn("资金划转已冲正",
			zap.String("reason", t.reason),
			zap.Uint64("amount", t.amount))
	}
	return errors.Join(errs...)
}
