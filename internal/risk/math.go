package risk

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/fxmargin/internal/model"
)

// 定点运算统一用 decimal 做宽中间值，最后再收窄到 int64/uint64

var (
	decMaxInt64  = decimal.NewFromInt(math.MaxInt64)
	decMinInt64  = decimal.NewFromInt(math.MinInt64)
	decMaxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)
	decHundred   = decimal.NewFromInt(100)
	decBpsBase   = decimal.NewFromInt(10000)
)

func decU(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// quoTrunc 整数除法，向零截断
func quoTrunc(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, model.ErrDivisionByZero
	}
	q, _ := a.QuoRem(b, 0)
	return q, nil
}

func toInt64(d decimal.Decimal) (int64, error) {
	if d.GreaterThan(decMaxInt64) {
		return 0, fmt.Errorf("%s 超出 int64: %w", d, model.ErrArithmeticOverflow)
	}
	if d.LessThan(decMinInt64) {
		return 0, fmt.Errorf("%s 超出 int64: %w", d, model.ErrArithmeticUnderflow)
	}
	return d.IntPart(), nil
}

func toUint64(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%s 为负数: %w", d, model.ErrArithmeticUnderflow)
	}
	if d.GreaterThan(decMaxUint64) {
		return 0, fmt.Errorf("%s 超出 uint64: %w", d, model.ErrArithmeticOverflow)
	}
	return d.BigInt().Uint64(), nil
}

// applyBps amount * bps / 10000
func applyBps(amount uint64, bps uint16) (uint64, error) {
	q, err := quoTrunc(decU(amount).Mul(decimal.NewFromInt(int64(bps))), decBpsBase)
	if err != nil {
		return 0, err
	}
	return toUint64(q)
}
