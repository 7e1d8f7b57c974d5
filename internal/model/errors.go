package model

import "errors"

// ErrorCategory 错误分类
type ErrorCategory int

const (
	CategoryUnknown    ErrorCategory = iota
	CategoryInput                    // 调用方输入错误
	CategoryOracle                   // 预言机数据不可信，可用新价格重试
	CategoryStateGuard               // 状态机前置条件不满足
	CategoryArithmetic               // 算术异常，整个状态转换中止
	CategoryAuth                     // 权限不足
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryInput:
		return "input"
	case CategoryOracle:
		return "oracle"
	case CategoryStateGuard:
		return "state_guard"
	case CategoryArithmetic:
		return "arithmetic"
	case CategoryAuth:
		return "auth"
	}
	return "unknown"
}

// TradingError 交易核心的业务错误
type TradingError struct {
	Code     string
	Category ErrorCategory
	msg      string
}

func (e *TradingError) Error() string {
	return e.msg
}

func newTradingError(code string, category ErrorCategory, msg string) *TradingError {
	return &TradingError{Code: code, Category: category, msg: msg}
}

// 输入校验
var (
	ErrInvalidLeverage       = newTradingError("InvalidLeverage", CategoryInput, "杠杆倍数无效")
	ErrInvalidPair           = newTradingError("InvalidPair", CategoryInput, "交易对无效")
	ErrInvalidDirection      = newTradingError("InvalidDirection", CategoryInput, "持仓方向无效")
	ErrInvalidCollateral     = newTradingError("InvalidCollateral", CategoryInput, "保证金币种无效")
	ErrInsufficientMargin    = newTradingError("InsufficientMargin", CategoryInput, "保证金不足")
	ErrInvalidDeleverageTier = newTradingError("InvalidDeleverageTier", CategoryInput, "减仓档位无效")
	ErrPositionSizeTooLarge  = newTradingError("PositionSizeTooLarge", CategoryInput, "仓位规模超过上限")
)

// 预言机可信度
var (
	ErrStalePriceData         = newTradingError("StalePriceData", CategoryOracle, "价格数据已过期")
	ErrPriceConfidenceTooWide = newTradingError("PriceConfidenceTooWide", CategoryOracle, "价格置信区间过宽")
	ErrInvalidOracleAccount   = newTradingError("InvalidOracleAccount", CategoryOracle, "预言机账户无效")
	ErrNegativePrice          = newTradingError("NegativePrice", CategoryOracle, "价格不能为负")
)

// 状态机守卫
var (
	ErrTradingPaused                 = newTradingError("TradingPaused", CategoryStateGuard, "交易已暂停")
	ErrPositionNotOpen               = newTradingError("PositionNotOpen", CategoryStateGuard, "持仓未处于开放状态")
	ErrPositionAlreadyClosed         = newTradingError("PositionAlreadyClosed", CategoryStateGuard, "持仓已关闭")
	ErrDeleverageTierAlreadyExecuted = newTradingError("DeleverageTierAlreadyExecuted", CategoryStateGuard, "该减仓档位已执行")
	ErrMarginHealthAboveThreshold    = newTradingError("MarginHealthAboveThreshold", CategoryStateGuard, "保证金健康度高于触发阈值")
)

// 算术异常
var (
	ErrArithmeticOverflow  = newTradingError("ArithmeticOverflow", CategoryArithmetic, "算术溢出")
	ErrArithmeticUnderflow = newTradingError("ArithmeticUnderflow", CategoryArithmetic, "算术下溢")
	ErrDivisionByZero      = newTradingError("DivisionByZero", CategoryArithmetic, "除数为零")
)

// 权限
var (
	ErrInvalidAuthority  = newTradingError("InvalidAuthority", CategoryAuth, "管理员权限无效")
	ErrUnauthorizedClose = newTradingError("UnauthorizedClose", CategoryAuth, "只有持仓所有者可以手动平仓")
)

// CategoryOf 返回错误链中业务错误的分类，非业务错误返回 CategoryUnknown
func CategoryOf(err error) ErrorCategory {
	var te *TradingError
	if errors.As(err, &te) {
		return te.Category
	}
	return CategoryUnknown
}

// CodeOf 返回错误链中业务错误的编码，用于指标标签
func CodeOf(err error) string {
	var te *TradingError
	if errors.As(err, &te) {
		return te.Code
	}
	return "Unknown"
}
