package model

import (
	"fmt"
	"time"
)

// 默认参数
const (
	DefaultTradingFeeBps         uint16 = 8   // 0.08%
	DefaultKeeperFeeBps          uint16 = 5   // 已平名义价值的 0.05%
	DefaultMaxLeverage           uint8  = 20
	DefaultMinLeverage           uint8  = 2
	DefaultMaxPriceAge                  = 60 * time.Second
	DefaultMaxPriceConfidenceBps uint16 = 200 // 2%
)

// DefaultDeleverageThresholds 默认减仓健康度阈值
var DefaultDeleverageThresholds = [TierCount]uint8{50, 35, 25, 15}

// TradingConfig 全局交易配置（账本单例）
type TradingConfig struct {
	Authority string `json:"authority"` // 可修改配置的管理员
	Treasury  string `json:"treasury"`  // 结算金库
	Vault     string `json:"vault"`     // 保证金托管账户

	TradingFeeBps uint16 `json:"trading_fee_bps"` // 开仓手续费（按名义价值）
	KeeperFeeBps  uint16 `json:"keeper_fee_bps"`  // 减仓执行人奖励（按已平名义价值）
	MaxLeverage   uint8  `json:"max_leverage"`
	MinLeverage   uint8  `json:"min_leverage"`

	DeleverageThresholds [TierCount]uint8 `json:"deleverage_thresholds"` // 严格递减

	OracleAuthority       string        `json:"oracle_authority"`         // 价格记录必须来自该发布方
	MaxPriceAge           time.Duration `json:"max_price_age"`            // 价格最大时延
	MaxPriceConfidenceBps uint16        `json:"max_price_confidence_bps"` // 置信区间/价格 上限

	IsPaused        bool   `json:"is_paused"`
	PositionCounter uint64 `json:"position_counter"` // 下一个持仓ID

	Version uint64 `json:"version"`
}

// NewTradingConfig 使用默认参数创建配置
func NewTradingConfig(authority, vault, treasury, oracleAuthority string) *TradingConfig {
	return &TradingConfig{
		Authority:             authority,
		Treasury:              treasury,
		Vault:                 vault,
		TradingFeeBps:         DefaultTradingFeeBps,
		KeeperFeeBps:          DefaultKeeperFeeBps,
		MaxLeverage:           DefaultMaxLeverage,
		MinLeverage:           DefaultMinLeverage,
		DeleverageThresholds:  DefaultDeleverageThresholds,
		OracleAuthority:       oracleAuthority,
		MaxPriceAge:           DefaultMaxPriceAge,
		MaxPriceConfidenceBps: DefaultMaxPriceConfidenceBps,
	}
}

// Clone 拷贝配置
func (c *TradingConfig) Clone() *TradingConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// NextPositionID 分配持仓ID并递增计数器
func (c *TradingConfig) NextPositionID() (uint64, error) {
	id := c.PositionCounter
	if id == ^uint64(0) {
		return 0, ErrArithmeticOverflow
	}
	c.PositionCounter++
	return id, nil
}

// Validate 校验配置不变量
func (c *TradingConfig) Validate() error {
	if c.MinLeverage == 0 {
		return fmt.Errorf("最小杠杆必须大于0: %w", ErrInvalidLeverage)
	}
	if c.MaxLeverage < c.MinLeverage {
		return fmt.Errorf("最大杠杆 %d 小于最小杠杆 %d: %w", c.MaxLeverage, c.MinLeverage, ErrInvalidLeverage)
	}
	if err := ValidateThresholds(c.DeleverageThresholds); err != nil {
		return err
	}
	if c.MaxPriceAge <= 0 {
		return fmt.Errorf("价格最大时延必须大于0")
	}
	return nil
}

// ValidateThresholds 阈值必须严格递减且不超过100
func ValidateThresholds(thresholds [TierCount]uint8) error {
	for i, threshold := range thresholds {
		if threshold > 100 {
			return fmt.Errorf("档位 %d 阈值 %d 超过100: %w", i, threshold, ErrInvalidDeleverageTier)
		}
		if i > 0 && threshold >= thresholds[i-1] {
			return fmt.Errorf("减仓阈值必须严格递减: %v: %w", thresholds, ErrInvalidDeleverageTier)
		}
	}
	return nil
}
