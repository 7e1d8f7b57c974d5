package model

import (
	"fmt"
	"strings"
)

// FxPair 支持的外汇交易对
type FxPair uint8

// 支持的外汇交易对，数值与链上编码一致，不能调整顺序
const (
	EURUSD FxPair = iota
	GBPUSD
	USDJPY
	AUDUSD
	USDCAD
	USDCHF
	NZDUSD
	EURGBP
	EURJPY
	GBPJPY
	AUDJPY
)

var fxPairNames = [...]string{
	EURUSD: "EURUSD",
	GBPUSD: "GBPUSD",
	USDJPY: "USDJPY",
	AUDUSD: "AUDUSD",
	USDCAD: "USDCAD",
	USDCHF: "USDCHF",
	NZDUSD: "NZDUSD",
	EURGBP: "EURGBP",
	EURJPY: "EURJPY",
	GBPJPY: "GBPJPY",
	AUDJPY: "AUDJPY",
}

// ParseFxPair 将原始编码转换为交易对，超出范围返回 ErrInvalidPair
func ParseFxPair(value uint8) (FxPair, error) {
	if int(value) >= len(fxPairNames) {
		return 0, fmt.Errorf("交易对编码 %d: %w", value, ErrInvalidPair)
	}
	return FxPair(value), nil
}

// ParseFxPairSymbol 按名称解析交易对（不区分大小写，允许 "EUR/USD" 形式）
func ParseFxPairSymbol(symbol string) (FxPair, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	for i, name := range fxPairNames {
		if name == normalized {
			return FxPair(i), nil
		}
	}
	return 0, fmt.Errorf("交易对 %q: %w", symbol, ErrInvalidPair)
}

// AllFxPairs 返回全部支持的交易对
func AllFxPairs() []FxPair {
	pairs := make([]FxPair, 0, len(fxPairNames))
	for i := range fxPairNames {
		pairs = append(pairs, FxPair(i))
	}
	return pairs
}

// Valid 判断交易对是否在支持范围内
func (p FxPair) Valid() bool {
	return int(p) < len(fxPairNames)
}

func (p FxPair) String() string {
	if !p.Valid() {
		return fmt.Sprintf("FxPair(%d)", uint8(p))
	}
	return fxPairNames[p]
}

// ID 交易对的小写标识，用作存储键
func (p FxPair) ID() string {
	return strings.ToLower(p.String())
}

// Direction 持仓方向
type Direction uint8

const (
	DirectionLong Direction = iota
	DirectionShort
)

// ParseDirection 将原始编码转换为持仓方向
func ParseDirection(value uint8) (Direction, error) {
	switch Direction(value) {
	case DirectionLong, DirectionShort:
		return Direction(value), nil
	}
	return 0, fmt.Errorf("方向编码 %d: %w", value, ErrInvalidDirection)
}

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// StablecoinType 保证金使用的稳定币
type StablecoinType uint8

const (
	StablecoinUSDC StablecoinType = iota
	StablecoinUSD1
)

// ParseStablecoinType 将原始编码转换为稳定币类型
func ParseStablecoinType(value uint8) (StablecoinType, error) {
	switch StablecoinType(value) {
	case StablecoinUSDC, StablecoinUSD1:
		return StablecoinType(value), nil
	}
	return 0, fmt.Errorf("稳定币编码 %d: %w", value, ErrInvalidCollateral)
}

func (s StablecoinType) String() string {
	switch s {
	case StablecoinUSDC:
		return "USDC"
	case StablecoinUSD1:
		return "USD1"
	}
	return fmt.Sprintf("StablecoinType(%d)", uint8(s))
}
