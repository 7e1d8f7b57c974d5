package oracle

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/model"
)

// PriceFeed 一条待校验的价格源记录
type PriceFeed struct {
	Owner  string `json:"owner"`   // 记录发布方
	FeedID string `json:"feed_id"` // 价格网络中的 feed id
	Data   []byte `json:"data"`    // 编码后的 PriceUpdate
}

// Price 校验通过的价格，真实价格 = Value * 10^Expo
type Price struct {
	Value int64
	Expo  int32
}

// Decimal 转换为十进制数，用于日志展示
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(p.Value, p.Expo)
}

// Reader 价格读取器，只信任指定发布方的记录
type Reader struct {
	authority string
	logger    *zap.Logger
}

// NewReader 创建价格读取器
func NewReader(authority string, logger *zap.Logger) *Reader {
	return &Reader{
		authority: authority,
		logger:    logger.With(zap.String("component", "oracle_reader")),
	}
}

// Authority 返回可信发布方
func (r *Reader) Authority() string {
	return r.authority
}

// ReadPrice 读取并校验价格：发布方、长度、零价格、时效性、置信区间
func (r *Reader) ReadPrice(feed *PriceFeed, pair model.FxPair, maxAge time.Duration, maxConfidenceBps uint16, now time.Time) (Price, error) {
	if feed == nil {
		return Price{}, fmt.Errorf("价格记录为空: %w", model.ErrInvalidOracleAccount)
	}
	if feed.Owner != r.authority {
		r.logger.Warn("价格记录发布方不可信",
			zap.String("pair", pair.String()),
			zap.String("owner", feed.Owner))
		return Price{}, fmt.Errorf("价格记录发布方 %s 不可信: %w", feed.Owner, model.ErrInvalidOracleAccount)
	}
	if expected := FeedID(pair); expected == "" || feed.FeedID != expected {
		return Price{}, fmt.Errorf("价格记录 %s 不属于交易对 %s: %w", feed.FeedID, pair, model.ErrInvalidOracleAccount)
	}

	update, err := DecodePriceUpdate(feed.Data)
	if err != nil {
		return Price{}, err
	}

	// 按秒比较，不换算成纳秒，避免溢出
	age := now.Unix() - update.PublishTime
	if update.PublishTime > now.Unix() || age < 0 || age > int64(maxAge/time.Second) {
		r.logger.Warn("价格数据已过期",
			zap.String("pair", pair.String()),
			zap.Int64("age_seconds", age),
			zap.Duration("max_age", maxAge))
		return Price{}, fmt.Errorf("价格时延 %ds: %w", age, model.ErrStalePriceData)
	}

	if update.Price == 0 {
		return Price{}, fmt.Errorf("价格为零: %w", model.ErrInvalidOracleAccount)
	}

	// conf / |price| > max / 10000，按乘积精确比较
	conf := decimal.NewFromBigInt(new(big.Int).SetUint64(update.Conf), 0)
	absPrice := decimal.NewFromInt(update.Price).Abs()
	if conf.Mul(decimal.NewFromInt(10000)).GreaterThan(absPrice.Mul(decimal.NewFromInt(int64(maxConfidenceBps)))) {
		confBps := conf.Mul(decimal.NewFromInt(10000)).DivRound(absPrice, 2)
		r.logger.Warn("价格置信区间过宽",
			zap.String("pair", pair.String()),
			zap.String("confidence_bps", confBps.String()),
			zap.Uint16("max_confidence_bps", maxConfidenceBps))
		return Price{}, fmt.Errorf("置信区间 %sbps 超过 %dbps: %w", confBps, maxConfidenceBps, model.ErrPriceConfidenceTooWide)
	}

	price := Price{Value: update.Price, Expo: update.Expo}
	r.logger.Debug("读取价格",
		zap.String("pair", pair.String()),
		zap.String("price", price.Decimal().String()),
		zap.Int64("publish_time", update.PublishTime))
	return price, nil
}

// NormalizePrice 将价格换算到目标指数，向零截断
func NormalizePrice(price Price, targetExpo int32) (int64, error) {
	normalized := decimal.New(price.Value, price.Expo).Shift(-targetExpo).Truncate(0)
	if !normalized.BigInt().IsInt64() {
		return 0, fmt.Errorf("价格 %d (expo %d) 换算到 expo %d: %w", price.Value, price.Expo, targetExpo, model.ErrArithmeticOverflow)
	}
	return normalized.IntPart(), nil
}
