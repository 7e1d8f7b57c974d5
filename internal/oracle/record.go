package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/life2you_mini/fxmargin/internal/model"
)

// PriceUpdateSize 价格更新记录的最小字节数
const PriceUpdateSize = 36

// PriceUpdateDiscriminator 价格更新记录的类型标识
var PriceUpdateDiscriminator = [8]byte{0x22, 0xf1, 0x23, 0x63, 0x9d, 0x7e, 0xf4, 0xcd}

// PriceUpdate 价格源发布的一条价格记录
//
// 布局（小端）：
//
//	[0:8]   类型标识
//	[8:16]  价格 i64
//	[16:24] 置信区间 u64
//	[24:28] 指数 i32
//	[28:36] 发布时间 i64（unix 秒）
type PriceUpdate struct {
	Discriminator [8]byte
	Price         int64
	Conf          uint64
	Expo          int32
	PublishTime   int64
}

// DecodePriceUpdate 解析价格记录，长度不足返回 ErrInvalidOracleAccount
func DecodePriceUpdate(data []byte) (PriceUpdate, error) {
	if len(data) < PriceUpdateSize {
		return PriceUpdate{}, fmt.Errorf("价格记录长度 %d 小于 %d: %w", len(data), PriceUpdateSize, model.ErrInvalidOracleAccount)
	}

	var update PriceUpdate
	copy(update.Discriminator[:], data[0:8])
	update.Price = int64(binary.LittleEndian.Uint64(data[8:16]))
	update.Conf = binary.LittleEndian.Uint64(data[16:24])
	update.Expo = int32(binary.LittleEndian.Uint32(data[24:28]))
	update.PublishTime = int64(binary.LittleEndian.Uint64(data[28:36]))
	return update, nil
}

// EncodePriceUpdate 编码价格记录，发布方和测试使用
func EncodePriceUpdate(update PriceUpdate) []byte {
	data := make([]byte, PriceUpdateSize)
	copy(data[0:8], update.Discriminator[:])
	binary.LittleEndian.PutUint64(data[8:16], uint64(update.Price))
	binary.LittleEndian.PutUint64(data[16:24], update.Conf)
	binary.LittleEndian.PutUint32(data[24:28], uint32(update.Expo))
	binary.LittleEndian.PutUint64(data[28:36], uint64(update.PublishTime))
	return data
}
