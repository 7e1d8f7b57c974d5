package oracle

import (
	"github.com/life2you_mini/fxmargin/internal/model"
)

// DefaultTargetExpo 结算计算使用的价格指数（6位小数）
const DefaultTargetExpo int32 = -6

// 各交易对在价格网络中的 feed id
var feedIDs = map[model.FxPair]string{
	model.EURUSD: "0xa995d00bb36a63cef7fd2c287dc105fc8f3d93779f062f09551b0af3e81ec30b",
	model.GBPUSD: "0x84c2dde9633d93d1bcad84e7dc41c9d56578b7ec52fabedc1f335d673df0a7c1",
	model.USDJPY: "0xef2c98c804ba503c6a707e38be4dfbb16683775f195b091252bf24693042fd52",
	model.AUDUSD: "0x67a6f93030420c1c9e3fe37c1ab6b77966af82f995944a9fefce357a22854a80",
	model.USDCAD: "0x3112b03a41c910ed446852aacf67118cb76b3afb2838bc2c6e3e89307e1e9e2e",
	model.USDCHF: "0x0b1e3297e69f162877b577b0d6a47a0d63b2392bc8499e6540da4187a63e28f8",
	model.NZDUSD: "0x92eea8ba9aacd0285f8c485d21a88c4af1e8e8c0b2cae4ccb36830cf7cee5bdc",
	model.EURGBP: "0xe98970cb6e63e77ad3de0c383cc4e64ef0aba02c9a1dee81caf98d85cbb78030",
	model.EURJPY: "0x89e465b17fa2a71fb96d3c2e8b8c54c9c33bd39d1f2a30e3d3e5e3a6f8d3f3d9",
	model.GBPJPY: "0xdeaf92eb8b23c77e8cb3fa11c74e99c2f04f1e5a1fc6e67ed84b84a1e81b6b71",
	model.AUDJPY: "0x5670c628c2baee6d68e4cdb6e90e15e6bd31ad5e4ddd7d8d87b6f9b8e5f9e7cd",
}

// FeedID 返回交易对对应的价格 feed id，未知交易对返回空串
func FeedID(pair model.FxPair) string {
	return feedIDs[pair]
}
