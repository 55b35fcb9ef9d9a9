package auction

import "github.com/shopspring/decimal"

// DefaultFeeRate 是平台抽成比例，只對賣家超出起標價的部分抽成
var DefaultFeeRate = decimal.New(25, -2)

// Split 是拍賣結算後的金額拆分，單位為分
// 不變量：NetPayout + PlatformFee == Profit == max(winningBid-startPrice, 0)
type Split struct {
	Profit      int64
	PlatformFee int64
	NetPayout   int64
}

// ComputeSettlementSplit 依照成交金額計算平台抽成與賣家淨收入
// 抽成只針對超出起標價的部分；成交價低於等於起標價時抽成為零，
// 起標價本身全額歸賣家。手續費取整到分，淨收入取剩餘部分，
// 確保拆分後總和精確等於利潤
func ComputeSettlementSplit(startPrice, winningBid int64, feeRate decimal.Decimal) Split {
	profit := winningBid - startPrice
	if profit < 0 {
		profit = 0
	}
	fee := decimal.NewFromInt(profit).Mul(feeRate).Round(0).IntPart()
	return Split{
		Profit:      profit,
		PlatformFee: fee,
		NetPayout:   profit - fee,
	}
}
