package parser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"broker_datafeed/models"

	"github.com/shopspring/decimal"
)

// ErrShortFrame is returned when a frame is shorter than its subscription mode requires.
var ErrShortFrame = errors.New("binary frame too short")

// Frame sizes per subscription mode.
const (
	ltpFrameSize       = 51
	quoteFrameSize     = 123
	snapQuoteFrameSize = 379

	bestFiveOffset = 147
	bestFiveCount  = 10
	bestFiveSize   = 20
)

type MarketData struct {
	SubscriptionMode    uint8      `json:"subscription_mode"`
	ExchangeType        uint8      `json:"exchange_type"`
	Token               string     `json:"token"`
	SequenceNumber      int64      `json:"sequence_number"`
	ExchangeTimestamp   int64      `json:"exchange_timestamp"`
	LastTradedPrice     int64      `json:"last_traded_price"`
	LastTradedQuantity  int64      `json:"last_traded_quantity"`
	AverageTradedPrice  int64      `json:"average_traded_price"`
	VolumeTrade         int64      `json:"volume_trade_for_the_day"`
	TotalBuyQuantity    float64    `json:"total_buy_quantity"`
	TotalSellQuantity   float64    `json:"total_sell_quantity"`
	OpenPriceOfTheDay   int64      `json:"open_price_of_the_day"`
	HighPriceOfTheDay   int64      `json:"high_price_of_the_day"`
	LowPriceOfTheDay    int64      `json:"low_price_of_the_day"`
	ClosedPrice         int64      `json:"closed_price"`
	LastTradedTimestamp int64      `json:"last_traded_timestamp"`
	OpenInterest        int64      `json:"open_interest"`
	BestFive            []BestFive `json:"best_5_data,omitempty"`
}

// BestFive is one side/level of the snap-quote depth block.
type BestFive struct {
	Buy      bool  `json:"buy"`
	Quantity int64 `json:"quantity"`
	Price    int64 `json:"price"`
	Orders   int16 `json:"no_of_orders"`
}

// price converts paise to rupees exactly.
func price(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}

func (md *MarketData) LastPrice() decimal.Decimal { return price(md.LastTradedPrice) }

func (md *MarketData) Time() time.Time {
	return time.UnixMilli(md.ExchangeTimestamp)
}

func ParseBinaryData(data []byte) (*MarketData, error) {
	if len(data) < ltpFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	md := &MarketData{
		SubscriptionMode: data[0],
		ExchangeType:     data[1],
		Token:            string(bytes.TrimRight(data[2:27], "\x00")),
	}
	switch {
	case md.SubscriptionMode >= models.SnapQuote && len(data) < snapQuoteFrameSize,
		md.SubscriptionMode >= models.QuoteMode && len(data) < quoteFrameSize:
		return nil, fmt.Errorf("%w: mode %d needs more than %d bytes", ErrShortFrame, md.SubscriptionMode, len(data))
	}

	le := binary.LittleEndian
	i64 := func(off int) int64 { return int64(le.Uint64(data[off:])) }
	f64 := func(off int) float64 { return math.Float64frombits(le.Uint64(data[off:])) }

	md.SequenceNumber = i64(27)
	md.ExchangeTimestamp = i64(35)
	md.LastTradedPrice = i64(43)
	if md.SubscriptionMode < models.QuoteMode {
		return md, nil
	}

	md.LastTradedQuantity = i64(51)
	md.AverageTradedPrice = i64(59)
	md.VolumeTrade = i64(67)
	md.TotalBuyQuantity = f64(75)
	md.TotalSellQuantity = f64(83)
	md.OpenPriceOfTheDay = i64(91)
	md.HighPriceOfTheDay = i64(99)
	md.LowPriceOfTheDay = i64(107)
	md.ClosedPrice = i64(115)
	if md.SubscriptionMode < models.SnapQuote {
		return md, nil
	}

	md.LastTradedTimestamp = i64(123)
	md.OpenInterest = i64(131)
	md.BestFive = make([]BestFive, 0, bestFiveCount)
	for n := 0; n < bestFiveCount; n++ {
		off := bestFiveOffset + n*bestFiveSize
		md.BestFive = append(md.BestFive, BestFive{
			Buy:      le.Uint16(data[off:]) == 1,
			Quantity: i64(off + 2),
			Price:    i64(off + 10),
			Orders:   int16(le.Uint16(data[off+18:])),
		})
	}
	return md, nil
}

// Depth converts the snap-quote block into a market-depth snapshot, or nil when absent.
func (md *MarketData) Depth() *models.Depth {
	if len(md.BestFive) == 0 {
		return nil
	}
	d := &models.Depth{}
	for _, b := range md.BestFive {
		lvl := models.DepthLevel{Price: price(b.Price), Quantity: b.Quantity, Orders: int32(b.Orders)}
		if b.Buy {
			d.Buy = append(d.Buy, lvl)
		} else {
			d.Sell = append(d.Sell, lvl)
		}
	}
	return d
}
