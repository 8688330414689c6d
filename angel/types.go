package angel

import "encoding/json"

type LoginResponse struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorcode"`
	Data      struct {
		JwtToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	} `json:"data"`
}

type TokenSubscription struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type SubscribeRequest struct {
	CorrelationID string             `json:"correlationID"`
	Action        int                `json:"action"`
	Params        SubscriptionParams `json:"params"`
}

type SubscriptionParams struct {
	Mode      int                 `json:"mode"`
	TokenList []TokenSubscription `json:"tokenList"`
}

// QuoteRequest asks the market quote API for the given tokens grouped by segment.
type QuoteRequest struct {
	Mode           string              `json:"mode"`
	ExchangeTokens map[string][]string `json:"exchangeTokens"`
}

type QuoteResponse struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorcode"`
	Data      struct {
		Fetched   []Quote           `json:"fetched"`
		Unfetched []json.RawMessage `json:"unfetched"`
	} `json:"data"`
}

type Quote struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingSymbol"`
	SymbolToken   string  `json:"symbolToken"`
	LTP           float64 `json:"ltp"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	LastTradeQty  int64   `json:"lastTradeQty"`
	ExchFeedTime  string  `json:"exchFeedTime"`
	TradeVolume   int64   `json:"tradeVolume"`
	OpenInterest  int64   `json:"opnInterest"`
}
