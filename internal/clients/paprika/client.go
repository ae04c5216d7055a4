// Package paprika pulls coin metadata, contract mappings and spot prices
// from the CoinPaprika public tier.
package paprika

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Client for api.coinpaprika.com.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// NewClient creates a new CoinPaprika client.
func NewClient(baseURL string, limiter *ratelimit.Limiter, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.coinpaprika.com"
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 20 * time.Second},
		limiter: limiter,
		log:     log.With().Str("client", "coinpaprika").Logger(),
	}
}

// Ticker is one coin with its USD quote.
type Ticker struct {
	ID                string  // provider id, e.g. "btc-bitcoin"
	Symbol            string
	Name              string
	Rank              int
	PriceUSD          decimal.Decimal
	Volume24hUSD      *float64
	MarketCapUSD      *float64
	CirculatingSupply *float64
	TotalSupply       *float64
	ATHUSD            *float64
	PctChange1h       *float64
	PctChange24h      *float64
	PctChange7d       *float64
	LastUpdated       time.Time
}

type tickerPayload struct {
	ID                string   `json:"id"`
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	Rank              int      `json:"rank"`
	CirculatingSupply *float64 `json:"circulating_supply"`
	TotalSupply       *float64 `json:"total_supply"`
	LastUpdated       string   `json:"last_updated"`
	Quotes            map[string]struct {
		Price           float64  `json:"price"`
		Volume24h       *float64 `json:"volume_24h"`
		MarketCap       *float64 `json:"market_cap"`
		ATHPrice        *float64 `json:"ath_price"`
		PercentChange1h *float64 `json:"percent_change_1h"`
		PercentChange1d *float64 `json:"percent_change_24h"`
		PercentChange7d *float64 `json:"percent_change_7d"`
	} `json:"quotes"`
}

// toTicker converts a payload row, reporting false when it has no USD quote.
func toTicker(p tickerPayload) (Ticker, bool) {
	usd, ok := p.Quotes["USD"]
	if !ok {
		return Ticker{}, false
	}
	t := Ticker{
		ID:                p.ID,
		Symbol:            p.Symbol,
		Name:              p.Name,
		Rank:              p.Rank,
		PriceUSD:          decimal.NewFromFloat(usd.Price),
		Volume24hUSD:      usd.Volume24h,
		MarketCapUSD:      usd.MarketCap,
		CirculatingSupply: p.CirculatingSupply,
		TotalSupply:       p.TotalSupply,
		ATHUSD:            usd.ATHPrice,
		PctChange1h:       usd.PercentChange1h,
		PctChange24h:      usd.PercentChange1d,
		PctChange7d:       usd.PercentChange7d,
	}
	if ts, err := time.Parse(time.RFC3339, p.LastUpdated); err == nil {
		t.LastUpdated = ts
	}
	return t, true
}

// Tickers fetches the top-N coins with USD quotes.
func (c *Client) Tickers(ctx context.Context, limit int) ([]Ticker, error) {
	if limit <= 0 {
		limit = 100
	}
	url := fmt.Sprintf("%s/v1/tickers?quotes=USD&limit=%d", c.baseURL, limit)

	var payload []tickerPayload
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return nil, err
	}

	tickers := make([]Ticker, 0, len(payload))
	for _, p := range payload {
		if t, ok := toTicker(p); ok {
			tickers = append(tickers, t)
		}
	}

	c.log.Debug().Int("tickers", len(tickers)).Msg("Fetched tickers")
	return tickers, nil
}

// Ticker fetches one coin's USD quote by provider id. The price collector
// uses it for portfolio-held assets that fall outside the top-N page.
func (c *Client) Ticker(ctx context.Context, id string) (*Ticker, error) {
	url := fmt.Sprintf("%s/v1/tickers/%s?quotes=USD", c.baseURL, id)

	var payload tickerPayload
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return nil, err
	}
	t, ok := toTicker(payload)
	if !ok {
		return nil, domain.Ef(domain.KindUpstream, "no USD quote for %s", id)
	}
	return &t, nil
}

// CoinContract is one on-chain deployment of a coin.
type CoinContract struct {
	Platform string // provider platform id, e.g. "eth-ethereum"
	Address  string
	Standard string
}

// CoinDetail is the metadata of one coin including contract mappings.
type CoinDetail struct {
	ID        string
	Symbol    string
	Name      string
	Contracts []CoinContract
}

// Coin fetches one coin's metadata and contract mappings.
func (c *Client) Coin(ctx context.Context, id string) (*CoinDetail, error) {
	url := fmt.Sprintf("%s/v1/coins/%s", c.baseURL, id)

	var payload struct {
		ID        string `json:"id"`
		Symbol    string `json:"symbol"`
		Name      string `json:"name"`
		Contracts []struct {
			Contract string `json:"contract"`
			Platform string `json:"platform"`
			Type     string `json:"type"`
		} `json:"contracts"`
	}
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return nil, err
	}

	detail := &CoinDetail{ID: payload.ID, Symbol: payload.Symbol, Name: payload.Name}
	for _, cc := range payload.Contracts {
		detail.Contracts = append(detail.Contracts, CoinContract{
			Platform: cc.Platform,
			Address:  cc.Contract,
			Standard: cc.Type,
		})
	}
	return detail, nil
}

// getJSON performs a limiter-paced GET and decodes the response.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "rate limiter wait interrupted", err)
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Wrap(domain.KindInternal, "failed to build request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "market data request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.E(domain.KindRateLimited, "market data provider throttled the request")
	case resp.StatusCode == http.StatusNotFound:
		return domain.Ef(domain.KindNotFound, "market data resource not found: %s", url)
	case resp.StatusCode != http.StatusOK:
		return domain.Ef(domain.KindUpstream, "market data provider returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Wrap(domain.KindUpstream, "failed to parse market data response", err)
	}
	return nil
}

// PlatformChainKeys maps provider platform ids to our chain registry keys.
// Platforms outside the map are skipped by the reference refresh.
var PlatformChainKeys = map[string]string{
	"eth-ethereum":  "ethereum",
	"arb-arbitrum":  "arbitrum",
	"op-optimism":   "optimism",
	"matic-polygon": "polygon",
	"bnb-binance-coin": "bsc",
	"avax-avalanche":   "avalanche",
	"base-base":        "base",
}
