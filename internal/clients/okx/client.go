// Package okx pulls spot balances from an OKX-style exchange account.
// The client is strictly read-only: the only operation it can issue is the
// authenticated balance retrieval.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const balancePath = "/api/v5/account/balance"

// Client for the OKX v5 REST API, balance endpoint only.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger
	now     func() time.Time // overridable for signature tests
}

// NewClient creates a new OKX client. The limiter is shared across accounts
// of the same vendor.
func NewClient(baseURL string, limiter *ratelimit.Limiter, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://www.okx.com"
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
		log:     log.With().Str("client", "okx").Logger(),
		now:     time.Now,
	}
}

// balanceResponse mirrors the vendor payload for GET /api/v5/account/balance.
type balanceResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Details []struct {
			Currency  string `json:"ccy"`
			CashBal   string `json:"cashBal"`
			AvailBal  string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	} `json:"data"`
}

// FetchSpotBalances retrieves the spot balances of one account. Exchange
// quantities are already human-readable, so the returned balances carry no
// decimals and pass through the normalizer untouched.
func (c *Client) FetchSpotBalances(ctx context.Context, creds domain.Credentials) ([]domain.RawBalance, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, domain.E(domain.KindAuthFailure, "exchange credentials missing")
	}

	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "rate limiter wait interrupted", err)
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+balancePath, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "failed to build balance request", err)
	}

	timestamp := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", Sign(timestamp, http.MethodGet, balancePath, "", creds.APISecret))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", creds.Passphrase)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "balance request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.Ef(domain.KindAuthFailure, "exchange rejected credentials (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.E(domain.KindRateLimited, "exchange throttled the request")
	case resp.StatusCode != http.StatusOK:
		return nil, domain.Ef(domain.KindUpstream, "exchange returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "failed to read balance response", err)
	}

	var parsed balanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "failed to parse balance response", err)
	}
	// The vendor wraps auth errors in a 200 with a non-zero code.
	switch parsed.Code {
	case "0":
	case "50111", "50113", "50114":
		return nil, domain.Ef(domain.KindAuthFailure, "exchange rejected credentials (code %s: %s)", parsed.Code, parsed.Msg)
	default:
		return nil, domain.Ef(domain.KindUpstream, "exchange error code %s: %s", parsed.Code, parsed.Msg)
	}

	var balances []domain.RawBalance
	for _, account := range parsed.Data {
		for _, d := range account.Details {
			qty, err := decimal.NewFromString(d.CashBal)
			if err != nil {
				return nil, domain.Ef(domain.KindUpstream, "balance for %s is not a decimal: %q", d.Currency, d.CashBal)
			}
			avail := parseOrZero(d.AvailBal)
			frozen := parseOrZero(d.FrozenBal)
			balances = append(balances, domain.RawBalance{
				Symbol:    d.Currency,
				Quantity:  qty,
				Available: avail,
				Frozen:    frozen,
			})
		}
	}

	c.log.Debug().Int("balances", len(balances)).Msg("Fetched spot balances")
	return balances, nil
}

// Sign produces the OKX request signature:
// base64(HMAC-SHA256(timestamp + method + path + body, secret)).
func Sign(timestamp, method, path, body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func parseOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
