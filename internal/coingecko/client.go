// Package coingecko fetches coin market data from the CoinGecko REST API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rewired-gh/papertrade/internal/logger"
	"github.com/rewired-gh/papertrade/internal/models"
	"github.com/shopspring/decimal"
)

// ClientConfig holds paging and retry parameters.
type ClientConfig struct {
	APIKey         string
	VsCurrency     string
	PerPage        int
	Pages          int
	MaxRetries     int
	RetryDelayBase time.Duration
}

// Client provides access to the CoinGecko API
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// marketCoin is one row of the /coins/markets response.
type marketCoin struct {
	ID           string              `json:"id"`
	Symbol       string              `json:"symbol"`
	Name         string              `json:"name"`
	CurrentPrice decimal.NullDecimal `json:"current_price"`
	MarketCap    decimal.NullDecimal `json:"market_cap"`
}

// NewClient creates a new CoinGecko client
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.VsCurrency == "" {
		cfg.VsCurrency = "usd"
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 100
	}
	if cfg.Pages <= 0 {
		cfg.Pages = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		config: cfg,
	}
}

// FetchMarkets retrieves the configured number of pages of coins ordered by
// market cap. A short page ends paging early.
func (c *Client) FetchMarkets(ctx context.Context) ([]models.Instrument, error) {
	var instruments []models.Instrument
	for page := 1; page <= c.config.Pages; page++ {
		coins, err := c.fetchPage(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch markets page %d: %w", page, err)
		}
		for _, coin := range coins {
			if !coin.CurrentPrice.Valid {
				continue
			}
			inst := models.Instrument{
				ID:           coin.ID,
				Symbol:       strings.ToUpper(coin.Symbol),
				Name:         coin.Name,
				CurrentPrice: coin.CurrentPrice.Decimal,
			}
			if coin.MarketCap.Valid {
				inst.MarketCap = coin.MarketCap.Decimal
			}
			instruments = append(instruments, inst)
		}
		if len(coins) < c.config.PerPage {
			break
		}
	}
	logger.Debug("Fetched %d coins from CoinGecko", len(instruments))
	return instruments, nil
}

func (c *Client) fetchPage(ctx context.Context, page int) ([]marketCoin, error) {
	u, err := url.Parse(c.baseURL + "/coins/markets")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("vs_currency", c.config.VsCurrency)
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(c.config.PerPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("sparkline", "false")
	u.RawQuery = q.Encode()

	body, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var coins []marketCoin
	if err := json.Unmarshal(body, &coins); err != nil {
		return nil, fmt.Errorf("failed to decode markets: %w", err)
	}
	return coins, nil
}

// doRequest performs a GET with a fixed delay between attempts. Network errors,
// 429 and 5xx responses are retried; other failures are permanent.
func (c *Client) doRequest(ctx context.Context, urlStr string) ([]byte, error) {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("x-cg-demo-api-key", c.config.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("server error: %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return nil, backoff.Permanent(fmt.Errorf("unexpected status: %d", resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		return body, nil
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.config.RetryDelayBase)),
		backoff.WithMaxTries(uint(c.config.MaxRetries)),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debug("CoinGecko request failed, retrying in %v: %v", d, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return body, nil
}
