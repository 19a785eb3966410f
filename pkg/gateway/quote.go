package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ats-supervisor/internal/model"

	"golang.org/x/time/rate"
)

// QuoteClient reads last prices from a Yahoo-style chart endpoint
// (GET /v8/finance/chart/{ticker}).
type QuoteClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewQuoteClient creates a quote service client.
func NewQuoteClient(baseURL string, timeout time.Duration) *QuoteClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &QuoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(2), 2),
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"chartPreviousClose"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote returns the last price of ticker, e.g. "EURUSD=X".
func (q *QuoteClient) Quote(ctx context.Context, ticker string) (float64, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	u := q.baseURL + "/v8/finance/chart/" + url.PathEscape(ticker) + "?range=1d&interval=1d"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := q.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	var out chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("quote %s: decode: %w", ticker, err)
	}
	if out.Chart.Error != nil {
		return 0, fmt.Errorf("quote %s: %s: %w", ticker, out.Chart.Error.Description, model.ErrQuoteUnavailable)
	}
	if resp.StatusCode != http.StatusOK || len(out.Chart.Result) == 0 {
		return 0, fmt.Errorf("quote %s: status %d: %w", ticker, resp.StatusCode, model.ErrQuoteUnavailable)
	}
	meta := out.Chart.Result[0].Meta
	switch {
	case meta.RegularMarketPrice > 0:
		return meta.RegularMarketPrice, nil
	case meta.PreviousClose > 0:
		return meta.PreviousClose, nil
	}
	return 0, fmt.Errorf("quote %s: %w", ticker, model.ErrQuoteUnavailable)
}
