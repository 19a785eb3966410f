// Package gateway is a thin JSON-over-HTTP adapter for the brokerage
// gateway. A Client is one authenticated session; it implements
// model.Broker. QuoteClient implements model.QuoteService against a
// Yahoo-style chart endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ats-supervisor/internal/model"

	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"
)

// ErrUnauthorized is returned when the gateway rejects the session and a
// fresh login did not help.
var ErrUnauthorized = errors.New("gateway session unauthorized")

const (
	routeLogin     = "/auth/login"
	routeAccounts  = "/accounts"
	routePositions = "/portfolio/%s/positions"
	routeSummary   = "/portfolio/%s/summary"
	routeSnapshot  = "/marketdata/snapshot"
)

// Config configures a gateway session.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	TOTPSecret string // optional; when set a fresh code accompanies every login

	Timeout   time.Duration // default 7s
	RateLimit float64       // requests per second, default 10
	Burst     int           // default 1

	HTTPClient *http.Client
	Now        func() time.Time
}

// Client is one gateway session.
type Client struct {
	baseURL  string
	username string
	password string
	secret   string

	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	token   string
	account string

	// SessionExpiryHook is called when the gateway reports an expired token
	// (optional).
	SessionExpiryHook func()
}

// New creates a client. It does not log in until the first request.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		secret:   cfg.TOTPSecret,
		http:     cfg.HTTPClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		now:      cfg.Now,
	}
}

// Login opens a session, generating a TOTP code when a secret is configured.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]string{"username": c.username, "password": c.password}
	if c.secret != "" {
		code, err := totp.GenerateCode(c.secret, c.now())
		if err != nil {
			return fmt.Errorf("totp: %w", err)
		}
		body["totp"] = code
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.send(ctx, http.MethodPost, routeLogin, nil, body, &out, ""); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if out.Token == "" {
		return errors.New("login: empty token")
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	slog.Info("gateway session ready", slog.String("user", c.username))
	return nil
}

// ManagedAccount returns the first account of the session.
func (c *Client) ManagedAccount(ctx context.Context) (string, error) {
	c.mu.Lock()
	acct := c.account
	c.mu.Unlock()
	if acct != "" {
		return acct, nil
	}

	var out struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.call(ctx, http.MethodGet, routeAccounts, nil, nil, &out); err != nil {
		return "", err
	}
	if len(out.Accounts) == 0 || out.Accounts[0] == "" {
		return "", errors.New("gateway reported no accounts")
	}
	c.mu.Lock()
	c.account = out.Accounts[0]
	c.mu.Unlock()
	return out.Accounts[0], nil
}

// Positions returns the holdings of the managed account.
func (c *Client) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	acct, err := c.ManagedAccount(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.BrokerPosition
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf(routePositions, url.PathEscape(acct)), nil, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Account == "" {
			out[i].Account = acct
		}
	}
	return out, nil
}

// AccountSummary returns the values of tag per currency segment.
func (c *Client) AccountSummary(ctx context.Context, tag string) ([]model.SummaryValue, error) {
	acct, err := c.ManagedAccount(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.SummaryValue
	q := url.Values{"tag": {tag}}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf(routeSummary, url.PathEscape(acct)), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// snapshot fields are pointers so a missing price decodes as NaN.
type snapshot struct {
	Bid   *float64 `json:"bid"`
	Last  *float64 `json:"last"`
	Close *float64 `json:"close"`
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// Quote requests a market data snapshot for contract.
func (c *Client) Quote(ctx context.Context, contract model.Contract) (model.Quote, error) {
	q := url.Values{
		"symbol":   {contract.Symbol},
		"sec_type": {string(contract.SecType)},
		"currency": {contract.Currency},
	}
	if contract.ConID != 0 {
		q.Set("con_id", strconv.FormatInt(contract.ConID, 10))
	}
	if contract.Exchange != "" {
		q.Set("exchange", contract.Exchange)
	}
	if contract.LocalSymbol != "" {
		q.Set("local_symbol", contract.LocalSymbol)
	}
	var out snapshot
	if err := c.call(ctx, http.MethodGet, routeSnapshot, q, nil, &out); err != nil {
		return model.Quote{}, err
	}
	return model.Quote{Bid: orNaN(out.Bid), Last: orNaN(out.Last), Close: orNaN(out.Close)}, nil
}

// call sends an authenticated request, logging in first when needed and
// once more on a 401.
func (c *Client) call(ctx context.Context, method, route string, q url.Values, body, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, route, q, body, out, token)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	if c.SessionExpiryHook != nil {
		c.SessionExpiryHook()
	}
	slog.Warn("gateway token rejected, logging in again", slog.String("route", route))
	if err := c.Login(ctx); err != nil {
		return err
	}
	token, err = c.ensureToken(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, method, route, q, body, out, token)
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// apiError is the gateway's error body.
type apiError struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (c *Client) send(ctx context.Context, method, route string, q url.Values, body, out any, token string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqURL := c.baseURL + route
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, route, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return fmt.Errorf("%s %s: %w", method, route, ErrUnauthorized)
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.ErrorType != "" {
			return fmt.Errorf("%s %s: %s: %s", method, route, ae.ErrorType, ae.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, route, resp.StatusCode)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: couldn't parse JSON response: %w", method, route, err)
	}
	return nil
}
