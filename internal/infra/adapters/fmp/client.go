// Package fmp implements the Financial Modeling Prep quote-short batch client used as the relay's price source.
package fmp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/bulios/stocks/errs"
	"github.com/bulios/stocks/internal/domain/quote"
)

const (
	component        = "upstream/fmp"
	quoteShortPath   = "quote-short/"
	errorBodyLimit   = 4 << 10
	limitReachedHint = "limit reach"
)

// Options configures a Client.
type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	BatchSize         int
	RequestsPerSecond float64
	Burst             int
	MaxCooldown       time.Duration
	HTTPClient        *http.Client
	Logger            *log.Logger
	Clock             func() time.Time
}

func (o Options) withDefaults() Options {
	o.BaseURL = strings.TrimSpace(o.BaseURL)
	if o.BaseURL == "" {
		o.BaseURL = "https://financialmodelingprep.com/api/v3/"
	}
	if !strings.HasSuffix(o.BaseURL, "/") {
		o.BaseURL += "/"
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 5
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.MaxCooldown <= 0 {
		o.MaxCooldown = time.Minute
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Client fetches batched short quotes. It is safe for concurrent use.
type Client struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
	now     func() time.Time

	mu            sync.Mutex
	cooldown      *backoff.ExponentialBackOff
	cooldownUntil time.Time
}

// NewClient constructs a quote client from opts.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport:     nil,
			CheckRedirect: nil,
			Jar:           nil,
			Timeout:       opts.Timeout,
		}
	}
	cooldown := backoff.NewExponentialBackOff()
	cooldown.MaxInterval = opts.MaxCooldown
	return &Client{
		opts:          opts,
		client:        httpClient,
		limiter:       rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:        opts.Logger,
		now:           opts.Clock,
		mu:            sync.Mutex{},
		cooldown:      cooldown,
		cooldownUntil: time.Time{},
	}
}

type shortQuote struct {
	Symbol string           `json:"symbol"`
	Price  *decimal.Decimal `json:"price"`
	Volume *decimal.Decimal `json:"volume"`
}

type errorEnvelope struct {
	Message string `json:"Error Message"`
}

// FetchBatch returns the latest quotes for symbols. Lists longer than the batch size are split into
// several requests and any failed request fails the whole call. Symbols the provider has no data for
// are absent from the result.
func (c *Client) FetchBatch(ctx context.Context, symbols []quote.Symbol) (map[quote.Symbol]quote.Quote, error) {
	out := make(map[quote.Symbol]quote.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	if until, cooling := c.coolingDown(); cooling {
		return nil, errs.New(component, errs.CodeRateLimited,
			errs.WithMessage("cooling down until "+until.UTC().Format(time.RFC3339)))
	}

	for start := 0; start < len(symbols); start += c.opts.BatchSize {
		end := start + c.opts.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		quotes, err := c.fetchChunk(ctx, symbols[start:end])
		if err != nil {
			return nil, err
		}
		for _, q := range quotes {
			out[q.Symbol] = q
		}
	}
	c.resetCooldown()
	return out, nil
}

func (c *Client) fetchChunk(ctx context.Context, symbols []quote.Symbol) ([]quote.Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("request throttled"), errs.WithCause(err))
	}

	endpoint := c.endpoint(symbols)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork, errs.WithMessage("quote request failed"), errs.WithCause(redact(err)))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		wait := c.startCooldown(resp.Header.Get("Retry-After"))
		return nil, errs.New(component, errs.CodeRateLimited,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("limit reached, backing off %s: %s", wait, providerMessage(body))))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, errs.New(component, errs.CodeUpstream,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(providerMessage(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork, errs.WithMessage("read quote response"), errs.WithCause(err))
	}
	return c.decode(body)
}

func (c *Client) decode(body []byte) ([]quote.Quote, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		message := providerMessage(trimmed)
		if strings.Contains(strings.ToLower(message), limitReachedHint) {
			wait := c.startCooldown("")
			return nil, errs.New(component, errs.CodeRateLimited,
				errs.WithMessage(fmt.Sprintf("limit reached, backing off %s: %s", wait, message)))
		}
		return nil, errs.New(component, errs.CodeUpstream, errs.WithMessage(message))
	}

	var rows []shortQuote
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, errs.New(component, errs.CodeUpstream, errs.WithMessage("decode quote response"), errs.WithCause(err))
	}
	quotes := make([]quote.Quote, 0, len(rows))
	for _, row := range rows {
		sym := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if !quote.ValidSymbol(sym) || row.Price == nil {
			continue
		}
		var volume int64
		if row.Volume != nil {
			volume = row.Volume.IntPart()
		}
		quotes = append(quotes, quote.Quote{
			Symbol: quote.Symbol(sym),
			Price:  row.Price.InexactFloat64(),
			Volume: volume,
		})
	}
	return quotes, nil
}

func (c *Client) endpoint(symbols []quote.Symbol) string {
	escaped := make([]string, len(symbols))
	for i, sym := range symbols {
		escaped[i] = url.PathEscape(string(sym))
	}
	query := url.Values{}
	if c.opts.APIKey != "" {
		query.Set("apikey", c.opts.APIKey)
	}
	endpoint := c.opts.BaseURL + quoteShortPath + strings.Join(escaped, quote.SymbolsDelimiter)
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	return endpoint
}

func (c *Client) coolingDown() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cooldownUntil.IsZero() || !c.now().Before(c.cooldownUntil) {
		return time.Time{}, false
	}
	return c.cooldownUntil, true
}

// startCooldown extends the rate-limit window and returns its length.
func (c *Client) startCooldown(retryAfter string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	wait := c.cooldown.NextBackOff()
	if wait == backoff.Stop {
		wait = c.opts.MaxCooldown
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
		if hinted := time.Duration(seconds) * time.Second; hinted > wait {
			wait = hinted
		}
	}
	if wait > c.opts.MaxCooldown {
		wait = c.opts.MaxCooldown
	}
	c.cooldownUntil = c.now().Add(wait)
	c.logger.Printf("fmp: rate limited, pausing requests for %s", wait)
	return wait
}

func (c *Client) resetCooldown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cooldownUntil.IsZero() {
		return
	}
	c.cooldown.Reset()
	c.cooldownUntil = time.Time{}
}

func providerMessage(body []byte) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && strings.TrimSpace(envelope.Message) != "" {
		return strings.TrimSpace(envelope.Message)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response body"
	}
	return text
}

// redact strips the query string, which carries the api key, from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if parsed, perr := url.Parse(urlErr.URL); perr == nil {
			parsed.RawQuery = ""
			return &url.Error{Op: urlErr.Op, URL: parsed.String(), Err: urlErr.Err}
		}
	}
	return err
}
