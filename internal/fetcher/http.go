package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"variation-radar/internal/config"
	"variation-radar/internal/model"
)

const maxResponseBytes = 4 << 20

// HTTPOptions parameterise the JSON price feed.
type HTTPOptions struct {
	Instrument string
	URL        string
	PricePath  string
	Timeout    time.Duration
	UserAgent  string
}

// HTTPFeed reads a price from a JSON document served over HTTP.
type HTTPFeed struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
	now    func() time.Time
}

// NewHTTPFeed constructs an HTTP feed.
func NewHTTPFeed(opts HTTPOptions, logger zerolog.Logger) *HTTPFeed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.PricePath == "" {
		opts.PricePath = config.DefaultPricePath
	}

	return &HTTPFeed{
		opts:   opts,
		logger: logger.With().Str("component", "http_feed").Str("instrument", opts.Instrument).Logger(),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Name returns the instrument this feed prices.
func (f *HTTPFeed) Name() string {
	return f.opts.Instrument
}

// FetchPrice performs one GET and extracts the price at the configured path.
func (f *HTTPFeed) FetchPrice(ctx context.Context) (model.Sample, error) {
	price, err := f.fetch(ctx)
	if err != nil {
		return model.Sample{}, unavailable(f.opts.Instrument, err)
	}
	f.logger.Debug().Str("price", price.String()).Msg("price fetched")
	return model.Sample{Timestamp: f.now().UTC(), Price: price}, nil
}

func (f *HTTPFeed) fetch(ctx context.Context) (decimal.Decimal, error) {
	if f.opts.URL == "" {
		return decimal.Decimal{}, errors.New("feed url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "variation-radar/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return decimal.Decimal{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Decimal{}, parseHTTPError(resp.StatusCode, payload)
	}

	if !gjson.ValidBytes(payload) {
		return decimal.Decimal{}, errors.New("malformed json response")
	}

	field := gjson.GetBytes(payload, f.opts.PricePath)
	if !field.Exists() {
		return decimal.Decimal{}, fmt.Errorf("price field %q missing", f.opts.PricePath)
	}

	var raw string
	switch field.Type {
	case gjson.Number:
		raw = field.Raw
	case gjson.String:
		raw = strings.TrimSpace(field.Str)
	default:
		return decimal.Decimal{}, fmt.Errorf("price field %q is not numeric", f.opts.PricePath)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return price, nil
}

func parseHTTPError(status int, payload []byte) error {
	if gjson.ValidBytes(payload) {
		for _, path := range []string{"chart.error.description", "error.description", "description", "message"} {
			if msg := gjson.GetBytes(payload, path).String(); msg != "" {
				return fmt.Errorf("feed http error (%d): %s", status, msg)
			}
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("feed http error (%d): %s", status, body)
	}
	return fmt.Errorf("feed http error (%d)", status)
}

var _ PriceFeed = (*HTTPFeed)(nil)
