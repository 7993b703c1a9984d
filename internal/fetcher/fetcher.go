package fetcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"variation-radar/internal/config"
	"variation-radar/internal/model"
)

// PriceFeed retrieves the current price of one instrument.
// Every failure is returned wrapped in model.ErrFeedUnavailable.
type PriceFeed interface {
	FetchPrice(ctx context.Context) (model.Sample, error)
	Name() string
}

// New builds the feed described by cfg.
func New(cfg config.InstrumentConfig, logger zerolog.Logger) (PriceFeed, error) {
	switch cfg.Source {
	case "", "http":
		return NewHTTPFeed(HTTPOptions{
			Instrument: cfg.Name,
			URL:        cfg.URL,
			PricePath:  cfg.PricePath,
			Timeout:    cfg.RequestTimeout,
			UserAgent:  cfg.UserAgent,
		}, logger), nil
	case "chainlink":
		return NewChainlinkFeed(ChainlinkOptions{
			Instrument: cfg.Name,
			RPCURL:     cfg.RPCURL,
			Address:    cfg.Address,
			Timeout:    cfg.RequestTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("instrument %s: unknown feed source %q", cfg.Name, cfg.Source)
	}
}

func unavailable(instrument string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrFeedUnavailable, instrument, err)
}
