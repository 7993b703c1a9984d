package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"variation-radar/internal/model"
)

const (
	aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// contractCaller is the subset of ethclient used by the feed.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain price feed.
type ChainlinkOptions struct {
	Instrument string
	RPCURL     string
	Address    string
	Timeout    time.Duration
}

// ChainlinkFeed reads latestRoundData from a price aggregator contract over JSON-RPC.
type ChainlinkFeed struct {
	opts   ChainlinkOptions
	logger zerolog.Logger
	now    func() time.Time

	clientMux sync.Mutex
	client    contractCaller
	decimals  *uint8
}

// NewChainlinkFeed builds a new on-chain feed.
func NewChainlinkFeed(opts ChainlinkOptions, logger zerolog.Logger) *ChainlinkFeed {
	return &ChainlinkFeed{
		opts:   opts,
		logger: logger.With().Str("component", "chainlink_feed").Str("instrument", opts.Instrument).Logger(),
		now:    time.Now,
	}
}

// Name returns the instrument this feed prices.
func (c *ChainlinkFeed) Name() string {
	return c.opts.Instrument
}

// FetchPrice reads the latest aggregator answer scaled by its decimals.
func (c *ChainlinkFeed) FetchPrice(ctx context.Context) (model.Sample, error) {
	price, err := c.fetch(ctx)
	if err != nil {
		return model.Sample{}, unavailable(c.opts.Instrument, err)
	}
	c.logger.Debug().Str("price", price.String()).Msg("price fetched")
	return model.Sample{Timestamp: c.now().UTC(), Price: price}, nil
}

func (c *ChainlinkFeed) fetch(ctx context.Context) (decimal.Decimal, error) {
	if c.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if c.opts.Address == "" {
		return decimal.Decimal{}, errors.New("aggregator contract address not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	addr := common.HexToAddress(c.opts.Address)

	scale, err := c.getDecimals(ctx, client, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}
	if answer.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("aggregator returned non-positive answer %s", answer)
	}

	return decimal.NewFromBigInt(answer, -int32(scale)), nil
}

func (c *ChainlinkFeed) getDecimals(ctx context.Context, client contractCaller, addr common.Address) (uint8, error) {
	c.clientMux.Lock()
	cached := c.decimals
	c.clientMux.Unlock()
	if cached != nil {
		return *cached, nil
	}

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}
	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	scale, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.clientMux.Lock()
	c.decimals = &scale
	c.clientMux.Unlock()
	return scale, nil
}

func (c *ChainlinkFeed) getClient(ctx context.Context) (contractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ PriceFeed = (*ChainlinkFeed)(nil)
