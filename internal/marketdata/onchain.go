package marketdata

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
)

const aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OnchainOptions parameterise the aggregator reader.
type OnchainOptions struct {
	RPCURL            string
	AggregatorAddress string
	// Symbol is the single symbol this feed serves, e.g. BTC/USD.
	Symbol   string
	Decimals int32
	Timeout  time.Duration
}

// OnchainProvider reads a Chainlink-style price aggregator over Ethereum
// RPC. The on-chain updatedAt becomes the snapshot event time, so the
// router's staleness logic applies to oracle rounds like any other source.
type OnchainProvider struct {
	opts      OnchainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewOnchainProvider builds an aggregator-backed provider.
func NewOnchainProvider(opts OnchainOptions, logger zerolog.Logger) *OnchainProvider {
	if opts.Decimals <= 0 {
		opts.Decimals = 8
	}
	return &OnchainProvider{
		opts:   opts,
		logger: logger.With().Str("component", "onchain_provider").Logger(),
	}
}

func (o *OnchainProvider) ProviderID() string { return ProviderOnchain }

// FetchTicker calls latestRoundData and converts the answer to a snapshot.
func (o *OnchainProvider) FetchTicker(ctx context.Context, symbol string) (TickerSnapshot, error) {
	sym := NormalizeSymbol(symbol)
	if sym != NormalizeSymbol(o.opts.Symbol) {
		return TickerSnapshot{}, fmt.Errorf("feed serves %s, not %s", o.opts.Symbol, sym)
	}
	if o.opts.RPCURL == "" {
		return TickerSnapshot{}, errors.New("ethereum rpc url not configured")
	}
	if o.opts.AggregatorAddress == "" {
		return TickerSnapshot{}, errors.New("aggregator address not configured")
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return TickerSnapshot{}, err
	}

	addr := common.HexToAddress(o.opts.AggregatorAddress)
	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return TickerSnapshot{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return TickerSnapshot{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return TickerSnapshot{}, err
	}
	if len(outputs) != 5 {
		return TickerSnapshot{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return TickerSnapshot{}, errors.New("failed to decode aggregator answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return TickerSnapshot{}, errors.New("failed to decode aggregator updatedAt")
	}

	last := decimal.NewFromBigInt(answer, -o.opts.Decimals)

	return TickerSnapshot{
		Symbol:       sym,
		Last:         last.InexactFloat64(),
		TimestampMS:  updatedAt.Int64() * 1000,
		IngestedAtMS: nowMS(),
		Source:       ProviderOnchain,
	}, nil
}

// FetchOHLCV is unsupported; aggregators expose no bar history.
func (o *OnchainProvider) FetchOHLCV(context.Context, string, string, int) ([]Candle, error) {
	return nil, errors.New("onchain provider has no ohlcv history")
}

func (o *OnchainProvider) Status() map[string]any {
	return map[string]any{
		"provider_id": ProviderOnchain,
		"symbol":      NormalizeSymbol(o.opts.Symbol),
		"aggregator":  o.opts.AggregatorAddress,
	}
}

func (o *OnchainProvider) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ Provider = (*OnchainProvider)(nil)
