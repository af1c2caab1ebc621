package marketdata

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestOnchainMissingConfig(t *testing.T) {
	p := NewOnchainProvider(OnchainOptions{Symbol: "BTC/USD"}, zerolog.Nop())
	if _, err := p.FetchTicker(context.Background(), "BTC/USD"); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	p = NewOnchainProvider(OnchainOptions{Symbol: "BTC/USD", RPCURL: "http://localhost"}, zerolog.Nop())
	if _, err := p.FetchTicker(context.Background(), "BTC/USD"); err == nil {
		t.Fatal("缺少合约地址应报错")
	}
}

func TestOnchainRejectsForeignSymbol(t *testing.T) {
	p := NewOnchainProvider(OnchainOptions{Symbol: "BTC/USD", RPCURL: "http://localhost", AggregatorAddress: "0x01"}, zerolog.Nop())
	if _, err := p.FetchTicker(context.Background(), "ETH/USD"); err == nil {
		t.Fatal("非本 feed 符号应报错")
	}
}

func TestOnchainHasNoOHLCV(t *testing.T) {
	p := NewOnchainProvider(OnchainOptions{Symbol: "BTC/USD"}, zerolog.Nop())
	if _, err := p.FetchOHLCV(context.Background(), "BTC/USD", "1d", 10); err == nil {
		t.Fatal("OHLCV 不受支持, 应报错")
	}
}
