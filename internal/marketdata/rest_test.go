package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRESTFetchTickerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != restTickerPath {
			t.Fatalf("路径应为 %s, 实际 %s", restTickerPath, r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTC/USDT" {
			t.Fatalf("symbol 查询参数错误: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol":       "btc/usdt",
			"last":         50000.5,
			"bid":          49999.0,
			"ask":          50001.0,
			"timestamp_ms": 1700000000000,
		})
	}))
	defer srv.Close()

	p := NewRESTProvider(RESTOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())

	snap, err := p.FetchTicker(context.Background(), "btc/usdt")
	if err != nil {
		t.Fatalf("FetchTicker 应成功: %v", err)
	}
	if snap.Symbol != "BTC/USDT" || snap.Last != 50000.5 {
		t.Fatalf("快照内容错误: %+v", snap)
	}
	if snap.TimestampMS != 1700000000000 {
		t.Fatalf("事件时间错误: %d", snap.TimestampMS)
	}
	if snap.IngestedAtMS == 0 {
		t.Fatal("应记录本地接收时间")
	}
}

func TestRESTFetchTickerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "rate limited"})
	}))
	defer srv.Close()

	p := NewRESTProvider(RESTOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())

	if _, err := p.FetchTicker(context.Background(), "BTC/USDT"); err == nil {
		t.Fatal("HTTP 429 应返回错误")
	}
}

func TestRESTFetchTickerNotConfigured(t *testing.T) {
	p := NewRESTProvider(RESTOptions{}, zerolog.Nop())
	if _, err := p.FetchTicker(context.Background(), "BTC/USDT"); err == nil {
		t.Fatal("未配置 base url 应返回错误")
	}
}

func TestRESTFetchOHLCV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != restOHLCVPath {
			t.Fatalf("路径应为 %s, 实际 %s", restOHLCVPath, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([][]float64{
			{1700000000000, 100, 110, 95, 105, 1234},
			{1700000060000, 105, 108, 101, 102, 987},
		})
	}))
	defer srv.Close()

	p := NewRESTProvider(RESTOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())

	candles, err := p.FetchOHLCV(context.Background(), "BTC/USDT", "1m", 2)
	if err != nil {
		t.Fatalf("FetchOHLCV 应成功: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("应返回 2 根 K 线, 实际 %d", len(candles))
	}
	if candles[0].Close != 105 {
		t.Fatalf("收盘价解析错误: %+v", candles[0])
	}
}

func TestRESTFetchOHLCVBadRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float64{{1700000000000, 100}})
	}))
	defer srv.Close()

	p := NewRESTProvider(RESTOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())

	if _, err := p.FetchOHLCV(context.Background(), "BTC/USDT", "1m", 1); err == nil {
		t.Fatal("缺列的 K 线应返回错误")
	}
}
