package marketdata

import "testing"

func TestDecodeWireCandlesSnakeCase(t *testing.T) {
	payload := []byte(`[
		{"timestamp_ms": 1700000000000, "open": 100, "high": 110, "low": 95, "close": 105, "volume": 12.5},
		{"timestamp_ms": 1700000060000, "open": 105, "high": 112, "low": 104, "close": 111, "volume": 8}
	]`)

	candles, err := decodeWireCandles(payload)
	if err != nil {
		t.Fatalf("解析快照失败: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("应解析出 2 根 K 线, 实际 %d", len(candles))
	}
	first := candles[0]
	if first.TimestampMS != 1700000000000 || first.Open != 100 || first.High != 110 ||
		first.Low != 95 || first.Close != 105 || first.Volume != 12.5 {
		t.Fatalf("K 线内容错误: %+v", first)
	}
}

func TestDecodeWireCandlesMalformed(t *testing.T) {
	if _, err := decodeWireCandles([]byte(`{"not":"a list"}`)); err == nil {
		t.Fatal("非数组负载应报错")
	}
}
