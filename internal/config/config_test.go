package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}

	if cfg.Execution.ApprovalMode != ApprovalModeAuto {
		t.Fatalf("approval_mode 默认应为 auto, 实际 %q", cfg.Execution.ApprovalMode)
	}
	if cfg.Execution.ProposalTTL != 120*time.Second {
		t.Fatalf("proposal_ttl 默认应为 120s, 实际 %s", cfg.Execution.ProposalTTL)
	}
	if cfg.MarketData.MaxAgeMS != 30_000 {
		t.Fatalf("max_age_ms 默认应为 30000, 实际 %d", cfg.MarketData.MaxAgeMS)
	}
	if cfg.MarketData.FailClosed {
		t.Fatal("fail_closed 默认应关闭")
	}
	if len(cfg.Policy.AllowVenues) != 0 {
		t.Fatalf("allow_venues 默认应为空, 实际 %v", cfg.Policy.AllowVenues)
	}
}

func TestLoadOperatorEnv(t *testing.T) {
	t.Setenv("EXECUTION_APPROVAL_MODE", "approve_each")
	t.Setenv("MARKETDATA_FAIL_CLOSED", "true")
	t.Setenv("ALLOW_VENUES", "alpaca,binance")
	t.Setenv("MAX_ORDER_AMOUNT", "2500")
	t.Setenv("PROPOSAL_TTL_SECONDS", "60")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Execution.ApprovalMode != ApprovalModeApproveEach {
		t.Fatalf("approval_mode 应为 approve_each, 实际 %q", cfg.Execution.ApprovalMode)
	}
	if !cfg.MarketData.FailClosed {
		t.Fatal("fail_closed 应开启")
	}
	if len(cfg.Policy.AllowVenues) != 2 || cfg.Policy.AllowVenues[0] != "alpaca" {
		t.Fatalf("allow_venues 解析错误: %v", cfg.Policy.AllowVenues)
	}
	if cfg.Policy.MaxOrderAmount != 2500 {
		t.Fatalf("max_order_amount 应为 2500, 实际 %v", cfg.Policy.MaxOrderAmount)
	}
	if cfg.Execution.ProposalTTL != time.Minute {
		t.Fatalf("proposal_ttl 应为 60s, 实际 %s", cfg.Execution.ProposalTTL)
	}
}

func TestLoadPerProviderMaxAge(t *testing.T) {
	t.Setenv("MARKETDATA_MAX_AGE_MS_EXCHANGE_WS", "2000")
	t.Setenv("MARKETDATA_MAX_AGE_MS_REST", "45000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if got := cfg.MarketData.MaxAgeMSByProvider["exchange_ws"]; got != 2000 {
		t.Fatalf("exchange_ws 阈值应为 2000, 实际 %d", got)
	}
	if got := cfg.MarketData.MaxAgeMSByProvider["rest"]; got != 45000 {
		t.Fatalf("rest 阈值应为 45000, 实际 %d", got)
	}
}

func TestValidateRejectsBadApprovalMode(t *testing.T) {
	cfg := &Config{}
	cfg.Execution.ApprovalMode = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatal("非法 approval_mode 应报错")
	}
}
