package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"readytrader/internal/alerting"
	"readytrader/internal/config"
	"readytrader/internal/execution"
	"readytrader/internal/gateway"
	"readytrader/internal/marketdata"
	"readytrader/internal/policy"
	"readytrader/internal/scheduler"
	"readytrader/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newMarketData assembles the ingest store, the configured providers and the
// router over them. The ingest store is always present; the external
// providers join only when configured.
func (a *App) newMarketData() (*marketdata.Store, *marketdata.Router) {
	store := marketdata.NewStore(a.Config.MarketData.IngestTTL)

	providers := []marketdata.Provider{marketdata.NewIngestProvider(store)}

	if cfg := a.Config.Providers.REST; cfg.BaseURL != "" {
		providers = append(providers, marketdata.NewRESTProvider(marketdata.RESTOptions{
			BaseURL:   cfg.BaseURL,
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.RequestTimeout,
		}, a.Logger))
	}

	if cfg := a.Config.Providers.Redis; cfg.Addr != "" {
		providers = append(providers, marketdata.NewRedisStore(marketdata.RedisOptions{
			Addr:      cfg.Addr,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
			Timeout:   cfg.RequestTimeout,
		}, a.Logger))
	}

	if cfg := a.Config.Providers.Onchain; cfg.RPCURL != "" && cfg.AggregatorAddress != "" {
		providers = append(providers, marketdata.NewOnchainProvider(marketdata.OnchainOptions{
			RPCURL:            cfg.RPCURL,
			AggregatorAddress: cfg.AggregatorAddress,
			Symbol:            cfg.Symbol,
			Decimals:          cfg.Decimals,
			Timeout:           cfg.RequestTimeout,
		}, a.Logger))
	}

	router := marketdata.NewRouter(providers, marketdata.RouterOptions{
		Priority:           a.Config.MarketData.Priority,
		MaxAgeMS:           a.Config.MarketData.MaxAgeMS,
		MaxAgeMSByProvider: a.Config.MarketData.MaxAgeMSByProvider,
		OutlierMaxPct:      a.Config.MarketData.OutlierMaxPct,
		OutlierWindowMS:    a.Config.MarketData.OutlierWindowMS,
		FailClosed:         a.Config.MarketData.FailClosed,
	}, a.Logger)

	return store, router
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Notify.Telegram.Enabled {
		cfg := a.Config.Notify.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// openRepository opens the Postgres-backed proposal/audit repository. A blank
// DSN disables persistence and returns nil.
func (a *App) openRepository(ctx context.Context) (*storage.Repository, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	repo := storage.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

// Run executes the long-running service: the market data router stays warm
// behind heartbeat checks and the proposal store is compacted on an interval.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	if repo == nil {
		a.Logger.Warn().Msg("database.dsn not configured; proposal persistence disabled")
	}
	if closeRepo != nil {
		defer closeRepo()
	}

	_, router := a.newMarketData()

	var proposalRepo execution.Repository
	if repo != nil {
		proposalRepo = repo
	}
	proposals := execution.NewStore(proposalRepo, a.Logger)
	notifier := a.newNotifier()

	a.Logger.Info().Str("session_id", proposals.SessionID()).
		Str("approval_mode", a.Config.Execution.ApprovalMode).
		Bool("fail_closed", a.Config.MarketData.FailClosed).
		Msg("starting service")

	interval := a.Config.Execution.CompactionInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	loop := scheduler.New(scheduler.Options{Interval: interval}, a.Logger)

	err = loop.Run(ctx, func(ctx context.Context, now time.Time) error {
		removed, expired := proposals.Compact()
		if removed > 0 {
			a.Logger.Info().Int("removed", removed).Msg("compacted terminal proposals")
		}
		for _, exp := range expired {
			a.Logger.Info().Str("request_id", exp.RequestID).Str("kind", exp.Kind).
				Msg("proposal expired without a decision")
			if notifier == nil {
				continue
			}
			err := notifier.Notify(ctx, alerting.Notice{
				Kind:      alerting.KindProposalExpired,
				RequestID: exp.RequestID,
				Reason:    exp.Kind,
				ExpiresAt: exp.ExpiresAt,
			})
			if err != nil {
				a.Logger.Warn().Err(err).Str("request_id", exp.RequestID).Msg("expiry notice failed")
			}
		}
		for _, entry := range router.Status() {
			a.Logger.Debug().Interface("provider", entry).Msg("provider heartbeat")
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("service stopped")
	return nil
}

// NewGateway wires the order-entry gateway for an embedding caller. The
// caller supplies the venue and portfolio sides; everything else comes from
// configuration. The returned closer releases the database pool.
func (a *App) NewGateway(ctx context.Context, ledger gateway.Ledger, brokerage gateway.Brokerage) (*gateway.Gateway, func(), error) {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return nil, nil, err
	}

	var proposalRepo execution.Repository
	var auditor gateway.Auditor
	if repo != nil {
		proposalRepo = repo
		auditor = repo
	}

	gw, err := gateway.New(gateway.Options{
		Policy:       policy.NewEngine(a.policyRules()),
		Ledger:       ledger,
		Brokerage:    brokerage,
		Store:        execution.NewStore(proposalRepo, a.Logger),
		Notifier:     a.newNotifier(),
		Auditor:      auditor,
		ApprovalMode: a.Config.Execution.ApprovalMode,
		ProposalTTL:  a.Config.Execution.ProposalTTL,
		Logger:       a.Logger,
	})
	if err != nil {
		if closeRepo != nil {
			closeRepo()
		}
		return nil, nil, err
	}

	if closeRepo == nil {
		closeRepo = func() {}
	}
	return gw, closeRepo, nil
}

func (a *App) policyRules() policy.Rules {
	cfg := a.Config.Policy

	var byVenue map[string]decimal.Decimal
	if len(cfg.MaxOrderAmountByVenue) > 0 {
		byVenue = make(map[string]decimal.Decimal, len(cfg.MaxOrderAmountByVenue))
		for venue, max := range cfg.MaxOrderAmountByVenue {
			byVenue[venue] = decimal.NewFromFloat(max)
		}
	}

	return policy.Rules{
		AllowVenues:           cfg.AllowVenues,
		AllowSymbols:          cfg.AllowSymbols,
		AllowMarketTypes:      cfg.AllowMarketTypes,
		MaxOrderAmount:        decimal.NewFromFloat(cfg.MaxOrderAmount),
		MaxOrderAmountByVenue: byVenue,
	}
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Symbol    string
	Timeframe string
	Limit     int
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ProposalsOptions configure the proposals command.
type ProposalsOptions struct {
	Limit int
	Audit bool
}
