package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrow-alerts/internal/chain"
	"escrow-alerts/internal/config"
	"escrow-alerts/internal/correlator"
	"escrow-alerts/internal/events"
	"escrow-alerts/internal/notify"
	"escrow-alerts/internal/rates"
	"escrow-alerts/internal/scheduler"
	"escrow-alerts/internal/service"
	"escrow-alerts/internal/sniper"
	"escrow-alerts/internal/statestore"
	"escrow-alerts/internal/storage"
	"escrow-alerts/internal/stream"
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

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newChannel() notify.Channel {
	if !a.Config.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Telegram
	return notify.NewTelegramChannel(cfg.BotToken, cfg.APIBase, 10*time.Second, a.Logger)
}

func (a *App) newChainSource() chain.Source {
	if a.Config.Chain.RPCURL == "" {
		return nil
	}
	return chain.NewContractSource(chain.Options{
		RPCURL:          a.Config.Chain.RPCURL,
		ContractAddress: a.Config.Chain.ContractAddress,
		Timeout:         a.Config.Chain.RequestTimeout,
	}, a.Logger)
}

func (a *App) newRates() rates.Provider {
	return rates.NewHTTPProvider(rates.Options{
		BaseURL:   a.Config.Rates.BaseURL,
		Timeout:   a.Config.Rates.RequestTimeout,
		CacheTTL:  a.Config.Rates.CacheTTL,
		UserAgent: a.Config.Rates.UserAgent,
		Pegged:    a.Config.Rates.Pegged,
	}, a.Logger)
}

func (a *App) verifierTable() map[string]sniper.MethodInfo {
	table := make(map[string]sniper.MethodInfo, len(a.Config.Sniper.Verifiers))
	for key, methods := range a.Config.Sniper.Verifiers {
		table[key] = sniper.MethodInfo{Currency: methods.Currency, Platform: methods.Platform}
	}
	return table
}

// Run executes the long-running watcher service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	channel := a.newChannel()
	if channel == nil {
		a.Logger.Warn().Msg("telegram disabled; notifications will be dropped")
	}

	var depositLedger storage.DepositLedger
	var intentLedger storage.IntentLedger
	var subsLedger storage.SubscriptionLedger
	var recipients notify.Recipients
	if store != nil {
		depositLedger = store
		intentLedger = store
		subsLedger = store
		recipients = store
	}

	source := a.newChainSource()
	state := statestore.New(depositLedger, source, a.Config.Sniper.DefaultAmount, a.Logger)
	router := notify.NewRouter(recipients, channel, a.Config.Sniper.BroadcastChatID, a.Config.Sniper.BroadcastThread, a.Logger)
	corr := correlator.New(intentLedger, source, router, a.Config.Correlator.SettleDelay, a.Logger)

	engine := sniper.New(state, subsLedger, a.newRates(), router, sniper.Options{
		RateScale:        a.Config.Sniper.RateScale,
		DefaultThreshold: decimal.NewFromFloat(a.Config.Sniper.DefaultThreshold),
		BroadcastChatID:  a.Config.Sniper.BroadcastChatID,
		Verifiers:        a.verifierTable(),
	}, a.Logger)

	decoder := events.NewDecoder(a.Logger)
	svc := service.New(decoder, corr, engine, state, router, a.Logger)

	sub := stream.New(stream.Options{
		URL:               a.Config.Stream.WSURL,
		ContractAddress:   a.Config.Stream.ContractAddress,
		HandshakeTimeout:  a.Config.Stream.HandshakeTimeout,
		PingInterval:      a.Config.Stream.PingInterval,
		InactivityTimeout: a.Config.Stream.InactivityTimeout,
		ReconnectBase:     a.Config.Stream.ReconnectBase,
		ReconnectMax:      a.Config.Stream.ReconnectMax,
		ReconnectFactor:   a.Config.Stream.ReconnectFactor,
		MaxReconnects:     a.Config.Stream.MaxReconnects,
		BufferSize:        a.Config.Stream.BufferSize,
	}, a.Logger)

	if err := sub.Connect(ctx); err != nil && !errors.Is(err, stream.ErrDestroyed) {
		// Backoff is already scheduled; the watchdog below is the backstop.
		a.Logger.Warn().Err(err).Msg("initial connection failed, retrying in background")
	}

	watchdog := scheduler.New(scheduler.Options{
		Interval:     a.Config.HealthCheck.Interval,
		StartupDelay: a.Config.HealthCheck.StartupDelay,
	}, a.Logger)
	retention := a.Config.Database.AlertRetention
	go watchdog.Run(ctx, func(ctx context.Context, now time.Time) error {
		if !sub.IsConnected() {
			a.Logger.Warn().Bool("healthy", sub.IsHealthy()).Msg("watchdog found stream disconnected, restarting")
			sub.Restart()
		}
		if store != nil && retention > 0 {
			if err := store.DeleteAlertsBefore(ctx, now.Add(-retention)); err != nil {
				return err
			}
		}
		return nil
	})

	a.Logger.Info().Msg("starting escrow watcher")
	err = svc.Run(ctx, sub.Logs())

	sub.Destroy()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), a.Config.Correlator.DrainTimeout)
	defer drainCancel()
	if drainErr := corr.Drain(drainCtx); drainErr != nil {
		a.Logger.Warn().Err(drainErr).Int("pending", corr.PendingBatches()).
			Msg("settle-window drain incomplete at shutdown")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("escrow watcher stopped")
	return nil
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	DepositID   uint64
	Amount      uint64
	Currency    string
	Platform    string
	DepositRate decimal.Decimal
	MarketRate  decimal.Decimal
}
