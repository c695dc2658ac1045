// Command agent runs the spot portfolio agent: the tracker consumer
// (T2) and the portfolio tick loop (T1) side by side until a fatal
// error or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/opensqt/spotagent/internal/config"
	"github.com/opensqt/spotagent/internal/cooldown"
	"github.com/opensqt/spotagent/internal/exchange"
	"github.com/opensqt/spotagent/internal/logging"
	"github.com/opensqt/spotagent/internal/portfolio"
	"github.com/opensqt/spotagent/internal/risk"
	"github.com/opensqt/spotagent/internal/sizing"
	"github.com/opensqt/spotagent/internal/telemetry"
	"github.com/opensqt/spotagent/internal/tracker"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agent version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting agent", "version", version, "quote_currency", cfg.Portfolio.QuoteCurrency)

	var metrics *telemetry.Metrics
	if cfg.Telemetry.EnableMetrics {
		metrics = telemetry.New(nil)
	} else {
		metrics = telemetry.Nop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exClient := exchange.NewRESTClient(exchange.Config{
		BaseURL:    cfg.Exchange.BaseURL,
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.SecretKey,
		Passphrase: cfg.Exchange.Passphrase,
	}, logger)

	mgrCfg := portfolio.Config{
		QuoteCurrency:       cfg.Portfolio.QuoteCurrency,
		BuyAgeLimit:         cfg.BuyAgeLimit(),
		SellAgeLimit:        cfg.SellAgeLimit(),
		BuyHorizon:          cfg.BuyHorizon(),
		SellHorizon:         cfg.SellHorizon(),
		BuyOrderType:        orderKind(cfg.Manager.BuyOrderType),
		SellOrderType:       orderKind(cfg.Manager.SellOrderType),
		TimeInForce:         exchange.TimeInForce(cfg.Manager.TimeInForce),
		PostOnly:            cfg.Manager.PostOnly,
		LiquidateOnShutdown: cfg.Manager.LiquidateOnExit,
		Blacklist:           cfg.BlacklistSet(),
		ConcentrationLimit:  decimal.NewFromFloat(cfg.Portfolio.ConcentrationLimit),
		POVLimit:            decimal.NewFromFloat(cfg.Portfolio.POVLimit),
		MinTickDuration:     cfg.MinTickDuration(),
	}

	stopLoss := risk.StopLoss{
		StopLossRatio:   decimal.NewFromFloat(cfg.Portfolio.StopLossRatio),
		TakeProfitRatio: decimal.NewFromFloat(cfg.Portfolio.TakeProfitRatio),
	}
	coolDownPeriod := time.Duration(cfg.Portfolio.StopLossCoolDownSecs) * time.Second
	cd := cooldown.New(coolDownPeriod, coolDownPeriod)

	var breaker *risk.CircuitBreaker
	if cfg.CircuitBreaker.Enabled {
		breaker = risk.NewCircuitBreaker(risk.CircuitConfig{
			MaxConsecutiveLosses: cfg.CircuitBreaker.MaxConsecutiveLosses,
			MaxDrawdownAmount:    decimal.NewFromFloat(cfg.CircuitBreaker.MaxDrawdownAmount),
			CooldownPeriod:       cfg.CircuitBreakerCooldown(),
		})
	}

	for {
		if err := runOnce(ctx, cfg, exClient, mgrCfg, stopLoss, cd, breaker, logger, metrics); err != nil {
			logger.Error("agent run stopped", "error", err)
			if ctx.Err() != nil {
				break
			}
			continue // tracker died; rebuild it and keep going (spec.md §4.C)
		}
		break
	}

	logger.Info("agent stopped")
}

// runOnce wires one Tracker instance alongside the Portfolio Manager
// and runs both until either fails or the process is asked to stop.
// The caller rebuilds everything and retries on a non-context error,
// since a tracker disconnect is fatal to that tracker but not the
// process (spec.md §4.C, §7).
func runOnce(ctx context.Context, cfg *config.Config, exClient exchange.Client, mgrCfg portfolio.Config, stopLoss risk.StopLoss, cd *cooldown.CoolDown, breaker *risk.CircuitBreaker, logger logging.Logger, metrics *telemetry.Metrics) error {
	products, err := exClient.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("fetch products: %w", err)
	}
	symbols := make([]string, 0, len(products))
	for _, p := range products {
		symbols = append(symbols, p.Symbol)
	}

	tr := tracker.New(tracker.Config{
		URL:             cfg.Exchange.StreamURL,
		APIKey:          cfg.Exchange.APIKey,
		APISecret:       cfg.Exchange.SecretKey,
		Passphrase:      cfg.Exchange.Passphrase,
		Products:        symbols,
		IgnoreUntracked: cfg.Tracker.IgnoreUntracked,
	}, logger)

	mgr := portfolio.New(exClient, tr, cd, stopLoss, breaker, mgrCfg, logger, metrics)

	if err := mgr.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort > 0 {
		go serveMetrics(ctx, cfg.Telemetry.MetricsPort, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Run(gctx) })
	g.Go(func() error { return tickLoop(gctx, mgr, exClient, cfg, logger) })

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := mgr.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("shutdown failed", "error", shutdownErr)
	}

	if ctx.Err() != nil {
		return nil // clean exit requested
	}
	return err
}

// tickLoop drives the Portfolio Manager at the configured cadence,
// gathering fresh TickInputs from the exchange client each round.
func tickLoop(ctx context.Context, mgr *portfolio.Manager, exClient exchange.Client, cfg *config.Config, logger logging.Logger) error {
	interval := cfg.MinTickDuration()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			in, err := gatherTickInputs(ctx, exClient)
			if err != nil {
				logger.Warn("failed to gather tick inputs; skipping tick", "error", err)
				continue
			}
			if err := mgr.Tick(ctx, in); err != nil {
				if err == portfolio.ErrNonAdvancingTick {
					continue
				}
				return err
			}
		}
	}
}

// gatherTickInputs assembles one tick's TickInputs from the exchange
// client. Weight generation (the trading signal itself) is outside the
// core's scope (spec.md §1 Non-goal); a production deployment supplies
// BuyWeights/SellWeights from a separate signal component.
func gatherTickInputs(ctx context.Context, exClient exchange.Client) (portfolio.TickInputs, error) {
	products, err := exClient.GetProducts(ctx)
	if err != nil {
		return portfolio.TickInputs{}, err
	}
	fees, err := exClient.GetFees(ctx)
	if err != nil {
		return portfolio.TickInputs{}, err
	}
	now, err := exClient.GetServerTime(ctx)
	if err != nil {
		return portfolio.TickInputs{}, err
	}

	info := make(map[string]exchange.MarketInfo, len(products))
	for _, p := range products {
		info[p.Symbol] = p
	}

	return portfolio.TickInputs{
		MarketInfo: info,
		Fees:       fees,
		TickTime:   now,
	}, nil
}

func serveMetrics(ctx context.Context, port int, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener starting", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics listener failed", "error", err)
	}
}

func orderKind(s string) sizing.OrderKind {
	if s == "market" {
		return sizing.MarketOrders
	}
	return sizing.LimitOrders
}
