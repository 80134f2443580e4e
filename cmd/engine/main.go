// Command engine runs the order and position lifecycle engine for a
// CLOB-style prediction-market venue.
//
// Architecture:
//
//	internal/config        — YAML + POLY_* env var configuration
//	internal/restclient     — REST client + L1/L2 (EIP-712/HMAC) auth for the venue's CLOB API
//	internal/wsclient       — reconnecting WebSocket transport
//	internal/realtimebus    — market/user channel fan-out over wsclient (C3)
//	internal/validator      — pre-submission order validation (C4)
//	internal/orderstate     — per-order lifecycle state machine (C5)
//	internal/orderhandle    — awaitable per-order handle (C6)
//	internal/ordermanager   — submits, watches, and settles orders (C7)
//	internal/settlement     — on-chain confirmation polling for filled trades
//	internal/diparb         — two-leg dip-arbitrage strategy engine (C8)
//	internal/marketscan     — discovers upcoming short-duration markets
//	internal/ctf            — Conditional Tokens Framework on-chain adapter (C10)
//	internal/store          — crash-safe pending-redemption queue persistence
//	internal/rotation        — keeps DipArb pointed at a live market, settles leftovers (C9)
//	internal/eventbus       — optional JSON/WS relay of lifecycle events
//
// main wires all of the above per configured underlying and waits for
// SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"polyarb/internal/config"
	"polyarb/internal/ctf"
	"polyarb/internal/diparb"
	"polyarb/internal/eventbus"
	"polyarb/internal/marketscan"
	"polyarb/internal/orderhandle"
	"polyarb/internal/ordermanager"
	"polyarb/internal/realtimebus"
	"polyarb/internal/restclient"
	"polyarb/internal/rotation"
	"polyarb/internal/settlement"
	"polyarb/internal/store"
	"polyarb/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders or on-chain transactions will be submitted")
	}

	hub := eventbus.NewHub(logger)
	hubDone := make(chan struct{})
	go hub.Run(hubDone)

	var httpServer *http.Server
	if cfg.Dashboard.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			writeJSONSnapshot(w, hub.Snapshot())
		})
		httpServer = &http.Server{Addr: cfg.Dashboard.Addr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "addr", cfg.Dashboard.Addr)
	}

	privateKey, err := parsePrivateKey(cfg.Wallet.PrivateKey)
	if err != nil {
		logger.Error("failed to parse wallet private key", "error", err)
		os.Exit(1)
	}

	auth, err := restclient.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to build authenticator", "error", err)
		os.Exit(1)
	}

	rest := restclient.New(cfg.API.CLOBBaseURL, auth, cfg.DryRun, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ethClient, err := ctf.Dial(ctx, cfg.API.PolygonRPCURL)
	if err != nil {
		logger.Error("failed to dial polygon RPC", "error", err)
		os.Exit(1)
	}

	ctfClient, err := ctf.New(ethClient, privateKey, cfg.Wallet.ChainID)
	if err != nil {
		logger.Error("failed to construct CTF client", "error", err)
		os.Exit(1)
	}

	waiter := settlement.New(ethClient, logger)

	bus := realtimebus.New(realtimebus.Config{
		MarketURL: cfg.API.WSMarketURL,
		UserURL:   cfg.API.WSUserURL,
	}, logger)

	emit := func(evt types.LifecycleEvent) {
		hub.Publish("", evt)
	}

	orderMgr := ordermanager.New(cfg.OrderMgr, rest, bus, waiter, emit, logger)
	if err := orderMgr.Start(ctx, auth.WSAuthPayload()); err != nil {
		logger.Error("failed to start order manager", "error", err)
		os.Exit(1)
	}

	scanner := marketscan.New(cfg.API.GammaBaseURL)

	runners := make([]*underlyingRunner, 0, len(cfg.AutoRotate.Underlyings))

	for _, u := range cfg.AutoRotate.Underlyings {
		r, err := newUnderlyingRunner(ctx, underlyingRunnerDeps{
			underlying: types.Underlying(strings.ToUpper(u)),
			cfg:        *cfg,
			scanner:    scanner,
			ctf:        ctfClient,
			orders:     orderMgr,
			bus:        bus,
			hub:        hub,
			logger:     logger,
		})
		if err != nil {
			logger.Error("failed to start rotation for underlying", "underlying", u, "error", err)
			continue
		}
		runners = append(runners, r)
	}

	if len(runners) == 0 {
		logger.Error("no underlying could be started, shutting down")
		os.Exit(1)
	}

	logger.Info("engine started", "underlyings", cfg.AutoRotate.Underlyings, "dry_run", cfg.DryRun)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	for _, r := range runners {
		r.stop()
	}
	orderMgr.Stop()
	bus.Stop()
	close(hubDone)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("dashboard shutdown", "error", err)
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key := hexKey
	if len(key) >= 2 && key[:2] == "0x" {
		key = key[2:]
	}
	return crypto.HexToECDSA(key)
}

func writeJSONSnapshot(w http.ResponseWriter, envelopes []eventbus.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelopes); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// engineHolder owns the lifetime of the DipArbEngine currently trading
// one market: its realtimebus subscription and a Snapshot accessor the
// RotationScheduler reads to find a leftover leg-1 position.
type engineHolder struct {
	mu     sync.Mutex
	engine *diparb.Engine
	sub    *realtimebus.Subscription
}

func (h *engineHolder) start(ctx context.Context, market types.Market, cfg config.DipArbConfig, orders diparb.OrderPlacer, ctfClient diparb.CTFClient, bus *realtimebus.Bus, emit func(types.LifecycleEvent), logger *slog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()

	eng := diparb.New(cfg, market, orders, ctfClient, emit, logger)
	sub := bus.SubscribeMarket(ctx, []string{market.UpTokenID, market.DownTokenID}, realtimebus.Handlers{
		OnOrderbook: eng.HandleOrderbook,
		OnUnderlyingPrice: func(u types.Underlying, price string) {
			eng.HandleUnderlyingPrice(u, price)
		},
	})

	h.engine = eng
	h.sub = sub
}

func (h *engineHolder) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		h.sub.Unsubscribe()
		h.sub = nil
	}
	h.engine = nil
}

func (h *engineHolder) snapshot() (types.Round, string, bool) {
	h.mu.Lock()
	eng := h.engine
	h.mu.Unlock()
	if eng == nil {
		return types.Round{}, "", false
	}
	return eng.Snapshot()
}

// underlyingRunner binds one configured underlying to its own
// engineHolder, RotationScheduler, and pending-redemption store, so
// multiple underlyings rotate independently against the same venue
// connections.
type underlyingRunner struct {
	holder    *engineHolder
	scheduler *rotation.Scheduler
}

func (r *underlyingRunner) stop() {
	r.scheduler.Stop()
	r.holder.stop()
}

type underlyingRunnerDeps struct {
	underlying types.Underlying
	cfg        config.Config
	scanner    *marketscan.Scanner
	ctf        *ctf.Client
	orders     interface {
		CreateMarketOrder(ctx context.Context, p types.MarketOrderParams) (*orderhandle.Handle, error)
	}
	bus    *realtimebus.Bus
	hub    *eventbus.Hub
	logger *slog.Logger
}

func newUnderlyingRunner(ctx context.Context, deps underlyingRunnerDeps) (*underlyingRunner, error) {
	market, ok, err := deps.scanner.ScanUpcomingMarkets(ctx, deps.underlying, deps.cfg.AutoRotate.Duration)
	if err != nil {
		return nil, fmt.Errorf("scan initial market: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no upcoming %s market found", deps.underlying)
	}

	dataDir := filepath.Join(deps.cfg.Store.DataDir, strings.ToLower(string(deps.underlying)))
	st, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open pending redemption store: %w", err)
	}

	holder := &engineHolder{}

	marketID := &marketIDBox{}
	marketID.set(market.Slug)

	emit := func(evt types.LifecycleEvent) {
		deps.hub.Publish(marketID.get(), evt)
	}

	start := func(m types.Market) {
		marketID.set(m.Slug)
		holder.start(ctx, m, deps.cfg.DipArb, deps.orders, deps.ctf, deps.bus, emit, deps.logger)
	}
	stop := holder.stop

	scheduler := rotation.New(
		deps.cfg.AutoRotate,
		deps.scanner,
		deps.ctf,
		deps.orders,
		st,
		holder.snapshot,
		start,
		stop,
		emit,
		deps.logger,
	)

	scheduler.SetCurrentMarket(market)
	holder.start(ctx, market, deps.cfg.DipArb, deps.orders, deps.ctf, deps.bus, emit, deps.logger)

	if err := scheduler.EnableAutoRotate(ctx); err != nil {
		return nil, fmt.Errorf("enable auto rotate: %w", err)
	}

	deps.logger.Info("rotation started", "underlying", deps.underlying, "market", market.Slug, "endTime", market.EndTime)

	return &underlyingRunner{holder: holder, scheduler: scheduler}, nil
}

// marketIDBox lets the emit closure report the market currently being
// traded without engineHolder having to expose its internal engine.
type marketIDBox struct {
	mu  sync.Mutex
	val string
}

func (b *marketIDBox) set(v string) {
	b.mu.Lock()
	b.val = v
	b.mu.Unlock()
}

func (b *marketIDBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.val
}
