// Package x402gate assembles the payment gateway and the payer from a
// types.Config.
package x402gate

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/x402gate/audit"
	"github.com/vitwit/x402gate/cache"
	"github.com/vitwit/x402gate/clients"
	"github.com/vitwit/x402gate/gate"
	"github.com/vitwit/x402gate/ledger"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/replay"
	"github.com/vitwit/x402gate/reputation"
	"github.com/vitwit/x402gate/server"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/signer"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/verification"
)

// Version information
const (
	Version         = "0.1.0"
	ProtocolVersion = types.X402Version
)

// Gateway is the merchant side: a gate behind an HTTP server, plus the
// background workers it feeds.
type Gateway struct {
	Gate     *gate.Gate
	Server   *server.Server
	Verifier *verification.Verifier
	Builder  *pricing.Builder
	Settler  *settlement.Settler

	cfg     *types.Config
	feed    *reputation.Feed
	audit   *audit.AsyncRecorder
	logger  logger.Logger
	closers []func() error
}

// New builds a gateway serving provider's content at the prices in cfg.
// Defaults are applied to cfg in place. Dependencies named in cfg are
// dialled here; ctx bounds the dialling.
func New(ctx context.Context, cfg *types.Config, provider gate.ContentProvider, opts ...Option) (gw *Gateway, err error) {
	cfg.ApplyDefaults()
	if err := utils.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.NewZapLogger(cfg.LogLevel)
	}
	if o.metrics == nil && o.registry != nil {
		rec, err := metrics.NewPrometheusRecorder(o.registry)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		o.metrics = rec
	}
	o.metrics = metrics.OrNoop(o.metrics)
	log := o.logger

	gw = &Gateway{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			gw.Close()
		}
	}()

	catalog, err := pricing.NewCatalog(cfg.Tiers, cfg.Payee.Address)
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "load pricing catalog", err)
	}
	gw.Builder = pricing.NewBuilder(catalog,
		pricing.WithClock(o.now),
		pricing.WithFacilitatorURL(cfg.Facilitator.URL),
	)

	store, err := gw.replayStore(ctx, o)
	if err != nil {
		return nil, err
	}

	ledgers := o.ledgers
	if ledgers == nil {
		dialled, err := clients.NewLedgers(ctx, cfg.Ledgers)
		if err != nil {
			return nil, err
		}
		gw.closers = append(gw.closers, func() error { dialled.Close(); return nil })
		ledgers = dialled
	}

	facilitator := o.facilitator
	if facilitator == nil && cfg.Facilitator.URL != "" {
		facilitator = clients.NewHTTPFacilitatorClient(cfg.Facilitator.URL, cfg.Facilitator.Authorization, cfg.Facilitator.Timeout)
	}

	retention := cfg.Replay.Retention
	if floor := cfg.LongestTimeout() + cfg.Verification.ClockSkew; retention < floor {
		retention = floor
	}
	gw.Verifier = verification.New(
		verification.Strategies(cfg.Verification, ledgers, facilitator, log),
		store,
		verification.WithLogger(log),
		verification.WithMetrics(o.metrics),
		verification.WithClock(o.now),
		verification.WithClockSkew(cfg.Verification.ClockSkew),
		verification.WithRetention(retention),
	)

	gw.Settler = settlement.New(facilitator,
		settlement.WithTimeout(cfg.Gate.SettleTimeout),
		settlement.WithRetention(retention),
		settlement.WithClock(o.now),
		settlement.WithLogger(log),
		settlement.WithMetrics(o.metrics),
	)

	gateOpts := []gate.Option{
		gate.WithCache(cache.New(cache.WithClock(o.now))),
		gate.WithSettler(gw.Settler),
		gate.WithComputeFailurePolicy(cfg.Gate.ComputeFailurePolicy),
		gate.WithComputeTimeout(cfg.Gate.ComputeTimeout),
		gate.WithLogger(log),
		gate.WithMetrics(o.metrics),
	}

	if cfg.Reputation.URL != "" {
		gw.feed, err = newFeed(cfg.Reputation, o)
		if err != nil {
			return nil, err
		}
		gateOpts = append(gateOpts, gate.WithReputation(gw.feed))
	}

	if cfg.Audit.DSN != "" {
		pg, err := audit.OpenPostgres(ctx, cfg.Audit.DSN)
		if err != nil {
			return nil, types.NewError(types.ErrDependencyUnavailable, "open audit store", err)
		}
		gw.closers = append(gw.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		gw.audit = audit.NewAsync(pg, cfg.Audit.QueueSize, audit.WithLogger(log), audit.WithMetrics(o.metrics))
		gateOpts = append(gateOpts, gate.WithAudit(gw.audit))
	}

	gw.Gate, err = gate.New(gw.Builder, gw.Verifier, provider, gateOpts...)
	if err != nil {
		return nil, err
	}

	srvOpts := []server.Option{
		server.WithLogger(log),
		server.WithResourceBaseURL(cfg.Server.ResourceBaseURL),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
	}
	if o.registry != nil {
		srvOpts = append(srvOpts, server.WithGatherer(o.registry))
	}
	gw.Server = server.New(gw.Gate, srvOpts...)

	log.Info("gateway configured", map[string]any{
		"tiers":          len(cfg.Tiers),
		"replay_backend": cfg.Replay.Backend,
		"facilitator":    cfg.Facilitator.URL != "",
		"reputation":     gw.feed != nil,
		"audit":          gw.audit != nil,
	})
	return gw, nil
}

func (gw *Gateway) replayStore(ctx context.Context, o options) (replay.Store, error) {
	if o.replay != nil {
		return o.replay, nil
	}
	rc := gw.cfg.Replay
	if rc.Backend == "redis" {
		s, err := replay.DialRedis(ctx, rc.RedisAddr, rc.RedisPrefix)
		if err != nil {
			return nil, types.NewError(types.ErrDependencyUnavailable, "connect replay store", err)
		}
		gw.closers = append(gw.closers, s.Close)
		return s, nil
	}
	return replay.NewMemoryStore(rc.MaxEntries, replay.WithClock(o.now)), nil
}

func newFeed(rc types.ReputationConfig, o options) (*reputation.Feed, error) {
	key, err := utils.PrivateKeyFromHex(rc.SigningKey)
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "reputation.signing_key", err)
	}
	return reputation.New(clients.NewHTTPRegistryClient(rc.URL, rc.Timeout), key,
		reputation.WithQueueSize(rc.QueueSize),
		reputation.WithWorkers(rc.Workers),
		reputation.WithRate(rc.RatePerSecond),
		reputation.WithTimeout(rc.Timeout),
		reputation.WithClock(o.now),
		reputation.WithLogger(o.logger),
		reputation.WithMetrics(o.metrics),
	)
}

// Run serves HTTP on the configured address and runs the reputation
// workers until ctx is cancelled.
func (gw *Gateway) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if gw.feed != nil {
		g.Go(func() error { return gw.feed.Run(ctx) })
	}
	g.Go(func() error { return gw.Server.ListenAndServe(ctx, gw.cfg.Server.Addr) })
	return g.Wait()
}

// Close drains background queues and closes every dialled dependency.
func (gw *Gateway) Close() {
	if gw.feed != nil {
		gw.feed.Close()
	}
	if gw.audit != nil {
		gw.audit.Close()
	}
	for i := len(gw.closers) - 1; i >= 0; i-- {
		if err := gw.closers[i](); err != nil {
			gw.logger.Warn("close dependency", map[string]any{"error": err})
		}
	}
	gw.closers = nil
	if z, ok := gw.logger.(*logger.ZapLogger); ok {
		_ = z.Sync()
	}
}

// NewPayer builds the payer-side signer from cfg.Payer.
func NewPayer(cfg *types.Config, opts ...Option) (*signer.Signer, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.NewZapLogger(cfg.LogLevel)
	}

	cfg.ApplyDefaults()
	pc := cfg.Payer
	loc, err := time.LoadLocation(pc.Timezone)
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "payer.timezone", err)
	}
	spend := ledger.New(pc.PerTxCapUSD, pc.DailyCapUSD, ledger.WithClock(o.now), ledger.WithLocation(loc))

	signerOpts := []signer.Option{
		signer.WithSignatureType(pc.SignatureType),
		signer.WithAssetDecimals(pc.AssetDecimals),
		signer.WithClock(o.now),
		signer.WithLogger(o.logger),
		signer.WithMetrics(o.metrics),
	}
	if pc.SolanaKey != "" {
		key, err := solana.PrivateKeyFromBase58(pc.SolanaKey)
		if err != nil {
			return nil, types.NewError(types.ErrConfigError, "payer.solana_key", err)
		}
		signerOpts = append(signerOpts, signer.WithSolanaKey(key))
	}

	var evmKey *ecdsa.PrivateKey
	if pc.PrivateKey != "" {
		evmKey, err = utils.PrivateKeyFromHex(pc.PrivateKey)
		if err != nil {
			return nil, types.NewError(types.ErrConfigError, "payer.private_key", err)
		}
	}
	return signer.New(evmKey, spend, signerOpts...)
}
