package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"notoristake/config"
	"notoristake/core/chain"
	"notoristake/core/staking"
	"notoristake/gateway/auth"
	"notoristake/gateway/middleware"
	"notoristake/gateway/routes"
	"notoristake/observability/logging"
	telemetry "notoristake/observability/otel"
	"notoristake/services/identity"
	"notoristake/services/payments"
)

const serviceName = "stake-gateway"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	headers := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	for key, value := range cfg.Telemetry.Headers {
		headers[key] = value
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	for _, path := range []string{cfg.Auth.NonceDBPath, cfg.Identity.DBPath, cfg.Payments.DBPath} {
		if err := ensureParent(path); err != nil {
			return err
		}
	}
	if cfg.Ledger.Driver != "postgres" {
		if err := ensureParent(cfg.Ledger.DSN); err != nil {
			return err
		}
	}

	nonceDB, err := auth.NewLevelDBNoncePersistence(cfg.Auth.NonceDBPath)
	if err != nil {
		return fmt.Errorf("open nonce store: %w", err)
	}
	defer nonceDB.Close()
	nonces := auth.NewNonceAuthority(auth.NonceOptions{
		Domain:      cfg.Auth.Domain,
		TTL:         cfg.Auth.NonceTTL,
		Capacity:    cfg.Auth.NonceCapacity,
		Persistence: nonceDB,
		Logger:      logger,
	})
	sessions, err := auth.NewSessionManager(auth.SessionOptions{
		Secret: cfg.Auth.SessionSecret,
		Issuer: cfg.Auth.SessionIssuer,
		TTL:    cfg.Auth.SessionTTL,
	})
	if err != nil {
		return fmt.Errorf("configure sessions: %w", err)
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	identityStore, err := identity.NewStore(cfg.Identity.DBPath, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer identityStore.Close()
	verifier := identity.NewVerifier(
		identity.NewCloudOracle(cfg.Identity.OracleURL, cfg.UpstreamTimeout, httpClient),
		identityStore,
		logger,
	)

	portalCfg := chain.PortalConfig{
		BaseURL: cfg.Payments.PortalURL,
		AppID:   cfg.Payments.AppID,
		APIKey:  cfg.Payments.APIKey,
		Timeout: cfg.UpstreamTimeout,
		Client:  httpClient,
	}
	paymentStore, err := payments.NewSQLiteStore(cfg.Payments.DBPath)
	if err != nil {
		return fmt.Errorf("open payments store: %w", err)
	}
	defer paymentStore.Close()
	paymentStatus := chain.NewPortalClient(portalCfg, chain.KindPayment)
	if !paymentStatus.Configured() {
		logger.Warn("developer portal credentials missing; payment confirmation disabled")
	}
	confirmer := payments.NewConfirmer(paymentStore, paymentStatus, logger)

	rate, err := uint256.FromDecimal(cfg.Ledger.RatePerSecond)
	if err != nil {
		return fmt.Errorf("reward rate: %w", err)
	}
	var admin common.Address
	if cfg.Ledger.Admin != "" {
		admin = common.HexToAddress(cfg.Ledger.Admin)
	}

	var (
		gateway chain.Gateway
		ledger  *staking.Ledger
	)
	switch cfg.Chain.Mode {
	case "rpc":
		rpcCfg := chain.RPCConfig{
			URL:      cfg.Chain.RPCURL,
			Contract: common.HexToAddress(cfg.Chain.Contract),
			Timeout:  cfg.UpstreamTimeout,
		}
		if cfg.Chain.ChainID != 0 {
			rpcCfg.ChainID = new(big.Int).SetUint64(cfg.Chain.ChainID)
		}
		rpcGateway, err := chain.DialRPCGateway(ctx, rpcCfg)
		if err != nil {
			return fmt.Errorf("dial chain: %w", err)
		}
		defer rpcGateway.Close()
		gateway = rpcGateway
	default:
		store, err := staking.OpenGormStore(cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		ledger, err = staking.NewLedger(ctx, staking.Config{
			RatePerSecond: rate,
			Admin:         admin,
			Store:         store,
			Payer:         chain.NewRewardBook(),
		})
		if err != nil {
			return err
		}
		gateway = chain.NewLocalGateway(ledger, logger)
	}

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, entry := range cfg.RateLimits {
		limits[entry.ID] = middleware.RateLimit{RequestsPerMinute: entry.RequestsPerMinute, Burst: entry.Burst}
	}
	routeCfg := routes.Config{
		Nonces:        nonces,
		Sessions:      sessions,
		Usernames:     auth.NewHTTPUsernameResolver(cfg.Auth.UsernameURL, cfg.UpstreamTimeout, httpClient),
		Identity:      verifier,
		Payments:      confirmer,
		Transactions:  chain.NewPortalClient(portalCfg, chain.KindTransaction),
		Gateway:       gateway,
		AppID:         cfg.Identity.AppID,
		ActionID:      cfg.Identity.ActionID,
		SecureCookies: !cfg.IsDev(),
		RateLimiter:   middleware.NewRateLimiter(limits, logger).WithTrustedProxies(trusted),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			MetricsPrefix: "gateway",
			LogRequests:   true,
		}, logger),
		CORS:   middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Logger: logger,
	}
	if ledger != nil {
		routeCfg.Ledger = ledger
	}

	handler := http.Handler(routes.New(routeCfg))
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, serviceName)
	}
	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("address", listener.Addr().String()), slog.String("chain_mode", cfg.Chain.Mode))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(strings.TrimSpace(path))
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
