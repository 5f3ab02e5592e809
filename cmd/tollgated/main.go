// Command tollgated serves the toll-gated settlement API: group
// construction, the settlement pipeline, and the rate-limiting gateway in
// front of both.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/agentrails/tollgate/pkg/api"
	"github.com/agentrails/tollgate/pkg/audit"
	"github.com/agentrails/tollgate/pkg/authn"
	"github.com/agentrails/tollgate/pkg/broadcast"
	"github.com/agentrails/tollgate/pkg/config"
	"github.com/agentrails/tollgate/pkg/gatekeeper"
	"github.com/agentrails/tollgate/pkg/gateway"
	"github.com/agentrails/tollgate/pkg/group"
	"github.com/agentrails/tollgate/pkg/ledger"
	"github.com/agentrails/tollgate/pkg/params"
	"github.com/agentrails/tollgate/pkg/pipeline"
	"github.com/agentrails/tollgate/pkg/signing"
	"github.com/agentrails/tollgate/pkg/x402"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("tollgated failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared state is optional; without Redis the daemon runs standalone
	// with local parameter caching, log-only audit and no rate limiting.
	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
	}

	ledgerClient, err := ledger.NewHTTPClient(cfg.LedgerURL, nil)
	if err != nil {
		return err
	}

	var paramStore params.Store
	if redisClient != nil {
		paramStore = params.NewRedisStore(redisClient)
	}
	paramCache := params.NewCache(ledgerClient, paramStore, cfg.ParamTTL, logger)

	builder, err := group.NewBuilder(group.Config{
		TollAssetID:          cfg.TollAssetID,
		TollAmount:           cfg.TollAmount,
		TreasuryAddress:      cfg.TreasuryAddress,
		BridgeReserveAddress: cfg.BridgeReserveAddress,
	}, paramCache)
	if err != nil {
		return err
	}

	keeper := gatekeeper.New(gatekeeper.Config{
		TollAssetID:     cfg.TollAssetID,
		TreasuryAddress: cfg.TreasuryAddress,
	})

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		// No configured secret: mint a process-local one. Tokens then only
		// verify within this instance, which is fine for the internal
		// authenticate-then-sign hop.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		logger.Warn("no JWT_SECRET configured, using a process-local secret")
	}
	authenticator, err := authn.NewJWTAuthenticator(secret, 2*time.Minute, "tollgated")
	if err != nil {
		return err
	}

	key, err := signing.ResolveKeySource(cfg.SignerSeed, logger)
	if err != nil {
		return err
	}
	boundary, err := signing.New(key)
	if err != nil {
		return err
	}

	caster, err := broadcast.New(ledgerClient)
	if err != nil {
		return err
	}

	sink := audit.Sink(audit.NewLogSink(nil))
	if redisClient != nil {
		sink = audit.MultiSink{sink, audit.NewRedisSink(redisClient, "", 10_000)}
	}

	executor, err := pipeline.NewExecutor(keeper, authenticator, boundary, caster, sink, logger)
	if err != nil {
		return err
	}

	var resolver authn.CredentialResolver
	if cfg.JWTSecret != "" {
		resolver, err = authn.NewJWTResolver(func(t *jwt.Token) (any, error) {
			return []byte(cfg.JWTSecret), nil
		}, "")
		if err != nil {
			return err
		}
	}

	var counterStore gateway.CounterStore
	var keyring gateway.Keyring
	if redisClient != nil {
		counterStore = gateway.NewRedisCounterStore(redisClient)
		keyring = gateway.NewRedisKeyring(redisClient, "")
	}
	limiter := gateway.NewLimiter(gateway.Config{
		Store:      counterStore,
		Keyring:    keyring,
		AuthPolicy: gateway.Policy{Limit: cfg.AuthRateLimit, Window: cfg.RateWindow},
		AnonPolicy: gateway.Policy{Limit: cfg.AnonRateLimit, Window: cfg.RateWindow},
		Sink:       sink,
		Logger:     logger,
	})

	var nonces x402.NonceStore = x402.NewMemoryNonceStore()
	if redisClient != nil {
		nonces = x402.NewRedisNonceStore(redisClient, "")
	}
	payGate, err := x402.NewGate(x402.GateConfig{
		PayTo:   cfg.TreasuryAddress,
		Amount:  cfg.TollAmount,
		AssetID: cfg.TollAssetID,
		Memo:    "toll",
		Nonces:  nonces,
		Params:  paramCache,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	apiServer, err := api.NewServer(builder, executor, resolver, logger)
	if err != nil {
		return err
	}

	// Admission order: rate limit first so unpaid floods never reach the
	// payment gate, then the toll, then the handlers.
	admit := limiter.Middleware()
	pay := payGate.Middleware()
	gate := func(next http.Handler) http.Handler { return admit(pay(next)) }

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Routes(gate),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tollgated listening", "addr", server.Addr, "shared_state", redisClient != nil)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
