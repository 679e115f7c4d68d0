package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"floorlend/config"
	floorstate "floorlend/core/state"
	"floorlend/crypto"
	"floorlend/native/bank"
	"floorlend/native/market"
	"floorlend/observability/logging"
	telemetry "floorlend/observability/otel"
	"floorlend/services/floord/auth"
	"floorlend/services/floord/server"
	"floorlend/storage"
)

const serviceName = "floord"

func main() {
	var (
		cfgPath string
		keygen  bool
		sign    bool
		keyHex  string
		method  string
		path    string
		body    string
	)
	flag.StringVar(&cfgPath, "config", "floord.toml", "path to floord config (toml or yaml)")
	flag.BoolVar(&keygen, "keygen", false, "generate a key pair, print it and exit")
	flag.BoolVar(&sign, "sign", false, "print a bearer token for one request and exit")
	flag.StringVar(&keyHex, "key", os.Getenv("FLOORD_KEY"), "hex private key used by -sign")
	flag.StringVar(&method, "method", "POST", "request method used by -sign")
	flag.StringVar(&path, "path", "", "request path used by -sign, e.g. /v1/transfer")
	flag.StringVar(&body, "body", "", "exact request body used by -sign")
	flag.Parse()

	if keygen {
		if err := generateKey(); err != nil {
			log.Fatalf("keygen: %v", err)
		}
		return
	}
	if sign {
		if err := signRequest(keyHex, method, path, body); err != nil {
			log.Fatalf("sign: %v", err)
		}
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, closer := logging.Setup(serviceName, cfg.Environment, cfg.LogFile)
	defer closer.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("floord stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	state := floorstate.NewManager(db)
	ledger := bank.NewLedger(state)
	opts, err := cfg.MarketOptions()
	if err != nil {
		return err
	}
	registry, err := market.NewRegistry(state, ledger, opts)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		State:         state,
		Bank:          ledger,
		Registry:      registry,
		Logger:        logger,
		APITokens:     cfg.Auth.APITokens,
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
	})
	if err != nil {
		return err
	}

	if !srv.Bootstrapped() {
		plan, err := cfg.Genesis.Plan()
		if err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		if err := srv.ApplyGenesis(cfg.Quote, plan); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
		logger.Info("genesis applied",
			slog.String("quote", cfg.Quote.Asset),
			slog.Int("launches", len(plan.Launches)),
		)
	}
	logger.Info("markets loaded", slog.Int("pools", len(registry.Markets())))
	return srv.Run(ctx)
}

func openDatabase(dir string) (storage.Database, error) {
	if dir == "" {
		slog.Warn("no data_dir configured; state is kept in memory")
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", dir, err)
	}
	return db, nil
}

func generateKey() error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	fmt.Printf("address:     %s\n", key.PubKey().Address().String())
	fmt.Printf("private key: %s\n", hex.EncodeToString(key.Bytes()))
	return nil
}

func signRequest(keyHex, method, path, body string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("-path is required")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	key, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		return fmt.Errorf("parse key: %w", err)
	}
	token, err := auth.Issue(key, method, path, []byte(body), time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
