package common

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"pos-payments-go/internal/audit"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/engine"
	"pos-payments-go/internal/formance"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/ledger"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/observation"
	"pos-payments-go/internal/payment"
	"pos-payments-go/internal/prime"
	"pos-payments-go/internal/rates"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/wallet"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Wallets bundles the coin registry, the node clients and the HD wallets
// built on them.
type Wallets struct {
	Coins   *coins.Registry
	Manager *wallet.Manager
	Nodes   map[string]*blockchain.Bitcoind
}

func (w *Wallets) Close() {
	for _, node := range w.Nodes {
		node.Close()
	}
}

type Services struct {
	DbService   *database.Service
	Wallets     *Wallets
	Ledger      *ledger.Service
	Audit       *audit.Recorder
	Settings    *config.Settings
	Observation *observation.Service
	Scheduler   *scheduler.Scheduler
	Engine      *engine.Engine
	Formance    *formance.Service
	redis       *redis.Client
}

func InitializeLogger() (*zap.Logger, func()) {
	zapCfg := zap.NewProductionConfig()
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := zapcore.ParseLevel(raw)
		if err != nil {
			log.Printf("Ignoring invalid LOG_LEVEL %q: %v\n", raw, err)
		} else {
			zapCfg.Level = zap.NewAtomicLevelAt(level)
		}
	}
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices wires everything the processor runs: store, wallets,
// ledger and its optional mirror, observation, instantfiat, scheduler and
// the engines. Tasks are registered but nothing is started.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &Services{DbService: dbService}

	if err := s.initialize(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) initialize(ctx context.Context, cfg *models.Config) error {
	var err error
	if s.Wallets, err = InitializeWallets(ctx, cfg, s.DbService); err != nil {
		return err
	}

	if s.Ledger, err = s.initializeLedger(ctx, cfg); err != nil {
		return err
	}

	var writer audit.Writer
	if w := audit.NewKafkaWriter(cfg.Kafka); w != nil {
		zap.L().Info("Streaming audit entries to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
		writer = w
	}
	s.Audit = audit.NewRecorder(writer)

	if s.Settings, err = config.NewSettings(cfg.Policy); err != nil {
		return err
	}

	client, err := observation.NewHttpClient(cfg.Timeouts.ExternalRequest)
	if err != nil {
		return err
	}
	s.Observation = observation.NewService(cfg.Services, client)

	providers, err := initializeInstantFiat(ctx, cfg.InstantFiat)
	if err != nil {
		return err
	}

	signer, err := payment.LoadSigner(cfg.Payment)
	if err != nil {
		return err
	}
	if signer == nil {
		zap.L().Info("BIP70 signing not configured, payment requests go out unsigned")
	}

	jobs, err := s.initializeJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	s.Scheduler = scheduler.New(jobs, cfg.Scheduler)

	s.Engine = engine.New(engine.Deps{
		Store:       s.DbService,
		Coins:       s.Wallets.Coins,
		Wallets:     s.Wallets.Manager,
		Ledger:      s.Ledger,
		Audit:       s.Audit,
		Rates:       rates.NewPolicy(s.Observation, s.Settings),
		Observer:    s.Observation,
		InstantFiat: providers,
		Settings:    s.Settings,
		Scheduler:   s.Scheduler,
		Signer:      signer,
	}, engine.NewConfig(cfg))
	s.Engine.Register()
	return nil
}

func (s *Services) initializeLedger(ctx context.Context, cfg *models.Config) (*ledger.Service, error) {
	if !cfg.Formance.Enabled() {
		return ledger.NewService(nil), nil
	}
	svc, err := formance.NewService(ctx, cfg.Formance)
	if err != nil {
		return nil, err
	}
	s.Formance = svc
	zap.L().Info("Mirroring balance changes to Formance", zap.String("ledger", cfg.Formance.LedgerName))
	return ledger.NewService(svc), nil
}

func (s *Services) initializeJobStore(ctx context.Context, cfg *models.Config) (scheduler.Store, error) {
	switch cfg.Scheduler.Backend {
	case "redis":
		rdb, err := scheduler.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.redis = rdb
		zap.L().Info("Using Redis job store",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("prefix", cfg.Redis.Prefix))
		return scheduler.NewRedisStore(rdb, cfg.Redis.Prefix), nil
	case "memory", "":
		zap.L().Warn("Using in-memory job store, tasks are recovered from the database on restart")
		return scheduler.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown scheduler backend %q", cfg.Scheduler.Backend)
}

func initializeInstantFiat(ctx context.Context, cfg models.InstantFiatConfig) (*instantfiat.Registry, error) {
	registry := instantfiat.NewRegistry()
	switch cfg.Provider {
	case "":
		return registry, nil
	case prime.ProviderName:
		zap.L().Info("Loading Prime API credentials")
		svc, err := prime.NewService(cfg)
		if err != nil {
			return nil, err
		}
		if err := svc.ResolvePortfolio(ctx); err != nil {
			return nil, err
		}
		registry.Register(svc)
		return registry, nil
	}
	return nil, fmt.Errorf("unknown instantfiat provider %q: %w", cfg.Provider, instantfiat.ErrUnknownProvider)
}

// InitializeWallets connects a node client per configured coin and builds
// the wallet manager on them.
func InitializeWallets(ctx context.Context, cfg *models.Config, st *database.Service) (*Wallets, error) {
	registry, err := LoadCoinRegistry(cfg.Wallet.CoinsFile)
	if err != nil {
		return nil, err
	}

	w := &Wallets{Coins: registry, Nodes: make(map[string]*blockchain.Bitcoind)}
	adapters := make(map[string]blockchain.Adapter)
	for _, symbol := range cfg.Wallet.Coins {
		coin, err := registry.Get(symbol)
		if err != nil {
			w.Close()
			return nil, err
		}
		params, err := registry.Params(symbol)
		if err != nil {
			w.Close()
			return nil, err
		}
		node, err := blockchain.NewBitcoind(cfg.Nodes[symbol], coin, params)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.Nodes[symbol] = node
		adapters[symbol] = node
	}
	w.Manager = wallet.NewManager(st, registry, adapters)

	zap.L().Info("Wallets initialized", zap.Strings("coins", cfg.Wallet.Coins))
	return w, nil
}

// InitializeDatabaseOnly initializes just the database service without nodes
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.Audit != nil {
		if err := cs.Audit.Close(); err != nil {
			zap.L().Warn("Failed to close audit writer", zap.Error(err))
		}
	}
	if cs.redis != nil {
		if err := cs.redis.Close(); err != nil {
			zap.L().Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if cs.Wallets != nil {
		cs.Wallets.Close()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
