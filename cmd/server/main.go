package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"subs_relay/internal/config"
	redisEvents "subs_relay/internal/events/redis"
	httpGateway "subs_relay/internal/gateways/http"
	"subs_relay/internal/metrics"
	"subs_relay/internal/repository/memory"
	pgRepository "subs_relay/internal/repository/postgres"
	"subs_relay/internal/signing"
	"subs_relay/internal/token"
	usecaseInternal "subs_relay/internal/usecase"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

// storage is what both the memory and the postgres store provide
type storage interface {
	usecaseInternal.SubscriptionRepository
	usecaseInternal.NonceRepository
	usecaseInternal.PaymentRepository
	usecaseInternal.RelayerRepository
	usecaseInternal.EventRepository
	usecaseInternal.Transactor
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := setupLogger(cfg.Env)

	log.Info("starting subs relay", slog.String("env", cfg.Env), slog.String("storage", cfg.Storage))
	log.Debug("debug messages are enabled")

	metrics.InitMetrics()

	store, closeStore, err := setupStorage(ctx, cfg, log)
	if err != nil {
		log.Error("failed to init storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	opts := []usecaseInternal.Option{usecaseInternal.WithLogger(log)}
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		publisher := redisEvents.NewPublisher(client,
			redisEvents.WithStream(cfg.Redis.Stream),
			redisEvents.WithMaxLen(cfg.Redis.MaxLen),
		)
		opts = append(opts, usecaseInternal.WithPublisher(publisher))
		log.Debug("publishing events", slog.String("stream", publisher.Stream()))
	}

	bank := setupBank(cfg.Storage, log)
	proto, err := setupProtocol(cfg.Protocol, store, bank, opts)
	if err != nil {
		log.Error("failed to init protocol", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if n, err := store.CountActiveRelayers(ctx); err == nil {
		metrics.ActiveRelayers.Set(float64(n))
	}

	useCases := httpGateway.UseCases{
		Ledger:   proto.ledger,
		Registry: proto.registry,
		Domain:   proto.domain,
		Bank:     bank,
		Faucet:   cfg.Protocol.Faucet,
	}

	server := httpGateway.New(useCases,
		*cfg,
		log,
		httpGateway.WithAddr(cfg.Server.Host, uint16(cfg.Server.Port)),
		httpGateway.WithLogger(log),
		httpGateway.WithTimeout(cfg.Server.Timeout),
	)

	log.Info("starting server", slog.String("address", cfg.Server.Host+":"+strconv.Itoa(cfg.Server.Port)))
	if err := server.Run(ctx); err != nil {
		log.Error(err.Error())
		return
	}
}

func setupStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage, func(), error) {
	if cfg.Storage != config.StoragePostgres {
		return memory.NewStore(), func() {}, nil
	}

	dsn := cfg.Pg.DSN()
	if err := runMigrations(dsn, "file://"+cfg.MigrationsPath); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("migrations applied", slog.String("path", cfg.MigrationsPath))

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Debug("init database")
	return pgRepository.NewStore(pool), pool.Close, nil
}

func runMigrations(dsn, srcURL string) error {
	m, err := migrate.New(srcURL, dsn)
	if err != nil {
		return err
	}
	defer func(m *migrate.Migrate) {
		_, _ = m.Close()
	}(m)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// setupBank returns the in-process token bank. It backs every storage
// backend, so with postgres balances reset on restart while stakes persist.
func setupBank(storage string, log *slog.Logger) *token.Bank {
	if storage == config.StoragePostgres {
		log.Warn("token balances are not persisted, a restart resets them while subscriptions and stakes survive",
			slog.String("storage", storage))
	}
	return token.NewBank()
}

type protocol struct {
	ledger   *usecaseInternal.Ledger
	registry *usecaseInternal.Registry
	domain   *signing.Domain
}

func setupProtocol(p config.ProtocolConfig, store storage, bank *token.Bank, opts []usecaseInternal.Option) (*protocol, error) {
	ledgerAddr := common.HexToAddress(p.LedgerAddress)
	domain, err := signing.NewDomain(p.DomainName, p.DomainVersion, big.NewInt(p.ChainID), ledgerAddr)
	if err != nil {
		return nil, err
	}

	params := usecaseInternal.RegistryParams{
		Address:            common.HexToAddress(p.RegistryAddress),
		StakeToken:         common.HexToAddress(p.StakeToken),
		Ledger:             ledgerAddr,
		Owner:              common.HexToAddress(p.Owner),
		Treasury:           common.HexToAddress(p.Treasury),
		WithdrawalCooldown: p.WithdrawalCooldown,
	}
	params.Slashing.Threshold = p.SlashThreshold
	if params.MinimumStake, err = optionalAmount(p.MinimumStake); err != nil {
		return nil, fmt.Errorf("minimum_stake: %w", err)
	}
	if params.Slashing.Amount, err = optionalAmount(p.SlashAmount); err != nil {
		return nil, fmt.Errorf("slash_amount: %w", err)
	}
	registry, err := usecaseInternal.NewRegistry(params, store, store, bank, store, opts...)
	if err != nil {
		return nil, err
	}

	supported := make([]common.Address, 0, len(p.SupportedTokens))
	for _, t := range p.SupportedTokens {
		supported = append(supported, common.HexToAddress(t))
	}
	ledger, err := usecaseInternal.NewLedger(usecaseInternal.LedgerParams{
		Address:         ledgerAddr,
		SupportedTokens: supported,
	}, domain, registry, store, store, store, store, bank, store, opts...)
	if err != nil {
		return nil, err
	}
	return &protocol{ledger: ledger, registry: registry, domain: domain}, nil
}

// optionalAmount parses a decimal amount; empty means the registry default
func optionalAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger
	switch strings.ToLower(env) {
	case envLocal:
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
