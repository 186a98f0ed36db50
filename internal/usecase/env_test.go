package usecase_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"subs_relay/internal/entity"
	"subs_relay/internal/repository/memory"
	"subs_relay/internal/signing"
	"subs_relay/internal/token"
	"subs_relay/internal/usecase"
)

var (
	ledgerAddr   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	registryAddr = common.HexToAddress("0x1000000000000000000000000000000000000002")
	payToken     = common.HexToAddress("0x2000000000000000000000000000000000000001")
	stakeToken   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	owner        = common.HexToAddress("0x3000000000000000000000000000000000000001")
	treasury     = common.HexToAddress("0x3000000000000000000000000000000000000002")
	merchant     = common.HexToAddress("0x4000000000000000000000000000000000000001")
	relayer      = common.HexToAddress("0x5000000000000000000000000000000000000001")
	relayer2     = common.HexToAddress("0x5000000000000000000000000000000000000002")
)

const (
	genesis = 1_700_000_000
	month   = 30 * 24 * 3600
	year    = 365 * 24 * 3600
	day     = 24 * time.Hour
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type envConfig struct {
	ledgerTokens usecase.Tokens
	payments     usecase.PaymentRepository
	publisher    usecase.EventPublisher
	slashing     entity.SlashingParams
}

type env struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock
	store    *memory.Store
	bank     *token.Bank
	domain   *signing.Domain
	registry *usecase.Registry
	ledger   *usecase.Ledger

	key        *ecdsa.PrivateKey
	subscriber common.Address
}

func newEnv(t *testing.T, opts ...func(*envConfig)) *env {
	t.Helper()
	var cfg envConfig
	for _, o := range opts {
		o(&cfg)
	}

	e := &env{
		t:     t,
		ctx:   context.Background(),
		clock: &clock{now: time.Unix(genesis, 0)},
		store: memory.NewStore(),
		bank:  token.NewBank(),
	}
	var err error
	e.domain, err = signing.NewDomain(signing.DefaultName, signing.DefaultVersion, big.NewInt(31337), ledgerAddr)
	require.NoError(t, err)
	e.key, err = crypto.GenerateKey()
	require.NoError(t, err)
	e.subscriber = crypto.PubkeyToAddress(e.key.PublicKey)

	base := []usecase.Option{usecase.WithClock(e.clock.Now)}
	if cfg.publisher != nil {
		base = append(base, usecase.WithPublisher(cfg.publisher))
	}

	e.registry, err = usecase.NewRegistry(usecase.RegistryParams{
		Address:    registryAddr,
		StakeToken: stakeToken,
		Ledger:     ledgerAddr,
		Owner:      owner,
		Treasury:   treasury,
		Slashing:   cfg.slashing,
	}, e.store, e.store, e.bank, e.store, base...)
	require.NoError(t, err)

	var tokens usecase.Tokens = e.bank
	if cfg.ledgerTokens != nil {
		tokens = cfg.ledgerTokens
	}
	var payments usecase.PaymentRepository = e.store
	if cfg.payments != nil {
		payments = cfg.payments
	}
	e.ledger, err = usecase.NewLedger(usecase.LedgerParams{
		Address:         ledgerAddr,
		SupportedTokens: []common.Address{payToken},
	}, e.domain, e.registry, e.store, e.store, payments, e.store, tokens, e.store, base...)
	require.NoError(t, err)
	return e
}

func withLedgerTokens(tokens usecase.Tokens) func(*envConfig) {
	return func(c *envConfig) { c.ledgerTokens = tokens }
}

func withPayments(payments usecase.PaymentRepository) func(*envConfig) {
	return func(c *envConfig) { c.payments = payments }
}

func withSlashing(threshold uint64, amount int64) func(*envConfig) {
	return func(c *envConfig) {
		c.slashing = entity.SlashingParams{Threshold: threshold, Amount: big.NewInt(amount)}
	}
}

func withPublisher(p usecase.EventPublisher) func(*envConfig) {
	return func(c *envConfig) { c.publisher = p }
}

// intent returns a monthly 10.000000 plan with twelve installments starting now.
func (e *env) intent(nonce uint64) entity.Intent {
	return entity.Intent{
		Subscriber:     e.subscriber,
		Merchant:       merchant,
		Token:          payToken,
		Amount:         big.NewInt(10_000_000),
		Interval:       month,
		StartTime:      genesis,
		MaxPayments:    12,
		MaxTotalAmount: big.NewInt(120_000_000),
		Expiry:         genesis + year,
		Nonce:          nonce,
	}
}

func (e *env) signIntent(key *ecdsa.PrivateKey, in entity.Intent) []byte {
	e.t.Helper()
	sig, err := e.domain.SignIntent(key, in)
	require.NoError(e.t, err)
	return sig
}

func (e *env) signPause(key *ecdsa.PrivateKey, id common.Hash, nonce uint64) []byte {
	e.t.Helper()
	sig, err := e.domain.SignPause(key, entity.PauseRequest{SubscriptionID: id, Nonce: nonce})
	require.NoError(e.t, err)
	return sig
}

func (e *env) signResume(key *ecdsa.PrivateKey, id common.Hash, nonce uint64) []byte {
	e.t.Helper()
	sig, err := e.domain.SignResume(key, entity.ResumeRequest{SubscriptionID: id, Nonce: nonce})
	require.NoError(e.t, err)
	return sig
}

// fund mints balance to the subscriber and approves the ledger for allowance.
func (e *env) fund(balance, allowance int64) {
	e.t.Helper()
	if balance > 0 {
		require.NoError(e.t, e.bank.Mint(e.ctx, payToken, e.subscriber, big.NewInt(balance)))
	}
	require.NoError(e.t, e.bank.Approve(e.ctx, payToken, e.subscriber, ledgerAddr, big.NewInt(allowance)))
}

func (e *env) subscribe(in entity.Intent) *entity.Subscription {
	e.t.Helper()
	sub, err := e.ledger.CreateSubscription(e.ctx, in, e.signIntent(e.key, in))
	require.NoError(e.t, err)
	return sub
}

// bond mints stake to addr and registers it as a relayer.
func (e *env) bond(addr common.Address, stake int64) *entity.Relayer {
	e.t.Helper()
	require.NoError(e.t, e.bank.Mint(e.ctx, stakeToken, addr, big.NewInt(stake)))
	require.NoError(e.t, e.bank.Approve(e.ctx, stakeToken, addr, registryAddr, big.NewInt(stake)))
	rel, err := e.registry.RegisterRelayer(e.ctx, addr, big.NewInt(stake))
	require.NoError(e.t, err)
	return rel
}

func (e *env) balance(tok, addr common.Address) int64 {
	e.t.Helper()
	b, err := e.bank.BalanceOf(e.ctx, tok, addr)
	require.NoError(e.t, err)
	return b.Int64()
}

func (e *env) sub(id common.Hash) *entity.Subscription {
	e.t.Helper()
	sub, err := e.ledger.GetSubscription(e.ctx, id)
	require.NoError(e.t, err)
	return sub
}

func (e *env) relayer(addr common.Address) *entity.Relayer {
	e.t.Helper()
	rel, err := e.registry.GetRelayer(e.ctx, addr)
	require.NoError(e.t, err)
	return rel
}

func (e *env) eventKinds() []entity.EventKind {
	e.t.Helper()
	events, err := e.ledger.ListEvents(e.ctx, entity.EventFilter{Limit: 200})
	require.NoError(e.t, err)
	kinds := make([]entity.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
