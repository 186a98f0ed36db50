package usecase

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"subs_relay/internal/entity"
)

//go:generate go run github.com/golang/mock/mockgen@v1.6.0 -destination=usecase_mock.go -package=usecase subs_relay/internal/usecase Tokens,EventPublisher

// Rejected requests. None of them changes state.
var (
	ErrInvalidIntent         = errors.New("invalid intent")
	ErrUnsupportedToken      = errors.New("unsupported token")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrInvalidNonce          = errors.New("invalid nonce")
	ErrIntentExpired         = errors.New("intent expired")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrSubscriptionExists    = errors.New("subscription already exists")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrInvalidState          = errors.New("invalid state")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotActive             = errors.New("not active")
	ErrRelayerNotAuthorized  = errors.New("relayer not authorized")
	ErrSubscriptionExpired   = errors.New("subscription expired")
	ErrLimitExceeded         = errors.New("limit exceeded")
	ErrPaymentNotDue         = errors.New("payment not due")
	ErrInvalidPagination     = errors.New("invalid pagination")

	ErrInsufficientStake          = errors.New("insufficient stake")
	ErrAlreadyRegistered          = errors.New("already registered")
	ErrWithdrawalNotRequested     = errors.New("withdrawal not requested")
	ErrWithdrawalAlreadyRequested = errors.New("withdrawal already requested")
	ErrCooldownNotElapsed         = errors.New("cooldown not elapsed")
	ErrRelayerNotActive           = errors.New("relayer not active")
	ErrRelayerNotFound            = errors.New("relayer not found")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrNothingToSlash             = errors.New("nothing to slash")
	ErrInvalidParams              = errors.New("invalid params")
)

const (
	// ProtocolFeeBps is the relayer fee taken from every installment.
	ProtocolFeeBps = 50
	bpsDenominator = 10_000

	defaultListLimit = 50
	maxListLimit     = 200
)

// SplitFee returns fee = amount*50/10000 and merchantShare = amount - fee.
func SplitFee(amount *big.Int) (fee, merchantShare *big.Int) {
	fee = new(big.Int).Mul(amount, big.NewInt(ProtocolFeeBps))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	merchantShare = new(big.Int).Sub(amount, fee)
	return fee, merchantShare
}

// SubFilter narrows subscription listings.
type SubFilter struct {
	Subscriber *common.Address
	Merchant   *common.Address
	Status     *entity.Status
	Limit      int
	Offset     int
}

// RelayerFilter narrows relayer listings.
type RelayerFilter struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Tokens holds balances and allowances of the settlement and stake tokens.
type Tokens interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	// Transfer moves amount out of from's own balance
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	// TransferFrom moves amount spending spender's allowance; all-or-nothing
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error
}

// Verifier recovers signers of domain-separated requests.
type Verifier interface {
	IntentID(in entity.Intent) (common.Hash, error)
	VerifyIntent(in entity.Intent, sig []byte) (bool, common.Address)
	VerifyPause(req entity.PauseRequest, sig []byte) (bool, common.Address)
	VerifyResume(req entity.ResumeRequest, sig []byte) (bool, common.Address)
}

// SubscriptionRepository stores subscriptions. They are never deleted.
type SubscriptionRepository interface {
	// CreateSub - insert, ErrSubscriptionExists on a duplicate id
	CreateSub(ctx context.Context, s *entity.Subscription) error
	// UpdateSub - overwrite mutable fields, ErrSubscriptionNotFound if missing
	UpdateSub(ctx context.Context, s *entity.Subscription) error
	// GetSubByID - ErrSubscriptionNotFound if missing
	GetSubByID(ctx context.Context, id common.Hash) (*entity.Subscription, error)
	ListSubsByFilter(ctx context.Context, f SubFilter) ([]*entity.Subscription, error)
}

// NonceRepository keeps one counter per subscriber.
type NonceRepository interface {
	GetNonce(ctx context.Context, account common.Address) (uint64, error)
	// AdvanceNonce - compare-and-increment, ErrInvalidNonce if current != expected
	AdvanceNonce(ctx context.Context, account common.Address, expected uint64) error
}

// PaymentRepository is the append-only execution history.
type PaymentRepository interface {
	AppendPayment(ctx context.Context, p *entity.Payment) error
	ListPayments(ctx context.Context, subscriptionID common.Hash) ([]*entity.Payment, error)
}

// RelayerRepository keeps registry entries after unregistration.
type RelayerRepository interface {
	// GetRelayer - ErrRelayerNotFound if missing
	GetRelayer(ctx context.Context, addr common.Address) (*entity.Relayer, error)
	SaveRelayer(ctx context.Context, r *entity.Relayer) error
	ListRelayers(ctx context.Context, f RelayerFilter) ([]*entity.Relayer, error)
	CountActiveRelayers(ctx context.Context) (int64, error)
}

// EventRepository is the ordered event log.
type EventRepository interface {
	// AppendEvent - assigns e.Seq
	AppendEvent(ctx context.Context, e *entity.Event) error
	ListEvents(ctx context.Context, f entity.EventFilter) ([]*entity.Event, error)
}

// Transactor runs fn atomically. Nested calls join the outer transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher ships committed events to the indexing layer.
type EventPublisher interface {
	Publish(ctx context.Context, events ...*entity.Event) error
}
