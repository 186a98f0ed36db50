package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"subs_relay/internal/entity"
	"subs_relay/internal/metrics"
)

// RelayerRegistry is the part of the Registry the Ledger depends on.
type RelayerRegistry interface {
	IsActiveRelayer(ctx context.Context, addr common.Address) (bool, error)
	RecordExecution(ctx context.Context, caller, relayer common.Address, success bool, fee *big.Int) (*entity.Relayer, error)
}

// LedgerParams configures a Ledger.
type LedgerParams struct {
	// Address - the ledger's own account: spender of subscriber allowances and
	// the only caller the registry accepts execution reports from
	Address common.Address
	// SupportedTokens - allow-list of payment tokens, empty allows any
	SupportedTokens []common.Address
}

// Ledger owns subscriptions, verifies signed requests and settles installments.
// State-mutating calls are serialized by the Transactor.
type Ledger struct {
	core
	params        LedgerParams
	supported     map[common.Address]struct{}
	verifier      Verifier
	registry      RelayerRegistry
	subscriptions SubscriptionRepository
	nonces        NonceRepository
	payments      PaymentRepository
}

// NewLedger constructs a Ledger.
func NewLedger(
	params LedgerParams,
	verifier Verifier,
	registry RelayerRegistry,
	subscriptions SubscriptionRepository,
	nonces NonceRepository,
	payments PaymentRepository,
	events EventRepository,
	tokens Tokens,
	tx Transactor,
	opts ...Option,
) (*Ledger, error) {
	if params.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: ledger address is required", ErrInvalidParams)
	}
	supported := make(map[common.Address]struct{}, len(params.SupportedTokens))
	for _, t := range params.SupportedTokens {
		supported[t] = struct{}{}
	}
	return &Ledger{
		core:          newCore(tx, events, tokens, opts),
		params:        params,
		supported:     supported,
		verifier:      verifier,
		registry:      registry,
		subscriptions: subscriptions,
		nonces:        nonces,
		payments:      payments,
	}, nil
}

// Address returns the ledger account subscribers must approve.
func (l *Ledger) Address() common.Address {
	return l.params.Address
}

// CreateSubscription consumes a signed intent. No funds move: the subscriber's
// standing allowance to the ledger must already cover MaxTotalAmount.
func (l *Ledger) CreateSubscription(ctx context.Context, in entity.Intent, sig []byte) (*entity.Subscription, error) {
	sub, err := l.createSubscription(ctx, in, sig)
	if err != nil {
		l.reject("create", err)
		return nil, err
	}
	metrics.SubscriptionActionsTotal.WithLabelValues("create").Inc()
	l.log.Info("subscription created",
		slog.String("id", sub.ID.Hex()),
		slog.String("subscriber", sub.Subscriber.Hex()),
		slog.String("merchant", sub.Merchant.Hex()),
		slog.String("amount", sub.Amount.String()),
	)
	return sub, nil
}

func (l *Ledger) createSubscription(ctx context.Context, in entity.Intent, sig []byte) (*entity.Subscription, error) {
	if err := validateIntent(in); err != nil {
		return nil, err
	}
	if len(l.supported) > 0 {
		if _, ok := l.supported[in.Token]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedToken, in.Token.Hex())
		}
	}
	if ok, signer := l.verifier.VerifyIntent(in, sig); !ok || signer != in.Subscriber {
		return nil, ErrInvalidSignature
	}

	var out *entity.Subscription
	err := l.atomically(ctx, func(ctx context.Context) error {
		if err := l.checkNonce(ctx, in.Subscriber, in.Nonce); err != nil {
			return err
		}
		now := l.unixNow()
		if now > in.Expiry {
			return ErrIntentExpired
		}
		id, err := l.verifier.IntentID(in)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
		allowance, err := l.tokens.Allowance(ctx, in.Token, in.Subscriber, l.params.Address)
		if err != nil {
			return fmt.Errorf("read allowance: %w", err)
		}
		if allowance.Cmp(in.MaxTotalAmount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, in.MaxTotalAmount)
		}

		sub := &entity.Subscription{
			ID:              id,
			Subscriber:      in.Subscriber,
			Merchant:        in.Merchant,
			Token:           in.Token,
			Amount:          new(big.Int).Set(in.Amount),
			Interval:        in.Interval,
			StartTime:       in.StartTime,
			MaxPayments:     in.MaxPayments,
			MaxTotalAmount:  new(big.Int).Set(in.MaxTotalAmount),
			Expiry:          in.Expiry,
			Nonce:           in.Nonce,
			Status:          entity.StatusActive,
			TotalAmountPaid: new(big.Int),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := l.subscriptions.CreateSub(ctx, sub); err != nil {
			return err
		}
		if err := l.nonces.AdvanceNonce(ctx, in.Subscriber, in.Nonce); err != nil {
			return err
		}
		out = sub
		return l.emit(ctx, &entity.Event{
			Kind:           entity.EventSubscriptionCreated,
			SubscriptionID: id,
			Subscriber:     sub.Subscriber,
			Merchant:       sub.Merchant,
			Token:          sub.Token,
			Amount:         new(big.Int).Set(sub.Amount),
			Total:          new(big.Int).Set(sub.MaxTotalAmount),
			Nonce:          sub.Nonce,
			Installment:    sub.MaxPayments,
			Timestamp:      now,
		})
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// PauseSubscription applies a subscriber-signed pause request.
func (l *Ledger) PauseSubscription(ctx context.Context, id common.Hash, nonce uint64, sig []byte) (*entity.Subscription, error) {
	req := entity.PauseRequest{SubscriptionID: id, Nonce: nonce}
	return l.transition(ctx, "pause", id, nonce, entity.StatusActive, entity.StatusPaused, entity.EventSubscriptionPaused,
		func() (bool, common.Address) { return l.verifier.VerifyPause(req, sig) })
}

// ResumeSubscription applies a subscriber-signed resume request.
func (l *Ledger) ResumeSubscription(ctx context.Context, id common.Hash, nonce uint64, sig []byte) (*entity.Subscription, error) {
	req := entity.ResumeRequest{SubscriptionID: id, Nonce: nonce}
	return l.transition(ctx, "resume", id, nonce, entity.StatusPaused, entity.StatusActive, entity.EventSubscriptionResumed,
		func() (bool, common.Address) { return l.verifier.VerifyResume(req, sig) })
}

func (l *Ledger) transition(
	ctx context.Context,
	action string,
	id common.Hash,
	nonce uint64,
	from, to entity.Status,
	kind entity.EventKind,
	verify func() (bool, common.Address),
) (*entity.Subscription, error) {
	var out *entity.Subscription
	err := l.atomically(ctx, func(ctx context.Context) error {
		sub, err := l.subscriptions.GetSubByID(ctx, id)
		if err != nil {
			return err
		}
		if ok, signer := verify(); !ok || signer != sub.Subscriber {
			return ErrInvalidSignature
		}
		if err := l.checkNonce(ctx, sub.Subscriber, nonce); err != nil {
			return err
		}
		if sub.Status != from {
			return fmt.Errorf("%w: %s requires %s, subscription is %s", ErrInvalidState, action, from, sub.Status)
		}

		sub.Status = to
		sub.UpdatedAt = l.unixNow()
		if err := l.subscriptions.UpdateSub(ctx, sub); err != nil {
			return err
		}
		if err := l.nonces.AdvanceNonce(ctx, sub.Subscriber, nonce); err != nil {
			return err
		}
		out = sub
		return l.emit(ctx, &entity.Event{
			Kind:           kind,
			SubscriptionID: id,
			Subscriber:     sub.Subscriber,
			Merchant:       sub.Merchant,
			Actor:          sub.Subscriber,
			Nonce:          nonce,
			Timestamp:      sub.UpdatedAt,
		})
	})
	if err != nil {
		l.reject(action, err)
		return nil, err
	}
	metrics.SubscriptionActionsTotal.WithLabelValues(action).Inc()
	l.log.Info("subscription status changed", slog.String("id", id.Hex()), slog.String("status", string(to)), slog.Uint64("nonce", nonce))
	return out.Clone(), nil
}

// CancelSubscription is a direct call by the subscriber; cancellation is terminal.
func (l *Ledger) CancelSubscription(ctx context.Context, id common.Hash, caller common.Address) (*entity.Subscription, error) {
	var out *entity.Subscription
	err := l.atomically(ctx, func(ctx context.Context) error {
		sub, err := l.subscriptions.GetSubByID(ctx, id)
		if err != nil {
			return err
		}
		if caller != sub.Subscriber {
			return ErrUnauthorized
		}
		if !sub.Status.CanTransition(entity.StatusCancelled) {
			return fmt.Errorf("%w: subscription is %s", ErrInvalidState, sub.Status)
		}
		sub.Status = entity.StatusCancelled
		sub.UpdatedAt = l.unixNow()
		if err := l.subscriptions.UpdateSub(ctx, sub); err != nil {
			return err
		}
		out = sub
		return l.emit(ctx, &entity.Event{
			Kind:           entity.EventSubscriptionCancelled,
			SubscriptionID: id,
			Subscriber:     sub.Subscriber,
			Merchant:       sub.Merchant,
			Actor:          caller,
			Installment:    sub.InstallmentsExecuted,
			Total:          new(big.Int).Set(sub.TotalAmountPaid),
			Timestamp:      sub.UpdatedAt,
		})
	})
	if err != nil {
		l.reject("cancel", err)
		return nil, err
	}
	metrics.SubscriptionActionsTotal.WithLabelValues("cancel").Inc()
	l.log.Info("subscription cancelled", slog.String("id", id.Hex()))
	return out.Clone(), nil
}

// ExecuteSubscription settles the next installment on behalf of relayer.
//
// A failed token pull is not an error: the attempt is recorded against the
// relayer, the subscription is left untouched and a result with
// Success=false is returned so the installment can be retried.
func (l *Ledger) ExecuteSubscription(ctx context.Context, id common.Hash, relayer common.Address) (*entity.ExecutionResult, error) {
	var res *entity.ExecutionResult
	err := l.atomically(ctx, func(ctx context.Context) error {
		sub, err := l.subscriptions.GetSubByID(ctx, id)
		if err != nil {
			return err
		}
		if sub.Status != entity.StatusActive {
			return fmt.Errorf("%w: subscription is %s", ErrNotActive, sub.Status)
		}
		ok, err := l.registry.IsActiveRelayer(ctx, relayer)
		if err != nil {
			return fmt.Errorf("check relayer: %w", err)
		}
		if !ok {
			return ErrRelayerNotAuthorized
		}
		now := l.unixNow()
		if now > sub.Expiry {
			return ErrSubscriptionExpired
		}
		if sub.WouldExceedLimits() {
			return ErrLimitExceeded
		}
		if now < sub.NextDue() {
			return fmt.Errorf("%w: next installment at %d", ErrPaymentNotDue, sub.NextDue())
		}

		res, err = l.settle(ctx, sub, relayer, now)
		return err
	})
	if err != nil {
		l.reject("execute", err)
		return nil, err
	}

	if res.Success {
		metrics.ExecutionsTotal.WithLabelValues("success").Inc()
		l.log.Info("installment executed",
			slog.String("id", id.Hex()),
			slog.Uint64("installment", res.Installment),
			slog.String("relayer", relayer.Hex()),
			slog.String("fee", res.Fee.String()),
		)
	} else {
		metrics.ExecutionsTotal.WithLabelValues("failure").Inc()
		l.log.Warn("installment failed",
			slog.String("id", id.Hex()),
			slog.Uint64("installment", res.Installment),
			slog.String("relayer", relayer.Hex()),
			slog.String("reason", res.Reason),
		)
	}
	return res, nil
}

func (l *Ledger) settle(ctx context.Context, sub *entity.Subscription, relayer common.Address, now uint64) (*entity.ExecutionResult, error) {
	amount := new(big.Int).Set(sub.Amount)
	fee, merchantShare := SplitFee(amount)
	installment := sub.InstallmentsExecuted + 1

	res := &entity.ExecutionResult{
		SubscriptionID: sub.ID,
		Installment:    installment,
		Amount:         amount,
		Fee:            fee,
		MerchantShare:  merchantShare,
	}
	payment := &entity.Payment{
		SubscriptionID: sub.ID,
		Installment:    installment,
		Relayer:        relayer,
		Amount:         amount,
		Fee:            fee,
		MerchantShare:  merchantShare,
		ExecutedAt:     now,
	}

	if err := l.pull(ctx, sub.Token, l.params.Address, sub.Subscriber, amount); err != nil {
		res.Reason = err.Error()
		payment.Reason = res.Reason
		if _, err := l.registry.RecordExecution(ctx, l.params.Address, relayer, false, nil); err != nil {
			return nil, fmt.Errorf("report failed execution: %w", err)
		}
		if err := l.payments.AppendPayment(ctx, payment); err != nil {
			return nil, err
		}
		return res, l.emit(ctx, &entity.Event{
			Kind:           entity.EventPaymentFailed,
			SubscriptionID: sub.ID,
			Subscriber:     sub.Subscriber,
			Merchant:       sub.Merchant,
			Relayer:        relayer,
			Token:          sub.Token,
			Amount:         new(big.Int).Set(amount),
			Installment:    installment,
			Reason:         res.Reason,
			Timestamp:      now,
		})
	}

	if err := l.transfer(ctx, sub.Token, l.params.Address, sub.Merchant, merchantShare); err != nil {
		return nil, fmt.Errorf("pay merchant: %w", err)
	}
	if err := l.transfer(ctx, sub.Token, l.params.Address, relayer, fee); err != nil {
		return nil, fmt.Errorf("pay relayer: %w", err)
	}

	sub.InstallmentsExecuted = installment
	sub.TotalAmountPaid = new(big.Int).Add(sub.TotalAmountPaid, amount)
	sub.UpdatedAt = now
	if err := l.subscriptions.UpdateSub(ctx, sub); err != nil {
		return nil, err
	}
	if _, err := l.registry.RecordExecution(ctx, l.params.Address, relayer, true, fee); err != nil {
		return nil, fmt.Errorf("report execution: %w", err)
	}
	payment.Success = true
	if err := l.payments.AppendPayment(ctx, payment); err != nil {
		return nil, err
	}
	res.Success = true
	return res, l.emit(ctx, &entity.Event{
		Kind:           entity.EventPaymentExecuted,
		SubscriptionID: sub.ID,
		Subscriber:     sub.Subscriber,
		Merchant:       sub.Merchant,
		Relayer:        relayer,
		Token:          sub.Token,
		Amount:         new(big.Int).Set(amount),
		Fee:            new(big.Int).Set(fee),
		MerchantShare:  new(big.Int).Set(merchantShare),
		Total:          new(big.Int).Set(sub.TotalAmountPaid),
		Installment:    installment,
		Timestamp:      now,
	})
}

// GetSubscription returns a subscription by id.
func (l *Ledger) GetSubscription(ctx context.Context, id common.Hash) (*entity.Subscription, error) {
	return l.subscriptions.GetSubByID(ctx, id)
}

// NextPaymentDue returns the unix time the next installment becomes executable.
func (l *Ledger) NextPaymentDue(ctx context.Context, id common.Hash) (uint64, error) {
	sub, err := l.subscriptions.GetSubByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return sub.NextDue(), nil
}

// IsCompleted reports whether no further installment can fit the subscription's ceilings.
func (l *Ledger) IsCompleted(ctx context.Context, id common.Hash) (bool, error) {
	sub, err := l.subscriptions.GetSubByID(ctx, id)
	if err != nil {
		return false, err
	}
	return sub.Completed(), nil
}

// ListSubscriptions normalizes the filter and returns matching subscriptions.
func (l *Ledger) ListSubscriptions(ctx context.Context, f SubFilter) ([]*entity.Subscription, error) {
	limit, err := normalizeLimit(f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	f.Limit = limit
	if f.Status != nil && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidState, *f.Status)
	}
	return l.subscriptions.ListSubsByFilter(ctx, f)
}

// ListPayments returns the execution history of a subscription.
func (l *Ledger) ListPayments(ctx context.Context, id common.Hash) ([]*entity.Payment, error) {
	if _, err := l.subscriptions.GetSubByID(ctx, id); err != nil {
		return nil, err
	}
	return l.payments.ListPayments(ctx, id)
}

// Nonce returns the nonce the subscriber's next signed request must carry.
func (l *Ledger) Nonce(ctx context.Context, subscriber common.Address) (uint64, error) {
	return l.nonces.GetNonce(ctx, subscriber)
}

// ListEvents reads the event log.
func (l *Ledger) ListEvents(ctx context.Context, f entity.EventFilter) ([]*entity.Event, error) {
	limit, err := normalizeLimit(f.Limit, 0)
	if err != nil {
		return nil, err
	}
	f.Limit = limit
	return l.events.ListEvents(ctx, f)
}

func (l *Ledger) checkNonce(ctx context.Context, subscriber common.Address, nonce uint64) error {
	current, err := l.nonces.GetNonce(ctx, subscriber)
	if err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	if nonce != current {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, current, nonce)
	}
	return nil
}

func (l *Ledger) reject(op string, err error) {
	metrics.RejectedRequestsTotal.WithLabelValues(op).Inc()
	l.log.Debug("request rejected", slog.String("op", op), slog.String("error", err.Error()))
}

// validateIntent enforces the well-formedness of subscription terms
func validateIntent(in entity.Intent) error {
	zero := common.Address{}
	switch {
	case in.Subscriber == zero:
		return fmt.Errorf("%w: empty subscriber", ErrInvalidIntent)
	case in.Merchant == zero:
		return fmt.Errorf("%w: empty merchant", ErrInvalidIntent)
	case in.Merchant == in.Subscriber:
		return fmt.Errorf("%w: merchant equals subscriber", ErrInvalidIntent)
	case in.Token == zero:
		return fmt.Errorf("%w: empty token", ErrInvalidIntent)
	case in.Amount == nil || in.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidIntent)
	case in.Interval == 0:
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidIntent)
	case in.MaxTotalAmount == nil || in.MaxTotalAmount.Cmp(in.Amount) < 0:
		return fmt.Errorf("%w: max total amount below one installment", ErrInvalidIntent)
	case in.Expiry <= in.StartTime:
		return fmt.Errorf("%w: expiry must be after start time", ErrInvalidIntent)
	case in.Expiry > math.MaxInt64 || in.Interval > math.MaxInt64 || in.MaxPayments > math.MaxInt64:
		return fmt.Errorf("%w: value out of range", ErrInvalidIntent)
	}
	return nil
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) || errors.Is(err, ErrRelayerNotFound)
}
