package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"subs_relay/internal/entity"
	"subs_relay/internal/metrics"
)

const (
	DefaultWithdrawalCooldown = 7 * 24 * time.Hour
	DefaultSlashThreshold     = 3
)

var (
	// DefaultMinimumStake is 100 units of a 6-decimals token.
	DefaultMinimumStake = big.NewInt(100_000_000)
	// DefaultSlashAmount is half of the default minimum stake.
	DefaultSlashAmount = big.NewInt(50_000_000)
)

// RegistryParams configures a Registry.
type RegistryParams struct {
	// Address - the registry's own account, holder of staked tokens
	Address    common.Address
	StakeToken common.Address
	// Ledger - the only caller allowed to report executions
	Ledger common.Address
	Owner  common.Address
	// Treasury - receiver of slashed stake, defaults to Owner
	Treasury           common.Address
	MinimumStake       *big.Int
	WithdrawalCooldown time.Duration
	Slashing           entity.SlashingParams
}

func (p *RegistryParams) withDefaults() {
	if p.MinimumStake == nil {
		p.MinimumStake = new(big.Int).Set(DefaultMinimumStake)
	}
	if p.WithdrawalCooldown <= 0 {
		p.WithdrawalCooldown = DefaultWithdrawalCooldown
	}
	if p.Slashing.Threshold == 0 {
		p.Slashing.Threshold = DefaultSlashThreshold
	}
	if p.Slashing.Amount == nil {
		p.Slashing.Amount = new(big.Int).Set(DefaultSlashAmount)
	}
	if p.Treasury == (common.Address{}) {
		p.Treasury = p.Owner
	}
}

// Registry tracks bonded relayers, their stake and execution history.
// State-mutating calls are serialized by the Transactor.
type Registry struct {
	core
	paramsMu sync.RWMutex
	relayers RelayerRepository
	params   RegistryParams
}

// NewRegistry constructs a Registry; zero params take the documented defaults.
func NewRegistry(params RegistryParams, relayers RelayerRepository, events EventRepository, tokens Tokens, tx Transactor, opts ...Option) (*Registry, error) {
	params.withDefaults()
	if params.Address == (common.Address{}) || params.StakeToken == (common.Address{}) ||
		params.Ledger == (common.Address{}) || params.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: registry, stake token, ledger and owner are required", ErrInvalidParams)
	}
	if params.MinimumStake.Sign() <= 0 || params.Slashing.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: minimum stake and slash amount must be > 0", ErrInvalidParams)
	}
	return &Registry{
		core:     newCore(tx, events, tokens, opts),
		relayers: relayers,
		params:   params,
	}, nil
}

// Params returns a copy of the current parameters.
func (r *Registry) Params() RegistryParams {
	r.paramsMu.RLock()
	defer r.paramsMu.RUnlock()
	p := r.params
	p.MinimumStake = new(big.Int).Set(r.params.MinimumStake)
	p.Slashing.Amount = new(big.Int).Set(r.params.Slashing.Amount)
	return p
}

// setParams applies change inside the current unit; a rollback restores the
// previous parameters.
func (r *Registry) setParams(ctx context.Context, change func(p *RegistryParams)) {
	r.paramsMu.Lock()
	prev := r.params
	change(&r.params)
	r.paramsMu.Unlock()
	r.onRollback(ctx, func(context.Context) error {
		r.paramsMu.Lock()
		r.params = prev
		r.paramsMu.Unlock()
		return nil
	})
}

// RegisterRelayer bonds stake and activates the relayer with zero execution counters.
// An inactive entry may register again; its remaining stake is kept.
func (r *Registry) RegisterRelayer(ctx context.Context, relayer common.Address, stake *big.Int) (*entity.Relayer, error) {
	p := r.Params()
	if stake == nil || stake.Cmp(p.MinimumStake) < 0 {
		r.reject("register")
		return nil, fmt.Errorf("%w: minimum is %s", ErrInsufficientStake, p.MinimumStake)
	}

	var out *entity.Relayer
	err := r.atomically(ctx, func(ctx context.Context) error {
		existing, err := r.relayers.GetRelayer(ctx, relayer)
		switch {
		case errors.Is(err, ErrRelayerNotFound):
			existing = nil
		case err != nil:
			return fmt.Errorf("register relayer: %w", err)
		case existing.Active:
			return ErrAlreadyRegistered
		}

		if err := r.pull(ctx, p.StakeToken, p.Address, relayer, stake); err != nil {
			return fmt.Errorf("pull stake: %w", err)
		}

		rel := &entity.Relayer{
			Address:         relayer,
			Stake:           new(big.Int).Set(stake),
			TotalFeesEarned: new(big.Int),
			TotalSlashed:    new(big.Int),
		}
		if existing != nil {
			rel = existing
			rel.Stake = new(big.Int).Add(existing.Stake, stake)
			rel.SuccessfulExecutions = 0
			rel.FailedExecutions = 0
			rel.ConsecutiveFailures = 0
		}
		rel.Active = true
		rel.WithdrawalRequested = false
		rel.WithdrawalRequestedAt = 0
		rel.RegisteredAt = r.unixNow()

		if err := r.relayers.SaveRelayer(ctx, rel); err != nil {
			return fmt.Errorf("register relayer: %w", err)
		}
		out = rel
		return r.emit(ctx, &entity.Event{
			Kind:    entity.EventRelayerRegistered,
			Relayer: relayer,
			Token:   p.StakeToken,
			Amount:  new(big.Int).Set(stake),
			Total:   new(big.Int).Set(rel.Stake),
		})
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			r.reject("register")
		}
		return nil, err
	}

	r.log.Info("relayer registered", slog.String("relayer", relayer.Hex()), slog.String("stake", out.Stake.String()))
	r.countRelayerEvent(ctx, entity.EventRelayerRegistered)
	return out.Clone(), nil
}

// Restake adds amount to an active relayer's stake.
func (r *Registry) Restake(ctx context.Context, relayer common.Address, amount *big.Int) (*entity.Relayer, error) {
	p := r.Params()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	var out *entity.Relayer
	err := r.atomically(ctx, func(ctx context.Context) error {
		rel, err := r.activeRelayer(ctx, relayer)
		if err != nil {
			return err
		}
		if err := r.pull(ctx, p.StakeToken, p.Address, relayer, amount); err != nil {
			return fmt.Errorf("pull stake: %w", err)
		}
		rel.Stake = new(big.Int).Add(rel.Stake, amount)
		if err := r.relayers.SaveRelayer(ctx, rel); err != nil {
			return fmt.Errorf("restake: %w", err)
		}
		out = rel
		return r.emit(ctx, &entity.Event{
			Kind:    entity.EventRelayerRestaked,
			Relayer: relayer,
			Token:   p.StakeToken,
			Amount:  new(big.Int).Set(amount),
			Total:   new(big.Int).Set(rel.Stake),
		})
	})
	if err != nil {
		return nil, err
	}
	r.countRelayerEvent(ctx, entity.EventRelayerRestaked)
	return out.Clone(), nil
}

// RequestWithdrawal starts the withdrawal cooldown. A relayer deactivated by
// slashing may still withdraw what is left of its stake.
func (r *Registry) RequestWithdrawal(ctx context.Context, relayer common.Address) (*entity.Relayer, error) {
	var out *entity.Relayer
	err := r.atomically(ctx, func(ctx context.Context) error {
		rel, err := r.bondedRelayer(ctx, relayer)
		if err != nil {
			return err
		}
		if rel.WithdrawalRequested {
			return ErrWithdrawalAlreadyRequested
		}
		rel.WithdrawalRequested = true
		rel.WithdrawalRequestedAt = r.unixNow()
		if err := r.relayers.SaveRelayer(ctx, rel); err != nil {
			return fmt.Errorf("request withdrawal: %w", err)
		}
		out = rel
		return r.emit(ctx, &entity.Event{
			Kind:      entity.EventWithdrawalRequested,
			Relayer:   relayer,
			Total:     new(big.Int).Set(rel.Stake),
			Timestamp: rel.WithdrawalRequestedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	r.countRelayerEvent(ctx, entity.EventWithdrawalRequested)
	return out.Clone(), nil
}

// UnregisterRelayer returns the full remaining stake once the cooldown has elapsed.
func (r *Registry) UnregisterRelayer(ctx context.Context, relayer common.Address) (*big.Int, error) {
	p := r.Params()
	var returned *big.Int
	err := r.atomically(ctx, func(ctx context.Context) error {
		rel, err := r.bondedRelayer(ctx, relayer)
		if err != nil {
			return err
		}
		if !rel.WithdrawalRequested {
			return ErrWithdrawalNotRequested
		}
		unlock := time.Unix(int64(rel.WithdrawalRequestedAt), 0).Add(p.WithdrawalCooldown)
		if r.now().Before(unlock) {
			return fmt.Errorf("%w: unlocks at %s", ErrCooldownNotElapsed, unlock.UTC().Format(time.RFC3339))
		}

		returned = rel.Stake
		rel.Stake = new(big.Int)
		rel.Active = false
		rel.WithdrawalRequested = false
		rel.WithdrawalRequestedAt = 0
		if err := r.relayers.SaveRelayer(ctx, rel); err != nil {
			return fmt.Errorf("unregister relayer: %w", err)
		}
		if err := r.emit(ctx, &entity.Event{
			Kind:    entity.EventRelayerUnregistered,
			Relayer: relayer,
			Token:   p.StakeToken,
			Amount:  new(big.Int).Set(returned),
			Total:   new(big.Int),
		}); err != nil {
			return err
		}
		if err := r.transfer(ctx, p.StakeToken, p.Address, relayer, returned); err != nil {
			return fmt.Errorf("return stake: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("relayer unregistered", slog.String("relayer", relayer.Hex()), slog.String("returned", returned.String()))
	r.countRelayerEvent(ctx, entity.EventRelayerUnregistered)
	return new(big.Int).Set(returned), nil
}

// RecordExecution is the ledger's callback for every execution attempt. It is
// the only writer of reputation fields and slashes synchronously once the
// consecutive failure count reaches the threshold.
func (r *Registry) RecordExecution(ctx context.Context, caller, relayer common.Address, success bool, fee *big.Int) (*entity.Relayer, error) {
	if caller != r.Params().Ledger {
		return nil, ErrUnauthorized
	}

	var out *entity.Relayer
	err := r.atomically(ctx, func(ctx context.Context) error {
		p := r.Params()
		rel, err := r.relayers.GetRelayer(ctx, relayer)
		switch {
		case errors.Is(err, ErrRelayerNotFound):
			return ErrRelayerNotActive
		case err != nil:
			return fmt.Errorf("record execution: %w", err)
		case !rel.Active:
			return ErrRelayerNotActive
		}

		if success {
			rel.SuccessfulExecutions++
			rel.ConsecutiveFailures = 0
			if fee != nil {
				rel.TotalFeesEarned = new(big.Int).Add(rel.TotalFeesEarned, fee)
			}
		} else {
			rel.FailedExecutions++
			rel.ConsecutiveFailures++
		}

		if !success && rel.ConsecutiveFailures >= p.Slashing.Threshold {
			reason := fmt.Sprintf("%d consecutive failed executions", rel.ConsecutiveFailures)
			if err := r.slash(ctx, p, rel, p.Slashing.Amount, reason, p.Ledger, true); err != nil {
				return err
			}
			remaining := rel.Stake.String()
			r.afterCommit(ctx, func(ctx context.Context) {
				r.log.Warn("relayer slashed", slog.String("relayer", relayer.Hex()), slog.String("remaining", remaining))
				r.countRelayerEvent(ctx, entity.EventRelayerSlashed)
			})
		}
		if err := r.relayers.SaveRelayer(ctx, rel); err != nil {
			return fmt.Errorf("record execution: %w", err)
		}
		out = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// EmergencySlash lets the owner slash a relayer out of band. The relayer is
// deactivated when its remaining stake falls below the minimum.
func (r *Registry) EmergencySlash(ctx context.Context, caller, relayer common.Address, amount *big.Int, reason string) (*entity.Relayer, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if reason == "" {
		reason = "emergency"
	}

	var out *entity.Relayer
	err := r.atomically(ctx, func(ctx context.Context) error {
		p := r.Params()
		if caller != p.Owner {
			return ErrUnauthorized
		}
		rel, err := r.relayers.GetRelayer(ctx, relayer)
		if err != nil {
			return err
		}
		if rel.Stake.Sign() == 0 {
			return ErrNothingToSlash
		}
		if err := r.slash(ctx, p, rel, amount, reason, caller, false); err != nil {
			return err
		}
		if err := r.relayers.SaveRelayer(ctx, rel); err != nil {
			return fmt.Errorf("emergency slash: %w", err)
		}
		out = rel
		r.afterCommit(ctx, func(ctx context.Context) {
			r.log.Warn("relayer emergency slashed", slog.String("relayer", relayer.Hex()), slog.String("reason", reason))
			r.countRelayerEvent(ctx, entity.EventRelayerSlashed)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// slash deducts min(amount, stake) to the treasury and mutates rel in place.
func (r *Registry) slash(ctx context.Context, p RegistryParams, rel *entity.Relayer, amount *big.Int, reason string, actor common.Address, deactivate bool) error {
	penalty := new(big.Int).Set(amount)
	if penalty.Cmp(rel.Stake) > 0 {
		penalty.Set(rel.Stake)
	}
	rel.Stake = new(big.Int).Sub(rel.Stake, penalty)
	rel.TotalSlashed = new(big.Int).Add(rel.TotalSlashed, penalty)
	rel.Slashed = true
	if rel.Active && (deactivate || rel.Stake.Cmp(p.MinimumStake) < 0) {
		rel.Active = false
		rel.WithdrawalRequested = false
		rel.WithdrawalRequestedAt = 0
		rel.ConsecutiveFailures = 0
	}

	if err := r.transfer(ctx, p.StakeToken, p.Address, p.Treasury, penalty); err != nil {
		return fmt.Errorf("transfer slashed stake: %w", err)
	}
	return r.emit(ctx, &entity.Event{
		Kind:    entity.EventRelayerSlashed,
		Relayer: rel.Address,
		Token:   p.StakeToken,
		Actor:   actor,
		Target:  p.Treasury,
		Amount:  penalty,
		Total:   new(big.Int).Set(rel.Stake),
		Reason:  reason,
	})
}

// UpdateSlashingParams changes the automatic slashing policy.
func (r *Registry) UpdateSlashingParams(ctx context.Context, caller common.Address, params entity.SlashingParams) error {
	p := r.Params()
	if caller != p.Owner {
		return ErrUnauthorized
	}
	if params.Threshold == 0 || params.Amount == nil || params.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: threshold and amount must be > 0", ErrInvalidParams)
	}

	next := entity.SlashingParams{Threshold: params.Threshold, Amount: new(big.Int).Set(params.Amount)}
	err := r.atomically(ctx, func(ctx context.Context) error {
		if err := r.emit(ctx, &entity.Event{
			Kind:      entity.EventSlashingParamsUpdated,
			Actor:     caller,
			Threshold: next.Threshold,
			Amount:    new(big.Int).Set(next.Amount),
		}); err != nil {
			return err
		}
		r.setParams(ctx, func(p *RegistryParams) { p.Slashing = next })
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info("slashing params updated", slog.Uint64("threshold", next.Threshold), slog.String("amount", next.Amount.String()))
	return nil
}

// TransferOwnership hands the administrative role to newOwner.
func (r *Registry) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	p := r.Params()
	if caller != p.Owner {
		return ErrUnauthorized
	}
	if newOwner == (common.Address{}) {
		return fmt.Errorf("%w: empty owner", ErrInvalidParams)
	}
	err := r.atomically(ctx, func(ctx context.Context) error {
		if err := r.emit(ctx, &entity.Event{
			Kind:   entity.EventOwnershipTransferred,
			Actor:  caller,
			Target: newOwner,
		}); err != nil {
			return err
		}
		r.setParams(ctx, func(p *RegistryParams) { p.Owner = newOwner })
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info("ownership transferred", slog.String("from", caller.Hex()), slog.String("to", newOwner.Hex()))
	return nil
}

// IsActiveRelayer reports whether addr is currently bonded and active.
func (r *Registry) IsActiveRelayer(ctx context.Context, addr common.Address) (bool, error) {
	rel, err := r.relayers.GetRelayer(ctx, addr)
	if errors.Is(err, ErrRelayerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rel.Active, nil
}

// GetRelayer returns a relayer by address.
func (r *Registry) GetRelayer(ctx context.Context, addr common.Address) (*entity.Relayer, error) {
	return r.relayers.GetRelayer(ctx, addr)
}

// ListRelayers returns relayers ordered by registration.
func (r *Registry) ListRelayers(ctx context.Context, f RelayerFilter) ([]*entity.Relayer, error) {
	limit, err := normalizeLimit(f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	f.Limit = limit
	return r.relayers.ListRelayers(ctx, f)
}

func (r *Registry) activeRelayer(ctx context.Context, addr common.Address) (*entity.Relayer, error) {
	rel, err := r.relayers.GetRelayer(ctx, addr)
	if errors.Is(err, ErrRelayerNotFound) {
		return nil, ErrNotActive
	}
	if err != nil {
		return nil, err
	}
	if !rel.Active {
		return nil, ErrNotActive
	}
	return rel, nil
}

// bondedRelayer returns a relayer that is active or still holds stake.
func (r *Registry) bondedRelayer(ctx context.Context, addr common.Address) (*entity.Relayer, error) {
	rel, err := r.relayers.GetRelayer(ctx, addr)
	if errors.Is(err, ErrRelayerNotFound) {
		return nil, ErrNotActive
	}
	if err != nil {
		return nil, err
	}
	if !rel.Active && rel.Stake.Sign() == 0 {
		return nil, ErrNotActive
	}
	return rel, nil
}

func (r *Registry) reject(op string) {
	metrics.RejectedRequestsTotal.WithLabelValues(op).Inc()
}

func (r *Registry) countRelayerEvent(ctx context.Context, kind entity.EventKind) {
	metrics.RelayerEventsTotal.WithLabelValues(string(kind)).Inc()
	if n, err := r.relayers.CountActiveRelayers(ctx); err == nil {
		metrics.ActiveRelayers.Set(float64(n))
	}
}
