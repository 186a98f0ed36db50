package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"subs_relay/internal/entity"
	"subs_relay/internal/metrics"
)

type unitKey struct{}

// unit collects what a single external call produced: events to publish once
// committed, token movements to reverse if it is rolled back and side effects
// (logs, metrics) that only make sense after the commit.
type unit struct {
	events    []*entity.Event
	undo      []func(ctx context.Context) error
	committed []func(ctx context.Context)
}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// core is the plumbing shared by the ledger and the registry.
type core struct {
	tx        Transactor
	events    EventRepository
	tokens    Tokens
	publisher EventPublisher
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Ledger or a Registry.
type Option func(*core)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *core) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *core) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPublisher ships committed events to the indexing layer.
func WithPublisher(p EventPublisher) Option {
	return func(c *core) {
		c.publisher = p
	}
}

func newCore(tx Transactor, events EventRepository, tokens Tokens, opts []Option) core {
	c := core{
		tx:     tx,
		events: events,
		tokens: tokens,
		log:    slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func (c *core) unixNow() uint64 {
	return uint64(c.now().Unix())
}

// atomically runs fn inside one storage transaction. On error every token
// movement made through c.transfer is reversed; on success the collected
// events are published and the afterCommit hooks run. A nested call joins
// the caller's unit.
func (c *core) atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if unitFrom(ctx) != nil {
		return c.tx.WithinTx(ctx, fn)
	}
	u := &unit{}
	txCtx := context.WithValue(ctx, unitKey{}, u)

	if err := c.tx.WithinTx(txCtx, fn); err != nil {
		c.compensate(txCtx, u)
		return err
	}
	c.publish(ctx, u.events)
	for _, fn := range u.committed {
		fn(ctx)
	}
	return nil
}

// afterCommit defers fn until the outermost unit has committed. fn gets a
// context outside of any transaction.
func (c *core) afterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if u := unitFrom(ctx); u != nil {
		u.committed = append(u.committed, fn)
		return
	}
	fn(ctx)
}

func (c *core) compensate(ctx context.Context, u *unit) {
	for i := len(u.undo) - 1; i >= 0; i-- {
		if err := u.undo[i](ctx); err != nil {
			c.log.Error("token compensation failed", slog.String("error", err.Error()))
		}
	}
}

func (c *core) publish(ctx context.Context, events []*entity.Event) {
	if c.publisher == nil || len(events) == 0 {
		return
	}
	if err := c.publisher.Publish(ctx, events...); err != nil {
		metrics.EventPublishFailuresTotal.Add(float64(len(events)))
		c.log.Warn("publish events", slog.Int("count", len(events)), slog.String("error", err.Error()))
	}
}

// emit appends e to the event log within the current unit.
func (c *core) emit(ctx context.Context, e *entity.Event) error {
	e.ID = uuid.New()
	if e.Timestamp == 0 {
		e.Timestamp = c.unixNow()
	}
	if err := c.events.AppendEvent(ctx, e); err != nil {
		return err
	}
	if u := unitFrom(ctx); u != nil {
		u.events = append(u.events, e)
	}
	return nil
}

// pull moves amount from `from` into holder using holder's allowance.
func (c *core) pull(ctx context.Context, token, holder, from common.Address, amount *big.Int) error {
	if err := c.tokens.TransferFrom(ctx, token, holder, from, holder, amount); err != nil {
		return err
	}
	c.onRollback(ctx, func(ctx context.Context) error {
		return c.tokens.Transfer(ctx, token, holder, from, amount)
	})
	return nil
}

// transfer moves amount out of holder's custody.
func (c *core) transfer(ctx context.Context, token, holder, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := c.tokens.Transfer(ctx, token, holder, to, amount); err != nil {
		return err
	}
	c.onRollback(ctx, func(ctx context.Context) error {
		return c.tokens.Transfer(ctx, token, to, holder, amount)
	})
	return nil
}

func (c *core) onRollback(ctx context.Context, fn func(ctx context.Context) error) {
	if u := unitFrom(ctx); u != nil {
		u.undo = append(u.undo, fn)
	}
}

func normalizeLimit(limit, offset int) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("%w: offset must be >= 0", ErrInvalidPagination)
	}
	switch {
	case limit <= 0:
		return defaultListLimit, nil
	case limit > maxListLimit:
		return maxListLimit, nil
	}
	return limit, nil
}
