// Package memory is a transactional in-process store implementing every
// usecase repository. One transaction runs at a time; a failed transaction
// restores the snapshot taken when it began.
package memory

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"subs_relay/internal/entity"
)

type txKey struct{}

type state struct {
	subs         map[common.Hash]*entity.Subscription
	subOrder     []common.Hash
	nonces       map[common.Address]uint64
	payments     map[common.Hash][]*entity.Payment
	relayers     map[common.Address]*entity.Relayer
	relayerOrder []common.Address
	events       []*entity.Event
	seq          int64
}

func newState() state {
	return state{
		subs:     make(map[common.Hash]*entity.Subscription),
		nonces:   make(map[common.Address]uint64),
		payments: make(map[common.Hash][]*entity.Payment),
		relayers: make(map[common.Address]*entity.Relayer),
	}
}

// clone copies everything a transaction may change. Stored values are never
// mutated in place, so sharing the pointers is safe.
func (s state) clone() state {
	c := state{
		subs:         make(map[common.Hash]*entity.Subscription, len(s.subs)),
		subOrder:     append([]common.Hash(nil), s.subOrder...),
		nonces:       make(map[common.Address]uint64, len(s.nonces)),
		payments:     make(map[common.Hash][]*entity.Payment, len(s.payments)),
		relayers:     make(map[common.Address]*entity.Relayer, len(s.relayers)),
		relayerOrder: append([]common.Address(nil), s.relayerOrder...),
		events:       append([]*entity.Event(nil), s.events...),
		seq:          s.seq,
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	for k, v := range s.nonces {
		c.nonces[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = append([]*entity.Payment(nil), v...)
	}
	for k, v := range s.relayers {
		c.relayers[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st state
}

func NewStore() *Store {
	return &Store{st: newState()}
}

// WithinTx runs fn holding the store lock. Calls nested in fn's context join
// the running transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock takes the store lock unless ctx already belongs to a running transaction.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
