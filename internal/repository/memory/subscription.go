package memory

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"subs_relay/internal/entity"
	"subs_relay/internal/usecase"
)

func (s *Store) CreateSub(ctx context.Context, sub *entity.Subscription) error {
	if sub == nil {
		return fmt.Errorf("create sub: %w", usecase.ErrInvalidIntent)
	}
	defer s.lock(ctx)()

	if _, ok := s.st.subs[sub.ID]; ok {
		return usecase.ErrSubscriptionExists
	}
	s.st.subs[sub.ID] = sub.Clone()
	s.st.subOrder = append(s.st.subOrder, sub.ID)
	return nil
}

func (s *Store) UpdateSub(ctx context.Context, sub *entity.Subscription) error {
	if sub == nil {
		return fmt.Errorf("update sub: %w", usecase.ErrInvalidIntent)
	}
	defer s.lock(ctx)()

	if _, ok := s.st.subs[sub.ID]; !ok {
		return usecase.ErrSubscriptionNotFound
	}
	s.st.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *Store) GetSubByID(ctx context.Context, id common.Hash) (*entity.Subscription, error) {
	defer s.lock(ctx)()

	sub, ok := s.st.subs[id]
	if !ok {
		return nil, usecase.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *Store) ListSubsByFilter(ctx context.Context, f usecase.SubFilter) ([]*entity.Subscription, error) {
	defer s.lock(ctx)()

	matched := make([]*entity.Subscription, 0)
	for _, id := range s.st.subOrder {
		sub := s.st.subs[id]
		if f.Subscriber != nil && sub.Subscriber != *f.Subscriber {
			continue
		}
		if f.Merchant != nil && sub.Merchant != *f.Merchant {
			continue
		}
		if f.Status != nil && sub.Status != *f.Status {
			continue
		}
		matched = append(matched, sub)
	}

	page := window(matched, f.Limit, f.Offset)
	out := make([]*entity.Subscription, 0, len(page))
	for _, sub := range page {
		out = append(out, sub.Clone())
	}
	return out, nil
}

func (s *Store) GetNonce(ctx context.Context, account common.Address) (uint64, error) {
	defer s.lock(ctx)()
	return s.st.nonces[account], nil
}

func (s *Store) AdvanceNonce(ctx context.Context, account common.Address, expected uint64) error {
	defer s.lock(ctx)()

	current := s.st.nonces[account]
	if current != expected {
		return fmt.Errorf("%w: expected %d, got %d", usecase.ErrInvalidNonce, current, expected)
	}
	s.st.nonces[account] = current + 1
	return nil
}

func (s *Store) AppendPayment(ctx context.Context, p *entity.Payment) error {
	defer s.lock(ctx)()

	cp := *p
	s.st.payments[p.SubscriptionID] = append(s.st.payments[p.SubscriptionID], &cp)
	return nil
}

func (s *Store) ListPayments(ctx context.Context, subscriptionID common.Hash) ([]*entity.Payment, error) {
	defer s.lock(ctx)()

	stored := s.st.payments[subscriptionID]
	out := make([]*entity.Payment, 0, len(stored))
	for _, p := range stored {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}
