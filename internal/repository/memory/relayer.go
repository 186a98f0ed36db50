package memory

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"subs_relay/internal/entity"
	"subs_relay/internal/usecase"
)

func (s *Store) GetRelayer(ctx context.Context, addr common.Address) (*entity.Relayer, error) {
	defer s.lock(ctx)()

	r, ok := s.st.relayers[addr]
	if !ok {
		return nil, usecase.ErrRelayerNotFound
	}
	return r.Clone(), nil
}

func (s *Store) SaveRelayer(ctx context.Context, r *entity.Relayer) error {
	defer s.lock(ctx)()

	if _, ok := s.st.relayers[r.Address]; !ok {
		s.st.relayerOrder = append(s.st.relayerOrder, r.Address)
	}
	s.st.relayers[r.Address] = r.Clone()
	return nil
}

func (s *Store) ListRelayers(ctx context.Context, f usecase.RelayerFilter) ([]*entity.Relayer, error) {
	defer s.lock(ctx)()

	matched := make([]*entity.Relayer, 0, len(s.st.relayerOrder))
	for _, addr := range s.st.relayerOrder {
		r := s.st.relayers[addr]
		if f.ActiveOnly && !r.Active {
			continue
		}
		matched = append(matched, r)
	}

	page := window(matched, f.Limit, f.Offset)
	out := make([]*entity.Relayer, 0, len(page))
	for _, r := range page {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *Store) CountActiveRelayers(ctx context.Context) (int64, error) {
	defer s.lock(ctx)()

	var n int64
	for _, r := range s.st.relayers {
		if r.Active {
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *entity.Event) error {
	defer s.lock(ctx)()

	s.st.seq++
	e.Seq = s.st.seq
	cp := *e
	s.st.events = append(s.st.events, &cp)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f entity.EventFilter) ([]*entity.Event, error) {
	defer s.lock(ctx)()

	out := make([]*entity.Event, 0)
	for _, e := range s.st.events {
		if e.Seq <= f.AfterSeq {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
