package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"subs_relay/internal/entity"
	"subs_relay/internal/usecase"
)

const relayerColumns = `address, stake::text, active, successful_executions, failed_executions,
	consecutive_failures, total_fees_earned::text, withdrawal_requested, withdrawal_requested_at,
	slashed, total_slashed::text, registered_at`

func (s *Store) GetRelayer(ctx context.Context, addr common.Address) (*entity.Relayer, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+relayerColumns+` FROM relayers WHERE address = $1`, addr.Bytes())
	r, err := scanRelayer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, usecase.ErrRelayerNotFound
		}
		return nil, fmt.Errorf("get relayer %s: %w", addr.Hex(), err)
	}
	return r, nil
}

func (s *Store) SaveRelayer(ctx context.Context, r *entity.Relayer) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO relayers (
			address, stake, active, successful_executions, failed_executions, consecutive_failures,
			total_fees_earned, withdrawal_requested, withdrawal_requested_at, slashed, total_slashed,
			registered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (address) DO UPDATE SET
			stake = EXCLUDED.stake,
			active = EXCLUDED.active,
			successful_executions = EXCLUDED.successful_executions,
			failed_executions = EXCLUDED.failed_executions,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_fees_earned = EXCLUDED.total_fees_earned,
			withdrawal_requested = EXCLUDED.withdrawal_requested,
			withdrawal_requested_at = EXCLUDED.withdrawal_requested_at,
			slashed = EXCLUDED.slashed,
			total_slashed = EXCLUDED.total_slashed,
			registered_at = EXCLUDED.registered_at`,
		r.Address.Bytes(), numeric(r.Stake), r.Active, int64(r.SuccessfulExecutions),
		int64(r.FailedExecutions), int64(r.ConsecutiveFailures), numeric(r.TotalFeesEarned),
		r.WithdrawalRequested, int64(r.WithdrawalRequestedAt), r.Slashed, numeric(r.TotalSlashed),
		int64(r.RegisteredAt),
	)
	if err != nil {
		return fmt.Errorf("save relayer: %w", err)
	}
	return nil
}

func (s *Store) ListRelayers(ctx context.Context, f usecase.RelayerFilter) ([]*entity.Relayer, error) {
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+relayerColumns+`
		FROM relayers
		WHERE NOT $1 OR active
		ORDER BY ord
		LIMIT $2 OFFSET $3`,
		f.ActiveOnly, limitOrDefault(f.Limit), offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list relayers: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*entity.Relayer, error) {
		return scanRelayer(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list relayers: %w", err)
	}
	return out, nil
}

func (s *Store) CountActiveRelayers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q(ctx).QueryRow(ctx, `SELECT count(*) FROM relayers WHERE active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active relayers: %w", err)
	}
	return n, nil
}

// AppendEvent stores the event as a JSON document; Seq comes from the table sequence.
func (s *Store) AppendEvent(ctx context.Context, e *entity.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	var subID []byte
	if e.SubscriptionID != (common.Hash{}) {
		subID = e.SubscriptionID.Bytes()
	}
	err = s.q(ctx).QueryRow(ctx, `
		INSERT INTO events (id, kind, subscription_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		e.ID.String(), string(e.Kind), subID, payload, int64(e.Timestamp),
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f entity.EventFilter) ([]*entity.Event, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT seq, payload
		FROM events
		WHERE seq > $1 AND ($2::text = '' OR kind = $2)
		ORDER BY seq
		LIMIT $3`,
		f.AfterSeq, string(f.Kind), limitOrDefault(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*entity.Event, error) {
		var (
			seq     int64
			payload []byte
			e       entity.Event
		)
		if err := row.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		e.Seq = seq
		return &e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func scanRelayer(row scanner) (*entity.Relayer, error) {
	var (
		r                          entity.Relayer
		addr                       []byte
		amounts                    = make([]string, 3)
		successful, failed, streak int64
		requestedAt, registeredAt  int64
	)
	err := row.Scan(&addr, &amounts[0], &r.Active, &successful, &failed, &streak, &amounts[1],
		&r.WithdrawalRequested, &requestedAt, &r.Slashed, &amounts[2], &registeredAt)
	if err != nil {
		return nil, err
	}
	if err := parseNumerics([]**big.Int{&r.Stake, &r.TotalFeesEarned, &r.TotalSlashed}, amounts); err != nil {
		return nil, err
	}
	r.Address = common.BytesToAddress(addr)
	r.SuccessfulExecutions = uint64(successful)
	r.FailedExecutions = uint64(failed)
	r.ConsecutiveFailures = uint64(streak)
	r.WithdrawalRequestedAt = uint64(requestedAt)
	r.RegisteredAt = uint64(registeredAt)
	return &r, nil
}
