package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"subs_relay/internal/entity"
	"subs_relay/internal/usecase"
)

const subColumns = `id, subscriber, merchant, token, amount::text, interval_seconds, start_time,
	max_payments, max_total_amount::text, expiry, nonce, status, installments_executed,
	total_amount_paid::text, created_at, updated_at`

func (s *Store) CreateSub(ctx context.Context, sub *entity.Subscription) error {
	if sub == nil {
		return fmt.Errorf("create sub: %w", usecase.ErrInvalidIntent)
	}
	tag, err := s.q(ctx).Exec(ctx, `
		INSERT INTO subscriptions (
			id, subscriber, merchant, token, amount, interval_seconds, start_time,
			max_payments, max_total_amount, expiry, nonce, status, installments_executed,
			total_amount_paid, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		sub.ID.Bytes(), sub.Subscriber.Bytes(), sub.Merchant.Bytes(), sub.Token.Bytes(),
		numeric(sub.Amount), int64(sub.Interval), int64(sub.StartTime),
		int64(sub.MaxPayments), numeric(sub.MaxTotalAmount), int64(sub.Expiry), int64(sub.Nonce),
		string(sub.Status), int64(sub.InstallmentsExecuted), numeric(sub.TotalAmountPaid),
		int64(sub.CreatedAt), int64(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create sub: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return usecase.ErrSubscriptionExists
	}
	return nil
}

func (s *Store) UpdateSub(ctx context.Context, sub *entity.Subscription) error {
	if sub == nil {
		return fmt.Errorf("update sub: %w", usecase.ErrInvalidIntent)
	}
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE subscriptions
		SET status = $2, installments_executed = $3, total_amount_paid = $4, updated_at = $5
		WHERE id = $1`,
		sub.ID.Bytes(), string(sub.Status), int64(sub.InstallmentsExecuted),
		numeric(sub.TotalAmountPaid), int64(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update sub: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return usecase.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) GetSubByID(ctx context.Context, id common.Hash) (*entity.Subscription, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = $1`, id.Bytes())
	sub, err := scanSub(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, usecase.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get sub by id=%s: %w", id.Hex(), err)
	}
	return sub, nil
}

func (s *Store) ListSubsByFilter(ctx context.Context, f usecase.SubFilter) ([]*entity.Subscription, error) {
	var subscriber, merchant []byte
	var status *string
	if f.Subscriber != nil {
		subscriber = f.Subscriber.Bytes()
	}
	if f.Merchant != nil {
		merchant = f.Merchant.Bytes()
	}
	if f.Status != nil {
		st := string(*f.Status)
		status = &st
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+subColumns+`
		FROM subscriptions
		WHERE ($1::bytea IS NULL OR subscriber = $1)
		  AND ($2::bytea IS NULL OR merchant = $2)
		  AND ($3::text IS NULL OR status = $3)
		ORDER BY ord
		LIMIT $4 OFFSET $5`,
		subscriber, merchant, status, limitOrDefault(f.Limit), offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list subs by filter: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*entity.Subscription, error) {
		return scanSub(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list subs by filter: %w", err)
	}
	return out, nil
}

func (s *Store) GetNonce(ctx context.Context, account common.Address) (uint64, error) {
	var v int64
	err := s.q(ctx).QueryRow(ctx, `SELECT value FROM nonces WHERE account = $1`, account.Bytes()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return uint64(v), nil
}

func (s *Store) AdvanceNonce(ctx context.Context, account common.Address, expected uint64) error {
	sql := `UPDATE nonces SET value = value + 1 WHERE account = $1 AND value = $2`
	args := []any{account.Bytes(), int64(expected)}
	if expected == 0 {
		sql = `
			INSERT INTO nonces (account, value) VALUES ($1, 1)
			ON CONFLICT (account) DO UPDATE SET value = nonces.value + 1
			WHERE nonces.value = 0`
		args = args[:1]
	}
	tag, err := s.q(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("advance nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d is not current", usecase.ErrInvalidNonce, expected)
	}
	return nil
}

func (s *Store) AppendPayment(ctx context.Context, p *entity.Payment) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO payments (
			subscription_id, installment, relayer, amount, fee, merchant_share, success, reason, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.SubscriptionID.Bytes(), int64(p.Installment), p.Relayer.Bytes(), numeric(p.Amount),
		numeric(p.Fee), numeric(p.MerchantShare), p.Success, p.Reason, int64(p.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("append payment: %w", err)
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, subscriptionID common.Hash) ([]*entity.Payment, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT subscription_id, installment, relayer, amount::text, fee::text, merchant_share::text,
			success, reason, executed_at
		FROM payments
		WHERE subscription_id = $1
		ORDER BY id`, subscriptionID.Bytes())
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*entity.Payment, error) {
		var (
			p                   entity.Payment
			subID, relayer      []byte
			installment, execAt int64
			amounts             = make([]string, 3)
		)
		if err := row.Scan(&subID, &installment, &relayer, &amounts[0], &amounts[1], &amounts[2],
			&p.Success, &p.Reason, &execAt); err != nil {
			return nil, err
		}
		if err := parseNumerics([]**big.Int{&p.Amount, &p.Fee, &p.MerchantShare}, amounts); err != nil {
			return nil, err
		}
		p.SubscriptionID = common.BytesToHash(subID)
		p.Relayer = common.BytesToAddress(relayer)
		p.Installment = uint64(installment)
		p.ExecutedAt = uint64(execAt)
		return &p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return out, nil
}

func scanSub(row scanner) (*entity.Subscription, error) {
	var (
		sub                             entity.Subscription
		id, subscriber, merchant, token []byte
		status                          string
		amounts                         = make([]string, 3)
		interval, start, maxPayments    int64
		expiry, nonce, executed         int64
		createdAt, updatedAt            int64
	)
	err := row.Scan(&id, &subscriber, &merchant, &token, &amounts[0], &interval, &start,
		&maxPayments, &amounts[1], &expiry, &nonce, &status, &executed,
		&amounts[2], &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseNumerics([]**big.Int{&sub.Amount, &sub.MaxTotalAmount, &sub.TotalAmountPaid}, amounts); err != nil {
		return nil, err
	}
	sub.ID = common.BytesToHash(id)
	sub.Subscriber = common.BytesToAddress(subscriber)
	sub.Merchant = common.BytesToAddress(merchant)
	sub.Token = common.BytesToAddress(token)
	sub.Interval = uint64(interval)
	sub.StartTime = uint64(start)
	sub.MaxPayments = uint64(maxPayments)
	sub.Expiry = uint64(expiry)
	sub.Nonce = uint64(nonce)
	sub.Status = entity.Status(status)
	sub.InstallmentsExecuted = uint64(executed)
	sub.CreatedAt = uint64(createdAt)
	sub.UpdatedAt = uint64(updatedAt)
	return &sub, nil
}
