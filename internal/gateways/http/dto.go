package http

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"

	"subs_relay/internal/entity"
)

const (
	addressPattern   = `^0x[0-9a-fA-F]{40}$`
	hashPattern      = `^0x[0-9a-fA-F]{64}$`
	signaturePattern = `^0x[0-9a-fA-F]{130}$`
	amountPattern    = `^[0-9]{1,78}$`
)

// IntentInput subscription intent terms, field names follow the signed message
type IntentInput struct {
	Subscriber     *string `json:"subscriber"`
	Merchant       *string `json:"merchant"`
	Token          *string `json:"token"`
	Amount         *string `json:"amount"`
	Interval       *uint64 `json:"interval"`
	StartTime      *uint64 `json:"startTime"`
	MaxPayments    uint64  `json:"maxPayments,omitempty"`
	MaxTotalAmount *string `json:"maxTotalAmount"`
	Expiry         *uint64 `json:"expiry"`
	Nonce          *uint64 `json:"nonce"`
}

// Validate validates this intent input
func (m *IntentInput) Validate(formats strfmt.Registry) error {
	var res []error
	res = requiredPattern(res, "intent.subscriber", m.Subscriber, addressPattern)
	res = requiredPattern(res, "intent.merchant", m.Merchant, addressPattern)
	res = requiredPattern(res, "intent.token", m.Token, addressPattern)
	res = requiredPattern(res, "intent.amount", m.Amount, amountPattern)
	res = requiredPattern(res, "intent.maxTotalAmount", m.MaxTotalAmount, amountPattern)
	res = requiredUint(res, "intent.interval", m.Interval)
	res = requiredUint(res, "intent.startTime", m.StartTime)
	res = requiredUint(res, "intent.expiry", m.Expiry)
	res = requiredUint(res, "intent.nonce", m.Nonce)
	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

// Intent converts a validated input
func (m *IntentInput) Intent() entity.Intent {
	return entity.Intent{
		Subscriber:     common.HexToAddress(*m.Subscriber),
		Merchant:       common.HexToAddress(*m.Merchant),
		Token:          common.HexToAddress(*m.Token),
		Amount:         mustAmount(*m.Amount),
		Interval:       *m.Interval,
		StartTime:      *m.StartTime,
		MaxPayments:    m.MaxPayments,
		MaxTotalAmount: mustAmount(*m.MaxTotalAmount),
		Expiry:         *m.Expiry,
		Nonce:          *m.Nonce,
	}
}

type CreateSubscriptionInput struct {
	Intent    *IntentInput `json:"intent"`
	Signature *string      `json:"signature"`
}

// Validate validates this create subscription input
func (m *CreateSubscriptionInput) Validate(formats strfmt.Registry) error {
	var res []error
	if err := validate.Required("intent", "body", m.Intent); err != nil {
		res = append(res, err)
	} else if err := m.Intent.Validate(formats); err != nil {
		res = append(res, err)
	}
	res = requiredPattern(res, "signature", m.Signature, signaturePattern)
	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

// SignedRequestInput pause or resume request signed by the subscriber
type SignedRequestInput struct {
	Nonce     *uint64 `json:"nonce"`
	Signature *string `json:"signature"`
}

// Validate validates this signed request input
func (m *SignedRequestInput) Validate(formats strfmt.Registry) error {
	var res []error
	res = requiredUint(res, "nonce", m.Nonce)
	res = requiredPattern(res, "signature", m.Signature, signaturePattern)
	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

type AmountInput struct {
	Amount *string `json:"amount"`
}

// Validate validates this amount input
func (m *AmountInput) Validate(formats strfmt.Registry) error {
	if err := requiredPattern(nil, "amount", m.Amount, amountPattern); len(err) > 0 {
		return errors.CompositeValidationError(err...)
	}
	return nil
}

type SlashInput struct {
	Relayer *string `json:"relayer"`
	Amount  *string `json:"amount"`
	Reason  string  `json:"reason,omitempty"`
}

// Validate validates this slash input
func (m *SlashInput) Validate(formats strfmt.Registry) error {
	var res []error
	res = requiredPattern(res, "relayer", m.Relayer, addressPattern)
	res = requiredPattern(res, "amount", m.Amount, amountPattern)
	if err := validate.MaxLength("reason", "body", m.Reason, 256); err != nil {
		res = append(res, err)
	}
	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

type SlashingParamsInput struct {
	Threshold *uint64 `json:"threshold"`
	Amount    *string `json:"amount"`
}

// Validate validates this slashing params input
func (m *SlashingParamsInput) Validate(formats strfmt.Registry) error {
	var res []error
	res = requiredUint(res, "threshold", m.Threshold)
	res = requiredPattern(res, "amount", m.Amount, amountPattern)
	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

type OwnerInput struct {
	Owner *string `json:"owner"`
}

// Validate validates this owner input
func (m *OwnerInput) Validate(formats strfmt.Registry) error {
	if err := requiredPattern(nil, "owner", m.Owner, addressPattern); len(err) > 0 {
		return errors.CompositeValidationError(err...)
	}
	return nil
}

// TransferInput approve (spender) or faucet mint (recipient) request
type TransferInput struct {
	Account *string `json:"account"`
	Amount  *string `json:"amount"`
}

// Validate validates this transfer input
func (m *TransferInput) Validate(formats strfmt.Registry) error {
	var res []error
	res = requiredPattern(res, "account", m.Account, addressPattern)
	res = requiredPattern(res, "amount", m.Amount, amountPattern)
	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

func requiredPattern(res []error, name string, v *string, pattern string) []error {
	if err := validate.Required(name, "body", v); err != nil {
		return append(res, err)
	}
	if err := validate.Pattern(name, "body", swag.StringValue(v), pattern); err != nil {
		return append(res, err)
	}
	return res
}

func requiredUint(res []error, name string, v *uint64) []error {
	if err := validate.Required(name, "body", v); err != nil {
		return append(res, err)
	}
	return res
}

func mustAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func decodeSignature(s *string) []byte {
	b, err := hexutil.Decode(swag.StringValue(s))
	if err != nil {
		return nil
	}
	return b
}

type subscriptionView struct {
	ID                   common.Hash    `json:"id"`
	Subscriber           common.Address `json:"subscriber"`
	Merchant             common.Address `json:"merchant"`
	Token                common.Address `json:"token"`
	Amount               string         `json:"amount"`
	Interval             uint64         `json:"interval"`
	StartTime            uint64         `json:"startTime"`
	MaxPayments          uint64         `json:"maxPayments"`
	MaxTotalAmount       string         `json:"maxTotalAmount"`
	Expiry               uint64         `json:"expiry"`
	Nonce                uint64         `json:"nonce"`
	Status               entity.Status  `json:"status"`
	InstallmentsExecuted uint64         `json:"installmentsExecuted"`
	TotalAmountPaid      string         `json:"totalAmountPaid"`
	NextPaymentDue       uint64         `json:"nextPaymentDue"`
	Completed            bool           `json:"completed"`
	CreatedAt            uint64         `json:"createdAt"`
	UpdatedAt            uint64         `json:"updatedAt"`
}

func newSubscriptionView(s *entity.Subscription) subscriptionView {
	return subscriptionView{
		ID:                   s.ID,
		Subscriber:           s.Subscriber,
		Merchant:             s.Merchant,
		Token:                s.Token,
		Amount:               s.Amount.String(),
		Interval:             s.Interval,
		StartTime:            s.StartTime,
		MaxPayments:          s.MaxPayments,
		MaxTotalAmount:       s.MaxTotalAmount.String(),
		Expiry:               s.Expiry,
		Nonce:                s.Nonce,
		Status:               s.Status,
		InstallmentsExecuted: s.InstallmentsExecuted,
		TotalAmountPaid:      s.TotalAmountPaid.String(),
		NextPaymentDue:       s.NextDue(),
		Completed:            s.Completed(),
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

type paymentView struct {
	Installment   uint64         `json:"installment"`
	Relayer       common.Address `json:"relayer"`
	Amount        string         `json:"amount"`
	Fee           string         `json:"fee"`
	MerchantShare string         `json:"merchantShare"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	ExecutedAt    uint64         `json:"executedAt"`
}

func newPaymentView(p *entity.Payment) paymentView {
	return paymentView{
		Installment:   p.Installment,
		Relayer:       p.Relayer,
		Amount:        p.Amount.String(),
		Fee:           p.Fee.String(),
		MerchantShare: p.MerchantShare.String(),
		Success:       p.Success,
		Reason:        p.Reason,
		ExecutedAt:    p.ExecutedAt,
	}
}

type executionView struct {
	SubscriptionID common.Hash `json:"subscriptionId"`
	Installment    uint64      `json:"installment"`
	Success        bool        `json:"success"`
	Amount         string      `json:"amount"`
	Fee            string      `json:"fee"`
	MerchantShare  string      `json:"merchantShare"`
	Reason         string      `json:"reason,omitempty"`
}

func newExecutionView(r *entity.ExecutionResult) executionView {
	return executionView{
		SubscriptionID: r.SubscriptionID,
		Installment:    r.Installment,
		Success:        r.Success,
		Amount:         r.Amount.String(),
		Fee:            r.Fee.String(),
		MerchantShare:  r.MerchantShare.String(),
		Reason:         r.Reason,
	}
}

type relayerView struct {
	Address               common.Address `json:"address"`
	Stake                 string         `json:"stake"`
	Active                bool           `json:"active"`
	SuccessfulExecutions  uint64         `json:"successfulExecutions"`
	FailedExecutions      uint64         `json:"failedExecutions"`
	ConsecutiveFailures   uint64         `json:"consecutiveFailures"`
	TotalFeesEarned       string         `json:"totalFeesEarned"`
	WithdrawalRequested   bool           `json:"withdrawalRequested"`
	WithdrawalRequestedAt uint64         `json:"withdrawalRequestedAt,omitempty"`
	Slashed               bool           `json:"slashed"`
	TotalSlashed          string         `json:"totalSlashed"`
	RegisteredAt          uint64         `json:"registeredAt"`
}

func newRelayerView(r *entity.Relayer) relayerView {
	return relayerView{
		Address:               r.Address,
		Stake:                 r.Stake.String(),
		Active:                r.Active,
		SuccessfulExecutions:  r.SuccessfulExecutions,
		FailedExecutions:      r.FailedExecutions,
		ConsecutiveFailures:   r.ConsecutiveFailures,
		TotalFeesEarned:       r.TotalFeesEarned.String(),
		WithdrawalRequested:   r.WithdrawalRequested,
		WithdrawalRequestedAt: r.WithdrawalRequestedAt,
		Slashed:               r.Slashed,
		TotalSlashed:          r.TotalSlashed.String(),
		RegisteredAt:          r.RegisteredAt,
	}
}
