package entity

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status - lifecycle state of a subscription
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> to.
// CANCELLED has no outgoing transitions.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusActive:
		return to == StatusPaused || to == StatusCancelled
	case StatusPaused:
		return to == StatusActive || to == StatusCancelled
	}
	return false
}

// Subscription - recurring payment authorized by a signed intent
type Subscription struct {
	// ID - struct hash of the creating intent
	ID common.Hash
	// Subscriber - account whose balance funds every installment
	Subscriber common.Address
	// Merchant - account receiving the installment minus the protocol fee
	Merchant common.Address
	// Token - payment token
	Token common.Address
	// Amount - per-installment amount in token base units
	Amount *big.Int
	// Interval - seconds between installments
	Interval uint64
	// StartTime - unix time of the first due installment
	StartTime uint64
	// MaxPayments - installment ceiling, 0 means unlimited
	MaxPayments uint64
	// MaxTotalAmount - cumulative ceiling, never exceeded
	MaxTotalAmount *big.Int
	// Expiry - unix time after which nothing can be executed
	Expiry uint64
	// Nonce - subscriber nonce consumed by the creating intent
	Nonce  uint64
	Status Status
	// InstallmentsExecuted - successful installments so far
	InstallmentsExecuted uint64
	// TotalAmountPaid - cumulative amount moved from the subscriber
	TotalAmountPaid *big.Int
	CreatedAt       uint64
	UpdatedAt       uint64
}

// NextDue returns the unix time at which the next installment becomes executable
func (s *Subscription) NextDue() uint64 {
	return s.StartTime + s.InstallmentsExecuted*s.Interval
}

// WouldExceedLimits reports whether one more installment breaks either ceiling
func (s *Subscription) WouldExceedLimits() bool {
	if s.MaxPayments > 0 && s.InstallmentsExecuted >= s.MaxPayments {
		return true
	}
	next := new(big.Int).Add(s.TotalAmountPaid, s.Amount)
	return next.Cmp(s.MaxTotalAmount) > 0
}

// Completed is the derived terminal condition: no further installment can ever fit
func (s *Subscription) Completed() bool {
	return s.WouldExceedLimits()
}

// Clone returns a deep copy safe to mutate
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.Amount = cloneInt(s.Amount)
	c.MaxTotalAmount = cloneInt(s.MaxTotalAmount)
	c.TotalAmountPaid = cloneInt(s.TotalAmountPaid)
	return &c
}

// Payment - history record of one execution attempt
type Payment struct {
	SubscriptionID common.Hash
	// Installment - 1-based number of the installment attempted
	Installment   uint64
	Relayer       common.Address
	Amount        *big.Int
	Fee           *big.Int
	MerchantShare *big.Int
	Success       bool
	// Reason - failure cause, empty on success
	Reason     string
	ExecutedAt uint64
}

// ExecutionResult - outcome returned to the relayer that called execute
type ExecutionResult struct {
	SubscriptionID common.Hash
	Installment    uint64
	Success        bool
	Amount         *big.Int
	Fee            *big.Int
	MerchantShare  *big.Int
	Reason         string
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
