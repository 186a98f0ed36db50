package entity

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventKind - name of an observable side effect
type EventKind string

const (
	EventSubscriptionCreated   EventKind = "SubscriptionCreated"
	EventSubscriptionPaused    EventKind = "SubscriptionPaused"
	EventSubscriptionResumed   EventKind = "SubscriptionResumed"
	EventSubscriptionCancelled EventKind = "SubscriptionCancelled"
	EventPaymentExecuted       EventKind = "PaymentExecuted"
	EventPaymentFailed         EventKind = "PaymentFailed"
	EventRelayerRegistered     EventKind = "RelayerRegistered"
	EventRelayerUnregistered   EventKind = "RelayerUnregistered"
	EventRelayerRestaked       EventKind = "RelayerRestaked"
	EventRelayerSlashed        EventKind = "RelayerSlashed"
	EventWithdrawalRequested   EventKind = "WithdrawalRequested"
	EventSlashingParamsUpdated EventKind = "SlashingParamsUpdated"
	EventOwnershipTransferred  EventKind = "OwnershipTransferred"
)

// Event - structured record consumed verbatim by the indexing layer.
// Unused fields stay zero.
type Event struct {
	ID   uuid.UUID `json:"id"`
	Seq  int64     `json:"seq"`
	Kind EventKind `json:"kind"`

	SubscriptionID common.Hash    `json:"subscriptionId"`
	Subscriber     common.Address `json:"subscriber"`
	Merchant       common.Address `json:"merchant"`
	Relayer        common.Address `json:"relayer"`
	Token          common.Address `json:"token"`
	// Actor - account that caused the event (owner, caller, new owner target...)
	Actor common.Address `json:"actor"`
	// Target - account acted upon by an administrative event (new owner)
	Target common.Address `json:"target"`

	Amount        *big.Int `json:"amount,omitempty"`
	Fee           *big.Int `json:"fee,omitempty"`
	MerchantShare *big.Int `json:"merchantShare,omitempty"`
	// Total - cumulative figure after the event (paid so far, remaining stake...)
	Total *big.Int `json:"total,omitempty"`

	Nonce       uint64 `json:"nonce,omitempty"`
	Installment uint64 `json:"installment,omitempty"`
	Threshold   uint64 `json:"threshold,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   uint64 `json:"timestamp"`
}

// EventFilter - cursor over the event log
type EventFilter struct {
	// AfterSeq - return events with Seq > AfterSeq
	AfterSeq int64
	Limit    int
	Kind     EventKind
}
