package entity

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Intent - off-chain signed declaration of recurring payment terms.
// Field order is the EIP-712 field order and must not change.
type Intent struct {
	Subscriber     common.Address `json:"subscriber"`
	Merchant       common.Address `json:"merchant"`
	Token          common.Address `json:"token"`
	Amount         *big.Int       `json:"amount"`
	Interval       uint64         `json:"interval"`
	StartTime      uint64         `json:"startTime"`
	MaxPayments    uint64         `json:"maxPayments"`
	MaxTotalAmount *big.Int       `json:"maxTotalAmount"`
	Expiry         uint64         `json:"expiry"`
	Nonce          uint64         `json:"nonce"`
}

// PauseRequest - signed request to pause a subscription
type PauseRequest struct {
	SubscriptionID common.Hash `json:"subscriptionId"`
	Nonce          uint64      `json:"nonce"`
}

// ResumeRequest - signed request to resume a paused subscription
type ResumeRequest struct {
	SubscriptionID common.Hash `json:"subscriptionId"`
	Nonce          uint64      `json:"nonce"`
}
