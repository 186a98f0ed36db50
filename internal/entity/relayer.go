package entity

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Relayer - bonded executor tracked by the registry
type Relayer struct {
	Address common.Address
	// Stake - amount currently held in registry custody
	Stake  *big.Int
	Active bool
	// SuccessfulExecutions and FailedExecutions are lifetime counters since the last registration
	SuccessfulExecutions uint64
	FailedExecutions     uint64
	// ConsecutiveFailures - failures since the last success, drives slashing
	ConsecutiveFailures   uint64
	TotalFeesEarned       *big.Int
	WithdrawalRequested   bool
	WithdrawalRequestedAt uint64
	Slashed               bool
	TotalSlashed          *big.Int
	RegisteredAt          uint64
}

// Clone returns a deep copy safe to mutate
func (r *Relayer) Clone() *Relayer {
	if r == nil {
		return nil
	}
	c := *r
	c.Stake = cloneInt(r.Stake)
	c.TotalFeesEarned = cloneInt(r.TotalFeesEarned)
	c.TotalSlashed = cloneInt(r.TotalSlashed)
	return &c
}

// SlashingParams - automatic slashing policy
type SlashingParams struct {
	// Threshold - consecutive failures that trigger a slash
	Threshold uint64
	// Amount - stake deducted per slash, capped at the remaining stake
	Amount *big.Int
}
