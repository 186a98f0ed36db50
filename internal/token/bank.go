// Package token holds an in-memory ERC-20 style ledger of balances and
// allowances for any number of token addresses.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Unlimited is the allowance that is never decremented.
var Unlimited = new(big.Int).Set(math.MaxBig256)

type holding struct {
	token common.Address
	owner common.Address
}

type approval struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Bank is safe for concurrent use.
type Bank struct {
	mu         sync.Mutex
	balances   map[holding]*big.Int
	allowances map[approval]*big.Int
}

func NewBank() *Bank {
	return &Bank{
		balances:   make(map[holding]*big.Int),
		allowances: make(map[approval]*big.Int),
	}
}

// Mint credits amount of token to account.
func (b *Bank) Mint(_ context.Context, token, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(holding{token, to}, amount)
	return nil
}

// Approve sets the allowance of spender over owner's balance.
func (b *Bank) Approve(_ context.Context, token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[approval{token, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

func (b *Bank) BalanceOf(_ context.Context, token, owner common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return valueOrZero(b.balances[holding{token, owner}]), nil
}

func (b *Bank) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return valueOrZero(b.allowances[approval{token, owner, spender}]), nil
}

// Transfer moves amount from the holder's own balance.
func (b *Bank) Transfer(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(token, from, to, amount)
}

// TransferFrom moves amount from `from` to `to` spending spender's allowance.
// It either applies fully or leaves balances and allowances untouched.
func (b *Bank) TransferFrom(_ context.Context, token, spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := approval{token, from, spender}
	allowed := valueOrZero(b.allowances[key])
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowed, amount)
	}
	if err := b.move(token, from, to, amount); err != nil {
		return err
	}
	if allowed.Cmp(Unlimited) != 0 {
		b.allowances[key] = allowed.Sub(allowed, amount)
	}
	return nil
}

func (b *Bank) move(token, from, to common.Address, amount *big.Int) error {
	src := holding{token, from}
	bal := valueOrZero(b.balances[src])
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}
	b.balances[src] = bal.Sub(bal, amount)
	b.credit(holding{token, to}, amount)
	return nil
}

func (b *Bank) credit(h holding, amount *big.Int) {
	b.balances[h] = new(big.Int).Add(valueOrZero(b.balances[h]), amount)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
