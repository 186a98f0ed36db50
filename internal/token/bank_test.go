package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pyusd   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	spender = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

func balance(t *testing.T, b *Bank, owner common.Address) int64 {
	t.Helper()
	v, err := b.BalanceOf(context.Background(), pyusd, owner)
	require.NoError(t, err)
	return v.Int64()
}

func TestBank_TransferFrom(t *testing.T) {
	ctx := context.Background()

	t.Run("ok, decrements allowance", func(t *testing.T) {
		b := NewBank()
		require.NoError(t, b.Mint(ctx, pyusd, alice, big.NewInt(100)))
		require.NoError(t, b.Approve(ctx, pyusd, alice, spender, big.NewInt(60)))

		require.NoError(t, b.TransferFrom(ctx, pyusd, spender, alice, bob, big.NewInt(40)))
		assert.Equal(t, int64(60), balance(t, b, alice))
		assert.Equal(t, int64(40), balance(t, b, bob))

		left, err := b.Allowance(ctx, pyusd, alice, spender)
		require.NoError(t, err)
		assert.Equal(t, int64(20), left.Int64())
	})

	t.Run("err, allowance too low leaves state", func(t *testing.T) {
		b := NewBank()
		require.NoError(t, b.Mint(ctx, pyusd, alice, big.NewInt(100)))
		require.NoError(t, b.Approve(ctx, pyusd, alice, spender, big.NewInt(10)))

		err := b.TransferFrom(ctx, pyusd, spender, alice, bob, big.NewInt(40))
		assert.ErrorIs(t, err, ErrInsufficientAllowance)
		assert.Equal(t, int64(100), balance(t, b, alice))
		assert.Equal(t, int64(0), balance(t, b, bob))
	})

	t.Run("err, balance too low keeps allowance", func(t *testing.T) {
		b := NewBank()
		require.NoError(t, b.Mint(ctx, pyusd, alice, big.NewInt(5)))
		require.NoError(t, b.Approve(ctx, pyusd, alice, spender, big.NewInt(50)))

		err := b.TransferFrom(ctx, pyusd, spender, alice, bob, big.NewInt(40))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		left, err := b.Allowance(ctx, pyusd, alice, spender)
		require.NoError(t, err)
		assert.Equal(t, int64(50), left.Int64())
	})

	t.Run("unlimited allowance is not decremented", func(t *testing.T) {
		b := NewBank()
		require.NoError(t, b.Mint(ctx, pyusd, alice, big.NewInt(100)))
		require.NoError(t, b.Approve(ctx, pyusd, alice, spender, Unlimited))

		require.NoError(t, b.TransferFrom(ctx, pyusd, spender, alice, bob, big.NewInt(40)))
		left, err := b.Allowance(ctx, pyusd, alice, spender)
		require.NoError(t, err)
		assert.Equal(t, 0, left.Cmp(Unlimited))
	})

	t.Run("err, zero amount", func(t *testing.T) {
		b := NewBank()
		assert.ErrorIs(t, b.TransferFrom(ctx, pyusd, spender, alice, bob, big.NewInt(0)), ErrInvalidAmount)
		assert.ErrorIs(t, b.Transfer(ctx, pyusd, alice, bob, nil), ErrInvalidAmount)
	})
}

func TestBank_ReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	b := NewBank()
	require.NoError(t, b.Mint(ctx, pyusd, alice, big.NewInt(7)))

	v, err := b.BalanceOf(ctx, pyusd, alice)
	require.NoError(t, err)
	v.SetInt64(1000)

	assert.Equal(t, int64(7), balance(t, b, alice))
}
