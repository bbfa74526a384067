package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokens(n int64) *big.Int { return Ether(n) }

type fixture struct {
	chain    *FakeChain
	registry Registry
	escrow   Escrow

	buyer, seller, inspector, lender common.Address
}

func (f *fixture) as(from common.Address) *bind.TransactOpts {
	return &bind.TransactOpts{From: from, Context: context.Background()}
}

func (f *fixture) paying(from common.Address, value *big.Int) *bind.TransactOpts {
	opts := f.as(from)
	opts.Value = value
	return opts
}

func (f *fixture) mustConfirm(t *testing.T, tx *types.Transaction, err error) {
	t.Helper()
	require.NoError(t, err)
	_, err = f.chain.Confirm(context.Background(), tx)
	require.NoError(t, err)
}

// newListedFixture mints one property, deploys the escrow and lists the
// property for 10 ether with 5 ether earnest.
func newListedFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		chain:     NewFakeChain(31337),
		buyer:     common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		seller:    common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		inspector: common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		lender:    common.HexToAddress("0x00000000000000000000000000000000000000d1"),
	}
	for _, acct := range []common.Address{f.buyer, f.seller, f.inspector, f.lender} {
		f.chain.Credit(acct, tokens(100))
	}

	registry, tx, err := f.chain.DeployRegistry(f.as(f.buyer))
	f.mustConfirm(t, tx, err)
	f.registry = registry

	tx, err = registry.Mint(f.as(f.seller), "https://ipfs.io/ipfs/QmQUozrHLAusXDxrvsESJ3PYB3rUeUuBAvVWw6nop2uu7c/1.png")
	f.mustConfirm(t, tx, err)

	esc, tx, err := f.chain.DeployEscrow(f.as(f.buyer), registry.Address(), f.seller, f.inspector, f.lender)
	f.mustConfirm(t, tx, err)
	f.escrow = esc

	tx, err = registry.Approve(f.as(f.seller), esc.Address(), big.NewInt(1))
	f.mustConfirm(t, tx, err)

	tx, err = esc.List(f.as(f.seller), big.NewInt(1), f.buyer, tokens(10), tokens(5))
	f.mustConfirm(t, tx, err)
	return f
}

func TestFakeDeployment(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()

	nft, err := f.escrow.NFTAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.registry.Address(), nft)

	seller, err := f.escrow.Seller(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.seller, seller)

	inspector, err := f.escrow.Inspector(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.inspector, inspector)

	lender, err := f.escrow.Lender(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.lender, lender)

	code, err := f.chain.CodeAt(ctx, f.escrow.Address(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
}

func TestFakeTokenURIRange(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()

	tx, err := f.registry.Mint(f.as(f.seller), "ipfs://second")
	f.mustConfirm(t, tx, err)

	supply, err := f.registry.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), supply.Int64())

	for id := int64(1); id <= supply.Int64(); id++ {
		_, err := f.registry.TokenURI(ctx, big.NewInt(id))
		assert.NoError(t, err, "token %d", id)
	}
	_, err = f.registry.TokenURI(ctx, big.NewInt(0))
	assert.Error(t, err)
	_, err = f.registry.TokenURI(ctx, big.NewInt(3))
	assert.Error(t, err)
}

func TestFakeListing(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()
	id := big.NewInt(1)

	listed, err := f.escrow.IsListed(ctx, id)
	require.NoError(t, err)
	assert.True(t, listed)

	owner, err := f.registry.OwnerOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.escrow.Address(), owner)

	buyer, err := f.escrow.Buyer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.buyer, buyer)

	price, err := f.escrow.PurchasePrice(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, price.Cmp(tokens(10)))

	amount, err := f.escrow.EscrowAmount(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, amount.Cmp(tokens(5)))
}

func TestFakeListRequiresSeller(t *testing.T) {
	f := newListedFixture(t)
	tx, err := f.registry.Mint(f.as(f.seller), "ipfs://2")
	f.mustConfirm(t, tx, err)

	_, err = f.escrow.List(f.as(f.buyer), big.NewInt(2), f.buyer, tokens(1), tokens(1))
	assert.ErrorIs(t, err, ErrReverted)
}

func TestFakeDepositing(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()

	before, err := f.escrow.Balance(ctx)
	require.NoError(t, err)

	tx, err := f.escrow.DepositEarnest(f.paying(f.buyer, tokens(5)), big.NewInt(1))
	f.mustConfirm(t, tx, err)

	after, err := f.escrow.Balance(ctx)
	require.NoError(t, err)
	assert.Zero(t, new(big.Int).Sub(after, before).Cmp(tokens(5)))
}

func TestFakeDepositBelowEscrowAmountReverts(t *testing.T) {
	f := newListedFixture(t)
	_, err := f.escrow.DepositEarnest(f.paying(f.buyer, tokens(1)), big.NewInt(1))
	assert.ErrorIs(t, err, ErrReverted)

	balance, err := f.escrow.Balance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())
	assert.Zero(t, f.chain.BalanceOf(f.buyer).Cmp(tokens(100)))
}

func TestFakeInspectionIsIdempotent(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tx, err := f.escrow.UpdateInspection(f.as(f.inspector), big.NewInt(1), true)
		f.mustConfirm(t, tx, err)

		inspected, err := f.escrow.IsInspected(ctx, big.NewInt(1))
		require.NoError(t, err)
		assert.True(t, inspected)
	}

	_, err := f.escrow.UpdateInspection(f.as(f.buyer), big.NewInt(1), true)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestFakeApprovalsAreMonotonic(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()
	id := big.NewInt(1)

	for _, acct := range []common.Address{f.buyer, f.seller, f.lender} {
		tx, err := f.escrow.ApproveSale(f.as(acct), id)
		f.mustConfirm(t, tx, err)
	}
	// a second round must not flip anything back
	tx, err := f.escrow.ApproveSale(f.as(f.buyer), id)
	f.mustConfirm(t, tx, err)

	for _, acct := range []common.Address{f.buyer, f.seller, f.lender} {
		ok, err := f.escrow.Approval(ctx, id, acct)
		require.NoError(t, err)
		assert.True(t, ok, acct.Hex())
	}
}

func TestFakeFinalizing(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()
	id := big.NewInt(1)

	tx, err := f.escrow.DepositEarnest(f.paying(f.buyer, tokens(5)), id)
	f.mustConfirm(t, tx, err)
	tx, err = f.escrow.UpdateInspection(f.as(f.inspector), id, true)
	f.mustConfirm(t, tx, err)
	for _, acct := range []common.Address{f.buyer, f.seller, f.lender} {
		tx, err = f.escrow.ApproveSale(f.as(acct), id)
		f.mustConfirm(t, tx, err)
	}
	tx, err = f.escrow.Fund(f.paying(f.lender, tokens(5)))
	f.mustConfirm(t, tx, err)

	tx, err = f.escrow.FinalizeSale(f.as(f.seller), id)
	f.mustConfirm(t, tx, err)

	owner, err := f.registry.OwnerOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.buyer, owner)

	balance, err := f.escrow.Balance(ctx)
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())

	listed, err := f.escrow.IsListed(ctx, id)
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestFakeFinalizeBeforePreconditionsReverts(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()
	id := big.NewInt(1)

	tx, err := f.escrow.DepositEarnest(f.paying(f.buyer, tokens(5)), id)
	f.mustConfirm(t, tx, err)
	tx, err = f.escrow.ApproveSale(f.as(f.buyer), id)
	f.mustConfirm(t, tx, err)

	_, err = f.escrow.FinalizeSale(f.as(f.seller), id)
	require.ErrorIs(t, err, ErrReverted)

	// with an explicit gas limit the revert is mined instead
	opts := f.as(f.seller)
	opts.GasLimit = 100000
	tx, err = f.escrow.FinalizeSale(opts, id)
	require.NoError(t, err)
	_, err = f.chain.Confirm(ctx, tx)
	require.True(t, errors.Is(err, ErrReverted))

	owner, err := f.registry.OwnerOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.escrow.Address(), owner)

	listed, err := f.escrow.IsListed(ctx, id)
	require.NoError(t, err)
	assert.True(t, listed)

	balance, err := f.escrow.Balance(ctx)
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(tokens(5)))
}

func TestFakeCancel(t *testing.T) {
	f := newListedFixture(t)
	ctx := context.Background()
	id := big.NewInt(1)

	tx, err := f.escrow.DepositEarnest(f.paying(f.buyer, tokens(5)), id)
	f.mustConfirm(t, tx, err)

	tx, err = f.escrow.CancelSale(f.as(f.buyer), id)
	f.mustConfirm(t, tx, err)

	listed, err := f.escrow.IsListed(ctx, id)
	require.NoError(t, err)
	assert.False(t, listed)

	owner, err := f.registry.OwnerOf(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, f.buyer, owner)

	// uninspected: earnest is refunded
	assert.Zero(t, f.chain.BalanceOf(f.buyer).Cmp(tokens(100)))

	_, err = f.escrow.CancelSale(f.as(f.buyer), id)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestFakeFailNextAndReadOnly(t *testing.T) {
	f := newListedFixture(t)
	rejected := errors.New("user rejected signature")
	f.chain.FailNext("approveSale", rejected)

	_, err := f.escrow.ApproveSale(f.as(f.buyer), big.NewInt(1))
	assert.ErrorIs(t, err, rejected)

	_, err = f.escrow.ApproveSale(nil, big.NewInt(1))
	assert.ErrorIs(t, err, ErrReadOnly)

	ok, err := f.escrow.Approval(context.Background(), big.NewInt(1), f.buyer)
	require.NoError(t, err)
	assert.False(t, ok)
}
