package escrow

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrReverted is returned when a transaction is rejected by the contract,
	// either at gas estimation or as a mined receipt with failed status.
	ErrReverted = errors.New("transaction reverted")
	// ErrReadOnly is returned by write calls made without a signer.
	ErrReadOnly = errors.New("client is read-only")
)

// Confirmer waits for a submitted transaction to be mined.
type Confirmer interface {
	Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Registry is the tokenized property registry (ERC-721).
type Registry interface {
	Confirmer
	Address() common.Address

	TotalSupply(ctx context.Context) (*big.Int, error)
	TokenURI(ctx context.Context, id *big.Int) (string, error)
	OwnerOf(ctx context.Context, id *big.Int) (common.Address, error)

	Mint(opts *bind.TransactOpts, uri string) (*types.Transaction, error)
	Approve(opts *bind.TransactOpts, operator common.Address, id *big.Int) (*types.Transaction, error)
}

// Escrow is the escrow contract holding listed properties.
type Escrow interface {
	Confirmer
	Address() common.Address

	NFTAddress(ctx context.Context) (common.Address, error)
	Seller(ctx context.Context) (common.Address, error)
	Inspector(ctx context.Context) (common.Address, error)
	Lender(ctx context.Context) (common.Address, error)
	Buyer(ctx context.Context, id *big.Int) (common.Address, error)
	IsListed(ctx context.Context, id *big.Int) (bool, error)
	IsInspected(ctx context.Context, id *big.Int) (bool, error)
	Approval(ctx context.Context, id *big.Int, account common.Address) (bool, error)
	PurchasePrice(ctx context.Context, id *big.Int) (*big.Int, error)
	EscrowAmount(ctx context.Context, id *big.Int) (*big.Int, error)
	Balance(ctx context.Context) (*big.Int, error)

	List(opts *bind.TransactOpts, id *big.Int, buyer common.Address, purchasePrice, escrowAmount *big.Int) (*types.Transaction, error)
	DepositEarnest(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error)
	UpdateInspection(opts *bind.TransactOpts, id *big.Int, passed bool) (*types.Transaction, error)
	ApproveSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error)
	FinalizeSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error)
	CancelSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error)
	// Fund sends opts.Value to the escrow address as a plain transfer.
	Fund(opts *bind.TransactOpts) (*types.Transaction, error)
}

// Binder constructs contract handles for deployed addresses.
type Binder interface {
	BindRegistry(address common.Address) Registry
	BindEscrow(address common.Address) Escrow
}

// HealthChecker is implemented by clients able to ping the RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
