package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"estatechain/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of an Ethereum RPC client the contract handles need.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var (
	registryABI = mustParseABI(contracts.RealEstateName)
	escrowABI   = mustParseABI(contracts.EscrowName)
)

func mustParseABI(name string) abi.ABI {
	parsed, err := contracts.ParseABI(name)
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return parsed
}

// EthClient binds the registry and escrow contracts over a JSON-RPC backend.
type EthClient struct {
	backend      Backend
	pollInterval time.Duration
	close        func()
}

// Dial connects to the RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*EthClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c := NewEthClient(cli)
	c.close = cli.Close
	return c, nil
}

func NewEthClient(backend Backend) *EthClient {
	return &EthClient{backend: backend, pollInterval: 2 * time.Second}
}

// WithPollInterval sets how often Confirm polls for receipts.
func (c *EthClient) WithPollInterval(d time.Duration) *EthClient {
	c.pollInterval = d
	return c
}

func (c *EthClient) Close() {
	if c.close != nil {
		c.close()
	}
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.backend.ChainID(ctx)
}

func (c *EthClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return c.backend.CodeAt(ctx, account, blockNumber)
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.backend.BlockNumber(ctx)
	return err
}

// Confirm polls until the transaction is mined or ctx is cancelled. A mined
// transaction with failed status yields ErrReverted.
func (c *EthClient) Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("tx %s: %w", tx.Hash().Hex(), ErrReverted)
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) BindRegistry(address common.Address) Registry {
	return &EthRegistry{
		EthClient: c,
		address:   address,
		contract:  bind.NewBoundContract(address, registryABI, c.backend, c.backend, c.backend),
	}
}

func (c *EthClient) BindEscrow(address common.Address) Escrow {
	return &EthEscrow{
		EthClient: c,
		address:   address,
		contract:  bind.NewBoundContract(address, escrowABI, c.backend, c.backend, c.backend),
	}
}

// DeployRegistry deploys the registry from its compiled artifact.
func (c *EthClient) DeployRegistry(opts *bind.TransactOpts, art *contracts.Artifact) (Registry, *types.Transaction, error) {
	address, tx, err := c.deploy(opts, art)
	if err != nil {
		return nil, nil, err
	}
	return c.BindRegistry(address), tx, nil
}

// DeployEscrow deploys the escrow bound to the registry and the fixed parties.
func (c *EthClient) DeployEscrow(opts *bind.TransactOpts, art *contracts.Artifact, registry, seller, inspector, lender common.Address) (Escrow, *types.Transaction, error) {
	address, tx, err := c.deploy(opts, art, registry, seller, inspector, lender)
	if err != nil {
		return nil, nil, err
	}
	return c.BindEscrow(address), tx, nil
}

func (c *EthClient) deploy(opts *bind.TransactOpts, art *contracts.Artifact, params ...interface{}) (common.Address, *types.Transaction, error) {
	if opts == nil {
		return common.Address{}, nil, ErrReadOnly
	}
	parsed, err := art.ParsedABI()
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("parse %s abi: %w", art.ContractName, err)
	}
	code, err := art.Code()
	if err != nil {
		return common.Address{}, nil, err
	}
	address, tx, _, err := bind.DeployContract(opts, parsed, code, c.backend, params...)
	if err != nil {
		return common.Address{}, nil, classify("deploy "+art.ContractName, err)
	}
	return address, tx, nil
}

// EthRegistry is a bound RealEstate contract.
type EthRegistry struct {
	*EthClient
	address  common.Address
	contract *bind.BoundContract
}

func (r *EthRegistry) Address() common.Address { return r.address }

func (r *EthRegistry) TotalSupply(ctx context.Context) (*big.Int, error) {
	out, err := call(ctx, r.contract, "totalSupply")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (r *EthRegistry) TokenURI(ctx context.Context, id *big.Int) (string, error) {
	out, err := call(ctx, r.contract, "tokenURI", id)
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (r *EthRegistry) OwnerOf(ctx context.Context, id *big.Int) (common.Address, error) {
	out, err := call(ctx, r.contract, "ownerOf", id)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (r *EthRegistry) Mint(opts *bind.TransactOpts, uri string) (*types.Transaction, error) {
	return transact(r.contract, opts, "mint", uri)
}

func (r *EthRegistry) Approve(opts *bind.TransactOpts, operator common.Address, id *big.Int) (*types.Transaction, error) {
	return transact(r.contract, opts, "approve", operator, id)
}

// EthEscrow is a bound Escrow contract.
type EthEscrow struct {
	*EthClient
	address  common.Address
	contract *bind.BoundContract
}

func (e *EthEscrow) Address() common.Address { return e.address }

func (e *EthEscrow) NFTAddress(ctx context.Context) (common.Address, error) {
	return e.address0(ctx, "nftAddress")
}

func (e *EthEscrow) Seller(ctx context.Context) (common.Address, error) {
	return e.address0(ctx, "seller")
}

func (e *EthEscrow) Inspector(ctx context.Context) (common.Address, error) {
	return e.address0(ctx, "inspector")
}

func (e *EthEscrow) Lender(ctx context.Context) (common.Address, error) {
	return e.address0(ctx, "lender")
}

func (e *EthEscrow) Buyer(ctx context.Context, id *big.Int) (common.Address, error) {
	return e.address0(ctx, "buyer", id)
}

func (e *EthEscrow) IsListed(ctx context.Context, id *big.Int) (bool, error) {
	return e.bool0(ctx, "isListed", id)
}

func (e *EthEscrow) IsInspected(ctx context.Context, id *big.Int) (bool, error) {
	return e.bool0(ctx, "isInspected", id)
}

func (e *EthEscrow) Approval(ctx context.Context, id *big.Int, account common.Address) (bool, error) {
	return e.bool0(ctx, "approval", id, account)
}

func (e *EthEscrow) PurchasePrice(ctx context.Context, id *big.Int) (*big.Int, error) {
	return e.uint0(ctx, "purchasePrice", id)
}

func (e *EthEscrow) EscrowAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	return e.uint0(ctx, "escrowAmount", id)
}

func (e *EthEscrow) Balance(ctx context.Context) (*big.Int, error) {
	return e.uint0(ctx, "getBalance")
}

func (e *EthEscrow) List(opts *bind.TransactOpts, id *big.Int, buyer common.Address, purchasePrice, escrowAmount *big.Int) (*types.Transaction, error) {
	return transact(e.contract, opts, "list", id, buyer, purchasePrice, escrowAmount)
}

func (e *EthEscrow) DepositEarnest(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error) {
	return transact(e.contract, opts, "depositEarnest", id)
}

func (e *EthEscrow) UpdateInspection(opts *bind.TransactOpts, id *big.Int, passed bool) (*types.Transaction, error) {
	return transact(e.contract, opts, "updateInspectProperty", id, passed)
}

func (e *EthEscrow) ApproveSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error) {
	return transact(e.contract, opts, "approveSale", id)
}

func (e *EthEscrow) FinalizeSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error) {
	return transact(e.contract, opts, "finalizeSale", id)
}

func (e *EthEscrow) CancelSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error) {
	return transact(e.contract, opts, "cancelSale", id)
}

func (e *EthEscrow) Fund(opts *bind.TransactOpts) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrReadOnly
	}
	tx, err := e.contract.Transfer(opts)
	if err != nil {
		return nil, classify("fund", err)
	}
	return tx, nil
}

func (e *EthEscrow) address0(ctx context.Context, method string, params ...interface{}) (common.Address, error) {
	out, err := call(ctx, e.contract, method, params...)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (e *EthEscrow) bool0(ctx context.Context, method string, params ...interface{}) (bool, error) {
	out, err := call(ctx, e.contract, method, params...)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (e *EthEscrow) uint0(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	out, err := call(ctx, e.contract, method, params...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func call(ctx context.Context, contract *bind.BoundContract, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return out, nil
}

func transact(contract *bind.BoundContract, opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrReadOnly
	}
	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return nil, classify(method, err)
	}
	return tx, nil
}

// classify maps node-side rejections (gas estimation hitting a revert) onto
// ErrReverted so callers can tell contract refusals from transport failures.
func classify(op string, err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return fmt.Errorf("%s: %w: %v", op, ErrReverted, err)
	}
	return fmt.Errorf("%s tx: %w", op, err)
}
