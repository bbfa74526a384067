package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakeChain is an in-memory chain hosting registry and escrow contracts with
// the same observable behavior as the deployed pair. Used by tests and by the
// server when no RPC endpoint is configured.
type FakeChain struct {
	mu         sync.Mutex
	chainID    *big.Int
	nonces     map[common.Address]uint64
	balances   map[common.Address]*big.Int
	registries map[common.Address]*fakeRegistry
	escrows    map[common.Address]*fakeEscrow
	receipts   map[common.Hash]*fakeReceipt
	failures   map[string]error
	block      uint64
}

type fakeReceipt struct {
	receipt *types.Receipt
	reason  string
}

type fakeRegistry struct {
	supply   uint64
	owners   map[uint64]common.Address
	uris     map[uint64]string
	approved map[uint64]common.Address
}

type fakeEscrow struct {
	registry  common.Address
	seller    common.Address
	inspector common.Address
	lender    common.Address
	listed    map[uint64]bool
	inspected map[uint64]bool
	buyers    map[uint64]common.Address
	prices    map[uint64]*big.Int
	amounts   map[uint64]*big.Int
	approvals map[uint64]map[common.Address]bool
}

func NewFakeChain(chainID int64) *FakeChain {
	return &FakeChain{
		chainID:    big.NewInt(chainID),
		nonces:     make(map[common.Address]uint64),
		balances:   make(map[common.Address]*big.Int),
		registries: make(map[common.Address]*fakeRegistry),
		escrows:    make(map[common.Address]*fakeEscrow),
		receipts:   make(map[common.Hash]*fakeReceipt),
		failures:   make(map[string]error),
	}
}

// SetChainID simulates the wallet switching networks.
func (c *FakeChain) SetChainID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainID = big.NewInt(id)
}

// Credit adds wei to an account.
func (c *FakeChain) Credit(account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = new(big.Int).Add(c.balanceOf(account), amount)
}

// BalanceOf returns the wei balance of an account or contract.
func (c *FakeChain) BalanceOf(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceOf(account))
}

// FailNext makes the next submission of method fail with err before it
// reaches the chain, as a wallet rejection or dropped connection would.
func (c *FakeChain) FailNext(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = err
}

func (c *FakeChain) ChainID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.chainID), nil
}

func (c *FakeChain) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registries[account]; ok {
		return []byte{0x60, 0x80}, nil
	}
	if _, ok := c.escrows[account]; ok {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

func (c *FakeChain) Ping(context.Context) error { return nil }

func (c *FakeChain) Confirm(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.receipts[tx.Hash()]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", tx.Hash().Hex())
	}
	if rec.receipt.Status == types.ReceiptStatusFailed {
		return rec.receipt, fmt.Errorf("tx %s: %w: %s", tx.Hash().Hex(), ErrReverted, rec.reason)
	}
	return rec.receipt, nil
}

func (c *FakeChain) BindRegistry(address common.Address) Registry {
	return &fakeRegistryHandle{chain: c, address: address}
}

func (c *FakeChain) BindEscrow(address common.Address) Escrow {
	return &fakeEscrowHandle{chain: c, address: address}
}

func (c *FakeChain) DeployRegistry(opts *bind.TransactOpts) (Registry, *types.Transaction, error) {
	if opts == nil {
		return nil, nil, ErrReadOnly
	}
	c.mu.Lock()
	address := crypto.CreateAddress(opts.From, c.nonces[opts.From])
	c.mu.Unlock()

	tx, err := c.submit(opts, address, "deployRegistry", func(common.Address, *big.Int) error {
		c.registries[address] = &fakeRegistry{
			owners:   make(map[uint64]common.Address),
			uris:     make(map[uint64]string),
			approved: make(map[uint64]common.Address),
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c.BindRegistry(address), tx, nil
}

func (c *FakeChain) DeployEscrow(opts *bind.TransactOpts, registry, seller, inspector, lender common.Address) (Escrow, *types.Transaction, error) {
	if opts == nil {
		return nil, nil, ErrReadOnly
	}
	c.mu.Lock()
	address := crypto.CreateAddress(opts.From, c.nonces[opts.From])
	c.mu.Unlock()

	tx, err := c.submit(opts, address, "deployEscrow", func(common.Address, *big.Int) error {
		c.escrows[address] = &fakeEscrow{
			registry:  registry,
			seller:    seller,
			inspector: inspector,
			lender:    lender,
			listed:    make(map[uint64]bool),
			inspected: make(map[uint64]bool),
			buyers:    make(map[uint64]common.Address),
			prices:    make(map[uint64]*big.Int),
			amounts:   make(map[uint64]*big.Int),
			approvals: make(map[uint64]map[common.Address]bool),
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c.BindEscrow(address), tx, nil
}

type revertError string

func (r revertError) Error() string { return string(r) }

// submit runs apply under the chain lock. The sender's value moves to `to`
// first and is rolled back if apply reverts. Without an explicit gas limit a
// revert is reported at submission, as gas estimation would; with one the
// transaction is mined with failed status.
func (c *FakeChain) submit(opts *bind.TransactOpts, to common.Address, method string, apply func(from common.Address, value *big.Int) error) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrReadOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err, ok := c.failures[method]; ok {
		delete(c.failures, method)
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}

	value := new(big.Int)
	if opts.Value != nil {
		value.Set(opts.Value)
	}
	if c.balanceOf(opts.From).Cmp(value) < 0 {
		return nil, fmt.Errorf("%s tx: insufficient funds for transfer", method)
	}

	c.move(opts.From, to, value)
	applyErr := apply(opts.From, value)
	if applyErr != nil {
		c.move(to, opts.From, value)
		if opts.GasLimit == 0 {
			return nil, fmt.Errorf("%s: %w: %v", method, ErrReverted, applyErr)
		}
	}

	nonce := c.nonces[opts.From]
	c.nonces[opts.From] = nonce + 1
	c.block++
	tx := types.NewTx(&types.LegacyTx{
		Nonce: nonce,
		To:    &to,
		Value: value,
		Gas:   opts.GasLimit,
		Data:  []byte(method),
	})

	status := types.ReceiptStatusSuccessful
	reason := ""
	if applyErr != nil {
		status = types.ReceiptStatusFailed
		reason = applyErr.Error()
	}
	c.receipts[tx.Hash()] = &fakeReceipt{
		receipt: &types.Receipt{
			Status:      status,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(c.block),
		},
		reason: reason,
	}
	return tx, nil
}

func (c *FakeChain) balanceOf(account common.Address) *big.Int {
	if b, ok := c.balances[account]; ok {
		return b
	}
	return new(big.Int)
}

func (c *FakeChain) move(from, to common.Address, value *big.Int) {
	if value.Sign() == 0 {
		return
	}
	c.balances[from] = new(big.Int).Sub(c.balanceOf(from), value)
	c.balances[to] = new(big.Int).Add(c.balanceOf(to), value)
}

func tokenKey(id *big.Int) (uint64, error) {
	if id == nil || id.Sign() <= 0 || !id.IsUint64() {
		return 0, revertError("ERC721: invalid token ID")
	}
	return id.Uint64(), nil
}

type fakeRegistryHandle struct {
	chain   *FakeChain
	address common.Address
}

func (h *fakeRegistryHandle) Address() common.Address { return h.address }

func (h *fakeRegistryHandle) Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return h.chain.Confirm(ctx, tx)
}

func (h *fakeRegistryHandle) state() (*fakeRegistry, error) {
	reg, ok := h.chain.registries[h.address]
	if !ok {
		return nil, fmt.Errorf("no contract code at %s", h.address.Hex())
	}
	return reg, nil
}

func (h *fakeRegistryHandle) TotalSupply(context.Context) (*big.Int, error) {
	h.chain.mu.Lock()
	defer h.chain.mu.Unlock()
	reg, err := h.state()
	if err != nil {
		return nil, fmt.Errorf("call totalSupply: %w", err)
	}
	return new(big.Int).SetUint64(reg.supply), nil
}

func (h *fakeRegistryHandle) TokenURI(_ context.Context, id *big.Int) (string, error) {
	h.chain.mu.Lock()
	defer h.chain.mu.Unlock()
	reg, err := h.state()
	if err != nil {
		return "", fmt.Errorf("call tokenURI: %w", err)
	}
	key, err := tokenKey(id)
	if err != nil {
		return "", fmt.Errorf("call tokenURI: %w", err)
	}
	uri, ok := reg.uris[key]
	if !ok {
		return "", fmt.Errorf("call tokenURI: %w", revertError("ERC721: invalid token ID"))
	}
	return uri, nil
}

func (h *fakeRegistryHandle) OwnerOf(_ context.Context, id *big.Int) (common.Address, error) {
	h.chain.mu.Lock()
	defer h.chain.mu.Unlock()
	reg, err := h.state()
	if err != nil {
		return common.Address{}, fmt.Errorf("call ownerOf: %w", err)
	}
	key, err := tokenKey(id)
	if err != nil {
		return common.Address{}, fmt.Errorf("call ownerOf: %w", err)
	}
	owner, ok := reg.owners[key]
	if !ok {
		return common.Address{}, fmt.Errorf("call ownerOf: %w", revertError("ERC721: invalid token ID"))
	}
	return owner, nil
}

func (h *fakeRegistryHandle) Mint(opts *bind.TransactOpts, uri string) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "mint", func(from common.Address, _ *big.Int) error {
		reg, err := h.state()
		if err != nil {
			return err
		}
		reg.supply++
		reg.owners[reg.supply] = from
		reg.uris[reg.supply] = uri
		return nil
	})
}

func (h *fakeRegistryHandle) Approve(opts *bind.TransactOpts, operator common.Address, id *big.Int) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "approve", func(from common.Address, _ *big.Int) error {
		reg, err := h.state()
		if err != nil {
			return err
		}
		key, err := tokenKey(id)
		if err != nil {
			return err
		}
		if reg.owners[key] != from {
			return revertError("ERC721: approve caller is not token owner")
		}
		reg.approved[key] = operator
		return nil
	})
}

type fakeEscrowHandle struct {
	chain   *FakeChain
	address common.Address
}

func (h *fakeEscrowHandle) Address() common.Address { return h.address }

func (h *fakeEscrowHandle) Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return h.chain.Confirm(ctx, tx)
}

func (h *fakeEscrowHandle) state() (*fakeEscrow, error) {
	esc, ok := h.chain.escrows[h.address]
	if !ok {
		return nil, fmt.Errorf("no contract code at %s", h.address.Hex())
	}
	return esc, nil
}

// read runs fn under the chain lock against the escrow state.
func (h *fakeEscrowHandle) read(method string, fn func(esc *fakeEscrow)) error {
	h.chain.mu.Lock()
	defer h.chain.mu.Unlock()
	esc, err := h.state()
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	fn(esc)
	return nil
}

func (h *fakeEscrowHandle) NFTAddress(context.Context) (common.Address, error) {
	var out common.Address
	err := h.read("nftAddress", func(esc *fakeEscrow) { out = esc.registry })
	return out, err
}

func (h *fakeEscrowHandle) Seller(context.Context) (common.Address, error) {
	var out common.Address
	err := h.read("seller", func(esc *fakeEscrow) { out = esc.seller })
	return out, err
}

func (h *fakeEscrowHandle) Inspector(context.Context) (common.Address, error) {
	var out common.Address
	err := h.read("inspector", func(esc *fakeEscrow) { out = esc.inspector })
	return out, err
}

func (h *fakeEscrowHandle) Lender(context.Context) (common.Address, error) {
	var out common.Address
	err := h.read("lender", func(esc *fakeEscrow) { out = esc.lender })
	return out, err
}

func (h *fakeEscrowHandle) Buyer(_ context.Context, id *big.Int) (common.Address, error) {
	var out common.Address
	err := h.read("buyer", func(esc *fakeEscrow) { out = esc.buyers[id.Uint64()] })
	return out, err
}

func (h *fakeEscrowHandle) IsListed(_ context.Context, id *big.Int) (bool, error) {
	var out bool
	err := h.read("isListed", func(esc *fakeEscrow) { out = esc.listed[id.Uint64()] })
	return out, err
}

func (h *fakeEscrowHandle) IsInspected(_ context.Context, id *big.Int) (bool, error) {
	var out bool
	err := h.read("isInspected", func(esc *fakeEscrow) { out = esc.inspected[id.Uint64()] })
	return out, err
}

func (h *fakeEscrowHandle) Approval(_ context.Context, id *big.Int, account common.Address) (bool, error) {
	var out bool
	err := h.read("approval", func(esc *fakeEscrow) { out = esc.approvals[id.Uint64()][account] })
	return out, err
}

func (h *fakeEscrowHandle) PurchasePrice(_ context.Context, id *big.Int) (*big.Int, error) {
	out := new(big.Int)
	err := h.read("purchasePrice", func(esc *fakeEscrow) {
		if p, ok := esc.prices[id.Uint64()]; ok {
			out.Set(p)
		}
	})
	return out, err
}

func (h *fakeEscrowHandle) EscrowAmount(_ context.Context, id *big.Int) (*big.Int, error) {
	out := new(big.Int)
	err := h.read("escrowAmount", func(esc *fakeEscrow) {
		if a, ok := esc.amounts[id.Uint64()]; ok {
			out.Set(a)
		}
	})
	return out, err
}

func (h *fakeEscrowHandle) Balance(context.Context) (*big.Int, error) {
	out := new(big.Int)
	err := h.read("getBalance", func(*fakeEscrow) { out.Set(h.chain.balanceOf(h.address)) })
	return out, err
}

func (h *fakeEscrowHandle) List(opts *bind.TransactOpts, id *big.Int, buyer common.Address, purchasePrice, escrowAmount *big.Int) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "list", func(from common.Address, _ *big.Int) error {
		esc, err := h.state()
		if err != nil {
			return err
		}
		if from != esc.seller {
			return revertError("Only seller can call this method")
		}
		key, err := tokenKey(id)
		if err != nil {
			return err
		}
		reg, ok := h.chain.registries[esc.registry]
		if !ok {
			return revertError("registry has no code")
		}
		if reg.owners[key] != from {
			return revertError("ERC721: caller is not token owner")
		}
		if reg.approved[key] != h.address {
			return revertError("ERC721: caller is not token owner or approved")
		}
		reg.owners[key] = h.address
		delete(reg.approved, key)

		esc.listed[key] = true
		esc.buyers[key] = buyer
		esc.prices[key] = new(big.Int).Set(purchasePrice)
		esc.amounts[key] = new(big.Int).Set(escrowAmount)
		return nil
	})
}

func (h *fakeEscrowHandle) DepositEarnest(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "depositEarnest", func(from common.Address, value *big.Int) error {
		esc, err := h.state()
		if err != nil {
			return err
		}
		key := id.Uint64()
		if from != esc.buyers[key] {
			return revertError("Only buyer can call this method")
		}
		if amount, ok := esc.amounts[key]; !ok || value.Cmp(amount) < 0 {
			return revertError("earnest deposit below escrow amount")
		}
		return nil
	})
}

func (h *fakeEscrowHandle) UpdateInspection(opts *bind.TransactOpts, id *big.Int, passed bool) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "updateInspectProperty", func(from common.Address, _ *big.Int) error {
		esc, err := h.state()
		if err != nil {
			return err
		}
		if from != esc.inspector {
			return revertError("Only inspector can call this method")
		}
		esc.inspected[id.Uint64()] = passed
		return nil
	})
}

func (h *fakeEscrowHandle) ApproveSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "approveSale", func(from common.Address, _ *big.Int) error {
		esc, err := h.state()
		if err != nil {
			return err
		}
		key := id.Uint64()
		if esc.approvals[key] == nil {
			esc.approvals[key] = make(map[common.Address]bool)
		}
		esc.approvals[key][from] = true
		return nil
	})
}

func (h *fakeEscrowHandle) FinalizeSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "finalizeSale", func(common.Address, *big.Int) error {
		esc, err := h.state()
		if err != nil {
			return err
		}
		key := id.Uint64()
		if !esc.listed[key] {
			return revertError("property is not listed")
		}
		if !esc.inspected[key] {
			return revertError("inspection not passed")
		}
		approvals := esc.approvals[key]
		if !approvals[esc.buyers[key]] || !approvals[esc.seller] || !approvals[esc.lender] {
			return revertError("sale not approved by all parties")
		}
		balance := h.chain.balanceOf(h.address)
		if balance.Cmp(esc.prices[key]) < 0 {
			return revertError("escrow balance below purchase price")
		}

		esc.listed[key] = false
		h.chain.move(h.address, esc.seller, new(big.Int).Set(balance))
		h.chain.registries[esc.registry].owners[key] = esc.buyers[key]
		return nil
	})
}

func (h *fakeEscrowHandle) CancelSale(opts *bind.TransactOpts, id *big.Int) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "cancelSale", func(common.Address, *big.Int) error {
		esc, err := h.state()
		if err != nil {
			return err
		}
		key := id.Uint64()
		if !esc.listed[key] {
			return revertError("property is not listed")
		}
		// Earnest goes back to the buyer unless inspection already passed.
		payee := esc.buyers[key]
		if esc.inspected[key] {
			payee = esc.seller
		}
		h.chain.move(h.address, payee, new(big.Int).Set(h.chain.balanceOf(h.address)))

		esc.listed[key] = false
		h.chain.registries[esc.registry].owners[key] = esc.seller
		return nil
	})
}

func (h *fakeEscrowHandle) Fund(opts *bind.TransactOpts) (*types.Transaction, error) {
	return h.chain.submit(opts, h.address, "fund", func(common.Address, *big.Int) error {
		_, err := h.state()
		return err
	})
}
