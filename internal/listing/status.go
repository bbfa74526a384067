package listing

import (
	"context"
	"fmt"
	"math/big"

	"estatechain/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
)

// Status is a read of one listing's escrow state. Every field reflects the
// contract at read time; nothing here is locally authoritative.
type Status struct {
	AssetID        *big.Int
	Buyer          common.Address
	Seller         common.Address
	Inspector      common.Address
	Lender         common.Address
	PurchasePrice  *big.Int
	EscrowAmount   *big.Int
	Listed         bool
	Inspected      bool
	BuyerApproved  bool
	SellerApproved bool
	LenderApproved bool
	Owner          common.Address
	Balance        *big.Int
}

func (s *Status) HasBought() bool    { return s.BuyerApproved }
func (s *Status) HasSold() bool      { return s.SellerApproved }
func (s *Status) HasLended() bool    { return s.LenderApproved }
func (s *Status) HasInspected() bool { return s.Inspected }

// Shortfall is the amount the lender covers: purchase price minus earnest.
func (s *Status) Shortfall() *big.Int {
	return new(big.Int).Sub(s.PurchasePrice, s.EscrowAmount)
}

// Funded reports whether the escrow holds the lender's share. The balance is
// the contract's total, so once the buyer has approved (and so deposited) the
// full price is expected.
func (s *Status) Funded() bool {
	if s.Balance == nil || s.PurchasePrice == nil || s.EscrowAmount == nil {
		return false
	}
	expect := s.Shortfall()
	if s.BuyerApproved {
		expect = s.PurchasePrice
	}
	return s.Balance.Cmp(expect) >= 0
}

// FetchStatus reads the full listing state for id.
func FetchStatus(ctx context.Context, registry escrow.Registry, esc escrow.Escrow, id *big.Int) (*Status, error) {
	s := &Status{AssetID: new(big.Int).Set(id)}
	var err error

	if s.Buyer, err = esc.Buyer(ctx, id); err != nil {
		return nil, fmt.Errorf("fetch buyer: %w", err)
	}
	if s.Seller, err = esc.Seller(ctx); err != nil {
		return nil, fmt.Errorf("fetch seller: %w", err)
	}
	if s.Inspector, err = esc.Inspector(ctx); err != nil {
		return nil, fmt.Errorf("fetch inspector: %w", err)
	}
	if s.Lender, err = esc.Lender(ctx); err != nil {
		return nil, fmt.Errorf("fetch lender: %w", err)
	}
	if s.PurchasePrice, err = esc.PurchasePrice(ctx, id); err != nil {
		return nil, fmt.Errorf("fetch purchase price: %w", err)
	}
	if s.EscrowAmount, err = esc.EscrowAmount(ctx, id); err != nil {
		return nil, fmt.Errorf("fetch escrow amount: %w", err)
	}
	if s.Listed, err = esc.IsListed(ctx, id); err != nil {
		return nil, fmt.Errorf("fetch listed: %w", err)
	}
	if s.Inspected, err = esc.IsInspected(ctx, id); err != nil {
		return nil, fmt.Errorf("fetch inspected: %w", err)
	}
	if s.BuyerApproved, err = esc.Approval(ctx, id, s.Buyer); err != nil {
		return nil, fmt.Errorf("fetch buyer approval: %w", err)
	}
	if s.SellerApproved, err = esc.Approval(ctx, id, s.Seller); err != nil {
		return nil, fmt.Errorf("fetch seller approval: %w", err)
	}
	if s.LenderApproved, err = esc.Approval(ctx, id, s.Lender); err != nil {
		return nil, fmt.Errorf("fetch lender approval: %w", err)
	}
	if s.Owner, err = registry.OwnerOf(ctx, id); err != nil {
		return nil, fmt.Errorf("fetch owner: %w", err)
	}
	if s.Balance, err = esc.Balance(ctx); err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	return s, nil
}
