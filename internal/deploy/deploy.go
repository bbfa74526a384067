package deploy

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"estatechain/internal/config"
	"estatechain/internal/contracts"
	"estatechain/internal/escrow"
	"estatechain/internal/logging"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// DefaultMetadataBaseURI hosts the sample property metadata (<base>/<n>.json).
const DefaultMetadataBaseURI = "https://ipfs.io/ipfs/QmQVcpsjrA6cr1iJjZAodYwmPekYgbnXGo4DFubJiLc2EB"

// Terms are the sale terms a listing is created with.
type Terms struct {
	PurchasePrice *big.Int
	EscrowAmount  *big.Int
}

// Plan describes the seed data: one asset is minted and listed per Terms.
type Plan struct {
	MetadataBaseURI string
	Listings        []Terms
}

func DefaultPlan() Plan {
	return Plan{
		MetadataBaseURI: DefaultMetadataBaseURI,
		Listings: []Terms{
			{PurchasePrice: escrow.Ether(20), EscrowAmount: escrow.Ether(10)},
			{PurchasePrice: escrow.Ether(15), EscrowAmount: escrow.Ether(10)},
			{PurchasePrice: escrow.Ether(10), EscrowAmount: escrow.Ether(5)},
		},
	}
}

// Parties are the signers taking part in provisioning.
type Parties struct {
	Deployer  *bind.TransactOpts
	Buyer     *bind.TransactOpts
	Seller    *bind.TransactOpts
	Inspector *bind.TransactOpts
	Lender    *bind.TransactOpts
}

func (p Parties) validate() error {
	for name, opts := range map[string]*bind.TransactOpts{
		"deployer": p.Deployer, "buyer": p.Buyer, "seller": p.Seller,
		"inspector": p.Inspector, "lender": p.Lender,
	} {
		if opts == nil {
			return fmt.Errorf("%s signer is required", name)
		}
	}
	return nil
}

// Backend deploys the contract pair.
type Backend interface {
	escrow.Confirmer
	DeployRegistry(opts *bind.TransactOpts) (escrow.Registry, *types.Transaction, error)
	DeployEscrow(opts *bind.TransactOpts, registry, seller, inspector, lender common.Address) (escrow.Escrow, *types.Transaction, error)
}

// ArtifactBackend deploys compiled artifacts over an RPC client.
type ArtifactBackend struct {
	Client   *escrow.EthClient
	Registry *contracts.Artifact
	Escrow   *contracts.Artifact
}

// NewArtifactBackend loads RealEstate and Escrow artifacts from dir.
func NewArtifactBackend(client *escrow.EthClient, dir string) (*ArtifactBackend, error) {
	registry, err := contracts.LoadArtifact(dir, contracts.RealEstateName)
	if err != nil {
		return nil, err
	}
	esc, err := contracts.LoadArtifact(dir, contracts.EscrowName)
	if err != nil {
		return nil, err
	}
	return &ArtifactBackend{Client: client, Registry: registry, Escrow: esc}, nil
}

func (b *ArtifactBackend) Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return b.Client.Confirm(ctx, tx)
}

func (b *ArtifactBackend) DeployRegistry(opts *bind.TransactOpts) (escrow.Registry, *types.Transaction, error) {
	return b.Client.DeployRegistry(opts, b.Registry)
}

func (b *ArtifactBackend) DeployEscrow(opts *bind.TransactOpts, registry, seller, inspector, lender common.Address) (escrow.Escrow, *types.Transaction, error) {
	return b.Client.DeployEscrow(opts, b.Escrow, registry, seller, inspector, lender)
}

// MintedAsset is a provisioned property.
type MintedAsset struct {
	ID    *big.Int
	URI   string
	Terms Terms
}

// Result is the outcome of a complete provisioning run.
type Result struct {
	Registry escrow.Registry
	Escrow   escrow.Escrow
	Assets   []MintedAsset
}

// Deployment renders the result as a deployments file entry.
func (r *Result) Deployment() config.Deployment {
	return config.Deployment{
		RealEstate: config.ContractRef{Address: r.Registry.Address().Hex()},
		Escrow:     config.ContractRef{Address: r.Escrow.Address().Hex()},
	}
}

// Run provisions the registry, mints and lists the sample assets. Each
// transaction is confirmed before the next; the first failure aborts the run.
func Run(ctx context.Context, backend Backend, parties Parties, plan Plan, logger *zap.Logger) (*Result, error) {
	log := logging.OrNop(logger)
	if err := parties.validate(); err != nil {
		return nil, err
	}
	with := func(opts *bind.TransactOpts) *bind.TransactOpts {
		o := *opts
		o.Context = ctx
		return &o
	}
	confirm := func(step string, tx *types.Transaction, err error) error {
		if err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
		if _, err := backend.Confirm(ctx, tx); err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
		return nil
	}

	registry, tx, err := backend.DeployRegistry(with(parties.Deployer))
	if err := confirm("deploy registry", tx, err); err != nil {
		return nil, err
	}
	log.Info("RealEstate deployed", zap.String("address", registry.Address().Hex()))

	result := &Result{Registry: registry}
	base := strings.TrimSuffix(plan.MetadataBaseURI, "/")
	log.Info("minting real estates", zap.Int("count", len(plan.Listings)))
	for i, terms := range plan.Listings {
		uri := fmt.Sprintf("%s/%d.json", base, i+1)
		tx, err := registry.Mint(with(parties.Seller), uri)
		if err := confirm(fmt.Sprintf("mint asset %d", i+1), tx, err); err != nil {
			return nil, err
		}
		id, err := registry.TotalSupply(ctx)
		if err != nil {
			return nil, fmt.Errorf("read total supply: %w", err)
		}
		minted, err := registry.TokenURI(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read token uri %s: %w", id, err)
		}
		log.Info("real estate minted", zap.String("id", id.String()), zap.String("uri", minted))
		result.Assets = append(result.Assets, MintedAsset{ID: id, URI: minted, Terms: terms})
	}

	esc, tx, err := backend.DeployEscrow(with(parties.Deployer), registry.Address(),
		parties.Seller.From, parties.Inspector.From, parties.Lender.From)
	if err := confirm("deploy escrow", tx, err); err != nil {
		return nil, err
	}
	result.Escrow = esc
	log.Info("Escrow deployed", zap.String("address", esc.Address().Hex()))

	for _, asset := range result.Assets {
		tx, err := registry.Approve(with(parties.Seller), esc.Address(), asset.ID)
		if err := confirm(fmt.Sprintf("approve asset %s", asset.ID), tx, err); err != nil {
			return nil, err
		}
	}

	for _, asset := range result.Assets {
		tx, err := esc.List(with(parties.Seller), asset.ID, parties.Buyer.From, asset.Terms.PurchasePrice, asset.Terms.EscrowAmount)
		if err := confirm(fmt.Sprintf("list asset %s", asset.ID), tx, err); err != nil {
			return nil, err
		}
		log.Info("real estate listed",
			zap.String("id", asset.ID.String()),
			zap.String("price", escrow.FormatEther(asset.Terms.PurchasePrice)),
			zap.String("escrow", escrow.FormatEther(asset.Terms.EscrowAmount)))
	}

	log.Info("provisioning finished")
	return result, nil
}
