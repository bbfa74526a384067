package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"estatechain/internal/config"
	"estatechain/internal/deploy"
	"estatechain/internal/escrow"
	"estatechain/internal/logging"
	"estatechain/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Log.Path, cfg.Log.Debug)
	defer func() { _ = logger.Sync() }()

	app := &cli.App{
		Name:  "deploy",
		Usage: "deploy the RealEstate and Escrow contracts and list the sample properties",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpc", Value: cfg.Chain.RPCURL, Usage: "JSON-RPC endpoint"},
			&cli.StringFlag{Name: "artifacts", Value: cfg.Chain.ArtifactsDir, Usage: "compiled contract artifacts directory"},
			&cli.StringFlag{Name: "deployments", Value: cfg.DeploymentsPath, Usage: "deployments file to record addresses in"},
			&cli.StringFlag{Name: "metadata-base", Value: deploy.DefaultMetadataBaseURI, Usage: "base URI of the property metadata documents"},
			&cli.BoolFlag{Name: "no-save", Usage: "do not write the deployments file"},
		},
		Action: func(c *cli.Context) error {
			return run(c, cfg, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("deployment failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(c *cli.Context, cfg *config.AppConfig, logger *zap.Logger) error {
	if c.String("rpc") == "" {
		return errors.New("an RPC endpoint is required (--rpc or CHAIN_RPC_URL)")
	}
	if !cfg.Chain.Keys.Complete() {
		return errors.New("BUYER, SELLER, INSPECTOR and LENDER private keys are required")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := escrow.Dial(ctx, c.String("rpc"))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.String("rpc"), err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	backend, err := deploy.NewArtifactBackend(client, c.String("artifacts"))
	if err != nil {
		return err
	}

	parties, err := loadParties(ctx, cfg.Chain.Keys, chainID)
	if err != nil {
		return err
	}

	plan := deploy.DefaultPlan()
	plan.MetadataBaseURI = c.String("metadata-base")

	logger.Info("deploying", zap.String("chainId", chainID.String()), zap.String("deployer", parties.Deployer.From.Hex()))
	res, err := deploy.Run(ctx, backend, parties, plan, logger)
	if err != nil {
		return err
	}

	if c.Bool("no-save") {
		return nil
	}
	path := c.String("deployments")
	if err := config.SaveDeployment(path, chainID, res.Deployment()); err != nil {
		return fmt.Errorf("save deployments: %w", err)
	}
	logger.Info("deployments file updated", zap.String("path", path), zap.String("chainId", chainID.String()))
	return nil
}

// loadParties builds a signer per role. The buyer account deploys, matching
// the signer order of the local dev chain.
func loadParties(ctx context.Context, keys config.RoleKeys, chainID *big.Int) (deploy.Parties, error) {
	w := wallet.New()
	signer := func(role, hexKey string) (*bind.TransactOpts, error) {
		acct, err := w.Import(hexKey)
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", role, err)
		}
		return w.SignerFor(ctx, acct, chainID)
	}

	var p deploy.Parties
	var err error
	if p.Buyer, err = signer("buyer", keys.Buyer); err != nil {
		return p, err
	}
	if p.Seller, err = signer("seller", keys.Seller); err != nil {
		return p, err
	}
	if p.Inspector, err = signer("inspector", keys.Inspector); err != nil {
		return p, err
	}
	if p.Lender, err = signer("lender", keys.Lender); err != nil {
		return p, err
	}
	p.Deployer = p.Buyer
	return p, nil
}
