package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"estatechain/internal/config"
	"estatechain/internal/deploy"
	"estatechain/internal/escrow"
	"estatechain/internal/idempotency"
	"estatechain/internal/loader"
	"estatechain/internal/logging"
	"estatechain/internal/metadata"
	"estatechain/internal/server"
	"estatechain/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// chain is what the API needs from a network connection.
type chain interface {
	loader.Provider
	escrow.Binder
	escrow.HealthChecker
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Path, cfg.Log.Debug)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := wallet.New()
	var (
		network     chain
		deployments func() config.Deployments
	)
	if cfg.Chain.RPCURL != "" {
		client, err := escrow.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			logger.Fatal("rpc dial failed", zap.String("url", cfg.Chain.RPCURL), zap.Error(err))
		}
		defer client.Close()
		if err := importKeys(w, cfg.Chain.Keys); err != nil {
			logger.Fatal("wallet import failed", zap.Error(err))
		}
		network = client
		deployments = fileDeployments(cfg, logger)
	} else {
		logger.Warn("CHAIN_RPC_URL not set; serving an in-memory dev chain")
		fake, dep, err := devChain(ctx, cfg, w, logger)
		if err != nil {
			logger.Fatal("dev chain provisioning failed", zap.Error(err))
		}
		network = fake
		deployments = func() config.Deployments {
			out := config.Deployments{}
			for k, v := range fileDeployments(cfg, logger)() {
				out[k] = v
			}
			out[big.NewInt(cfg.Chain.DevChainID).String()] = dep
			return out
		}
	}

	store, kind, closeStore, err := idempotency.Open(ctx, idempotency.Options{
		RedisURL:    cfg.Service.RedisURL,
		PostgresDSN: cfg.Service.PostgresDSN,
		FilePath:    cfg.Service.IdempotencyStorePath,
	})
	if err != nil {
		logger.Fatal("idempotency store error", zap.Error(err))
	}
	defer closeStore()
	logger.Info("idempotency store ready", zap.String("backend", kind))

	fetcher := metadata.NewService(
		metadata.NewRetryClient(cfg.Service.MetadataRetries, 10*time.Second),
		cfg.Service.IPFSGateway,
		cfg.Service.MetadataCacheTTL,
		logger,
	)

	ld := loader.New(network, network, nil, logger).WithDeploymentsSource(deployments)
	apiServer := server.NewServer(cfg, server.Deps{
		Loader:   ld,
		Wallet:   w,
		Store:    store,
		Metadata: fetcher,
		Chain:    network,
		Logger:   logger,
	})
	fetcher.WithObserver(apiServer.ObserveMetadataFetch)

	changes, unsubscribe := w.Subscribe()
	defer unsubscribe()
	if account, err := w.Active(); err == nil {
		// configuration problems are reported by the loader and /session
		_, _ = ld.Load(ctx, account)
	} else {
		logger.Warn("wallet has no accounts; client state not loaded", zap.Error(err))
	}
	go ld.Watch(ctx, changes)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

func importKeys(w *wallet.Wallet, keys config.RoleKeys) error {
	for _, k := range []string{keys.Buyer, keys.Seller, keys.Inspector, keys.Lender} {
		if k == "" {
			continue
		}
		if _, err := w.Import(k); err != nil {
			return err
		}
	}
	return nil
}

func fileDeployments(cfg *config.AppConfig, logger *zap.Logger) func() config.Deployments {
	return func() config.Deployments {
		deps, err := config.LoadDeployments(cfg.DeploymentsPath)
		if err != nil {
			logger.Warn("deployments file unreadable; using startup copy",
				zap.String("path", cfg.DeploymentsPath), zap.Error(err))
			return cfg.Deployments
		}
		return deps
	}
}

// devChain provisions the sample listings on an in-memory chain. Configured
// role keys are used when all four are set, otherwise fresh keys are made.
func devChain(ctx context.Context, cfg *config.AppConfig, w *wallet.Wallet, logger *zap.Logger) (*escrow.FakeChain, config.Deployment, error) {
	fake := escrow.NewFakeChain(cfg.Chain.DevChainID)

	var roles []common.Address
	if cfg.Chain.Keys.Complete() {
		if err := importKeys(w, cfg.Chain.Keys); err != nil {
			return nil, config.Deployment{}, err
		}
		roles = w.Accounts()
		if len(roles) != 4 {
			return nil, config.Deployment{}, fmt.Errorf("role keys must be four distinct accounts, got %d", len(roles))
		}
	} else {
		for i := 0; i < 4; i++ {
			key, err := crypto.GenerateKey()
			if err != nil {
				return nil, config.Deployment{}, err
			}
			roles = append(roles, w.Add(key))
		}
	}
	for _, acct := range roles {
		fake.Credit(acct, escrow.Ether(10000))
	}

	signers, err := roleSigners(ctx, w, roles, big.NewInt(cfg.Chain.DevChainID))
	if err != nil {
		return nil, config.Deployment{}, err
	}
	buyer, seller, inspector, lender := signers[0], signers[1], signers[2], signers[3]
	res, err := deploy.Run(ctx, fake, deploy.Parties{
		Deployer:  buyer,
		Buyer:     buyer,
		Seller:    seller,
		Inspector: inspector,
		Lender:    lender,
	}, deploy.DefaultPlan(), logger)
	if err != nil {
		return nil, config.Deployment{}, err
	}
	logger.Info("dev chain ready",
		zap.String("buyer", buyer.From.Hex()),
		zap.String("seller", seller.From.Hex()),
		zap.String("inspector", inspector.From.Hex()),
		zap.String("lender", lender.From.Hex()))
	return fake, res.Deployment(), nil
}

// roleSigners returns a transactor per account, in order.
func roleSigners(ctx context.Context, w *wallet.Wallet, roles []common.Address, chainID *big.Int) ([]*bind.TransactOpts, error) {
	signers := make([]*bind.TransactOpts, len(roles))
	for i, acct := range roles {
		opts, err := w.SignerFor(ctx, acct, chainID)
		if err != nil {
			return nil, fmt.Errorf("signer for %s: %w", acct.Hex(), err)
		}
		signers[i] = opts
	}
	return signers, nil
}
