package loader

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"estatechain/internal/config"
	"estatechain/internal/escrow"
	"estatechain/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrNoDeployment   = errors.New("no contract addresses configured for network")
	ErrMissingAddress = errors.New("contract address missing from configuration")
	ErrNoCode         = errors.New("no contract code at configured address")
	ErrNotLoaded      = errors.New("client state not loaded")
)

// maxPrealloc bounds the asset slice capacity reserved up front from a
// reported total supply.
const maxPrealloc = 1024

// ConfigError is a configuration problem detected while resolving the
// deployment for the active network. It halts the load but not the process.
type ConfigError struct {
	Err      error
	ChainID  string
	Contract string
	Address  string
}

func (e *ConfigError) Error() string {
	switch {
	case errors.Is(e.Err, ErrNoDeployment):
		return fmt.Sprintf("no contract addresses configured for chainId %s; update the deployments file or switch network", e.ChainID)
	case errors.Is(e.Err, ErrMissingAddress):
		return fmt.Sprintf("missing %s.address for chainId %s in the deployments file", e.Contract, e.ChainID)
	case errors.Is(e.Err, ErrNoCode):
		return fmt.Sprintf("no contract code found at %s on chainId %s; make sure %s is deployed and the deployments file is updated", e.Address, e.ChainID, e.Contract)
	}
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Provider is the network side of the wallet boundary.
type Provider interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Asset is one minted property.
type Asset struct {
	ID  *big.Int
	URI string
}

// Session is the client state resolved for one network and account.
type Session struct {
	ChainID  *big.Int
	Account  common.Address
	Registry escrow.Registry
	Escrow   escrow.Escrow
	Assets   []Asset
}

// Asset returns the minted asset with the given id.
func (s *Session) Asset(id *big.Int) (Asset, bool) {
	for _, a := range s.Assets {
		if a.ID.Cmp(id) == 0 {
			return a, true
		}
	}
	return Asset{}, false
}

// Loader resolves client state from the wallet's network and the static
// deployments configuration.
type Loader struct {
	provider    Provider
	binder      escrow.Binder
	deployments func() config.Deployments
	logger      *zap.Logger
	onLoad      func(error)

	mu      sync.RWMutex
	current *Session
	lastErr error
}

func New(provider Provider, binder escrow.Binder, deployments config.Deployments, logger *zap.Logger) *Loader {
	return &Loader{
		provider:    provider,
		binder:      binder,
		deployments: func() config.Deployments { return deployments },
		logger:      logging.OrNop(logger),
		lastErr:     ErrNotLoaded,
	}
}

// WithDeploymentsSource makes every load re-read the deployments mapping.
func (l *Loader) WithDeploymentsSource(src func() config.Deployments) *Loader {
	l.deployments = src
	return l
}

// OnLoad registers a hook called with the outcome of every load.
func (l *Loader) OnLoad(fn func(error)) *Loader {
	l.onLoad = fn
	return l
}

// Load resolves the active network, validates the configured contract pair
// and enumerates minted assets. Any failure discards the previous session.
func (l *Loader) Load(ctx context.Context, account common.Address) (*Session, error) {
	session, err := l.resolve(ctx, account)

	l.mu.Lock()
	l.current = session
	l.lastErr = err
	l.mu.Unlock()

	if l.onLoad != nil {
		l.onLoad(err)
	}
	if err != nil {
		l.logger.Error("client state load halted", zap.Error(err))
		return nil, err
	}
	l.logger.Info("client state loaded",
		zap.String("chainId", session.ChainID.String()),
		zap.String("account", session.Account.Hex()),
		zap.Int("assets", len(session.Assets)))
	return session, nil
}

// Current returns the last resolved session, or the diagnostic that halted
// the last load.
func (l *Loader) Current() (*Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastErr != nil {
		return nil, l.lastErr
	}
	return l.current, nil
}

// Watch reloads on every account change until ctx is done or changes closes.
// The network is resolved again each time.
func (l *Loader) Watch(ctx context.Context, changes <-chan common.Address) {
	for {
		select {
		case <-ctx.Done():
			return
		case account, ok := <-changes:
			if !ok {
				return
			}
			l.logger.Info("wallet account changed", zap.String("account", account.Hex()))
			_, _ = l.Load(ctx, account)
		}
	}
}

func (l *Loader) resolve(ctx context.Context, account common.Address) (*Session, error) {
	chainID, err := l.provider.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve network: %w", err)
	}
	l.logger.Debug("detected network", zap.String("chainId", chainID.String()))

	dep, ok := l.deployments().Lookup(chainID)
	if !ok {
		return nil, &ConfigError{Err: ErrNoDeployment, ChainID: chainID.String()}
	}

	registryAddr, err := l.checkContract(ctx, chainID, "realEstate", dep.RealEstate.Address)
	if err != nil {
		return nil, err
	}
	escrowAddr, err := l.checkContract(ctx, chainID, "escrow", dep.Escrow.Address)
	if err != nil {
		return nil, err
	}

	registry := l.binder.BindRegistry(registryAddr)
	esc := l.binder.BindEscrow(escrowAddr)

	supply, err := registry.TotalSupply(ctx)
	if err != nil {
		return nil, fmt.Errorf("read total supply: %w", err)
	}
	l.logger.Debug("total supply", zap.String("supply", supply.String()))

	if supply.Sign() < 0 || !supply.IsInt64() {
		return nil, fmt.Errorf("read total supply: out of range value %s", supply)
	}
	n := supply.Int64()
	assets := make([]Asset, 0, min(n, maxPrealloc))
	for i := int64(1); i <= n; i++ {
		id := big.NewInt(i)
		uri, err := registry.TokenURI(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read token uri %d: %w", i, err)
		}
		assets = append(assets, Asset{ID: id, URI: uri})
	}

	return &Session{
		ChainID:  chainID,
		Account:  account,
		Registry: registry,
		Escrow:   esc,
		Assets:   assets,
	}, nil
}

func (l *Loader) checkContract(ctx context.Context, chainID *big.Int, name, raw string) (common.Address, error) {
	if raw == "" || !common.IsHexAddress(raw) {
		return common.Address{}, &ConfigError{Err: ErrMissingAddress, ChainID: chainID.String(), Contract: name, Address: raw}
	}
	addr := common.HexToAddress(raw)
	code, err := l.provider.CodeAt(ctx, addr, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("read code at %s: %w", addr.Hex(), err)
	}
	if len(code) == 0 {
		return common.Address{}, &ConfigError{Err: ErrNoCode, ChainID: chainID.String(), Contract: name, Address: addr.Hex()}
	}
	return addr, nil
}
