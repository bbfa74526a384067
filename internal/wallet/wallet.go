package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoAccount      = errors.New("no wallet account selected")
	ErrUnknownAccount = errors.New("account not held by wallet")
)

// Wallet holds the signing keys available to the client and tracks which
// account is active. Account changes are broadcast to subscribers.
type Wallet struct {
	mu          sync.RWMutex
	keys        map[common.Address]*ecdsa.PrivateKey
	order       []common.Address
	active      common.Address
	subscribers map[int]chan common.Address
	nextSub     int
}

func New() *Wallet {
	return &Wallet{
		keys:        make(map[common.Address]*ecdsa.PrivateKey),
		subscribers: make(map[int]chan common.Address),
	}
}

// Import adds a hex-encoded private key and returns its address. The first
// imported account becomes active.
func (w *Wallet) Import(hexKey string) (common.Address, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return common.Address{}, err
	}
	return w.Add(key), nil
}

func (w *Wallet) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.keys[addr]; !ok {
		w.order = append(w.order, addr)
	}
	w.keys[addr] = key
	if w.active == (common.Address{}) {
		w.active = addr
	}
	return addr
}

// Accounts returns the held accounts in import order.
func (w *Wallet) Accounts() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]common.Address, len(w.order))
	copy(out, w.order)
	return out
}

// Active returns the selected account.
func (w *Wallet) Active() (common.Address, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.active == (common.Address{}) {
		return common.Address{}, ErrNoAccount
	}
	return w.active, nil
}

// Select makes account active and notifies subscribers. Selecting the zero
// address disconnects the wallet.
func (w *Wallet) Select(account common.Address) error {
	w.mu.Lock()
	if account != (common.Address{}) {
		if _, ok := w.keys[account]; !ok {
			w.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
		}
	}
	w.active = account
	subs := make([]chan common.Address, 0, len(w.subscribers))
	for _, ch := range w.subscribers {
		subs = append(subs, ch)
	}
	w.mu.Unlock()

	for _, ch := range subs {
		// keep only the latest change for slow subscribers
		select {
		case ch <- account:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- account:
			default:
			}
		}
	}
	return nil
}

// Subscribe returns a channel receiving every account change and a function
// releasing the subscription.
func (w *Wallet) Subscribe() (<-chan common.Address, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSub
	w.nextSub++
	ch := make(chan common.Address, 1)
	w.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subscribers, id)
			w.mu.Unlock()
		})
	}
}

// Signer returns transaction options for the active account on chainID.
func (w *Wallet) Signer(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	account, err := w.Active()
	if err != nil {
		return nil, err
	}
	return w.SignerFor(ctx, account, chainID)
}

// SignerFor returns transaction options for a specific held account.
func (w *Wallet) SignerFor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	w.mu.RLock()
	key, ok := w.keys[account]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
