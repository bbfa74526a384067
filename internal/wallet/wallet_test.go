package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hardhat's first two default accounts
const (
	keyA = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	keyB = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func TestImportAndSelect(t *testing.T) {
	w := New()
	_, err := w.Active()
	assert.ErrorIs(t, err, ErrNoAccount)

	a, err := w.Import(keyA)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), a)

	b, err := w.Import(keyB)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{a, b}, w.Accounts())

	active, err := w.Active()
	require.NoError(t, err)
	assert.Equal(t, a, active)

	require.NoError(t, w.Select(b))
	active, _ = w.Active()
	assert.Equal(t, b, active)

	err = w.Select(common.HexToAddress("0x1"))
	assert.ErrorIs(t, err, ErrUnknownAccount)

	require.NoError(t, w.Select(common.Address{}))
	_, err = w.Signer(context.Background(), big.NewInt(31337))
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestSubscribeReceivesLatestChange(t *testing.T) {
	w := New()
	a, _ := w.Import(keyA)
	b, _ := w.Import(keyB)

	ch, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Select(b))
	require.NoError(t, w.Select(a))
	assert.Equal(t, a, <-ch)

	cancel()
	require.NoError(t, w.Select(b))
	select {
	case got := <-ch:
		t.Fatalf("unexpected notification after cancel: %s", got.Hex())
	default:
	}
}

func TestSignerUsesActiveAccount(t *testing.T) {
	w := New()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := w.Add(key)

	opts, err := w.Signer(context.Background(), big.NewInt(31337))
	require.NoError(t, err)
	assert.Equal(t, addr, opts.From)
	assert.NotNil(t, opts.Context)

	_, err = ParsePrivateKey("not-hex")
	assert.Error(t, err)
}
