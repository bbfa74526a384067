package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedABIsExposeContractMethods(t *testing.T) {
	registry, err := ParseABI(RealEstateName)
	require.NoError(t, err)
	for _, m := range []string{"mint", "tokenURI", "totalSupply", "ownerOf", "approve"} {
		assert.Contains(t, registry.Methods, m)
	}

	esc, err := ParseABI(EscrowName)
	require.NoError(t, err)
	for _, m := range []string{
		"list", "depositEarnest", "updateInspectProperty", "approveSale", "finalizeSale", "cancelSale",
		"isListed", "isInspected", "approval", "buyer", "seller", "inspector", "lender",
		"purchasePrice", "escrowAmount", "getBalance", "nftAddress",
	} {
		assert.Contains(t, esc.Methods, m)
	}
	assert.True(t, esc.HasReceive())
	assert.True(t, esc.Methods["depositEarnest"].IsPayable())

	_, err = ParseABI("Unknown")
	assert.Error(t, err)
}

func TestLoadArtifactHardhatLayout(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "contracts", "Escrow.sol")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	body := `{"contractName":"Escrow","abi":` + EscrowABI + `,"bytecode":"0x6080"}`
	require.NoError(t, os.WriteFile(filepath.Join(nested, "Escrow.json"), []byte(body), 0o600))

	art, err := LoadArtifact(dir, EscrowName)
	require.NoError(t, err)

	code, err := art.Code()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80}, code)

	parsed, err := art.ParsedABI()
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, "finalizeSale")
}

func TestLoadArtifactMissing(t *testing.T) {
	_, err := LoadArtifact(t.TempDir(), RealEstateName)
	assert.Error(t, err)

	art := &Artifact{ContractName: RealEstateName, Bytecode: "0x"}
	_, err = art.Code()
	assert.Error(t, err)
}
