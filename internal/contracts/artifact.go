package contracts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	RealEstateName = "RealEstate"
	EscrowName     = "Escrow"
)

// Artifact is a compiled contract as emitted by hardhat
// (artifacts/contracts/<Name>.sol/<Name>.json).
type Artifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// ParsedABI returns the artifact ABI, falling back to the embedded one
// when the artifact omits it.
func (a *Artifact) ParsedABI() (abi.ABI, error) {
	if len(a.ABI) == 0 {
		return ParseABI(a.ContractName)
	}
	return abi.JSON(strings.NewReader(string(a.ABI)))
}

// Code decodes the creation bytecode.
func (a *Artifact) Code() ([]byte, error) {
	code := strings.TrimSpace(a.Bytecode)
	if code == "" || code == "0x" {
		return nil, fmt.Errorf("artifact %s has no bytecode", a.ContractName)
	}
	return common.FromHex(code), nil
}

// LoadArtifact reads <dir>/<name>.json, or the hardhat layout
// <dir>/contracts/<name>.sol/<name>.json when the flat file is absent.
func LoadArtifact(dir, name string) (*Artifact, error) {
	candidates := []string{
		filepath.Join(dir, name+".json"),
		filepath.Join(dir, "contracts", name+".sol", name+".json"),
	}
	var lastErr error
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		var art Artifact
		if err := json.Unmarshal(raw, &art); err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", path, err)
		}
		if art.ContractName == "" {
			art.ContractName = name
		}
		return &art, nil
	}
	return nil, fmt.Errorf("load artifact %s: %w", name, lastErr)
}

// ParseABI parses the embedded ABI of the named contract.
func ParseABI(name string) (abi.ABI, error) {
	switch name {
	case RealEstateName:
		return abi.JSON(strings.NewReader(RealEstateABI))
	case EscrowName:
		return abi.JSON(strings.NewReader(EscrowABI))
	}
	return abi.ABI{}, fmt.Errorf("unknown contract %q", name)
}
