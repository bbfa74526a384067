package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ContractRef is one deployed contract entry.
type ContractRef struct {
	Address string `json:"address"`
}

// Deployment is the contract pair deployed on one network.
type Deployment struct {
	RealEstate ContractRef `json:"realEstate"`
	Escrow     ContractRef `json:"escrow"`
}

// Deployments maps a network id (decimal string) to its deployment, the same
// shape the frontend's config.json used.
type Deployments map[string]Deployment

// Lookup returns the deployment for chainID.
func (d Deployments) Lookup(chainID *big.Int) (Deployment, bool) {
	if chainID == nil {
		return Deployment{}, false
	}
	dep, ok := d[chainID.String()]
	return dep, ok
}

// AppConfig ties together the deployments file and environment settings.
type AppConfig struct {
	Deployments     Deployments
	DeploymentsPath string
	Service         ServiceConfig
	Chain           ChainConfig
	Log             LogConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	RedisURL             string
	IPFSGateway          string
	MetadataCacheTTL     time.Duration
	MetadataRetries      int
}

// RoleKeys are the hex private keys of the four parties. The deployer is the
// buyer account, matching the signer order of the local dev chain.
type RoleKeys struct {
	Buyer     string
	Seller    string
	Inspector string
	Lender    string
}

func (k RoleKeys) Complete() bool {
	return k.Buyer != "" && k.Seller != "" && k.Inspector != "" && k.Lender != ""
}

type ChainConfig struct {
	RPCURL       string
	Keys         RoleKeys
	ArtifactsDir string
	DevChainID   int64
}

type LogConfig struct {
	Path  string
	Debug bool
}

const defaultDeploymentsPath = "config/deployments.json"

// Load aggregates configuration from .env, the environment and disk.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)
	deployments, err := LoadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("API_HMAC_SECRET", ""),
		HMACClockSkew:        envOrSeconds("HMAC_CLOCK_SKEW_SECONDS", 60),
		IdempotencyWindow:    envOrSeconds("IDEMPOTENCY_WINDOW_SECONDS", 600),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "estatechain-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		RedisURL:             envOr("REDIS_URL", ""),
		IPFSGateway:          envOr("IPFS_GATEWAY", "https://ipfs.io"),
		MetadataCacheTTL:     envOrSeconds("METADATA_CACHE_TTL_SECONDS", 300),
		MetadataRetries:      envOrInt("METADATA_RETRIES", 3),
	}

	chainCfg := ChainConfig{
		RPCURL: envOr("CHAIN_RPC_URL", ""),
		Keys: RoleKeys{
			Buyer:     envOr("BUYER_PRIVATE_KEY", ""),
			Seller:    envOr("SELLER_PRIVATE_KEY", ""),
			Inspector: envOr("INSPECTOR_PRIVATE_KEY", ""),
			Lender:    envOr("LENDER_PRIVATE_KEY", ""),
		},
		ArtifactsDir: envOr("ARTIFACTS_DIR", "artifacts"),
		DevChainID:   int64(envOrInt("DEV_CHAIN_ID", 31337)),
	}

	return &AppConfig{
		Deployments:     deployments,
		DeploymentsPath: deploymentsPath,
		Service:         serviceCfg,
		Chain:           chainCfg,
		Log: LogConfig{
			Path:  envOr("LOG_PATH", filepath.Join(os.TempDir(), "estatechain.log")),
			Debug: envOrBool("DEBUG", false),
		},
	}, nil
}

// LoadDeployments reads the deployments file. A missing file yields an empty
// mapping; the loader reports the absent network entry instead.
func LoadDeployments(path string) (Deployments, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Deployments{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := Deployments{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveDeployment records dep for chainID in the deployments file, keeping
// entries for other networks.
func SaveDeployment(path string, chainID *big.Int, dep Deployment) error {
	existing, err := LoadDeployments(path)
	if err != nil {
		return err
	}
	existing[chainID.String()] = dep
	blob, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(blob, '\n'), 0o644)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrSeconds(key string, fallback int) time.Duration {
	return time.Duration(envOrInt(key, fallback)) * time.Second
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
