package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"

	"swapescrow/internal/address"
	"swapescrow/internal/escrow"
)

// DeploymentConfig models deployment.yaml.
type DeploymentConfig struct {
	RPCURL        string `yaml:"rpcUrl"`
	Commitment    string `yaml:"commitment"`
	ProgramID     string `yaml:"programId"`
	PublicBaseURL string `yaml:"publicBaseUrl"`
}

// AppConfig ties together the deployment file and environment overrides.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Log        LogConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	PublicBaseURL        string
	CacheSize            int
}

type ChainConfig struct {
	// Ledger is "rpc" or "fake".
	Ledger      string
	RPCURL      string
	Commitment  string
	ProgramID   solana.PublicKey
	KeypairPath string
	ConfirmPoll time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	defaultDeploymentPath = "deployment.yaml"

	LedgerRPC  = "rpc"
	LedgerFake = "fake"
)

// Load aggregates configuration from disk and environment. A missing
// deployment file is fine as long as the environment supplies what is needed.
func Load() (*AppConfig, error) {
	deployPath := envOr("DEPLOYMENT_PATH", defaultDeploymentPath)

	deployCfg, err := loadDeployment(deployPath)
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}

	programID := escrow.DefaultProgramID
	if raw := envOr("ESCROW_PROGRAM_ID", deployCfg.ProgramID); raw != "" {
		programID, err = address.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("program id: %w", err)
		}
	}

	chainCfg := ChainConfig{
		Ledger:      envOr("LEDGER", LedgerRPC),
		RPCURL:      envOr("SOLANA_RPC_URL", deployCfg.RPCURL),
		Commitment:  envOr("SOLANA_COMMITMENT", deployCfg.Commitment),
		ProgramID:   programID,
		KeypairPath: envOr("WALLET_KEYPAIR_PATH", ""),
		ConfirmPoll: time.Duration(envOrInt("CONFIRM_POLL_MS", 700)) * time.Millisecond,
	}
	switch chainCfg.Ledger {
	case LedgerRPC:
		if chainCfg.RPCURL == "" {
			return nil, errors.New("rpc url is required: set rpcUrl in the deployment file or SOLANA_RPC_URL")
		}
	case LedgerFake:
	default:
		return nil, fmt.Errorf("unknown ledger %q", chainCfg.Ledger)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("HMAC_SECRET", ""),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "swapescrow-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		PublicBaseURL:        envOr("PUBLIC_BASE_URL", deployCfg.PublicBaseURL),
		CacheSize:            envOrInt("CACHE_SIZE", 1024),
	}

	logCfg := LogConfig{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "json"),
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Log:        logCfg,
	}, nil
}

func loadDeployment(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &DeploymentConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
