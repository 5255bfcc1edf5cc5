package config

// Package config loads the operator runtime's settings: chain poll
// interval and confirmation depth, archive byte cap, process grace
// periods, aggregation thresholds, coordinator URL/mode, listen address,
// and bootstrap peers. It is a thin env/.env loader; there is no config
// file parser or CLI flag surface.
//
// Version: v0.1.0

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/restakeops/operator/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// ChainConfig holds the ChainEventProducer's polling settings.
type ChainConfig struct {
	RPCURL           string
	ContractAddress  string
	PollInterval     time.Duration
	Confirmations    uint64
	MaxBlocksPerStep uint64
	ChainID          int64
}

// FetcherConfig holds the SourceFetcher's settings.
type FetcherConfig struct {
	IpfsGatewayURL  string
	MaxArchiveBytes int64
	CacheDir        string
}

// TransportConfig holds the libp2p transport's settings.
type TransportConfig struct {
	ListenAddr     string
	BootstrapPeers []string
}

// AggregationConfig holds the AggregationCoordinator's settings.
type AggregationConfig struct {
	Mode           string // "coordinator" or "gossip"
	CoordinatorURL string
	PollInterval   time.Duration
	ThresholdWait  time.Duration
	NumAggregators int
}

// CoordinatorConfig holds the HTTP aggregation coordinator service's own
// settings.
type CoordinatorConfig struct {
	ListenAddr string
}

// ProcessConfig holds ProcessSupervisor's settings.
type ProcessConfig struct {
	GracefulAbortGrace time.Duration
}

// Config is the unified operator-runtime configuration.
type Config struct {
	Chain       ChainConfig
	Fetcher     FetcherConfig
	Transport   TransportConfig
	Aggregation AggregationConfig
	Coordinator CoordinatorConfig
	Process     ProcessConfig
	LogLevel    string
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads a local .env file (if present), merges environment variables,
// and populates AppConfig. env selects an optional .env.<env> overlay; an
// empty env loads only the default .env.
func Load(env string) (*Config, error) {
	envFile := ".env"
	if env != "" {
		envFile = ".env." + env
	}
	// Missing .env files are expected in deployed environments where
	// settings arrive purely via the process environment.
	_ = godotenv.Load(envFile)

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := Config{
		Chain: ChainConfig{
			RPCURL:           utils.EnvOrDefault("OPERATOR_CHAIN_RPC_URL", "http://127.0.0.1:8545"),
			ContractAddress:  utils.EnvOrDefault("OPERATOR_CHAIN_CONTRACT", ""),
			PollInterval:     envOrDefaultDuration("OPERATOR_CHAIN_POLL_INTERVAL", 12*time.Second),
			Confirmations:    utils.EnvOrDefaultUint64("OPERATOR_CHAIN_CONFIRMATIONS", 6),
			MaxBlocksPerStep: utils.EnvOrDefaultUint64("OPERATOR_CHAIN_MAX_BLOCKS_PER_STEP", 2000),
			ChainID:          int64(utils.EnvOrDefaultInt("OPERATOR_CHAIN_ID", 1)),
		},
		Fetcher: FetcherConfig{
			IpfsGatewayURL:  utils.EnvOrDefault("IPFS_GATEWAY_URL", "https://ipfs.io/ipfs"),
			MaxArchiveBytes: int64(utils.EnvOrDefaultInt("MAX_ARCHIVE_BYTES", 1<<30)),
			CacheDir:        utils.EnvOrDefault("OPERATOR_CACHE_DIR", "/var/lib/operator/blueprints"),
		},
		Transport: TransportConfig{
			ListenAddr:     utils.EnvOrDefault("OPERATOR_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/4242"),
			BootstrapPeers: splitNonEmpty(utils.EnvOrDefault("OPERATOR_BOOTSTRAP_PEERS", "")),
		},
		Aggregation: AggregationConfig{
			Mode:           utils.EnvOrDefault("OPERATOR_AGGREGATION_MODE", "coordinator"),
			CoordinatorURL: utils.EnvOrDefault("OPERATOR_COORDINATOR_URL", "http://127.0.0.1:8090"),
			PollInterval:   envOrDefaultDuration("OPERATOR_AGGREGATION_POLL_INTERVAL", time.Second),
			ThresholdWait:  envOrDefaultDuration("OPERATOR_AGGREGATION_THRESHOLD_WAIT", 60*time.Second),
			NumAggregators: utils.EnvOrDefaultInt("OPERATOR_NUM_AGGREGATORS", 3),
		},
		Coordinator: CoordinatorConfig{
			ListenAddr: ":" + utils.EnvOrDefault("OPERATOR_COORDINATOR_PORT", "8090"),
		},
		Process: ProcessConfig{
			GracefulAbortGrace: envOrDefaultDuration("OPERATOR_PROCESS_ABORT_GRACE", 10*time.Second),
		},
		LogLevel: utils.EnvOrDefault("OPERATOR_LOG_LEVEL", "info"),
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// RequireContractAddress validates the chain contract address is set,
// for the two entrypoints (operator, blueprint-manager) that dial the
// chain; the coordinator HTTP service never touches ChainConfig and so
// never calls this.
func RequireContractAddress(cfg *Config) error {
	if cfg.Chain.ContractAddress == "" {
		return utils.Wrap(errors.New("OPERATOR_CHAIN_CONTRACT is required"), "validate config")
	}
	return nil
}

// LoadFromEnv loads configuration using the OPERATOR_ENV environment
// variable to select an optional .env overlay.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("OPERATOR_ENV", ""))
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	raw := utils.EnvOrDefault(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
