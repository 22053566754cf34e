package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// AppConfig is the full service configuration: defaults, overlaid by the YAML file, overlaid
// by the environment.
type AppConfig struct {
	Service      ServiceConfig      `yaml:"service"`
	Network      NetworkConfig      `yaml:"network"`
	Contract     ContractConfig     `yaml:"contract"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Session      SessionConfig      `yaml:"session"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Chain        ChainConfig        `yaml:"chain"`
	History      HistoryConfig      `yaml:"history"`
	Wallets      []WalletConfig     `yaml:"wallets"`
}

type ServiceConfig struct {
	HTTPPort        int           `yaml:"httpPort"`
	HMACSecret      string        `yaml:"hmacSecret"`
	HMACClockSkew   time.Duration `yaml:"hmacClockSkew"`
	LogLevel        string        `yaml:"logLevel"`
	LogFormat       string        `yaml:"logFormat"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type CurrencyConfig struct {
	Name     string `yaml:"name"`
	Symbol   string `yaml:"symbol"`
	Decimals int    `yaml:"decimals"`
}

// NetworkConfig describes the one network sessions must be on.
type NetworkConfig struct {
	ChainID     uint64         `yaml:"chainId"`
	Name        string         `yaml:"name"`
	Currency    CurrencyConfig `yaml:"currency"`
	RPCURLs     []string       `yaml:"rpcUrls"`
	ExplorerURL string         `yaml:"explorerUrl"`
}

type ContractConfig struct {
	Address         string   `yaml:"address"`
	Operations      []string `yaml:"operations"`
	CounterFunction string   `yaml:"counterFunction"`
}

type DiscoveryConfig struct {
	Window time.Duration `yaml:"window"`
}

type SessionConfig struct {
	// WatchInterval is how often eth_accounts and eth_chainId are polled for providers without
	// change notifications. Zero turns polling off.
	WatchInterval time.Duration `yaml:"watchInterval"`
}

type ConfirmationConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	// Timeout bounds the receipt wait; zero waits until the receipt arrives.
	Timeout time.Duration `yaml:"timeout"`
}

type ChainConfig struct {
	// ReadRPCURL, when set, serves reads and receipts from a node instead of the wallet.
	ReadRPCURL string `yaml:"readRpcUrl"`
}

type HistoryConfig struct {
	StorePath   string        `yaml:"storePath"`
	PostgresDSN string        `yaml:"postgresDsn"`
	Retention   time.Duration `yaml:"retention"`
}

// WalletConfig is a wallet endpoint announced to discovery.
type WalletConfig struct {
	UUID string `yaml:"uuid"`
	Name string `yaml:"name"`
	Icon string `yaml:"icon"`
	RDNS string `yaml:"rdns"`
	URL  string `yaml:"url"`
}

const defaultConfigPath = "config.yaml"

// Default returns the built-in configuration: the probe contract on Sepolia.
func Default() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			HTTPPort:        3000,
			HMACClockSkew:   60 * time.Second,
			LogLevel:        "info",
			LogFormat:       "terminal",
			ShutdownTimeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			ChainID:     11155111,
			Name:        "Sepolia Testnet",
			Currency:    CurrencyConfig{Name: "ETH", Symbol: "ETH", Decimals: 18},
			RPCURLs:     []string{"https://rpc.sepolia.org"},
			ExplorerURL: "https://sepolia.etherscan.io",
		},
		Contract: ContractConfig{
			Address:         "0x0FB96262E2f2592deC70919373F738091E9E19F5",
			Operations:      []string{"simpleSuccess", "catchRevertAndSucceed"},
			CounterFunction: "getSuccessCount",
		},
		Discovery:    DiscoveryConfig{Window: 100 * time.Millisecond},
		Session:      SessionConfig{WatchInterval: 5 * time.Second},
		Confirmation: ConfirmationConfig{PollInterval: 2 * time.Second},
		History: HistoryConfig{
			StorePath: filepath.Join(os.TempDir(), "revertprobe-runs.json"),
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load aggregates configuration from disk and environment. CONFIG_PATH names the file; without
// it config.yaml is used when present.
func Load() (*AppConfig, error) {
	cfg := Default()

	path := envOr("CONFIG_PATH", "")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	if err := loadFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFile overlays the YAML document at path onto cfg. Keys missing from the file keep
// their current values.
func loadFile(path string, cfg *AppConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("API_HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.LogLevel = envOr("LOG_LEVEL", cfg.Service.LogLevel)
	cfg.Chain.ReadRPCURL = envOr("CHAIN_READ_RPC_URL", cfg.Chain.ReadRPCURL)
	cfg.History.StorePath = envOr("HISTORY_STORE_PATH", cfg.History.StorePath)
	cfg.History.PostgresDSN = envOr("POSTGRES_DSN", cfg.History.PostgresDSN)
}

// Validate reports the first setting the service cannot run with.
func (c *AppConfig) Validate() error {
	switch {
	case c.Network.ChainID == 0:
		return errors.New("config: network.chainId is required")
	case len(c.Network.RPCURLs) == 0:
		return errors.New("config: network.rpcUrls is required to add the network to wallets")
	case !common.IsHexAddress(c.Contract.Address):
		return fmt.Errorf("config: contract.address %q is not an address", c.Contract.Address)
	case len(c.Contract.Operations) == 0:
		return errors.New("config: contract.operations is empty")
	case c.Discovery.Window <= 0:
		return errors.New("config: discovery.window must be positive")
	case c.Session.WatchInterval < 0:
		return errors.New("config: session.watchInterval must not be negative")
	case c.Confirmation.PollInterval <= 0:
		return errors.New("config: confirmation.pollInterval must be positive")
	}
	switch strings.ToLower(c.Service.LogFormat) {
	case "terminal", "json":
	default:
		return fmt.Errorf("config: unknown service.logFormat %q", c.Service.LogFormat)
	}
	seen := make(map[string]bool, len(c.Wallets))
	for i, w := range c.Wallets {
		if strings.TrimSpace(w.UUID) == "" || w.URL == "" {
			return fmt.Errorf("config: wallets[%d] needs uuid and url", i)
		}
		if seen[w.UUID] {
			return fmt.Errorf("config: wallet uuid %s listed twice", w.UUID)
		}
		seen[w.UUID] = true
	}
	return nil
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
