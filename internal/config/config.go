// Package config loads and validates the relay's process-wide configuration
// from environment variables, once, at startup. Nothing downstream re-reads
// the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the validated, immutable configuration the rest of the
// application is wired from.
type Config struct {
	ChainRPCURL     string
	ChainID         int64
	PrivateKeys     []string // hex-encoded, no 0x prefix required
	Stablecoin      string
	Forwarder       string
	ReceivingWallet string

	MarkupPercentage float64 // 0..100
	MinPriceUSD      float64
	MaxPriceUSD      float64

	Port    string
	NodeEnv string

	PriceOracleURL string
	PriceOracleKey string

	VaultAddr    string
	VaultToken   string
	VaultKeyPath string

	RelayerPolicy      string // "least-busy" or "round-robin"
	TxRecordCapacity   int
	StablecoinDecimals int

	RouterAddress        string // swap router for auto-rebalance; empty disables it
	WrappedNative        string // wrapped native token, the final leg of the swap path
	RebalanceIntervalSec int
}

// Load reads and validates configuration from the process environment.
// A missing required value aborts startup by returning an error — the
// caller (command/serve) is expected to log and exit.
func Load() (*Config, error) {
	cfg := &Config{
		ChainRPCURL:     os.Getenv("CHAIN_RPC_URL"),
		Stablecoin:      os.Getenv("STABLECOIN_ADDRESS"),
		Forwarder:       os.Getenv("FORWARDER_ADDRESS"),
		ReceivingWallet: os.Getenv("RECEIVING_WALLET"),
		Port:            envOrDefault("PORT", "8080"),
		NodeEnv:         envOrDefault("NODE_ENV", "development"),
		PriceOracleURL:  os.Getenv("PRICE_ORACLE_URL"),
		PriceOracleKey:  os.Getenv("PRICE_ORACLE_KEY"),
		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		VaultKeyPath:    os.Getenv("VAULT_RELAYER_KEY_PATH"),
		RelayerPolicy:   envOrDefault("RELAYER_POLICY", "least-busy"),
		RouterAddress:   os.Getenv("ROUTER_ADDRESS"),
		WrappedNative:   os.Getenv("WRAPPED_NATIVE_ADDRESS"),
	}

	var missing []string

	if cfg.ChainRPCURL == "" {
		missing = append(missing, "CHAIN_RPC_URL")
	}

	chainIDRaw := os.Getenv("CHAIN_ID")
	if chainIDRaw == "" {
		missing = append(missing, "CHAIN_ID")
	} else {
		id, err := strconv.ParseInt(chainIDRaw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CHAIN_ID must be an integer: %w", err)
		}
		cfg.ChainID = id
	}

	keys, err := loadPrivateKeys()
	if err != nil {
		return nil, err
	}
	cfg.PrivateKeys = keys
	if len(cfg.PrivateKeys) == 0 && os.Getenv("VAULT_ADDR") == "" {
		missing = append(missing, "RELAYER_PRIVATE_KEY(S) (or VAULT_ADDR)")
	}

	if cfg.Stablecoin == "" {
		missing = append(missing, "STABLECOIN_ADDRESS")
	}
	if cfg.Forwarder == "" {
		missing = append(missing, "FORWARDER_ADDRESS")
	}
	if cfg.ReceivingWallet == "" {
		missing = append(missing, "RECEIVING_WALLET")
	}

	// Auto-rebalance swaps stablecoin for wrapped native through the router,
	// so enabling the router requires naming the wrapped token too.
	if cfg.RouterAddress != "" && cfg.WrappedNative == "" {
		missing = append(missing, "WRAPPED_NATIVE_ADDRESS (required with ROUTER_ADDRESS)")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	cfg.MarkupPercentage, err = envFloatOrDefault("MARKUP_PERCENTAGE", 20)
	if err != nil {
		return nil, err
	}
	if cfg.MarkupPercentage < 0 || cfg.MarkupPercentage > 100 {
		return nil, fmt.Errorf("MARKUP_PERCENTAGE must be within 0..100, got %v", cfg.MarkupPercentage)
	}

	cfg.MinPriceUSD, err = envFloatOrDefault("MIN_PRICE_USD", 0.01)
	if err != nil {
		return nil, err
	}

	cfg.MaxPriceUSD, err = envFloatOrDefault("MAX_PRICE_USD", 50)
	if err != nil {
		return nil, err
	}

	cfg.TxRecordCapacity, err = envIntOrDefault("TX_RECORD_CAPACITY", 10_000)
	if err != nil {
		return nil, err
	}

	cfg.StablecoinDecimals, err = envIntOrDefault("STABLECOIN_DECIMALS", 6)
	if err != nil {
		return nil, err
	}

	cfg.RebalanceIntervalSec, err = envIntOrDefault("REBALANCE_INTERVAL_SECONDS", 300)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadPrivateKeys() ([]string, error) {
	if list := os.Getenv("RELAYER_PRIVATE_KEYS"); list != "" {
		parts := strings.Split(list, ",")
		keys := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				keys = append(keys, p)
			}
		}
		return keys, nil
	}

	if single := os.Getenv("RELAYER_PRIVATE_KEY"); single != "" {
		return []string{single}, nil
	}

	return nil, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}

	return n, nil
}

func envFloatOrDefault(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}

	return f, nil
}
