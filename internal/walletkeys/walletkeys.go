// Package walletkeys resolves the relayer's signing keys, either from the
// process environment (RELAYER_PRIVATE_KEY / RELAYER_PRIVATE_KEYS) or
// from HashiCorp Vault's KV store when VAULT_ADDR is configured — useful for
// operators who don't want gas-wallet private keys sitting in plaintext env.
package walletkeys

import (
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultConfig names where in Vault the relayer keys live.
type VaultConfig struct {
	Addr     string
	Token    string
	KeyPath  string // e.g. "secret/data/relay/keys", a KV v2 path
	KeyField string // field within the secret holding a comma-separated key list; defaults to "keys"
}

// Resolve returns hex-encoded private keys, preferring envKeys when present
// and falling back to Vault when cfg is configured.
func Resolve(envKeys []string, cfg VaultConfig) ([]string, error) {
	if len(envKeys) > 0 {
		return envKeys, nil
	}

	if cfg.Addr == "" {
		return nil, fmt.Errorf("walletkeys: no RELAYER_PRIVATE_KEY(S) set and no VAULT_ADDR configured")
	}

	return fromVault(cfg)
}

func fromVault(cfg VaultConfig) ([]string, error) {
	clientCfg := vaultapi.DefaultConfig()
	clientCfg.Address = cfg.Addr

	client, err := vaultapi.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("walletkeys: vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	secret, err := client.Logical().Read(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("walletkeys: vault read %s: %w", cfg.KeyPath, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("walletkeys: no secret found at %s", cfg.KeyPath)
	}

	field := cfg.KeyField
	if field == "" {
		field = "keys"
	}

	// KV v2 nests the actual payload under a "data" key.
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	raw, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("walletkeys: field %q not present at %s", field, cfg.KeyPath)
	}

	return splitKeys(raw)
}

func splitKeys(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return splitCommaList(v), nil
	case []interface{}:
		keys := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("walletkeys: expected string key entry, got %T", item)
			}
			keys = append(keys, s)
		}

		return keys, nil
	default:
		return nil, fmt.Errorf("walletkeys: unexpected key field type %T", raw)
	}
}

func splitCommaList(s string) []string {
	var out []string
	start := 0

	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}

	return out
}
