package walletkeys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_PrefersEnvKeys(t *testing.T) {
	keys, err := Resolve([]string{"aa", "bb"}, VaultConfig{Addr: "http://vault.example"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb"}, keys)
}

func TestResolve_NothingConfigured(t *testing.T) {
	_, err := Resolve(nil, VaultConfig{})
	assert.Error(t, err)
}

func TestSplitKeys_CommaSeparatedString(t *testing.T) {
	keys, err := splitKeys("aa,bb,,cc")
	assert.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb", "cc"}, keys)
}

func TestSplitKeys_StringList(t *testing.T) {
	keys, err := splitKeys([]interface{}{"aa", "bb"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb"}, keys)
}

func TestSplitKeys_RejectsNonStringEntries(t *testing.T) {
	_, err := splitKeys([]interface{}{"aa", 42})
	assert.Error(t, err)
}

func TestSplitKeys_RejectsUnexpectedType(t *testing.T) {
	_, err := splitKeys(42)
	assert.Error(t, err)
}
