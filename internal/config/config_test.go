package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(100), cfg.Ledger.MinimumWithdrawal)
	assert.Equal(t, 3, cfg.Ledger.MaxWithdrawalsPerWindow)
	assert.Equal(t, 24, cfg.Ledger.WithdrawalWindowHours)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.True(t, cfg.Applications.Applicable("published"))
	assert.False(t, cfg.Applications.Applicable("in_progress"))
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("ledger:\n  commission_bps: 500\n  minimum_withdrawal: 100\n  max_withdrawals_per_window: 3\n  withdrawal_window_hours: 24\n  rules_version: v3\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), cfg.Ledger.CommissionBPS)
	assert.Equal(t, "v3", cfg.Ledger.RulesVersion)
	assert.Equal(t, "INR", cfg.Payments.Currency)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"commission":  "ledger:\n  commission_bps: 10000\n",
		"iterations":  "applications:\n  max_iterations: 21\n",
		"base path":   "server:\n  base_path: v1\n",
		"log level":   "log:\n  level: loud\n",
		"webhook url": "webhooks:\n  - url: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "gigline.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}
