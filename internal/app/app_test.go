package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/escrow"
	"gigline/internal/migrate"
	"gigline/internal/notify"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, config.Default(), a.Config)
	assert.FileExists(t, db.Path(dir))

	v, err := migrate.Version(a.DB)
	require.NoError(t, err)
	assert.Positive(t, v)

	_, ok := a.Engine.Notifier.(notify.Outbox)
	assert.True(t, ok)
	client, ok := a.Engine.Gateway.(*escrow.Client)
	require.True(t, ok)
	assert.False(t, client.Configured())
	assert.False(t, a.Dispatcher.Enabled())
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := `ledger:
  minimum_withdrawal: 250
webhooks:
  - url: http://127.0.0.1:9/hook
    events: ["payment.completed"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gigline.yml"), []byte(yml), 0o644))

	a, err := Open(dir, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, int64(250), a.Engine.Config.Ledger.MinimumWithdrawal)
	assert.Equal(t, "INR", a.Config.Payments.Currency)
	assert.True(t, a.Dispatcher.Enabled())

	_, err = a.Engine.Credit(context.Background(), "alice", 300, "seed")
	require.NoError(t, err)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gigline.yml"), []byte("server:\n  base_path: v1\n"), 0o644))
	_, err := Open(dir, Options{Logger: zap.NewNop()})
	require.Error(t, err)
}
