package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresAuditSecretKey(t *testing.T) {
	t.Setenv("AUDIT_SECRET_KEY", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsShortAuditSecretKey(t *testing.T) {
	t.Setenv("AUDIT_SECRET_KEY", "tooshort")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadSucceedsWithValidKey(t *testing.T) {
	t.Setenv("AUDIT_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MaxWorkers)
}

func TestLoadRejectsShortEncryptionKey(t *testing.T) {
	t.Setenv("AUDIT_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("DB_ENCRYPTION_KEY", "short")
	_, err := Load()
	require.Error(t, err)
}

func TestRequireEncryptionKeyFailsWhenUnset(t *testing.T) {
	cfg := KernelConfig{}
	require.Error(t, cfg.RequireEncryptionKey())
}
