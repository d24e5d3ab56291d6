// Package config loads the kernel's environment-derived configuration
// (spec §6.4), failing fast with a descriptive error the way the teacher's
// services validate required settings at startup rather than panicking
// deep inside a request path.
package config

import (
	"fmt"
	"os"
	"strconv"
)

const minKeyLength = 32

// KernelConfig is the explicit, constructor-injected configuration the
// scheduler is built from (spec §9 "re-architect as explicit KernelConfig
// ... collaborators are injected interfaces, not module-level globals").
type KernelConfig struct {
	AuditSecretKey      []byte
	DBEncryptionKey      []byte
	DatabaseURL          string
	GovernanceConfigPath string
	MaxWorkers           int
}

// Load reads and validates the environment per spec §6.4. Required:
// AUDIT_SECRET_KEY (>=32 bytes). Optional: DB_ENCRYPTION_KEY (>=32 bytes
// when set; not required here — the store refuses to write a pii/phi task
// row while it is unset), DATABASE_URL, GOVERNANCE_CONFIG_PATH.
func Load() (KernelConfig, error) {
	secret := os.Getenv("AUDIT_SECRET_KEY")
	if len(secret) < minKeyLength {
		return KernelConfig{}, fmt.Errorf("AUDIT_SECRET_KEY must be set and at least %d bytes", minKeyLength)
	}

	cfg := KernelConfig{
		AuditSecretKey:       []byte(secret),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		GovernanceConfigPath: os.Getenv("GOVERNANCE_CONFIG_PATH"),
		MaxWorkers:           intFromEnv("SWARMLITE_MAX_WORKERS", 20),
	}

	if dek := os.Getenv("DB_ENCRYPTION_KEY"); dek != "" {
		if len(dek) < minKeyLength {
			return KernelConfig{}, fmt.Errorf("DB_ENCRYPTION_KEY must be at least %d bytes when set", minKeyLength)
		}
		cfg.DBEncryptionKey = []byte(dek)
	}

	return cfg, nil
}

// RequireEncryptionKey returns an error when DB_ENCRYPTION_KEY is unset.
// Nothing in the kernel calls it; the store enforces the key on its own
// when it writes a pii/phi task row.
func (c KernelConfig) RequireEncryptionKey() error {
	if len(c.DBEncryptionKey) == 0 {
		return fmt.Errorf("DB_ENCRYPTION_KEY is required: workflow contains pii/phi classified tasks")
	}
	return nil
}

func intFromEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
