package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveSecrets fills SECRET_KEY and FIELD_ENCRYPTION_KEY. In dev the
// keys are generated on first start and persisted under ./data/ so
// restarts keep the same ciphertext readable. In prod missing values
// fail validation instead.
func (c *Config) resolveSecrets() error {
	if c.Security.FieldEncryptionKey == "" && c.Security.FieldEncryptionKeyFile != "" {
		raw, err := os.ReadFile(c.Security.FieldEncryptionKeyFile)
		if err != nil {
			return fmt.Errorf("read FIELD_ENCRYPTION_KEY_FILE: %w", err)
		}
		c.Security.FieldEncryptionKey = strings.TrimSpace(string(raw))
	}

	if c.AppEnv != "dev" {
		return nil
	}

	dataDir := filepath.Dir(c.Database.URL)
	if dataDir == "." || dataDir == "" {
		dataDir = "./data"
	}

	if c.Security.SecretKey == "" {
		key, err := loadOrGenerateKey(filepath.Join(dataDir, ".secret_key"))
		if err != nil {
			return fmt.Errorf("dev secret key: %w", err)
		}
		c.Security.SecretKey = key
	}

	if c.Security.FieldEncryptionKey == "" {
		key, err := loadOrGenerateKey(filepath.Join(dataDir, ".field_key"))
		if err != nil {
			return fmt.Errorf("dev field encryption key: %w", err)
		}
		c.Security.FieldEncryptionKey = key
	}

	if c.Security.AdminPassword == "" {
		c.Security.AdminPassword = "admin123"
	}

	return nil
}

// loadOrGenerateKey returns the key stored at path, generating and
// persisting a fresh 32-byte key when the file does not exist.
func loadOrGenerateKey(path string) (string, error) {
	if raw, err := os.ReadFile(path); err == nil {
		key := strings.TrimSpace(string(raw))
		if key != "" {
			return key, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	key := base64.StdEncoding.EncodeToString(buf)

	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", err
	}
	return key, nil
}
