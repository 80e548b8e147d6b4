package secrets

import (
	"context"
	"fmt"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/WOLFIEEEE/Supabase-Syncer-sub001/internal/config"
)

// VaultManager resolves database URLs from HashiCorp Vault KV v2 secrets.
type VaultManager struct {
	client *vault.Client
	cfg    *config.Config
	logger *zap.Logger
}

var _ URLDecryptor = (*VaultManager)(nil)

func NewVaultManager(cfg *config.Config, baseLogger *zap.Logger) (*VaultManager, error) {
	log := baseLogger.Named("vault")
	if !cfg.VaultEnabled {
		log.Debug("Vault URL decryption is disabled via configuration.")
		return &VaultManager{cfg: cfg, logger: log}, nil
	}

	log.Info("Initializing Vault client", zap.String("address", cfg.VaultAddr))

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.VaultAddr
	vConfig.Timeout = 10 * time.Second

	tlsConfig := &vault.TLSConfig{
		CACert:   cfg.VaultCACert,
		Insecure: cfg.VaultSkipVerify,
	}
	if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
		return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	} else {
		log.Warn("Vault is enabled but no VAULT_TOKEN was provided.")
	}

	return &VaultManager{client: client, cfg: cfg, logger: log}, nil
}

func (m *VaultManager) IsEnabled() bool {
	return m.cfg != nil && m.cfg.VaultEnabled && m.client != nil
}

// DecryptURL reads the stored database URL from a KV v2 secret. KV v2 nests
// payloads under a "data" key; plain KV v1 responses are handled too.
func (m *VaultManager) DecryptURL(ctx context.Context, pathOrID, urlKey string) (string, error) {
	if !m.IsEnabled() {
		return "", fmt.Errorf("vault manager is not enabled or not initialized")
	}
	if pathOrID == "" {
		return "", fmt.Errorf("vault secret path cannot be empty")
	}
	if urlKey == "" {
		urlKey = "url"
	}

	m.logger.Debug("Reading database URL from Vault", zap.String("path", pathOrID))

	secret, err := m.client.Logical().ReadWithContext(ctx, pathOrID)
	if err != nil {
		return "", fmt.Errorf("failed to read Vault secret at %q: %w", pathOrID, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no secret found at Vault path %q", pathOrID)
	}

	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	raw, ok := data[urlKey]
	if !ok {
		return "", fmt.Errorf("secret at %q has no key %q", pathOrID, urlKey)
	}
	url, ok := raw.(string)
	if !ok || url == "" {
		return "", fmt.Errorf("secret key %q at %q is not a non-empty string", urlKey, pathOrID)
	}
	return url, nil
}
