// Package localvault is a self-contained vault backend. It issues
// HMAC-SHA256 signed bearer tokens and keeps secrets sealed with NaCl
// secretbox, optionally persisted to a file.
//
// With the managed_identity credential type the signing and sealing keys are
// generated at connect time and live only as long as the process. The
// shared_key type takes them from VAULT_SIGNING_KEY and VAULT_SEAL_KEY so
// tokens and persisted secrets survive restarts and can be validated by
// other instances holding the same keys.
package localvault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/internal/logging"
	"github.com/caffeineduck/harbor/settings"
)

const Kind = "localvault"

// CredentialType selects where key material comes from.
type CredentialType string

const (
	ManagedIdentity CredentialType = "managed_identity"
	SharedKey       CredentialType = "shared_key"
)

// ParseCredentialType accepts the credential type names case-insensitively.
// The empty string selects ManagedIdentity.
func ParseCredentialType(s string) (CredentialType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "managed_identity", "managed-identity", "managedidentity":
		return ManagedIdentity, nil
	case "shared_key", "shared-key", "sharedkey":
		return SharedKey, nil
	}
	return "", fmt.Errorf("unsupported credential type %q", s)
}

const (
	minSigningKey = 32
	sealKeySize   = 32
	nonceSize     = 24
)

type Options struct {
	CredentialType string        `env:"VAULT_CREDENTIAL_TYPE" default:"managed_identity"`
	SigningKey     string        `env:"VAULT_SIGNING_KEY"`
	SealKey        string        `env:"VAULT_SEAL_KEY"`
	Issuer         string        `env:"VAULT_ISSUER" default:"harbor"`
	TokenTTL       time.Duration `env:"VAULT_TOKEN_TTL" default:"15m"`
	MaxTokenTTL    time.Duration `env:"VAULT_MAX_TOKEN_TTL" default:"24h"`
	SecretsFile    string        `env:"VAULT_SECRETS_FILE"`
	MaxSecretSize  int           `env:"VAULT_MAX_SECRET_SIZE" default:"65536"`
}

// keys holds decoded key material.
type keys struct {
	signing []byte
	seal    [sealKeySize]byte
}

func (o Options) keys() (CredentialType, keys, error) {
	var k keys
	ct, err := ParseCredentialType(o.CredentialType)
	if err != nil {
		return "", k, err
	}
	if o.TokenTTL <= 0 || o.MaxTokenTTL < o.TokenTTL {
		return "", k, fmt.Errorf("VAULT_TOKEN_TTL must be positive and not exceed VAULT_MAX_TOKEN_TTL")
	}
	if o.MaxSecretSize <= 0 {
		return "", k, fmt.Errorf("VAULT_MAX_SECRET_SIZE must be positive")
	}

	switch ct {
	case ManagedIdentity:
		if o.SigningKey != "" || o.SealKey != "" {
			return "", k, fmt.Errorf("keys are generated for %s; set VAULT_CREDENTIAL_TYPE=%s to supply them", ManagedIdentity, SharedKey)
		}
		if o.SecretsFile != "" {
			return "", k, fmt.Errorf("VAULT_SECRETS_FILE needs stable keys; use VAULT_CREDENTIAL_TYPE=%s", SharedKey)
		}
		k.signing = make([]byte, minSigningKey)
		if _, err := rand.Read(k.signing); err != nil {
			return "", k, err
		}
		if _, err := rand.Read(k.seal[:]); err != nil {
			return "", k, err
		}
	case SharedKey:
		signing, err := base64.StdEncoding.DecodeString(o.SigningKey)
		if err != nil || len(signing) < minSigningKey {
			return "", k, fmt.Errorf("VAULT_SIGNING_KEY must be base64 encoding at least %d bytes", minSigningKey)
		}
		seal, err := base64.StdEncoding.DecodeString(o.SealKey)
		if err != nil || len(seal) != sealKeySize {
			return "", k, fmt.Errorf("VAULT_SEAL_KEY must be base64 encoding exactly %d bytes", sealKeySize)
		}
		k.signing = signing
		copy(k.seal[:], seal)
	}
	return ct, k, nil
}

type Vault struct {
	opts       Options
	credential CredentialType
	keys       keys
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	secrets map[string][]byte // sealed
	closed  bool
}

func Factory(_ context.Context, cfg backend.Config) (backend.Backend, error) {
	var opts Options
	if err := settings.Resolve(cfg.Name, cfg.Settings, &opts); err != nil {
		return nil, err
	}
	v, err := New(opts, cfg.Logger)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Class == fault.ClassConnection {
			return nil, fe.With(cfg.Name, "connect")
		}
		return nil, fault.Configuration(cfg.Name, "%v", err)
	}
	return v, nil
}

// New builds a vault from opts, loading persisted secrets when a secrets
// file is configured. An unreadable secrets file is a connection error.
func New(opts Options, logger *zap.Logger) (*Vault, error) {
	ct, k, err := opts.keys()
	if err != nil {
		return nil, err
	}
	v := &Vault{
		opts:       opts,
		credential: ct,
		keys:       k,
		logger:     logging.Or(logger),
		now:        time.Now,
		secrets:    make(map[string][]byte),
	}
	if opts.SecretsFile != "" {
		if err := v.load(); err != nil {
			return nil, fault.Connection("", err)
		}
	}
	v.logger.Debug("vault ready", zap.String("credential_type", string(ct)), zap.Int("secrets", len(v.secrets)))
	return v, nil
}

func (v *Vault) Interfaces() []string { return []string{"vault"} }

// CredentialType reports where the vault's key material came from.
func (v *Vault) CredentialType() CredentialType { return v.credential }

func (v *Vault) Close(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.secrets = nil
	return nil
}

func (v *Vault) GetSecret(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validSecretName(name); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, errClosed()
	}
	sealed, ok := v.secrets[name]
	if !ok {
		return nil, fault.NotFound("secret %q not found", name)
	}
	plain, err := v.open(sealed)
	if err != nil {
		return nil, fault.Operation(fault.CodeInternal, "secret %q: %v", name, err)
	}
	return plain, nil
}

func (v *Vault) PutSecret(ctx context.Context, name string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validSecretName(name); err != nil {
		return err
	}
	if len(value) > v.opts.MaxSecretSize {
		return fault.InvalidArgument("secret exceeds %d bytes", v.opts.MaxSecretSize)
	}
	sealed, err := v.seal(value)
	if err != nil {
		return fault.Operation(fault.CodeInternal, "seal secret: %v", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errClosed()
	}
	prev, had := v.secrets[name]
	v.secrets[name] = sealed
	if v.opts.SecretsFile != "" {
		if err := v.saveLocked(); err != nil {
			if had {
				v.secrets[name] = prev
			} else {
				delete(v.secrets, name)
			}
			return fault.Operation(fault.CodeUnavailable, "persist secrets: %v", err)
		}
	}
	return nil
}

// Names returns the stored secret names in order.
func (v *Vault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.secrets))
	for n := range v.secrets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (v *Vault) seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &v.keys.seal), nil
}

func (v *Vault) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed value is truncated")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.keys.seal)
	if !ok {
		return nil, fmt.Errorf("sealed value does not authenticate")
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

// load reads the secrets file. A missing file is an empty vault; entries
// that do not open with the seal key are rejected.
func (v *Vault) load() error {
	data, err := os.ReadFile(v.opts.SecretsFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read secrets file: %w", err)
	}
	var stored map[string][]byte
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode secrets file: %w", err)
	}
	for name, sealed := range stored {
		if _, err := v.open(sealed); err != nil {
			return fmt.Errorf("secret %q: %w", name, err)
		}
		v.secrets[name] = sealed
	}
	return nil
}

func (v *Vault) saveLocked() error {
	data, err := json.Marshal(v.secrets)
	if err != nil {
		return err
	}
	dir := filepath.Dir(v.opts.SecretsFile)
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), v.opts.SecretsFile)
}

func validSecretName(name string) error {
	if name == "" || len(name) > 256 {
		return fault.InvalidArgument("secret name must be 1 to 256 bytes")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fault.InvalidArgument("secret name contains a control character")
		}
	}
	return nil
}

func errClosed() error {
	return fault.Operation(fault.CodeUnavailable, "vault is closed")
}
