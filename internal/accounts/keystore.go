package accounts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const (
	keyringService = "unimail"
	keyringItem    = "accounts-encryption-key"

	// EncryptionKeyEnv holds a base64 key for the env backend
	EncryptionKeyEnv = "UNIMAIL_ENCRYPTION_KEY"
)

// Key store backends selectable through configuration
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendEnv     = "env"
)

// KeyStore provides the key protecting stored passwords. A missing key is
// generated and persisted on first use.
type KeyStore interface {
	LoadOrCreate() ([]byte, error)
}

// NewKeyStore returns the key store for backend. dataDir is where the file
// backend and the keyring file fallback keep their data.
func NewKeyStore(backend, dataDir, keyringPassword string) (KeyStore, error) {
	switch strings.ToLower(backend) {
	case "", BackendKeyring:
		return &KeyringStore{Dir: filepath.Join(dataDir, "keyring"), Password: keyringPassword}, nil
	case BackendFile:
		return &FileKeyStore{Path: filepath.Join(dataDir, "accounts.key")}, nil
	case BackendEnv:
		return EnvKeyStore{Var: EncryptionKeyEnv}, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q (want keyring, file or env)", backend)
	}
}

// KeyringStore keeps the key in the OS keyring, falling back to an
// encrypted file when no OS backend is available
type KeyringStore struct {
	Dir      string
	Password string
}

func (s *KeyringStore) open() (keyring.Keyring, error) {
	password := s.Password
	if password == "" {
		password = keyringService + "-file-key"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  s.Dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// LoadOrCreate implements KeyStore
func (s *KeyringStore) LoadOrCreate() ([]byte, error) {
	ring, err := s.open()
	if err != nil {
		return nil, err
	}

	item, err := ring.Get(keyringItem)
	switch {
	case err == nil:
		return KeyFromBase64(string(item.Data))
	case !errors.Is(err, keyring.ErrKeyNotFound):
		return nil, fmt.Errorf("getting encryption key from keyring: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	err = ring.Set(keyring.Item{
		Key:         keyringItem,
		Data:        []byte(KeyToBase64(key)),
		Label:       "unimail account encryption key",
		Description: "Protects stored mail account passwords",
	})
	if err != nil {
		return nil, fmt.Errorf("storing encryption key in keyring: %w", err)
	}
	return key, nil
}

// FileKeyStore keeps the key base64 encoded in a 0600 file
type FileKeyStore struct {
	Path string
}

// LoadOrCreate implements KeyStore
func (s *FileKeyStore) LoadOrCreate() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err == nil {
		return KeyFromBase64(strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading encryption key: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	// O_EXCL so two processes starting together cannot both write a key
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return s.LoadOrCreate()
		}
		return nil, fmt.Errorf("creating key file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(KeyToBase64(key) + "\n"); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

// EnvKeyStore reads the key from an environment variable. It never
// generates one.
type EnvKeyStore struct {
	Var string
}

// LoadOrCreate implements KeyStore
func (s EnvKeyStore) LoadOrCreate() ([]byte, error) {
	v := os.Getenv(s.Var)
	if v == "" {
		return nil, fmt.Errorf("%s is not set", s.Var)
	}
	return KeyFromBase64(v)
}

// StaticKeyStore returns a fixed key
type StaticKeyStore []byte

// LoadOrCreate implements KeyStore
func (s StaticKeyStore) LoadOrCreate() ([]byte, error) {
	return []byte(s), nil
}
