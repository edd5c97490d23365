package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"filippo.io/age"
	"github.com/BurntSushi/toml"

	"diagramsync/internal/config"
	"diagramsync/internal/dsync"
	"diagramsync/internal/model"
)

// ErrNoToken is returned when neither the environment nor the credentials
// file holds a token for a provider.
var ErrNoToken = errors.New("no token configured")

// PassphraseFunc supplies the passphrase protecting the credentials file.
// It is called at most once per Store unless it fails.
type PassphraseFunc func() (string, error)

// Store keeps provider access tokens in a TOML document encrypted with age's
// scrypt passphrase recipient. A token in the provider's environment variable
// takes precedence over the file.
type Store struct {
	path       string
	providers  []config.ProviderConfig
	passphrase PassphraseFunc
	getenv     func(string) string

	mu     sync.Mutex
	secret string
	tokens map[string]string // nil until the file is read
}

var _ dsync.TokenSource = (*Store)(nil)

// tokenFile is the plaintext inside the encrypted file.
type tokenFile struct {
	Tokens map[string]string `toml:"tokens"`
}

// NewStore creates a Store for the file at cfg.Path.
func NewStore(cfg config.CredentialsConfig, providers []config.ProviderConfig, passphrase PassphraseFunc) *Store {
	return &Store{
		path:       cfg.Path,
		providers:  providers,
		passphrase: passphrase,
		getenv:     os.Getenv,
	}
}

// NewStoreFromConfig creates a Store for the credentials file and providers
// named in cfg.
func NewStoreFromConfig(cfg *config.Config, passphrase PassphraseFunc) *Store {
	return NewStore(cfg.Credentials, cfg.Providers, passphrase)
}

// Token returns the token for provider p.
func (s *Store) Token(p model.GitProvider) (string, error) {
	if env := s.envVar(p); env != "" {
		if token := s.getenv(env); token != "" {
			return token, nil
		}
	}
	if !s.Exists() {
		return "", s.missing(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", err
	}
	token, ok := s.tokens[string(p)]
	if !ok || token == "" {
		return "", s.missing(p)
	}
	return token, nil
}

// Set stores token for provider p, creating the file if needed.
func (s *Store) Set(p model.GitProvider, token string) error {
	if token == "" {
		return errors.New("token must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.tokens[string(p)] = token
	return s.saveLocked()
}

// Remove deletes the stored token for provider p. Removing a token that is
// not stored is not an error.
func (s *Store) Remove(p model.GitProvider) error {
	if !s.Exists() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.tokens[string(p)]; !ok {
		return nil
	}
	delete(s.tokens, string(p))
	return s.saveLocked()
}

// Providers lists the providers that have a token in the file, sorted.
func (s *Store) Providers() ([]model.GitProvider, error) {
	if !s.Exists() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.tokens))
	for name := range s.tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]model.GitProvider, len(names))
	for i, name := range names {
		out[i] = model.GitProvider(name)
	}
	return out, nil
}

// Exists reports whether the credentials file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *Store) envVar(p model.GitProvider) string {
	for _, pc := range s.providers {
		if pc.Name == string(p) {
			return pc.TokenEnv
		}
	}
	return ""
}

func (s *Store) missing(p model.GitProvider) error {
	if env := s.envVar(p); env != "" {
		return fmt.Errorf("%w for %s: set %s or store one with 'dsync auth set %s'", ErrNoToken, p, env, p)
	}
	return fmt.Errorf("%w for %s: store one with 'dsync auth set %s'", ErrNoToken, p, p)
}

func (s *Store) unlock() (string, error) {
	if s.secret != "" {
		return s.secret, nil
	}
	if s.passphrase == nil {
		return "", errors.New("credentials file is locked and no passphrase source is configured")
	}
	secret, err := s.passphrase()
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if secret == "" {
		return "", errors.New("passphrase must not be empty")
	}
	s.secret = secret
	return secret, nil
}

// loadLocked decrypts the file once. A missing file loads as empty.
func (s *Store) loadLocked() error {
	if s.tokens != nil {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.tokens = make(map[string]string)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}

	secret, err := s.unlock()
	if err != nil {
		return err
	}
	identity, err := age.NewScryptIdentity(secret)
	if err != nil {
		return fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		s.secret = ""
		return fmt.Errorf("decrypting credentials file: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading decrypted credentials: %w", err)
	}

	var f tokenFile
	if _, err := toml.Decode(string(plain), &f); err != nil {
		return fmt.Errorf("parsing credentials: %w", err)
	}
	if f.Tokens == nil {
		f.Tokens = make(map[string]string)
	}
	s.tokens = f.Tokens
	return nil
}

// saveLocked encrypts the tokens and replaces the file atomically.
func (s *Store) saveLocked() error {
	secret, err := s.unlock()
	if err != nil {
		return err
	}
	recipient, err := age.NewScryptRecipient(secret)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	var plain bytes.Buffer
	if err := toml.NewEncoder(&plain).Encode(tokenFile{Tokens: s.tokens}); err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plain.Bytes()); err != nil {
		return fmt.Errorf("writing encrypted credentials: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing credentials file: %w", err)
	}
	return nil
}
