package provider

import (
	"fmt"
	"sync"
	"time"

	"diagramsync/internal/config"
	"diagramsync/internal/dsync"
	"diagramsync/internal/model"
)

// Deps are the collaborators shared by every provider built from config.
type Deps struct {
	Logger  dsync.Logger
	Metrics dsync.Metrics
	Clock   dsync.Clock
}

// NewProviderFromConfig creates a Provider implementation based on the provider config type.
func NewProviderFromConfig(cfg config.ProviderConfig, deps Deps) (dsync.Provider, error) {
	opts := Options{
		Name:       cfg.Name,
		BaseURL:    cfg.BaseURL,
		PathSuffix: cfg.PathSuffix,
		Retries:    cfg.Retries,
		Backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		Logger:     deps.Logger,
		Metrics:    deps.Metrics,
	}

	switch cfg.Type {
	case "github":
		return NewGitHub(opts), nil
	case "gitlab":
		return NewGitLab(opts), nil
	case "git":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("git provider requires base_url to be set")
		}
		return NewGitRepo(cfg.BaseURL, cfg.Author, deps.Clock, deps.Metrics), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

var _ dsync.ProviderSet = (*Set)(nil)

// Set resolves a project's git provider to a configured Provider. Providers
// are built on first use and reused afterwards. The public github and gitlab
// hosts are available without configuration.
type Set struct {
	configs []config.ProviderConfig
	deps    Deps

	mu    sync.Mutex
	built map[model.GitProvider]dsync.Provider
}

// NewSet creates a Set over the configured providers.
func NewSet(configs []config.ProviderConfig, deps Deps) *Set {
	return &Set{
		configs: configs,
		deps:    deps,
		built:   make(map[model.GitProvider]dsync.Provider),
	}
}

// Register makes p the provider for name, replacing any configured one.
func (s *Set) Register(name model.GitProvider, p dsync.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.built[name] = p
}

// Config returns the configuration for name, falling back to the defaults for
// the public hosts.
func (s *Set) Config(name model.GitProvider) (config.ProviderConfig, bool) {
	for _, cfg := range s.configs {
		if cfg.Name == string(name) {
			return cfg, true
		}
	}
	switch name {
	case model.ProviderGitHub:
		return config.ProviderConfig{Name: "github", Type: "github", TokenEnv: "GITHUB_TOKEN"}, true
	case model.ProviderGitLab:
		return config.ProviderConfig{Name: "gitlab", Type: "gitlab", TokenEnv: "GITLAB_TOKEN"}, true
	}
	return config.ProviderConfig{}, false
}

func (s *Set) Provider(name model.GitProvider) (dsync.Provider, error) {
	if name == "" || name == model.ProviderLocal {
		return nil, fmt.Errorf("project is local-only and has no provider")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.built[name]; ok {
		return p, nil
	}

	cfg, ok := s.Config(name)
	if !ok {
		return nil, fmt.Errorf("no provider configured for %q", name)
	}
	p, err := NewProviderFromConfig(cfg, s.deps)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	s.built[name] = p
	return p, nil
}
