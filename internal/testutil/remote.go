package testutil

import (
	"fmt"

	"diagramsync/internal/dsync"
	"diagramsync/internal/model"
	"diagramsync/internal/provider"
)

// StaticTokens is a TokenSource backed by a map. Providers without an entry
// get an error.
type StaticTokens map[model.GitProvider]string

func (s StaticTokens) Token(p model.GitProvider) (string, error) {
	token, ok := s[p]
	if !ok {
		return "", fmt.Errorf("no token for %s", p)
	}
	return token, nil
}

// NewMemoryRemote returns an in-memory remote registered as the github and
// gitlab provider, the set that resolves to it, and tokens for both.
func NewMemoryRemote() (*provider.Memory, *provider.Set, dsync.TokenSource) {
	remote := provider.NewMemory()
	set := provider.NewSet(nil, provider.Deps{})
	set.Register(model.ProviderGitHub, remote)
	set.Register(model.ProviderGitLab, remote)
	tokens := StaticTokens{
		model.ProviderGitHub: "test-token",
		model.ProviderGitLab: "test-token",
	}
	return remote, set, tokens
}
