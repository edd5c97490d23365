package dsync

import (
	"context"

	"diagramsync/internal/model"
)

// RepoRef identifies a repository on a provider.
type RepoRef struct {
	Owner string
	Name  string
}

// ParseRepoRef parses an "owner/repo" repository path.
func ParseRepoRef(path string) (RepoRef, error) {
	owner, name, err := model.SplitRepositoryPath(path)
	if err != nil {
		return RepoRef{}, err
	}
	return RepoRef{Owner: owner, Name: name}, nil
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Name }

// RepoInfo is the subset of repository metadata the sync engine needs.
type RepoInfo struct {
	DefaultBranch string
}

// ContentEntry is one item of a directory listing.
type ContentEntry struct {
	Path string
	Type string // "file" or "dir"
	SHA  string
}

// FileContents is a decoded file and its content hash.
type FileContents struct {
	Content string
	SHA     string
}

// WriteResult is returned by a successful write or delete.
type WriteResult struct {
	SHA       string // new content hash, empty after a delete
	CommitSHA string
}

// Commit identifies a commit on a branch.
type Commit struct {
	SHA string
}

// Provider talks to one remote file host. Every call carries the access token
// explicitly; implementations hold no credentials of their own.
//
// Writes that find the remote hash different from sha fail with a
// *ConflictError. An empty sha on PutContents means the file must not exist yet.
type Provider interface {
	GetRepoInfo(ctx context.Context, repo RepoRef, token string) (*RepoInfo, error)
	ListContents(ctx context.Context, repo RepoRef, path, token string) ([]ContentEntry, error)
	GetContents(ctx context.Context, repo RepoRef, path, token string) (*FileContents, error)
	PutContents(ctx context.Context, repo RepoRef, path, content, message, sha, token string) (*WriteResult, error)
	DeleteContents(ctx context.Context, repo RepoRef, path, message, sha, token string) (*WriteResult, error)
	GetLatestCommit(ctx context.Context, repo RepoRef, branch, token string) (*Commit, error)

	// GetTreeSHA returns the tree hash of a directory, or "" if it does not exist.
	GetTreeSHA(ctx context.Context, repo RepoRef, path, token string) (string, error)
}

// ProviderSet resolves the provider configured for a project's GitProvider value.
type ProviderSet interface {
	Provider(name model.GitProvider) (Provider, error)
}

// TokenSource returns the access token to use for a provider.
type TokenSource interface {
	Token(provider model.GitProvider) (string, error)
}
