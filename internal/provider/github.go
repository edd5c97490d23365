package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"diagramsync/internal/dsync"
)

const (
	gitHubAPI    = "https://api.github.com"
	gitHubSuffix = "/api/v3"
	gitHubAccept = "application/vnd.github.v3+json"
)

var _ dsync.Provider = (*GitHub)(nil)

// GitHub talks to the GitHub contents API. With a BaseURL it targets a
// GitHub Enterprise Server install at BaseURL + "/api/v3".
type GitHub struct {
	c *client
}

// NewGitHub creates a GitHub provider.
func NewGitHub(opts Options) *GitHub {
	if opts.Name == "" {
		opts.Name = "github"
	}
	return &GitHub{c: newClient(opts, gitHubAPI, gitHubSuffix, gitHubAccept)}
}

type ghEntry struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	SHA     string `json:"sha"`
	Content string `json:"content"`
}

type ghWriteResponse struct {
	Content *struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

func repoPath(repo dsync.RepoRef) string {
	return "/repos/" + url.PathEscape(repo.Owner) + "/" + url.PathEscape(repo.Name)
}

func contentsPath(repo dsync.RepoRef, p string) string {
	return repoPath(repo) + "/contents/" + escapePath(p)
}

func (g *GitHub) GetRepoInfo(ctx context.Context, repo dsync.RepoRef, token string) (*dsync.RepoInfo, error) {
	var resp struct {
		DefaultBranch string `json:"default_branch"`
	}
	err := g.c.do(ctx, request{op: "get repo", method: http.MethodGet, path: repoPath(repo), token: token}, &resp)
	if err != nil {
		return nil, err
	}
	return &dsync.RepoInfo{DefaultBranch: resp.DefaultBranch}, nil
}

func (g *GitHub) ListContents(ctx context.Context, repo dsync.RepoRef, p, token string) ([]dsync.ContentEntry, error) {
	var raw []ghEntry
	err := g.c.do(ctx, request{op: "list contents", method: http.MethodGet, path: contentsPath(repo, p), token: token}, &raw)
	if err != nil {
		return nil, err
	}
	entries := make([]dsync.ContentEntry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, dsync.ContentEntry{Path: e.Path, Type: e.Type, SHA: e.SHA})
	}
	return entries, nil
}

func (g *GitHub) GetContents(ctx context.Context, repo dsync.RepoRef, p, token string) (*dsync.FileContents, error) {
	var raw ghEntry
	err := g.c.do(ctx, request{op: "get contents", method: http.MethodGet, path: contentsPath(repo, p), token: token}, &raw)
	if err != nil {
		return nil, err
	}
	content, err := decodeContent(raw.Content)
	if err != nil {
		return nil, err
	}
	return &dsync.FileContents{Content: content, SHA: raw.SHA}, nil
}

func (g *GitHub) PutContents(ctx context.Context, repo dsync.RepoRef, p, content, message, sha, token string) (*dsync.WriteResult, error) {
	body := map[string]string{
		"message": message,
		"content": encodeContent(content),
	}
	if sha != "" {
		body["sha"] = sha
	}

	var resp ghWriteResponse
	err := g.c.do(ctx, request{op: "put contents", method: http.MethodPut, path: contentsPath(repo, p), body: body, token: token}, &resp)
	if err != nil {
		return nil, writeConflict(err, p, sha)
	}

	result := &dsync.WriteResult{CommitSHA: resp.Commit.SHA}
	if resp.Content != nil {
		result.SHA = resp.Content.SHA
	}
	return result, nil
}

func (g *GitHub) DeleteContents(ctx context.Context, repo dsync.RepoRef, p, message, sha, token string) (*dsync.WriteResult, error) {
	body := map[string]string{"message": message, "sha": sha}

	var resp ghWriteResponse
	err := g.c.do(ctx, request{op: "delete contents", method: http.MethodDelete, path: contentsPath(repo, p), body: body, token: token}, &resp)
	if err != nil {
		return nil, writeConflict(err, p, sha)
	}
	return &dsync.WriteResult{CommitSHA: resp.Commit.SHA}, nil
}

func (g *GitHub) GetLatestCommit(ctx context.Context, repo dsync.RepoRef, branch, token string) (*dsync.Commit, error) {
	var resp struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	path := repoPath(repo) + "/branches/" + url.PathEscape(branch)
	if err := g.c.do(ctx, request{op: "get branch", method: http.MethodGet, path: path, token: token}, &resp); err != nil {
		return nil, err
	}
	return &dsync.Commit{SHA: resp.Commit.SHA}, nil
}

// GetTreeSHA lists the parent directory and returns the sha of the matching
// entry. A missing parent or entry means the directory does not exist yet.
func (g *GitHub) GetTreeSHA(ctx context.Context, repo dsync.RepoRef, p, token string) (string, error) {
	entries, err := g.ListContents(ctx, repo, parentDir(p), token)
	if err != nil {
		if errors.Is(err, dsync.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return findDir(entries, p), nil
}

func findDir(entries []dsync.ContentEntry, p string) string {
	for _, e := range entries {
		if e.Type == "dir" && e.Path == p {
			return e.SHA
		}
	}
	return ""
}

// writeConflict maps GitHub's rejection of a stale or missing sha to a
// *dsync.ConflictError: 409 when the sha does not match, 422 when a file
// exists but no sha was supplied.
func writeConflict(err error, p, sha string) error {
	switch statusOf(err) {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return &dsync.ConflictError{Path: p, LocalSHA: sha, Reason: err.Error()}
	}
	return err
}
