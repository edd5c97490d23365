package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"diagramsync/internal/dsync"
)

const (
	gitLabAPI    = "https://gitlab.com/api/v4"
	gitLabSuffix = "/api/v4"
	gitLabAccept = "application/json"
)

var _ dsync.Provider = (*GitLab)(nil)

// GitLab talks to the GitLab repository files API. With a BaseURL it targets
// a self-managed install at BaseURL + "/api/v4".
//
// GitLab writes take no content hash. Updates and deletes therefore read the
// file's current blob id first and refuse to write if it differs from the
// caller's sha; the commit id read alongside is sent as last_commit_id so
// GitLab itself rejects a write that raced with ours.
type GitLab struct {
	c *client

	mu       sync.Mutex
	branches map[string]string // project id -> default branch
}

// NewGitLab creates a GitLab provider.
func NewGitLab(opts Options) *GitLab {
	if opts.Name == "" {
		opts.Name = "gitlab"
	}
	return &GitLab{
		c:        newClient(opts, gitLabAPI, gitLabSuffix, gitLabAccept),
		branches: make(map[string]string),
	}
}

type glTreeEntry struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Type string `json:"type"` // "blob" or "tree"
}

type glFile struct {
	Content      string `json:"content"`
	BlobID       string `json:"blob_id"`
	LastCommitID string `json:"last_commit_id"`
}

// projectID returns the URL-encoded "namespace/project" path GitLab accepts
// in place of a numeric id.
func projectID(repo dsync.RepoRef) string {
	return url.PathEscape(repo.Owner + "/" + repo.Name)
}

func projectPath(repo dsync.RepoRef) string {
	return "/projects/" + projectID(repo)
}

func filePath(repo dsync.RepoRef, p string) string {
	return projectPath(repo) + "/repository/files/" + url.PathEscape(strings.Trim(p, "/"))
}

func (g *GitLab) GetRepoInfo(ctx context.Context, repo dsync.RepoRef, token string) (*dsync.RepoInfo, error) {
	var resp struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := g.c.do(ctx, request{op: "get project", method: http.MethodGet, path: projectPath(repo), token: token}, &resp); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.branches[projectID(repo)] = resp.DefaultBranch
	g.mu.Unlock()
	return &dsync.RepoInfo{DefaultBranch: resp.DefaultBranch}, nil
}

func (g *GitLab) defaultBranch(ctx context.Context, repo dsync.RepoRef, token string) (string, error) {
	g.mu.Lock()
	branch, ok := g.branches[projectID(repo)]
	g.mu.Unlock()
	if ok && branch != "" {
		return branch, nil
	}

	info, err := g.GetRepoInfo(ctx, repo, token)
	if err != nil {
		return "", err
	}
	if info.DefaultBranch == "" {
		return "", fmt.Errorf("project %s has no default branch", repo)
	}
	return info.DefaultBranch, nil
}

// ListContents lists one directory level, following X-Next-Page until the
// last page.
func (g *GitLab) ListContents(ctx context.Context, repo dsync.RepoRef, p, token string) ([]dsync.ContentEntry, error) {
	q := url.Values{"per_page": {"100"}}
	if p = strings.Trim(p, "/"); p != "" {
		q.Set("path", p)
	}

	var entries []dsync.ContentEntry
	for page := "1"; page != ""; {
		q.Set("page", page)
		var (
			raw    []glTreeEntry
			header http.Header
		)
		req := request{
			op: "list tree", method: http.MethodGet, token: token,
			path:   projectPath(repo) + "/repository/tree?" + q.Encode(),
			header: &header,
		}
		if err := g.c.do(ctx, req, &raw); err != nil {
			return nil, err
		}

		for _, e := range raw {
			kind := "file"
			if e.Type == "tree" {
				kind = "dir"
			}
			entries = append(entries, dsync.ContentEntry{Path: e.Path, Type: kind, SHA: e.ID})
		}

		next := strings.TrimSpace(header.Get("X-Next-Page"))
		if next == page {
			return nil, fmt.Errorf("list tree: page %s points to itself", page)
		}
		page = next
	}
	if entries == nil {
		entries = []dsync.ContentEntry{}
	}
	return entries, nil
}

func (g *GitLab) getFile(ctx context.Context, repo dsync.RepoRef, p, token string) (*glFile, string, error) {
	branch, err := g.defaultBranch(ctx, repo, token)
	if err != nil {
		return nil, "", err
	}
	var f glFile
	path := filePath(repo, p) + "?ref=" + url.QueryEscape(branch)
	if err := g.c.do(ctx, request{op: "get file", method: http.MethodGet, path: path, token: token}, &f); err != nil {
		return nil, "", err
	}
	return &f, branch, nil
}

func (g *GitLab) GetContents(ctx context.Context, repo dsync.RepoRef, p, token string) (*dsync.FileContents, error) {
	f, _, err := g.getFile(ctx, repo, p, token)
	if err != nil {
		return nil, err
	}
	content, err := decodeContent(f.Content)
	if err != nil {
		return nil, err
	}
	return &dsync.FileContents{Content: content, SHA: f.BlobID}, nil
}

// current reads the file's blob and commit ids and checks them against sha.
// It returns the branch to write to and the last commit id of the file.
func (g *GitLab) current(ctx context.Context, repo dsync.RepoRef, p, sha, token string) (string, string, error) {
	f, branch, err := g.getFile(ctx, repo, p, token)
	if err != nil {
		if errors.Is(err, dsync.ErrNotFound) {
			return "", "", &dsync.ConflictError{Path: p, LocalSHA: sha, Reason: "file no longer exists remotely"}
		}
		return "", "", err
	}
	if f.BlobID != sha {
		return "", "", &dsync.ConflictError{Path: p, LocalSHA: sha, RemoteSHA: f.BlobID, Reason: "remote file changed since last sync"}
	}
	return branch, f.LastCommitID, nil
}

func (g *GitLab) PutContents(ctx context.Context, repo dsync.RepoRef, p, content, message, sha, token string) (*dsync.WriteResult, error) {
	body := map[string]string{
		"content":        encodeContent(content),
		"encoding":       "base64",
		"commit_message": message,
	}

	method := http.MethodPost
	if sha == "" {
		branch, err := g.defaultBranch(ctx, repo, token)
		if err != nil {
			return nil, err
		}
		body["branch"] = branch
	} else {
		branch, lastCommit, err := g.current(ctx, repo, p, sha, token)
		if err != nil {
			return nil, err
		}
		method = http.MethodPut
		body["branch"] = branch
		body["last_commit_id"] = lastCommit
	}

	err := g.c.do(ctx, request{op: "write file", method: method, path: filePath(repo, p), body: body, token: token}, nil)
	if err != nil {
		return nil, gitLabConflict(err, p, sha)
	}
	return &dsync.WriteResult{SHA: blobSHA(content)}, nil
}

func (g *GitLab) DeleteContents(ctx context.Context, repo dsync.RepoRef, p, message, sha, token string) (*dsync.WriteResult, error) {
	branch, lastCommit, err := g.current(ctx, repo, p, sha, token)
	if err != nil {
		return nil, err
	}
	body := map[string]string{
		"branch":         branch,
		"commit_message": message,
		"last_commit_id": lastCommit,
	}
	if err := g.c.do(ctx, request{op: "delete file", method: http.MethodDelete, path: filePath(repo, p), body: body, token: token}, nil); err != nil {
		return nil, gitLabConflict(err, p, sha)
	}
	return &dsync.WriteResult{}, nil
}

func (g *GitLab) GetLatestCommit(ctx context.Context, repo dsync.RepoRef, branch, token string) (*dsync.Commit, error) {
	var resp struct {
		Commit struct {
			ID string `json:"id"`
		} `json:"commit"`
	}
	path := projectPath(repo) + "/repository/branches/" + url.PathEscape(branch)
	if err := g.c.do(ctx, request{op: "get branch", method: http.MethodGet, path: path, token: token}, &resp); err != nil {
		return nil, err
	}
	return &dsync.Commit{SHA: resp.Commit.ID}, nil
}

func (g *GitLab) GetTreeSHA(ctx context.Context, repo dsync.RepoRef, p, token string) (string, error) {
	entries, err := g.ListContents(ctx, repo, parentDir(p), token)
	if err != nil {
		if errors.Is(err, dsync.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return findDir(entries, p), nil
}

// gitLabConflict maps GitLab's 400 responses for an existing file on create
// or a changed file on update to a *dsync.ConflictError.
func gitLabConflict(err error, p, sha string) error {
	var perr *dsync.ProviderError
	if !errors.As(err, &perr) {
		return err
	}
	switch {
	case perr.StatusCode == http.StatusConflict:
	case perr.StatusCode == http.StatusBadRequest &&
		(strings.Contains(perr.Message, "already exists") || strings.Contains(perr.Message, "has changed")):
	default:
		return err
	}
	return &dsync.ConflictError{Path: p, LocalSHA: sha, Reason: perr.Message}
}
