package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"diagramsync/internal/dsync"
)

var _ dsync.Provider = (*GitRepo)(nil)

// GitRepo serves repositories that are plain git working copies under a root
// directory, one per owner/name. Missing repositories are initialized on first
// use with a "main" branch. Tokens are ignored.
type GitRepo struct {
	root    string
	author  string
	clock   dsync.Clock
	metrics dsync.Metrics

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewGitRepo creates a provider rooted at root.
func NewGitRepo(root, author string, clock dsync.Clock, metrics dsync.Metrics) *GitRepo {
	if author == "" {
		author = "dsync"
	}
	if clock == nil {
		clock = dsync.RealClock{}
	}
	if metrics == nil {
		metrics = dsync.NopMetrics{}
	}
	return &GitRepo{
		root:    root,
		author:  author,
		clock:   clock,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (g *GitRepo) repoLock(repo dsync.RepoRef) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	key := repo.String()
	if lock, ok := g.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	g.locks[key] = lock
	return lock
}

func (g *GitRepo) repoPath(repo dsync.RepoRef) string {
	return filepath.Join(g.root, filepath.FromSlash(repo.Owner), repo.Name)
}

// open opens the repository, initializing it if the directory has none.
func (g *GitRepo) open(repo dsync.RepoRef) (*git.Repository, error) {
	p := g.repoPath(repo)
	r, err := git.PlainOpen(p)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo %s: %w", repo, err)
	}

	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	r, err = git.PlainInitWithOptions(p, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo %s: %w", repo, err)
	}
	return r, nil
}

// headTree returns the tree of HEAD, or nil for a repository with no commits.
func headTree(r *git.Repository) (*object.Tree, error) {
	ref, err := r.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := r.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	return tree, nil
}

func notFound(op, p string) error {
	return &dsync.ProviderError{Op: op, StatusCode: 404, Message: p + " not found"}
}

func (g *GitRepo) observe(op string, start time.Time, err error) {
	status := 200
	if err != nil {
		status = statusOf(err)
		if status == 0 {
			status = 500
		}
	}
	g.metrics.ProviderRequest("git", op, status, time.Since(start))
}

func (g *GitRepo) GetRepoInfo(_ context.Context, repo dsync.RepoRef, _ string) (info *dsync.RepoInfo, err error) {
	defer func(start time.Time) { g.observe("get repo", start, err) }(time.Now())
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return nil, err
	}
	head, err := r.Reference(plumbing.HEAD, false)
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	return &dsync.RepoInfo{DefaultBranch: head.Target().Short()}, nil
}

func (g *GitRepo) ListContents(_ context.Context, repo dsync.RepoRef, p, _ string) (entries []dsync.ContentEntry, err error) {
	defer func(start time.Time) { g.observe("list contents", start, err) }(time.Now())
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return nil, err
	}
	tree, err := headTree(r)
	if err != nil {
		return nil, err
	}
	p = strings.Trim(p, "/")
	if tree == nil {
		if p == "" {
			return nil, nil
		}
		return nil, notFound("list contents", p)
	}
	if p != "" {
		if tree, err = tree.Tree(p); err != nil {
			if errors.Is(err, object.ErrDirectoryNotFound) {
				return nil, notFound("list contents", p)
			}
			return nil, fmt.Errorf("read tree %s: %w", p, err)
		}
	}

	for _, e := range tree.Entries {
		kind := "file"
		if e.Mode == filemode.Dir {
			kind = "dir"
		}
		entries = append(entries, dsync.ContentEntry{Path: path.Join(p, e.Name), Type: kind, SHA: e.Hash.String()})
	}
	return entries, nil
}

func (g *GitRepo) GetContents(_ context.Context, repo dsync.RepoRef, p, _ string) (fc *dsync.FileContents, err error) {
	defer func(start time.Time) { g.observe("get contents", start, err) }(time.Now())
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return nil, err
	}
	f, err := fileAt(r, p)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, notFound("get contents", p)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return &dsync.FileContents{Content: content, SHA: f.Hash.String()}, nil
}

// fileAt returns the file at p in HEAD, or nil if there is none.
func fileAt(r *git.Repository, p string) (*object.File, error) {
	tree, err := headTree(r)
	if err != nil || tree == nil {
		return nil, err
	}
	f, err := tree.File(strings.Trim(p, "/"))
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find %s: %w", p, err)
	}
	return f, nil
}

// checkPrecondition compares the file's current hash with sha. An empty sha
// requires the file to be absent.
func checkPrecondition(f *object.File, p, sha string) error {
	switch {
	case f == nil && sha != "":
		return &dsync.ConflictError{Path: p, LocalSHA: sha, Reason: "file no longer exists remotely"}
	case f != nil && sha == "":
		return &dsync.ConflictError{Path: p, RemoteSHA: f.Hash.String(), Reason: "file already exists remotely"}
	case f != nil && f.Hash.String() != sha:
		return &dsync.ConflictError{Path: p, LocalSHA: sha, RemoteSHA: f.Hash.String(), Reason: "remote file changed since last sync"}
	}
	return nil
}

func (g *GitRepo) PutContents(_ context.Context, repo dsync.RepoRef, p, content, message, sha, _ string) (res *dsync.WriteResult, err error) {
	defer func(start time.Time) { g.observe("put contents", start, err) }(time.Now())
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return nil, err
	}
	p = strings.Trim(p, "/")
	f, err := fileAt(r, p)
	if err != nil {
		return nil, err
	}
	if err := checkPrecondition(f, p, sha); err != nil {
		return nil, err
	}

	full := filepath.Join(g.repoPath(repo), filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", p, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", p, err)
	}

	wt, err := r.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := wt.Add(p); err != nil {
		return nil, fmt.Errorf("git add %s: %w", p, err)
	}
	hash, err := g.commit(wt, message)
	if err != nil {
		return nil, err
	}
	return &dsync.WriteResult{SHA: blobSHA(content), CommitSHA: hash.String()}, nil
}

func (g *GitRepo) DeleteContents(_ context.Context, repo dsync.RepoRef, p, message, sha, _ string) (res *dsync.WriteResult, err error) {
	defer func(start time.Time) { g.observe("delete contents", start, err) }(time.Now())
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return nil, err
	}
	p = strings.Trim(p, "/")
	f, err := fileAt(r, p)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, notFound("delete contents", p)
	}
	if err := checkPrecondition(f, p, sha); err != nil {
		return nil, err
	}

	wt, err := r.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := wt.Remove(p); err != nil {
		return nil, fmt.Errorf("git rm %s: %w", p, err)
	}
	hash, err := g.commit(wt, message)
	if err != nil {
		return nil, err
	}
	return &dsync.WriteResult{CommitSHA: hash.String()}, nil
}

func (g *GitRepo) commit(wt *git.Worktree, message string) (plumbing.Hash, error) {
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.author,
			Email: fmt.Sprintf("%s@users.noreply.diagramsync", sanitizeEmail(g.author)),
			When:  g.clock.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit: %w", err)
	}
	return hash, nil
}

func (g *GitRepo) GetLatestCommit(_ context.Context, repo dsync.RepoRef, branch, _ string) (c *dsync.Commit, err error) {
	defer func(start time.Time) { g.observe("get branch", start, err) }(time.Now())
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return nil, err
	}
	ref, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, notFound("get branch", branch)
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return &dsync.Commit{SHA: ref.Hash().String()}, nil
}

func (g *GitRepo) GetTreeSHA(_ context.Context, repo dsync.RepoRef, p, _ string) (sha string, err error) {
	defer func(start time.Time) { g.observe("get tree", start, err) }(time.Now())
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return "", err
	}
	tree, err := headTree(r)
	if err != nil || tree == nil {
		return "", err
	}
	if p = strings.Trim(p, "/"); p == "" {
		return tree.Hash.String(), nil
	}
	sub, err := tree.Tree(p)
	if err != nil {
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read tree %s: %w", p, err)
	}
	return sub.Hash.String(), nil
}

func sanitizeEmail(name string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, name)
	if out == "" {
		return "dsync"
	}
	return out
}
