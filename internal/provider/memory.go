package provider

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"diagramsync/internal/dsync"
)

var _ dsync.Provider = (*Memory)(nil)

// Memory is an in-process remote. It enforces the same sha preconditions as a
// real provider, which makes it useful for tests and dry runs. Failures can be
// scripted per operation with FailNext.
// This implementation is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	repos    map[string]map[string]string // repo -> path -> content
	commits  map[string]int               // repo -> commit count
	failures map[string][]error           // op -> queued errors
	calls    []string
}

// NewMemory creates an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{
		repos:    make(map[string]map[string]string),
		commits:  make(map[string]int),
		failures: make(map[string][]error),
	}
}

// Memory operation names accepted by FailNext.
const (
	OpGetRepoInfo     = "GetRepoInfo"
	OpListContents    = "ListContents"
	OpGetContents     = "GetContents"
	OpPutContents     = "PutContents"
	OpDeleteContents  = "DeleteContents"
	OpGetLatestCommit = "GetLatestCommit"
	OpGetTreeSHA      = "GetTreeSHA"
)

// FailNext makes the next call of op return err instead of running.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetFile writes a file directly, as another client editing the remote would.
func (m *Memory) SetFile(repo dsync.RepoRef, p, content string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files(repo)[strings.Trim(p, "/")] = content
	m.commits[repo.String()]++
	return blobSHA(content)
}

// File returns the content at p and whether it exists.
func (m *Memory) File(repo dsync.RepoRef, p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.repos[repo.String()][strings.Trim(p, "/")]
	return content, ok
}

// Calls returns the operations invoked so far, in order, as "Op path".
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// begin records a call and pops a scripted failure. Callers hold m.mu.
func (m *Memory) begin(op, p string) error {
	m.calls = append(m.calls, strings.TrimSpace(op+" "+p))
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}

func (m *Memory) files(repo dsync.RepoRef) map[string]string {
	files, ok := m.repos[repo.String()]
	if !ok {
		files = make(map[string]string)
		m.repos[repo.String()] = files
	}
	return files
}

func (m *Memory) GetRepoInfo(_ context.Context, repo dsync.RepoRef, _ string) (*dsync.RepoInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetRepoInfo, ""); err != nil {
		return nil, err
	}
	m.files(repo)
	return &dsync.RepoInfo{DefaultBranch: "main"}, nil
}

func (m *Memory) ListContents(_ context.Context, repo dsync.RepoRef, p, _ string) ([]dsync.ContentEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpListContents, p); err != nil {
		return nil, err
	}
	entries := m.list(repo, strings.Trim(p, "/"))
	if entries == nil && strings.Trim(p, "/") != "" {
		return nil, notFound("list contents", p)
	}
	return entries, nil
}

// list returns the immediate children of dir with their hashes. A directory's
// hash is derived from its listing so it changes whenever a file below it does.
func (m *Memory) list(repo dsync.RepoRef, dir string) []dsync.ContentEntry {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	files := make(map[string]string)
	dirs := make(map[string]bool)
	for p, content := range m.repos[repo.String()] {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		if name, _, nested := strings.Cut(rest, "/"); nested {
			dirs[name] = true
		} else {
			files[name] = blobSHA(content)
		}
	}

	var entries []dsync.ContentEntry
	for name, sha := range files {
		entries = append(entries, dsync.ContentEntry{Path: prefix + name, Type: "file", SHA: sha})
	}
	for name := range dirs {
		sub := prefix + name
		entries = append(entries, dsync.ContentEntry{Path: sub, Type: "dir", SHA: m.treeHash(repo, sub)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func (m *Memory) treeHash(repo dsync.RepoRef, dir string) string {
	var b strings.Builder
	for _, e := range m.list(repo, dir) {
		fmt.Fprintf(&b, "%s %s %s\n", e.Type, path.Base(e.Path), e.SHA)
	}
	return plumbing.ComputeHash(plumbing.TreeObject, []byte(b.String())).String()
}

func (m *Memory) GetContents(_ context.Context, repo dsync.RepoRef, p, _ string) (*dsync.FileContents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetContents, p); err != nil {
		return nil, err
	}
	content, ok := m.files(repo)[strings.Trim(p, "/")]
	if !ok {
		return nil, notFound("get contents", p)
	}
	return &dsync.FileContents{Content: content, SHA: blobSHA(content)}, nil
}

func (m *Memory) PutContents(_ context.Context, repo dsync.RepoRef, p, content, _, sha, _ string) (*dsync.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpPutContents, p); err != nil {
		return nil, err
	}

	p = strings.Trim(p, "/")
	files := m.files(repo)
	current, exists := files[p]
	switch {
	case exists && sha == "":
		return nil, &dsync.ConflictError{Path: p, RemoteSHA: blobSHA(current), Reason: "file already exists remotely"}
	case !exists && sha != "":
		return nil, &dsync.ConflictError{Path: p, LocalSHA: sha, Reason: "file no longer exists remotely"}
	case exists && blobSHA(current) != sha:
		return nil, &dsync.ConflictError{Path: p, LocalSHA: sha, RemoteSHA: blobSHA(current), Reason: "remote file changed since last sync"}
	}

	files[p] = content
	return &dsync.WriteResult{SHA: blobSHA(content), CommitSHA: m.commit(repo)}, nil
}

func (m *Memory) DeleteContents(_ context.Context, repo dsync.RepoRef, p, _, sha, _ string) (*dsync.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDeleteContents, p); err != nil {
		return nil, err
	}

	p = strings.Trim(p, "/")
	files := m.files(repo)
	current, exists := files[p]
	if !exists {
		return nil, notFound("delete contents", p)
	}
	if blobSHA(current) != sha {
		return nil, &dsync.ConflictError{Path: p, LocalSHA: sha, RemoteSHA: blobSHA(current), Reason: "remote file changed since last sync"}
	}

	delete(files, p)
	return &dsync.WriteResult{CommitSHA: m.commit(repo)}, nil
}

func (m *Memory) commit(repo dsync.RepoRef) string {
	m.commits[repo.String()]++
	return commitID(repo, m.commits[repo.String()])
}

func commitID(repo dsync.RepoRef, n int) string {
	return plumbing.ComputeHash(plumbing.CommitObject, fmt.Appendf(nil, "%s@%d", repo, n)).String()
}

func (m *Memory) GetLatestCommit(_ context.Context, repo dsync.RepoRef, branch, _ string) (*dsync.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetLatestCommit, branch); err != nil {
		return nil, err
	}
	n := m.commits[repo.String()]
	if n == 0 {
		return nil, notFound("get branch", branch)
	}
	return &dsync.Commit{SHA: commitID(repo, n)}, nil
}

func (m *Memory) GetTreeSHA(_ context.Context, repo dsync.RepoRef, p, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetTreeSHA, p); err != nil {
		return "", err
	}
	p = strings.Trim(p, "/")
	if m.list(repo, p) == nil {
		return "", nil
	}
	return m.treeHash(repo, p), nil
}
