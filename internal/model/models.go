package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GitProvider names the remote a project is linked to.
// The value selects a configured provider; ProviderLocal means no remote counterpart.
type GitProvider string

const (
	ProviderLocal            GitProvider = "local"
	ProviderGitHub           GitProvider = "github"
	ProviderGitLab           GitProvider = "gitlab"
	ProviderGitHubEnterprise GitProvider = "github-enterprise"
	ProviderGitLabEnterprise GitProvider = "gitlab-enterprise"
	ProviderGit              GitProvider = "git"
)

// KnownProviders lists every accepted GitProvider value.
var KnownProviders = []GitProvider{
	ProviderLocal,
	ProviderGitHub,
	ProviderGitLab,
	ProviderGitHubEnterprise,
	ProviderGitLabEnterprise,
	ProviderGit,
}

// Project is a named grouping of diagrams, optionally linked to a remote repository.
type Project struct {
	ID             int64       // assigned on first persist
	Name           string      // unique within the local store
	GitProvider    GitProvider // "local" when the project has no remote
	RepositoryPath string      // "owner/repo"; empty when GitProvider is local
	CreatedAt      time.Time   // zero when unknown
	UpdatedAt      time.Time   // zero when unknown

	// Extra holds fields this version does not recognize. They are stored and
	// returned unchanged.
	Extra map[string]json.RawMessage
}

// IsRemote reports whether the project is linked to a remote repository.
func (p *Project) IsRemote() bool {
	return p.GitProvider != "" && p.GitProvider != ProviderLocal
}

// Repository splits RepositoryPath into owner and repository name.
func (p *Project) Repository() (owner, repo string, err error) {
	return SplitRepositoryPath(p.RepositoryPath)
}

// SplitRepositoryPath parses an "owner/repo" string. GitLab-style nested groups
// ("group/sub/repo") keep everything before the last slash as the owner.
func SplitRepositoryPath(path string) (owner, repo string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("repository path %q is not of the form owner/repo", path)
	}
	return path[:i], path[i+1:], nil
}

// Diagram is a single named text document belonging to exactly one project.
type Diagram struct {
	ID                    int64
	ProjectID             int64
	Title                 string // unique within ProjectID
	Content               string
	LastModifiedRemoteSHA string // empty if never synced or local-only
	CreatedAt             time.Time
	UpdatedAt             time.Time

	Extra map[string]json.RawMessage
}

// TargetKind identifies what a queued operation acts on.
type TargetKind string

const (
	TargetDiagram TargetKind = "diagram"
	TargetProject TargetKind = "project"
)

// Operation is the remote action a queue item replays.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// SyncQueueItem is a pending remote operation. It is written in the same
// transaction as the local mutation it represents and removed only after the
// remote confirms.
type SyncQueueItem struct {
	ID         int64
	ProjectID  int64
	TargetKind TargetKind
	TargetID   int64
	Operation  Operation
	Payload    SyncPayload
	Attempts   int
	LastError  string
	CreatedAt  time.Time
}

// SyncPayload is a snapshot taken at enqueue time, enough to replay the
// operation without re-reading local state.
type SyncPayload struct {
	Provider   GitProvider `json:"provider"`
	Repository string      `json:"repository"`        // owner/repo
	Path       string      `json:"path,omitempty"`    // file path inside the repository
	Title      string      `json:"title,omitempty"`
	Content    string      `json:"content,omitempty"`
	SHA        string      `json:"sha,omitempty"`     // last known remote hash
	Message    string      `json:"message,omitempty"` // commit message
}
