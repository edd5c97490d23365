package dsync

import (
	"fmt"
	"path"
	"strings"
	"time"

	"diagramsync/internal/model"
)

// DiagramExt is the file extension diagrams are stored under remotely.
const DiagramExt = ".mmd"

// DefaultRemoteDir is the repository directory that holds project folders.
const DefaultRemoteDir = "diagrams"

// pathSegment escapes a project name or title into one path segment. The
// mapping is reversible so distinct names never share a remote file: '%',
// both slashes, control bytes and leading or trailing spaces become %XX, and
// the names "." and ".." are escaped whole.
func pathSegment(s string) string {
	switch s {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}

	lead := len(s) - len(strings.TrimLeft(s, " \t"))
	trail := len(strings.TrimRight(s, " \t"))
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '/' || c == '\\' || c < 0x20 || c == 0x7f || i < lead || i >= trail {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ProjectDir returns the repository directory a project's diagrams live in.
func ProjectDir(remoteDir, projectName string) string {
	if remoteDir == "" {
		remoteDir = DefaultRemoteDir
	}
	return path.Join(remoteDir, pathSegment(projectName))
}

// RemotePath returns the repository path of a diagram file.
func RemotePath(remoteDir, projectName, title string) string {
	return path.Join(ProjectDir(remoteDir, projectName), pathSegment(title)+DiagramExt)
}

// DiagramItem builds the queue item replaying op on d for the remote project p.
// sha is the remote hash the operation expects to find.
func DiagramItem(p *model.Project, d *model.Diagram, op model.Operation, sha, remoteDir string, now time.Time) *model.SyncQueueItem {
	payload := model.SyncPayload{
		Provider:   p.GitProvider,
		Repository: p.RepositoryPath,
		Path:       RemotePath(remoteDir, p.Name, d.Title),
		Title:      d.Title,
		SHA:        sha,
		Message:    commitMessage(op, d.Title),
	}
	if op != model.OpDelete {
		payload.Content = d.Content
	}
	return &model.SyncQueueItem{
		ProjectID:  p.ID,
		TargetKind: model.TargetDiagram,
		TargetID:   d.ID,
		Operation:  op,
		Payload:    payload,
		CreatedAt:  now,
	}
}

// ProjectItem builds the queue item that verifies access to p's repository.
func ProjectItem(p *model.Project, op model.Operation, now time.Time) *model.SyncQueueItem {
	return &model.SyncQueueItem{
		ProjectID:  p.ID,
		TargetKind: model.TargetProject,
		TargetID:   p.ID,
		Operation:  op,
		Payload: model.SyncPayload{
			Provider:   p.GitProvider,
			Repository: p.RepositoryPath,
			Title:      p.Name,
		},
		CreatedAt: now,
	}
}

func commitMessage(op model.Operation, title string) string {
	switch op {
	case model.OpCreate:
		return fmt.Sprintf("Add diagram %s", title)
	case model.OpDelete:
		return fmt.Sprintf("Remove diagram %s", title)
	default:
		return fmt.Sprintf("Update diagram %s", title)
	}
}
