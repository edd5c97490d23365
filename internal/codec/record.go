package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"diagramsync/internal/model"
)

// simpleProject is the simple shape of a project. Pointers keep absent
// optional fields absent instead of writing zero values.
type simpleProject struct {
	ID             *int64     `json:"id,omitempty"`
	Name           string     `json:"name"`
	GitProvider    string     `json:"gitProvider"`
	RepositoryPath string     `json:"repositoryPath,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

type simpleDiagram struct {
	ID                    *int64     `json:"id,omitempty"`
	ProjectID             int64      `json:"projectId"`
	Title                 string     `json:"title"`
	Content               string     `json:"content"`
	LastModifiedRemoteSHA string     `json:"lastModifiedRemoteSha,omitempty"`
	CreatedAt             *time.Time `json:"createdAt,omitempty"`
	UpdatedAt             *time.Time `json:"updatedAt,omitempty"`
}

var (
	projectKeys = []string{"id", "name", "gitProvider", "repositoryPath", "createdAt", "updatedAt"}
	diagramKeys = []string{"id", "projectId", "title", "content", "lastModifiedRemoteSha", "createdAt", "updatedAt"}
)

// MarshalProject returns the simple shape of p, extra fields included.
func MarshalProject(p *model.Project) ([]byte, error) {
	s := simpleProject{
		ID:             optionalID(p.ID),
		Name:           p.Name,
		GitProvider:    string(p.GitProvider),
		RepositoryPath: p.RepositoryPath,
		CreatedAt:      optionalTime(p.CreatedAt),
		UpdatedAt:      optionalTime(p.UpdatedAt),
	}
	return withExtra(s, p.Extra)
}

// EncodeProject returns the semantic shape of p, ready to persist.
func EncodeProject(p *model.Project) ([]byte, error) {
	doc, err := MarshalProject(p)
	if err != nil {
		return nil, err
	}
	return Denormalize(KindProject, doc)
}

// DecodeProject reads a project stored in either shape.
func DecodeProject(doc []byte) (*model.Project, error) {
	simple, err := Normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("normalizing project: %w", err)
	}
	var s simpleProject
	if err := json.Unmarshal(simple, &s); err != nil {
		return nil, fmt.Errorf("decoding project: %w", err)
	}
	extra, err := extraFields(simple, projectKeys)
	if err != nil {
		return nil, err
	}
	return &model.Project{
		ID:             derefID(s.ID),
		Name:           s.Name,
		GitProvider:    model.GitProvider(s.GitProvider),
		RepositoryPath: s.RepositoryPath,
		CreatedAt:      derefTime(s.CreatedAt),
		UpdatedAt:      derefTime(s.UpdatedAt),
		Extra:          extra,
	}, nil
}

// MarshalDiagram returns the simple shape of d, extra fields included.
func MarshalDiagram(d *model.Diagram) ([]byte, error) {
	s := simpleDiagram{
		ID:                    optionalID(d.ID),
		ProjectID:             d.ProjectID,
		Title:                 d.Title,
		Content:               d.Content,
		LastModifiedRemoteSHA: d.LastModifiedRemoteSHA,
		CreatedAt:             optionalTime(d.CreatedAt),
		UpdatedAt:             optionalTime(d.UpdatedAt),
	}
	return withExtra(s, d.Extra)
}

// EncodeDiagram returns the semantic shape of d, ready to persist.
func EncodeDiagram(d *model.Diagram) ([]byte, error) {
	doc, err := MarshalDiagram(d)
	if err != nil {
		return nil, err
	}
	return Denormalize(KindDiagram, doc)
}

// DecodeDiagram reads a diagram stored in either shape.
func DecodeDiagram(doc []byte) (*model.Diagram, error) {
	simple, err := Normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("normalizing diagram: %w", err)
	}
	var s simpleDiagram
	if err := json.Unmarshal(simple, &s); err != nil {
		return nil, fmt.Errorf("decoding diagram: %w", err)
	}
	extra, err := extraFields(simple, diagramKeys)
	if err != nil {
		return nil, err
	}
	return &model.Diagram{
		ID:                    derefID(s.ID),
		ProjectID:             s.ProjectID,
		Title:                 s.Title,
		Content:               s.Content,
		LastModifiedRemoteSHA: s.LastModifiedRemoteSHA,
		CreatedAt:             derefTime(s.CreatedAt),
		UpdatedAt:             derefTime(s.UpdatedAt),
		Extra:                 extra,
	}, nil
}

// withExtra marshals v and merges extra fields that v does not define.
func withExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := marshalJSON(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	m, err := decodeObject(base)
	if err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, defined := m[k]; !defined {
			m[k] = val
		}
	}
	return marshalObject(m)
}

// extraFields returns the keys of doc not listed in known.
func extraFields(doc []byte, known []string) (map[string]json.RawMessage, error) {
	m, err := decodeObject(doc)
	if err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(m, k)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
