package dsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"diagramsync/internal/codec"
	"diagramsync/internal/model"
)

// Keys holding the embedded diagrams of an exported project document.
const (
	semanticDiagramsKey = "ds:diagrams"
	simpleDiagramsKey   = "diagrams"
)

// Transfer moves diagrams in and out of the store as files: a single diagram
// as plain text, or a whole project as one JSON document with its diagrams
// embedded. Project documents are accepted in either record shape.
type Transfer struct {
	store  Store
	logger Logger
}

// NewTransfer creates a Transfer over store.
func NewTransfer(store Store, logger Logger) *Transfer {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Transfer{store: store, logger: logger}
}

// ImportResult reports what an import changed.
type ImportResult struct {
	Project *model.Project
	Created []*model.Diagram
	Updated []*model.Diagram
}

// TitleFromFile returns the diagram title a plain-text file maps to.
func TitleFromFile(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ImportFile imports data read from the file name. Plain diagram files go into
// the project named projectName; JSON files create a new project, named
// projectName if it is set.
func (t *Transfer) ImportFile(ctx context.Context, name string, data []byte, projectName string) (*ImportResult, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonld":
		return t.ImportProject(ctx, data, projectName)
	}

	if projectName == "" {
		return nil, &ValidationError{Kind: "diagram", Err: errors.New("a project is required to import a diagram file")}
	}
	p, err := t.store.GetProjectByName(ctx, projectName)
	if err != nil {
		return nil, fmt.Errorf("finding project: %w", err)
	}
	if p == nil {
		return nil, &ValidationError{Kind: "diagram", Err: fmt.Errorf("project %q does not exist", projectName)}
	}

	d, created, err := t.ImportDiagram(ctx, p.ID, TitleFromFile(name), string(data))
	if err != nil {
		return nil, err
	}
	res := &ImportResult{Project: p}
	if created {
		res.Created = append(res.Created, d)
	} else if d != nil {
		res.Updated = append(res.Updated, d)
	}
	return res, nil
}

// ImportDiagram adds a diagram titled title to the project, or replaces the
// content of the one already there. It returns a nil diagram if the content
// is unchanged.
func (t *Transfer) ImportDiagram(ctx context.Context, projectID int64, title, content string) (*model.Diagram, bool, error) {
	existing, err := t.store.GetDiagramByTitle(ctx, projectID, title)
	if err != nil {
		return nil, false, fmt.Errorf("finding diagram: %w", err)
	}
	if existing == nil {
		d := &model.Diagram{ProjectID: projectID, Title: title, Content: content}
		if _, err := t.store.AddDiagram(ctx, d); err != nil {
			return nil, false, fmt.Errorf("adding diagram: %w", err)
		}
		t.logger.Info("diagram imported", "project", projectID, "title", title)
		return d, true, nil
	}

	if existing.Content == content {
		return nil, false, nil
	}
	existing.Content = content
	if err := t.store.UpdateDiagram(ctx, existing); err != nil {
		return nil, false, fmt.Errorf("updating diagram: %w", err)
	}
	t.logger.Info("diagram reimported", "project", projectID, "title", title)
	return existing, false, nil
}

// ImportProject creates a project and its diagrams from an exported project
// document. Ids, timestamps and remote hashes in the document are not kept:
// the import is a new project. If a diagram fails, the project is removed again.
func (t *Transfer) ImportProject(ctx context.Context, data []byte, name string) (*ImportResult, error) {
	key := simpleDiagramsKey
	if codec.IsSemantic(data) {
		kind, err := codec.KindOf(data)
		if err != nil {
			return nil, fmt.Errorf("reading document type: %w", err)
		}
		if kind != codec.KindProject {
			return nil, &ValidationError{Kind: "project", Err: fmt.Errorf("document describes a %s, not a project", kind)}
		}
		key = semanticDiagramsKey
	} else if !gjson.ValidBytes(data) {
		return nil, &ValidationError{Kind: "project", Err: errors.New("document is not valid JSON")}
	}

	embedded := gjson.GetBytes(data, gjson.Escape(key))
	doc, err := sjson.DeleteBytes(data, gjson.Escape(key))
	if err != nil {
		return nil, fmt.Errorf("separating diagrams: %w", err)
	}

	p, err := codec.DecodeProject(doc)
	if err != nil {
		return nil, fmt.Errorf("decoding project: %w", err)
	}
	p.ID = 0
	p.CreatedAt, p.UpdatedAt = time.Time{}, time.Time{}
	if name != "" {
		p.Name = name
	}

	var diagrams []*model.Diagram
	for _, raw := range embedded.Array() {
		d, err := codec.DecodeDiagram([]byte(raw.Raw))
		if err != nil {
			return nil, fmt.Errorf("decoding diagram: %w", err)
		}
		diagrams = append(diagrams, d)
	}

	if _, err := t.store.AddProject(ctx, p); err != nil {
		return nil, fmt.Errorf("adding project: %w", err)
	}

	res := &ImportResult{Project: p}
	for _, d := range diagrams {
		d.ID = 0
		d.ProjectID = p.ID
		d.LastModifiedRemoteSHA = ""
		d.CreatedAt, d.UpdatedAt = time.Time{}, time.Time{}
		if _, err := t.store.AddDiagram(ctx, d); err != nil {
			if derr := t.store.DiscardProject(ctx, p.ID); derr != nil {
				t.logger.Error("removing partially imported project", "project", p.ID, "error", derr)
			}
			return nil, fmt.Errorf("adding diagram %q: %w", d.Title, err)
		}
		res.Created = append(res.Created, d)
	}

	t.logger.Info("project imported", "project", p.ID, "name", p.Name, "diagrams", len(res.Created))
	return res, nil
}

// ExportDiagram returns the diagram's content as stored in a plain file.
func (t *Transfer) ExportDiagram(ctx context.Context, id int64) (string, error) {
	d, err := t.store.GetDiagram(ctx, id)
	if err != nil {
		return "", fmt.Errorf("loading diagram: %w", err)
	}
	if d == nil {
		return "", &NotFoundError{Kind: "diagram", ID: id}
	}
	return d.Content, nil
}

// ExportProject returns the project and its diagrams as one JSON document,
// in the semantic shape if semantic is set and the simple shape otherwise.
func (t *Transfer) ExportProject(ctx context.Context, id int64, semantic bool) ([]byte, error) {
	p, err := t.store.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}
	if p == nil {
		return nil, &NotFoundError{Kind: "project", ID: id}
	}
	diagrams, err := t.store.GetDiagramsByProjectID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading diagrams: %w", err)
	}

	encodeProject, encodeDiagram, key := codec.MarshalProject, codec.MarshalDiagram, simpleDiagramsKey
	if semantic {
		encodeProject, encodeDiagram, key = codec.EncodeProject, codec.EncodeDiagram, semanticDiagramsKey
	}

	doc, err := encodeProject(p)
	if err != nil {
		return nil, fmt.Errorf("encoding project: %w", err)
	}
	items := make([][]byte, 0, len(diagrams))
	for _, d := range diagrams {
		raw, err := encodeDiagram(d)
		if err != nil {
			return nil, fmt.Errorf("encoding diagram %d: %w", d.ID, err)
		}
		items = append(items, raw)
	}
	list := append(append([]byte{'['}, bytes.Join(items, []byte{','})...), ']')
	doc, err = sjson.SetRawBytes(doc, gjson.Escape(key), list)
	if err != nil {
		return nil, fmt.Errorf("embedding diagrams: %w", err)
	}
	return doc, nil
}
