// Package codec converts records between the simple shape used by the rest of
// the program and the semantic (JSON-LD) shape used at rest.
//
// Simple shape:
//
//	{"id": 42, "name": "Demo", "gitProvider": "local", "createdAt": "..."}
//
// Semantic shape:
//
//	{"@context": {"ds": "https://diagramsync.dev/ns#"}, "@type": "ds:Project",
//	 "@id": "urn:diagramsync:project:42", "ds:name": "Demo", "ds:gitProvider": "local",
//	 "ds:_nameKey": "Demo"}
//
// The shape of a stored blob is detected from the @context and @type markers.
// Fields neither shape defines pass through unchanged in both directions.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind is the record type a document describes.
type Kind string

const (
	KindProject Kind = "project"
	KindDiagram Kind = "diagram"
)

const (
	// Namespace is the vocabulary IRI bound to the "ds" prefix.
	Namespace = "https://diagramsync.dev/ns#"

	urnPrefix = "urn:diagramsync:"

	keyContext = "@context"
	keyType    = "@type"
	keyID      = "@id"
)

var contextJSON = json.RawMessage(`{"ds":"` + Namespace + `"}`)

// field maps one simple property to its semantic name.
type field struct {
	simple   string
	semantic string
	ref      Kind // non-empty when the value is a numeric id of another record
}

type kindSpec struct {
	typeName string
	indexKey string // derived field used by the store's unique index, reserved in both shapes
	indexOf  string // simple field the index key mirrors
	fields   []field
}

var specs = map[Kind]kindSpec{
	KindProject: {
		typeName: "ds:Project",
		indexKey: "ds:_nameKey",
		indexOf:  "name",
		fields: []field{
			{simple: "name", semantic: "ds:name"},
			{simple: "gitProvider", semantic: "ds:gitProvider"},
			{simple: "repositoryPath", semantic: "ds:repositoryPath"},
			{simple: "createdAt", semantic: "ds:createdAt"},
			{simple: "updatedAt", semantic: "ds:updatedAt"},
		},
	},
	KindDiagram: {
		typeName: "ds:Diagram",
		indexKey: "ds:_titleKey",
		indexOf:  "title",
		fields: []field{
			{simple: "projectId", semantic: "ds:project", ref: KindProject},
			{simple: "title", semantic: "ds:title"},
			{simple: "content", semantic: "ds:content"},
			{simple: "lastModifiedRemoteSha", semantic: "ds:lastModifiedRemoteSha"},
			{simple: "createdAt", semantic: "ds:createdAt"},
			{simple: "updatedAt", semantic: "ds:updatedAt"},
		},
	},
}

func (s kindSpec) bySimple(name string) (field, bool) {
	for _, f := range s.fields {
		if f.simple == name {
			return f, true
		}
	}
	return field{}, false
}

func (s kindSpec) bySemantic(name string) (field, bool) {
	for _, f := range s.fields {
		if f.semantic == name {
			return f, true
		}
	}
	return field{}, false
}

// IsSemantic reports whether doc carries the semantic context and type markers.
func IsSemantic(doc []byte) bool {
	res := gjson.GetManyBytes(doc, gjson.Escape(keyContext), gjson.Escape(keyType))
	return res[0].Exists() && res[1].Exists()
}

// KindOf returns the record kind declared by a semantic document's @type.
func KindOf(doc []byte) (Kind, error) {
	typeName := gjson.GetBytes(doc, gjson.Escape(keyType)).String()
	for kind, spec := range specs {
		if spec.typeName == typeName {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown record type %q", typeName)
}

// ReservedField returns the name of the derived index field of kind. A record
// may not carry an extra field of that name.
func ReservedField(kind Kind) string {
	return specs[kind].indexKey
}

// IndexKey returns the derived index field of a semantic document, or "" if absent.
func IndexKey(kind Kind, doc []byte) string {
	return gjson.GetBytes(doc, gjson.Escape(specs[kind].indexKey)).String()
}

// URN builds the semantic identifier for a numeric record id.
func URN(kind Kind, id int64) string {
	return urnPrefix + string(kind) + ":" + strconv.FormatInt(id, 10)
}

// ParseURN extracts the kind and numeric id from a semantic identifier.
func ParseURN(urn string) (Kind, int64, error) {
	rest, ok := strings.CutPrefix(urn, urnPrefix)
	if !ok {
		return "", 0, fmt.Errorf("identifier %q is not a %s URN", urn, strings.TrimSuffix(urnPrefix, ":"))
	}
	kind, num, ok := strings.Cut(rest, ":")
	if !ok {
		return "", 0, fmt.Errorf("identifier %q has no numeric part", urn)
	}
	id, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("identifier %q: %w", urn, err)
	}
	return Kind(kind), id, nil
}

// SetID writes the semantic identifier into a semantic document.
func SetID(kind Kind, doc []byte, id int64) ([]byte, error) {
	out, err := sjson.SetBytes(doc, gjson.Escape(keyID), URN(kind, id))
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", keyID, err)
	}
	return out, nil
}

// Normalize converts a semantic document to the simple shape. A document
// without the semantic markers is returned unchanged.
func Normalize(doc []byte) ([]byte, error) {
	if !IsSemantic(doc) {
		return doc, nil
	}
	kind, err := KindOf(doc)
	if err != nil {
		return nil, err
	}
	spec := specs[kind]

	in, err := decodeObject(doc)
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(in))
	for key, value := range in {
		switch key {
		case keyContext, keyType, keyID, spec.indexKey:
			continue
		}

		f, known := spec.bySemantic(key)
		if !known {
			out[key] = value
			continue
		}
		if isNull(value) {
			continue
		}
		if f.ref != "" {
			id, err := refValue(f.ref, value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			value = id
		}
		out[f.simple] = value
	}

	// @id wins over a pass-through "id".
	if value, ok := in[keyID]; ok && !isNull(value) {
		id, err := refValue(kind, value)
		if err != nil {
			return nil, err
		}
		out["id"] = id
	}

	return marshalObject(out)
}

// Denormalize converts a simple document of the given kind to the semantic
// shape. A document that already carries the semantic markers is returned
// unchanged apart from its derived index field, which is always recomputed.
func Denormalize(kind Kind, doc []byte) ([]byte, error) {
	spec, ok := specs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	if IsSemantic(doc) {
		f, _ := spec.bySimple(spec.indexOf)
		mirror := gjson.GetBytes(doc, gjson.Escape(f.semantic)).String()
		out, err := sjson.SetBytes(doc, gjson.Escape(spec.indexKey), mirror)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", spec.indexKey, err)
		}
		return out, nil
	}

	in, err := decodeObject(doc)
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(in)+3)
	out[keyContext] = contextJSON
	out[keyType] = mustMarshal(spec.typeName)

	for key, value := range in {
		switch key {
		case "id":
			continue
		case spec.indexKey:
			return nil, fmt.Errorf("field %q is reserved", key)
		}

		f, known := spec.bySimple(key)
		if !known {
			out[key] = value
			continue
		}
		if isNull(value) {
			continue
		}
		if f.ref != "" {
			var id int64
			if err := json.Unmarshal(value, &id); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			value = mustMarshal(URN(f.ref, id))
		}
		out[f.semantic] = value
	}

	// "id" wins over a pass-through "@id".
	if value, ok := in["id"]; ok && !isNull(value) {
		var id int64
		if err := json.Unmarshal(value, &id); err != nil {
			return nil, fmt.Errorf("id: %w", err)
		}
		out[keyID] = mustMarshal(URN(kind, id))
	}

	mirror := gjson.GetBytes(doc, spec.indexOf).String()
	out[spec.indexKey] = mustMarshal(mirror)

	return marshalObject(out)
}

// refValue turns a URN string into its numeric id as JSON.
func refValue(kind Kind, value json.RawMessage) (json.RawMessage, error) {
	var urn string
	if err := json.Unmarshal(value, &urn); err != nil {
		return nil, fmt.Errorf("identifier is not a string: %w", err)
	}
	got, id, err := ParseURN(urn)
	if err != nil {
		return nil, err
	}
	if got != kind {
		return nil, fmt.Errorf("identifier %q refers to a %s, want %s", urn, got, kind)
	}
	return mustMarshal(id), nil
}

func decodeObject(doc []byte) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("decoding record: not a JSON object")
	}
	return m, nil
}

// marshalObject encodes without HTML escaping so diagram text such as "A-->B"
// is stored as written.
func marshalObject(m map[string]json.RawMessage) ([]byte, error) {
	return marshalJSON(m)
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
