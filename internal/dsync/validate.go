package dsync

import (
	"encoding/json"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"diagramsync/internal/codec"
	"diagramsync/internal/model"
)

var repositoryPathPattern = regexp.MustCompile(`^[^/\s]+(/[^/\s]+)+$`)

// noReservedField rejects extra fields named like the derived index field.
func noReservedField(kind codec.Kind) validation.RuleFunc {
	reserved := codec.ReservedField(kind)
	return func(value any) error {
		extra, _ := value.(map[string]json.RawMessage)
		if _, ok := extra[reserved]; ok {
			return fmt.Errorf("must not contain the reserved field %q", reserved)
		}
		return nil
	}
}

func knownProviders() []any {
	out := make([]any, len(model.KnownProviders))
	for i, p := range model.KnownProviders {
		out[i] = p
	}
	return out
}

// ValidateProject checks p before it is written. A remote project needs an
// owner/repo path; a local project must not carry one.
func ValidateProject(p *model.Project) error {
	err := validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&p.GitProvider, validation.Required, validation.In(knownProviders()...)),
		validation.Field(&p.RepositoryPath,
			validation.When(p.IsRemote(),
				validation.Required.Error("is required for a remote project"),
				validation.Match(repositoryPathPattern).Error("must be of the form owner/repo"),
			).Else(
				validation.Empty.Error("must be empty for a local project"),
			),
		),
		validation.Field(&p.Extra, validation.By(noReservedField(codec.KindProject))),
	)
	if err != nil {
		return &ValidationError{Kind: "project", Err: err}
	}
	return nil
}

// ValidateDiagram checks d before it is written. Content may be empty.
func ValidateDiagram(d *model.Diagram) error {
	err := validation.ValidateStruct(d,
		validation.Field(&d.ProjectID, validation.Required),
		validation.Field(&d.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&d.Extra, validation.By(noReservedField(codec.KindDiagram))),
	)
	if err != nil {
		return &ValidationError{Kind: "diagram", Err: err}
	}
	return nil
}
