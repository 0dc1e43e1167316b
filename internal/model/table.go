package model

import (
	"fmt"
	"strings"
)

// TableRef identifies a single BigQuery table.
type TableRef struct {
	ProjectID string `json:"project" yaml:"project"`
	DatasetID string `json:"dataset" yaml:"dataset"`
	TableID   string `json:"table" yaml:"table"`
}

// ParseTableRef parses the project.dataset.table form.
func ParseTableRef(s string) (TableRef, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return TableRef{}, fmt.Errorf("%w: table %q must have a project.dataset.table form", ErrInvalidArgument, s)
	}
	ref := TableRef{ProjectID: parts[0], DatasetID: parts[1], TableID: parts[2]}
	if err := ref.Validate(); err != nil {
		return TableRef{}, err
	}
	return ref, nil
}

func (t TableRef) Validate() error {
	switch "" {
	case t.ProjectID:
		return fmt.Errorf("%w: table %s has an empty project", ErrInvalidArgument, t)
	case t.DatasetID:
		return fmt.Errorf("%w: table %s has an empty dataset", ErrInvalidArgument, t)
	case t.TableID:
		return fmt.Errorf("%w: table %s has an empty table id", ErrInvalidArgument, t)
	}
	return nil
}

func (t TableRef) String() string {
	return t.ProjectID + "." + t.DatasetID + "." + t.TableID
}
