package model

import (
	"strings"

	"subscribe-service/pkg/domainerr"
)

type ObjectType string

const (
	ObjectDataset      ObjectType = "dataset"
	ObjectGroup        ObjectType = "group"
	ObjectOrganization ObjectType = "organization"
)

func (t ObjectType) Valid() bool {
	switch t {
	case ObjectDataset, ObjectGroup, ObjectOrganization:
		return true
	}
	return false
}

// Target identifies a resolved catalog object.
type Target struct {
	Type ObjectType
	ID   string
}

// TargetRef is an unresolved reference: an id or a name of the given kind.
type TargetRef struct {
	Type ObjectType
	Ref  string
}

const targetFields = `"dataset_id", "group_id" or "organization_id"`

// NewTargetRef builds a reference from the three mutually exclusive inputs.
func NewTargetRef(dataset, group, organization string) (TargetRef, error) {
	var refs []TargetRef
	for _, r := range []TargetRef{
		{Type: ObjectDataset, Ref: strings.TrimSpace(dataset)},
		{Type: ObjectGroup, Ref: strings.TrimSpace(group)},
		{Type: ObjectOrganization, Ref: strings.TrimSpace(organization)},
	} {
		if r.Ref != "" {
			refs = append(refs, r)
		}
	}

	switch len(refs) {
	case 0:
		return TargetRef{}, domainerr.Validation("target", "Must specify one of: "+targetFields)
	case 1:
		return refs[0], nil
	default:
		return TargetRef{}, domainerr.Validation("target", "Must not specify more than one of: "+targetFields)
	}
}
