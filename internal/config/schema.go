package config

import (
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
)

// BuildSchema converts the declared types of a config document into a
// dataschema.Schema, the shape the rest of the Producer/Consumer
// pipeline operates on. Both hermes-server and hermes-client-datamodel
// sections decode to the same TypeConfig shape, so one converter serves
// both processes.
func BuildSchema(revision int, types []TypeConfig) (*dataschema.Schema, error) {
	out := make([]*dataschema.Type, 0, len(types))
	for _, tc := range types {
		t := &dataschema.Type{
			Name:                 tc.Name,
			PrimaryKey:           tc.PrimaryKey,
			StringifyTemplate:    tc.StringifyTemplate,
			OnMergeConflict:      dataschema.MergeConflictPolicy(tc.OnMergeConflict),
			IntegrityConstraints: tc.IntegrityConstraints,
			MergeConstraints:     tc.MergeConstraints,
			ForeignKeys:          make(map[string]dataschema.ForeignKey, len(tc.ForeignKeys)),
		}
		for attr, fk := range tc.ForeignKeys {
			t.ForeignKeys[attr] = dataschema.ForeignKey{
				Attr:       attr,
				ParentType: fk.ParentType,
				ParentAttr: fk.ParentAttr,
			}
		}
		for _, sc := range tc.Sources {
			t.Sources = append(t.Sources, buildSourceBinding(sc))
		}
		out = append(out, t)
	}

	schema, err := dataschema.New(revision, out)
	if err != nil {
		return nil, fmt.Errorf("config: build schema: %w", err)
	}
	return schema, nil
}

func buildSourceBinding(sc SourceConfig) *dataschema.SourceBinding {
	sb := &dataschema.SourceBinding{
		Name:                sc.Name,
		FetchQuery:          sc.FetchQuery,
		FetchVars:           sc.FetchVars,
		CommitOne:           sc.CommitOne,
		CommitAll:           sc.CommitAll,
		Mapping:             make(map[string]string, len(sc.Mapping)),
		ListMapping:         sc.ListMapping,
		CacheOnlyAttrs:      toSet(sc.CacheOnlyAttrs),
		SecretAttrs:         toSet(sc.SecretAttrs),
		LocalAttrs:          toSet(sc.LocalAttrs),
		PkeyMergeConstraint: dataschema.PkeyMergeConstraint(sc.PkeyMergeConstraint),
	}
	for attr, expr := range sc.Mapping {
		sb.Mapping[attr] = expr
	}
	return sb
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
