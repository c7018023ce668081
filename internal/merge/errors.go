package merge

import (
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
)

func errAlreadyExists(k dataschema.Pkey) error {
	return fmt.Errorf("pkey %q violates mustNotExist: already present", k)
}

func errMustAlreadyExist(k dataschema.Pkey) error {
	return fmt.Errorf("pkey %q violates mustAlreadyExist: not present in prior sources", k)
}

func errNoCachedEntry(k dataschema.Pkey, attr string) error {
	return fmt.Errorf("pkey %q: no cached value for attribute %q under use_cached_entry", k, attr)
}

func errConstraintFailed(k dataschema.Pkey) error {
	return fmt.Errorf("pkey %q failed merge_constraints predicate", k)
}
