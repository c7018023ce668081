package integrity

import (
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
)

func errFailedConstraint(k dataschema.Pkey) error {
	return fmt.Errorf("pkey %q failed an integrity_constraints predicate", k)
}
