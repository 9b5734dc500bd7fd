package ddl

import (
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultExcludedSchemas are never enrolled in the publication.
var DefaultExcludedSchemas = []string{"pg_catalog", "information_schema", "pg_toast", "columnar", "columnar_internal"}

// Admission decides which newly created tables join the change stream.
type Admission struct {
	rewriter *Rewriter
	relay    string
	excluded mapset.Set[string]
}

// NewAdmission creates a policy. relayTable is the bare relay relation name;
// a nil excluded list selects DefaultExcludedSchemas.
func NewAdmission(rewriter *Rewriter, relayTable string, excluded []string) *Admission {
	if excluded == nil {
		excluded = DefaultExcludedSchemas
	}
	set := mapset.NewSet[string]()
	for _, s := range excluded {
		set.Add(strings.ToLower(s))
	}
	if _, name, ok := strings.Cut(relayTable, "."); ok {
		relayTable = name
	}
	return &Admission{rewriter: rewriter, relay: relayTable, excluded: set}
}

// Enroll reports whether schema.table should be added to the publication.
// Columnar twins, the relay relation itself, and tables in excluded schemas
// are refused.
func (a *Admission) Enroll(schema, table string) bool {
	if a.excluded.Contains(strings.ToLower(schema)) {
		return false
	}
	if strings.HasPrefix(schema, "pg_temp") {
		return false
	}
	if table == a.relay {
		return false
	}
	return !a.rewriter.IsTwin(table)
}

// ExcludedSchemas returns the excluded schema names in sorted order.
func (a *Admission) ExcludedSchemas() []string {
	out := a.excluded.ToSlice()
	slices.Sort(out)
	return out
}
