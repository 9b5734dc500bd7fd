package catalog

import (
	"errors"
	"strings"
)

var ErrNotFound = errors.New("relation not found")

// Kind tells the decoder what an insert into the relation means.
type Kind uint8

const (
	// KindShadow relations are mirrored into a columnar twin.
	KindShadow Kind = iota
	// KindRelay is the reserved side channel carrying rewritten DDL.
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindShadow:
		return "shadow"
	case KindRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Column is one entry of a relation's ordered column list.
type Column struct {
	Name         string
	TypeOID      uint32
	TypeModifier int32
	Key          bool
}

// Relation is the schema announced by a pgoutput Relation message.
type Relation struct {
	ID        uint32
	Namespace string
	Name      string
	Columns   []Column
	Kind      Kind
}

// QualifiedName returns "namespace.name", or the bare name when no namespace is known.
func (r *Relation) QualifiedName() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "." + r.Name
}

// Options configures relay classification.
type Options struct {
	// RelayTable is the reserved relay relation, either "name" or "schema.name".
	// Defaults to "ddl_queue".
	RelayTable string
}

// Catalog maps relation ids to their current schema. It belongs to a single
// worker and is not safe for concurrent use.
type Catalog struct {
	relations      map[uint32]*Relation
	relayNamespace string
	relayName      string
}

// New creates an empty catalog.
func New(opts Options) *Catalog {
	relay := opts.RelayTable
	if relay == "" {
		relay = "ddl_queue"
	}

	c := &Catalog{relations: make(map[uint32]*Relation)}
	if ns, name, ok := strings.Cut(relay, "."); ok {
		c.relayNamespace, c.relayName = ns, name
	} else {
		c.relayName = relay
	}
	return c
}

// Define inserts or replaces the entry for rel.ID. The relation is copied and
// classified; the stored entry is never mutated afterwards.
func (c *Catalog) Define(rel Relation) *Relation {
	stored := rel
	stored.Columns = append([]Column(nil), rel.Columns...)
	stored.Kind = c.classify(rel.Namespace, rel.Name)
	c.relations[rel.ID] = &stored
	return &stored
}

// Lookup returns the cached schema for id or ErrNotFound.
func (c *Catalog) Lookup(id uint32) (*Relation, error) {
	rel, ok := c.relations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rel, nil
}

// Len returns the number of cached relations.
func (c *Catalog) Len() int {
	return len(c.relations)
}

// Snapshot returns copies of every cached relation.
func (c *Catalog) Snapshot() []Relation {
	out := make([]Relation, 0, len(c.relations))
	for _, rel := range c.relations {
		cp := *rel
		cp.Columns = append([]Column(nil), rel.Columns...)
		out = append(out, cp)
	}
	return out
}

func (c *Catalog) classify(namespace, name string) Kind {
	if name != c.relayName {
		return KindShadow
	}
	if c.relayNamespace != "" && namespace != c.relayNamespace {
		return KindShadow
	}
	return KindRelay
}
