package repl

import (
	"time"

	"row-to-column/catalog"

	"github.com/jackc/pglogrepl"
)

// Event is one decoded change-stream message. The set of implementations is
// closed; consumers switch on the concrete type.
type Event interface {
	event()
}

// BeginEvent starts a source transaction.
type BeginEvent struct {
	Xid        uint32
	FinalLSN   pglogrepl.LSN
	CommitTime time.Time
}

// CommitEvent ends the current source transaction.
type CommitEvent struct {
	CommitLSN  pglogrepl.LSN
	EndLSN     pglogrepl.LSN
	CommitTime time.Time
}

// RelationEvent announces a schema that has already been stored in the catalog.
type RelationEvent struct {
	Relation *catalog.Relation
}

// InsertEvent is a row written to a shadowed table, already rendered as an
// INSERT against its columnar twin.
type InsertEvent struct {
	Relation  *catalog.Relation
	Statement string
}

// RelayEvent carries a statement published through the relay relation. It is
// replayed verbatim.
type RelayEvent struct {
	Relation  *catalog.Relation
	Statement string
}

// DiscardEvent is a message that was decoded but produces nothing to replay.
type DiscardEvent struct {
	Tag        pglogrepl.MessageType
	RelationID uint32
	Reason     string
}

func (BeginEvent) event()    {}
func (CommitEvent) event()   {}
func (RelationEvent) event() {}
func (InsertEvent) event()   {}
func (RelayEvent) event()    {}
func (DiscardEvent) event()  {}
