package repl

import (
	"errors"
	"fmt"

	"row-to-column/catalog"
	"row-to-column/encoder"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"
)

// DefaultRelayPayloadColumn is the 0-indexed position of the statement text in
// the relay relation (id, kind, ddl, created_at).
const DefaultRelayPayloadColumn = 2

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrRelayPayload = errors.New("relay row has no usable payload column")
)

// DecodeError is returned for malformed or truncated messages. The message is
// dropped; decoding of the rest of the batch continues.
type DecodeError struct {
	Tag byte
	Err error
}

func (e *DecodeError) Error() string {
	if e.Tag == 0 {
		return fmt.Sprintf("decode message: %v", e.Err)
	}
	return fmt.Sprintf("decode %q message: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder parses pgoutput (protocol version 1) messages into Events, keeping
// the relation catalog up to date as a side effect.
type Decoder struct {
	catalog     *catalog.Catalog
	encoder     *encoder.Encoder
	relayColumn int
	log         *logrus.Entry
}

// NewDecoder creates a decoder. A negative relayColumn selects
// DefaultRelayPayloadColumn.
func NewDecoder(cat *catalog.Catalog, enc *encoder.Encoder, relayColumn int, log *logrus.Entry) *Decoder {
	if relayColumn < 0 {
		relayColumn = DefaultRelayPayloadColumn
	}
	return &Decoder{
		catalog:     cat,
		encoder:     enc,
		relayColumn: relayColumn,
		log:         log,
	}
}

// Decode parses a single raw message.
func (d *Decoder) Decode(raw []byte) (Event, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Err: ErrEmptyMessage}
	}

	msg, err := pglogrepl.Parse(raw)
	if err != nil {
		return nil, &DecodeError{Tag: raw[0], Err: err}
	}

	switch msg := msg.(type) {
	case *pglogrepl.BeginMessage:
		return BeginEvent{Xid: msg.Xid, FinalLSN: msg.FinalLSN, CommitTime: msg.CommitTime}, nil

	case *pglogrepl.CommitMessage:
		return CommitEvent{CommitLSN: msg.CommitLSN, EndLSN: msg.TransactionEndLSN, CommitTime: msg.CommitTime}, nil

	case *pglogrepl.RelationMessage:
		rel := d.catalog.Define(relationFromMessage(msg))
		d.log.WithFields(logrus.Fields{
			"relation": rel.QualifiedName(),
			"columns":  len(rel.Columns),
			"kind":     rel.Kind.String(),
		}).Debug("Relation defined")
		return RelationEvent{Relation: rel}, nil

	case *pglogrepl.InsertMessage:
		return d.handleInsert(msg)

	case *pglogrepl.UpdateMessage:
		return DiscardEvent{Tag: msg.Type(), RelationID: msg.RelationID, Reason: "update replication is not supported"}, nil
	case *pglogrepl.DeleteMessage:
		return DiscardEvent{Tag: msg.Type(), RelationID: msg.RelationID, Reason: "delete replication is not supported"}, nil
	case *pglogrepl.TruncateMessage:
		return DiscardEvent{Tag: msg.Type(), Reason: "truncate replication is not supported"}, nil

	default:
		return DiscardEvent{Tag: msg.Type(), Reason: "message carries no row change"}, nil
	}
}

func (d *Decoder) handleInsert(msg *pglogrepl.InsertMessage) (Event, error) {
	rel, err := d.catalog.Lookup(msg.RelationID)
	if err != nil {
		// The tuple was fully parsed, so nothing is left behind for the next message.
		return DiscardEvent{Tag: msg.Type(), RelationID: msg.RelationID, Reason: "unknown relation"}, nil
	}

	var cols []*pglogrepl.TupleDataColumn
	if msg.Tuple != nil {
		cols = msg.Tuple.Columns
	}

	switch rel.Kind {
	case catalog.KindRelay:
		return d.handleRelay(msg, rel, cols)
	default:
		stmt, err := d.encoder.Insert(rel, cols)
		if err != nil {
			return nil, &DecodeError{Tag: byte(msg.Type()), Err: fmt.Errorf("relation %s: %w", rel.QualifiedName(), err)}
		}
		return InsertEvent{Relation: rel, Statement: stmt}, nil
	}
}

func (d *Decoder) handleRelay(msg *pglogrepl.InsertMessage, rel *catalog.Relation, cols []*pglogrepl.TupleDataColumn) (Event, error) {
	if d.relayColumn >= len(cols) {
		return nil, &DecodeError{Tag: byte(msg.Type()), Err: fmt.Errorf("%w: column %d of %d", ErrRelayPayload, d.relayColumn, len(cols))}
	}

	col := cols[d.relayColumn]
	switch col.DataType {
	case pglogrepl.TupleDataTypeText:
		return RelayEvent{Relation: rel, Statement: string(col.Data)}, nil
	case pglogrepl.TupleDataTypeNull:
		return DiscardEvent{Tag: msg.Type(), RelationID: rel.ID, Reason: "relay payload is null"}, nil
	default:
		return nil, &DecodeError{Tag: byte(msg.Type()), Err: fmt.Errorf("%w: data type %q", ErrRelayPayload, col.DataType)}
	}
}

func relationFromMessage(msg *pglogrepl.RelationMessage) catalog.Relation {
	cols := make([]catalog.Column, len(msg.Columns))
	for i, c := range msg.Columns {
		cols[i] = catalog.Column{
			Name:         c.Name,
			TypeOID:      c.DataType,
			TypeModifier: c.TypeModifier,
			Key:          c.Flags&1 == 1,
		}
	}
	return catalog.Relation{
		ID:        msg.RelationID,
		Namespace: msg.Namespace,
		Name:      msg.RelationName,
		Columns:   cols,
	}
}
