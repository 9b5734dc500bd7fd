// Package repltest builds pgoutput protocol version 1 messages for tests.
package repltest

import (
	"encoding/binary"

	"github.com/jackc/pglogrepl"
)

// Column describes one column of a Relation message.
type Column struct {
	Name string
	OID  uint32
	Key  bool
}

// Value is one column of an Insert tuple.
type Value struct {
	Kind byte
	Data []byte
}

func Text(s string) Value   { return Value{Kind: pglogrepl.TupleDataTypeText, Data: []byte(s)} }
func Binary(b []byte) Value { return Value{Kind: pglogrepl.TupleDataTypeBinary, Data: b} }
func Null() Value           { return Value{Kind: pglogrepl.TupleDataTypeNull} }
func Toast() Value          { return Value{Kind: pglogrepl.TupleDataTypeToast} }

// Begin encodes a 'B' message.
func Begin(xid uint32, finalLSN pglogrepl.LSN) []byte {
	b := []byte{byte(pglogrepl.MessageTypeBegin)}
	b = binary.BigEndian.AppendUint64(b, uint64(finalLSN))
	b = binary.BigEndian.AppendUint64(b, 0)
	b = binary.BigEndian.AppendUint32(b, xid)
	return b
}

// Commit encodes a 'C' message.
func Commit(commitLSN, endLSN pglogrepl.LSN) []byte {
	b := []byte{byte(pglogrepl.MessageTypeCommit), 0}
	b = binary.BigEndian.AppendUint64(b, uint64(commitLSN))
	b = binary.BigEndian.AppendUint64(b, uint64(endLSN))
	b = binary.BigEndian.AppendUint64(b, 0)
	return b
}

// Relation encodes an 'R' message with default replica identity.
func Relation(id uint32, namespace, name string, cols ...Column) []byte {
	b := []byte{byte(pglogrepl.MessageTypeRelation)}
	b = binary.BigEndian.AppendUint32(b, id)
	b = appendString(b, namespace)
	b = appendString(b, name)
	b = append(b, 'd')
	b = binary.BigEndian.AppendUint16(b, uint16(len(cols)))
	for _, c := range cols {
		var flags byte
		if c.Key {
			flags = 1
		}
		b = append(b, flags)
		b = appendString(b, c.Name)
		b = binary.BigEndian.AppendUint32(b, c.OID)
		b = binary.BigEndian.AppendUint32(b, 0xFFFFFFFF)
	}
	return b
}

// Insert encodes an 'I' message carrying a new tuple.
func Insert(id uint32, values ...Value) []byte {
	b := []byte{byte(pglogrepl.MessageTypeInsert)}
	b = binary.BigEndian.AppendUint32(b, id)
	b = append(b, 'N')
	return appendTuple(b, values)
}

// Update encodes a 'U' message with only the new tuple.
func Update(id uint32, values ...Value) []byte {
	b := []byte{byte(pglogrepl.MessageTypeUpdate)}
	b = binary.BigEndian.AppendUint32(b, id)
	b = append(b, 'N')
	return appendTuple(b, values)
}

// Origin encodes an 'O' message.
func Origin(lsn pglogrepl.LSN, name string) []byte {
	b := []byte{byte(pglogrepl.MessageTypeOrigin)}
	b = binary.BigEndian.AppendUint64(b, uint64(lsn))
	return appendString(b, name)
}

func appendTuple(b []byte, values []Value) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(values)))
	for _, v := range values {
		b = append(b, v.Kind)
		if v.Kind == pglogrepl.TupleDataTypeText || v.Kind == pglogrepl.TupleDataTypeBinary {
			b = binary.BigEndian.AppendUint32(b, uint32(len(v.Data)))
			b = append(b, v.Data...)
		}
	}
	return b
}

func appendString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, 0)
}
