package txbuf

import (
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
)

var (
	ErrNestedBegin   = errors.New("transaction opened while another is open")
	ErrNoOpenBuffer  = errors.New("no open transaction buffer")
	ErrBufferClosed  = errors.New("transaction buffer already closed")
	ErrUnknownHandle = errors.New("unknown transaction buffer handle")
)

// Handle identifies a buffer by its position in the pending queue.
type Handle uint64

// StatementKind separates row DML from relayed DDL.
type StatementKind uint8

const (
	KindDML StatementKind = iota
	KindDDL
)

func (k StatementKind) String() string {
	if k == KindDDL {
		return "ddl"
	}
	return "dml"
}

// Statement is one replay-ready SQL string.
type Statement struct {
	Kind     StatementKind
	SQL      string
	Relation string
}

// Origin describes the source transaction a buffer was opened for. The zero
// value marks a buffer opened implicitly by a change without a Begin.
type Origin struct {
	Xid      uint32
	FinalLSN pglogrepl.LSN
}

// Buffer holds the statements of one source transaction.
type Buffer struct {
	Seq        Handle
	Origin     Origin
	EndLSN     pglogrepl.LSN
	Statements []Statement
	closed     bool
}

// Implicit reports whether the buffer was opened without a Begin message.
func (b *Buffer) Implicit() bool {
	return b.Origin == Origin{}
}

// Manager owns the open buffer and the FIFO of closed ones. It is used by a
// single worker and is not safe for concurrent use.
type Manager struct {
	next  Handle
	open  *Buffer
	ready []*Buffer
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{next: 1}
}

// Open starts a new buffer. Only one buffer may be open at a time.
func (m *Manager) Open(origin Origin) (Handle, error) {
	if m.open != nil {
		return 0, fmt.Errorf("%w: buffer %d (xid %d) still open", ErrNestedBegin, m.open.Seq, m.open.Origin.Xid)
	}
	b := &Buffer{Seq: m.next, Origin: origin}
	m.next++
	m.open = b
	return b.Seq, nil
}

// Current returns the open buffer's handle, if any.
func (m *Manager) Current() (Handle, bool) {
	if m.open == nil {
		return 0, false
	}
	return m.open.Seq, true
}

// OpenBuffer returns the open buffer, or nil.
func (m *Manager) OpenBuffer() *Buffer {
	return m.open
}

// Append adds a statement to the open buffer identified by h.
func (m *Manager) Append(h Handle, stmt Statement) error {
	b, err := m.lookupOpen(h)
	if err != nil {
		return err
	}
	b.Statements = append(b.Statements, stmt)
	return nil
}

// Close moves the open buffer to the ready queue.
func (m *Manager) Close(h Handle, endLSN pglogrepl.LSN) error {
	if m.open == nil {
		return fmt.Errorf("%w: close of buffer %d", ErrNoOpenBuffer, h)
	}
	b, err := m.lookupOpen(h)
	if err != nil {
		return err
	}
	b.closed = true
	b.EndLSN = endLSN
	m.ready = append(m.ready, b)
	m.open = nil
	return nil
}

// DrainReady returns every closed buffer in close order and forgets them.
func (m *Manager) DrainReady() []*Buffer {
	out := m.ready
	m.ready = nil
	return out
}

// Pending returns the number of closed buffers waiting for replay.
func (m *Manager) Pending() int {
	return len(m.ready)
}

// DiscardOpen drops the open buffer, returning it if there was one.
func (m *Manager) DiscardOpen() *Buffer {
	b := m.open
	m.open = nil
	return b
}

// Discard drops the open buffer and everything waiting for replay.
func (m *Manager) Discard() {
	m.open = nil
	m.ready = nil
}

func (m *Manager) lookupOpen(h Handle) (*Buffer, error) {
	if m.open != nil && m.open.Seq == h {
		return m.open, nil
	}
	if h > 0 && h < m.next {
		return nil, fmt.Errorf("%w: buffer %d", ErrBufferClosed, h)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
}
