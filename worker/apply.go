package worker

import (
	"errors"
	"fmt"

	"row-to-column/repl"
	"row-to-column/txbuf"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"
)

// ProtocolError is an event sequence the buffer manager refuses. The cycle
// is aborted and the batch redelivered.
type ProtocolError struct {
	LSN pglogrepl.LSN
	Tag byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation at %s (%q): %v", e.LSN, e.Tag, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// applyStats counts what one batch contributed.
type applyStats struct {
	messages     int
	decodeErrors int
	discarded    int
	closed       int
	// ack is the position that may be acknowledged once every closed
	// buffer has been replayed; zero means nothing may be acknowledged.
	ack pglogrepl.LSN
}

// apply decodes every message of the batch and feeds the buffer manager.
// An implicit buffer (changes without Begin) ends at the next Begin or at the
// end of the batch; an explicit buffer still open at the end is discarded so
// the source delivers it again.
func (w *Worker) apply(batch repl.Batch) (applyStats, error) {
	var stats applyStats
	var lastCommit pglogrepl.LSN

	for _, m := range batch.Messages {
		stats.messages++

		ev, err := w.decoder.Decode(m.Data)
		if err != nil {
			var de *repl.DecodeError
			if !errors.As(err, &de) {
				return stats, err
			}
			stats.decodeErrors++
			w.log.WithError(err).WithFields(logrus.Fields{
				"lsn": m.LSN.String(),
				"tag": string(de.Tag),
			}).Warn("Dropping undecodable message")
			continue
		}

		switch ev := ev.(type) {
		case repl.BeginEvent:
			if err := w.closeImplicit(m.LSN, &stats); err != nil {
				return stats, &ProtocolError{LSN: m.LSN, Tag: 'B', Err: err}
			}
			if _, err := w.buffers.Open(txbuf.Origin{Xid: ev.Xid, FinalLSN: ev.FinalLSN}); err != nil {
				return stats, &ProtocolError{LSN: m.LSN, Tag: 'B', Err: err}
			}

		case repl.CommitEvent:
			h, ok := w.buffers.Current()
			if !ok {
				return stats, &ProtocolError{LSN: m.LSN, Tag: 'C', Err: txbuf.ErrNoOpenBuffer}
			}
			if err := w.buffers.Close(h, ev.EndLSN); err != nil {
				return stats, &ProtocolError{LSN: m.LSN, Tag: 'C', Err: err}
			}
			stats.closed++
			lastCommit = ev.EndLSN

		case repl.RelationEvent:
			// Already stored in the catalog by the decoder.

		case repl.InsertEvent:
			stmt := txbuf.Statement{Kind: txbuf.KindDML, SQL: ev.Statement, Relation: ev.Relation.QualifiedName()}
			if err := w.appendStatement(stmt); err != nil {
				return stats, &ProtocolError{LSN: m.LSN, Tag: 'I', Err: err}
			}

		case repl.RelayEvent:
			stmt := txbuf.Statement{Kind: txbuf.KindDDL, SQL: ev.Statement, Relation: ev.Relation.QualifiedName()}
			if err := w.appendStatement(stmt); err != nil {
				return stats, &ProtocolError{LSN: m.LSN, Tag: 'I', Err: err}
			}
			w.log.WithField("statement", ev.Statement).Info("Relayed statement queued")

		case repl.DiscardEvent:
			stats.discarded++
			w.log.WithFields(logrus.Fields{
				"lsn":         m.LSN.String(),
				"tag":         string(rune(ev.Tag)),
				"relation_id": ev.RelationID,
				"reason":      ev.Reason,
			}).Debug("Message discarded")
		}
	}

	open := w.buffers.OpenBuffer()
	switch {
	case open == nil:
		stats.ack = batch.End
	case open.Implicit():
		if err := w.buffers.Close(open.Seq, batch.End); err != nil {
			return stats, &ProtocolError{LSN: batch.End, Err: err}
		}
		stats.closed++
		stats.ack = batch.End
	default:
		w.buffers.DiscardOpen()
		w.log.WithFields(logrus.Fields{
			"xid":       open.Origin.Xid,
			"final_lsn": open.Origin.FinalLSN.String(),
		}).Info("Transaction incomplete at end of batch, awaiting redelivery")
		stats.ack = lastCommit
	}
	return stats, nil
}

// appendStatement appends to the open buffer, opening an implicit one when a
// change arrives without Begin.
func (w *Worker) appendStatement(stmt txbuf.Statement) error {
	h, ok := w.buffers.Current()
	if !ok {
		var err error
		if h, err = w.buffers.Open(txbuf.Origin{}); err != nil {
			return err
		}
	}
	return w.buffers.Append(h, stmt)
}

func (w *Worker) closeImplicit(at pglogrepl.LSN, stats *applyStats) error {
	open := w.buffers.OpenBuffer()
	if open == nil || !open.Implicit() {
		return nil
	}
	if err := w.buffers.Close(open.Seq, at); err != nil {
		return err
	}
	stats.closed++
	return nil
}
