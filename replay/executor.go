package replay

import (
	"context"
	"errors"
	"fmt"

	"row-to-column/txbuf"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"
)

const (
	createCheckpointSQL = `CREATE TABLE IF NOT EXISTS row_to_column_checkpoint (slot_name TEXT PRIMARY KEY, lsn TEXT NOT NULL)`
	readCheckpointSQL   = `SELECT lsn FROM row_to_column_checkpoint WHERE slot_name = $1`
	writeCheckpointSQL  = `INSERT INTO row_to_column_checkpoint (slot_name, lsn) VALUES ($1, $2) ON CONFLICT (slot_name) DO UPDATE SET lsn = excluded.lsn`
)

// StatementError reports the statement that aborted a replay cycle.
type StatementError struct {
	Buffer    txbuf.Handle
	Xid       uint32
	Statement txbuf.Statement
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("replay buffer %d (xid %d) %s statement %q: %v",
		e.Buffer, e.Xid, e.Statement.Kind, e.Statement.SQL, e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// Drainer hands over closed transaction buffers in close order.
type Drainer interface {
	DrainReady() []*txbuf.Buffer
}

// Result summarizes one ReplayAll call.
type Result struct {
	Buffers    int
	Skipped    int
	Statements int
	DDL        int
	Checkpoint pglogrepl.LSN
}

// Executor replays buffers against the columnar store, one outer
// transaction per call.
type Executor struct {
	store Store
	slot  string
	log   *logrus.Entry
}

// NewExecutor creates an executor. The checkpoint row is keyed by slot.
func NewExecutor(store Store, slot string, log *logrus.Entry) *Executor {
	return &Executor{store: store, slot: slot, log: log}
}

// Prepare creates the checkpoint table.
func (e *Executor) Prepare(ctx context.Context) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := tx.Exec(ctx, createCheckpointSQL); err != nil {
		return errors.Join(fmt.Errorf("create checkpoint table: %w", err), tx.Rollback(ctx))
	}
	return tx.Commit(ctx)
}

// ReplayAll drains d until it is empty and executes every buffer's statements
// in order inside a single transaction. Any failure rolls back the whole call.
// Buffers whose source transaction is at or below the stored checkpoint have
// already been applied and are skipped.
func (e *Executor) ReplayAll(ctx context.Context, d Drainer) (Result, error) {
	var res Result

	bufs := d.DrainReady()
	if len(bufs) == 0 {
		return res, nil
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin replay transaction: %w", err)
	}

	checkpoint, err := e.readCheckpoint(ctx, tx)
	if err != nil {
		return res, errors.Join(err, tx.Rollback(ctx))
	}
	res.Checkpoint = checkpoint

	for len(bufs) > 0 {
		for _, buf := range bufs {
			if !buf.Implicit() && checkpoint != 0 && buf.Origin.FinalLSN <= checkpoint {
				e.log.WithFields(logrus.Fields{
					"xid":        buf.Origin.Xid,
					"lsn":        buf.Origin.FinalLSN.String(),
					"checkpoint": checkpoint.String(),
				}).Debug("Skipping already applied transaction")
				res.Skipped++
				continue
			}

			if err := e.replayBuffer(ctx, tx, buf, &res); err != nil {
				return Result{Checkpoint: checkpoint}, errors.Join(err, tx.Rollback(ctx))
			}
			if buf.Origin.FinalLSN > res.Checkpoint {
				res.Checkpoint = buf.Origin.FinalLSN
			}
		}
		bufs = d.DrainReady()
	}

	if res.Checkpoint > checkpoint {
		if err := tx.Exec(ctx, writeCheckpointSQL, e.slot, res.Checkpoint.String()); err != nil {
			return Result{Checkpoint: checkpoint}, errors.Join(fmt.Errorf("write checkpoint: %w", err), tx.Rollback(ctx))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{Checkpoint: checkpoint}, fmt.Errorf("commit replay transaction: %w", err)
	}
	return res, nil
}

func (e *Executor) replayBuffer(ctx context.Context, tx Tx, buf *txbuf.Buffer, res *Result) error {
	for _, stmt := range buf.Statements {
		e.log.WithFields(logrus.Fields{
			"buffer":   buf.Seq,
			"kind":     stmt.Kind.String(),
			"relation": stmt.Relation,
		}).Trace(stmt.SQL)

		if err := tx.Exec(ctx, stmt.SQL); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"buffer":    buf.Seq,
				"xid":       buf.Origin.Xid,
				"relation":  stmt.Relation,
				"statement": stmt.SQL,
			}).Error("Replay statement failed")
			return &StatementError{Buffer: buf.Seq, Xid: buf.Origin.Xid, Statement: stmt, Err: err}
		}
		res.Statements++
		if stmt.Kind == txbuf.KindDDL {
			res.DDL++
		}
	}
	res.Buffers++
	return nil
}

func (e *Executor) readCheckpoint(ctx context.Context, tx Tx) (pglogrepl.LSN, error) {
	var text string
	err := tx.QueryRow(ctx, readCheckpointSQL, e.slot).Scan(&text)
	if errors.Is(err, ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	lsn, err := pglogrepl.ParseLSN(text)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint %q: %w", text, err)
	}
	return lsn, nil
}
