package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"row-to-column/catalog"
	"row-to-column/models"
	"row-to-column/repl"
	"row-to-column/replay"
	"row-to-column/txbuf"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrTooManyFailures = errors.New("too many consecutive failed cycles")

// Config controls retry behaviour of Run.
type Config struct {
	// Slot names the stream in status reports.
	Slot string
	// BaseDelay is the first retry delay after a failed cycle. Defaults to 1s.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff. Defaults to 30s.
	MaxDelay time.Duration
	// MaxConsecutiveFailures makes Run return after that many failed cycles
	// in a row. Defaults to 10; negative disables the limit.
	MaxConsecutiveFailures int
}

func (c *Config) applyDefaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 10
	}
}

// Worker drives fetch, decode, replay and acknowledge cycles. It owns the
// catalog and buffer manager; nothing else mutates them.
type Worker struct {
	config   Config
	source   repl.Source
	decoder  *repl.Decoder
	catalog  *catalog.Catalog
	buffers  *txbuf.Manager
	executor *replay.Executor
	reporter Reporter
	log      *logrus.Entry
	tracer   trace.Tracer

	status    atomic.Pointer[models.WorkerStatus]
	relations atomic.Pointer[[]catalog.Relation]
	totals    models.WorkerStatus
}

// New creates a worker. The decoder must have been built on cat.
func New(cfg Config, source repl.Source, decoder *repl.Decoder, cat *catalog.Catalog, executor *replay.Executor, log *logrus.Entry) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		config:   cfg,
		source:   source,
		decoder:  decoder,
		catalog:  cat,
		buffers:  txbuf.NewManager(),
		executor: executor,
		log:      log,
		tracer:   otel.Tracer("row-to-column/worker"),
	}
	w.totals = models.WorkerStatus{Slot: cfg.Slot, State: models.StateStarting}
	snapshot := w.totals
	w.status.Store(&snapshot)
	return w
}

// SetReporter installs a sink for status snapshots and replay notices.
func (w *Worker) SetReporter(r Reporter) {
	w.reporter = r
}

// Status returns the latest status snapshot.
func (w *Worker) Status() models.WorkerStatus {
	return *w.status.Load()
}

// Relations returns the catalog as of the latest status snapshot.
func (w *Worker) Relations() []catalog.Relation {
	rels := w.relations.Load()
	if rels == nil {
		return nil
	}
	return *rels
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Messages int
	Replay   replay.Result
	Acked    pglogrepl.LSN
}

// Cycle runs fetch -> decode-all -> replay-all -> acknowledge once. Only the
// fetch observes ctx cancellation; once a batch is in hand the cycle runs to
// completion.
func (w *Worker) Cycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	ctx, span := w.tracer.Start(ctx, "cycle")
	defer span.End()

	batch, err := w.source.Fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch")
		return res, fmt.Errorf("fetch: %w", err)
	}
	res.Messages = len(batch.Messages)
	span.SetAttributes(attribute.Int("batch.messages", res.Messages))
	if batch.Empty() {
		return res, nil
	}

	work := context.WithoutCancel(ctx)

	stats, err := w.apply(batch)
	w.totals.Messages += uint64(stats.messages)
	w.totals.DecodeErrors += uint64(stats.decodeErrors)
	w.totals.Discarded += uint64(stats.discarded)
	if err != nil {
		w.buffers.Discard()
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		return res, err
	}

	res.Replay, err = w.executor.ReplayAll(work, w.buffers)
	if err != nil {
		w.buffers.Discard()
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay")
		return res, fmt.Errorf("replay: %w", err)
	}
	span.SetAttributes(
		attribute.Int("replay.transactions", res.Replay.Buffers),
		attribute.Int("replay.statements", res.Replay.Statements),
	)

	if stats.ack != 0 {
		if err := w.source.Ack(work, stats.ack); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ack")
			return res, fmt.Errorf("acknowledge %s: %w", stats.ack, err)
		}
		res.Acked = stats.ack
	}

	w.totals.TransactionsReplayed += uint64(res.Replay.Buffers)
	w.totals.TransactionsSkipped += uint64(res.Replay.Skipped)
	w.totals.StatementsReplayed += uint64(res.Replay.Statements)
	w.totals.DDLReplayed += uint64(res.Replay.DDL)

	if res.Replay.Buffers > 0 || res.Replay.Skipped > 0 {
		w.log.WithFields(logrus.Fields{
			"messages":     res.Messages,
			"transactions": res.Replay.Buffers,
			"skipped":      res.Replay.Skipped,
			"statements":   res.Replay.Statements,
			"ddl":          res.Replay.DDL,
			"ack":          res.Acked.String(),
		}).Info("Cycle replayed")
		w.notify(work, res)
	}
	return res, nil
}

// Run loops cycles until ctx is cancelled. Failed cycles are retried with
// exponential backoff; after MaxConsecutiveFailures in a row Run returns
// ErrTooManyFailures.
func (w *Worker) Run(ctx context.Context) error {
	failures := 0
	delay := w.config.BaseDelay

	for {
		if ctx.Err() != nil {
			w.publish(ctx, models.StateStopped, nil, CycleResult{}, failures)
			return nil
		}

		res, err := w.Cycle(ctx)
		if err == nil {
			failures = 0
			delay = w.config.BaseDelay
			state := models.StateIdle
			if res.Messages > 0 {
				state = models.StateRunning
			}
			w.publish(ctx, state, nil, res, failures)
			continue
		}

		if ctx.Err() != nil {
			w.publish(ctx, models.StateStopped, nil, res, failures)
			return nil
		}

		failures++
		w.publish(ctx, models.StateFailing, err, res, failures)
		w.log.WithError(err).WithFields(logrus.Fields{
			"attempt": failures,
			"delay":   delay.String(),
		}).Warn("Cycle failed, retrying")

		if w.config.MaxConsecutiveFailures > 0 && failures >= w.config.MaxConsecutiveFailures {
			return fmt.Errorf("%w: %d, last: %w", ErrTooManyFailures, failures, err)
		}

		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay = min(delay*2, w.config.MaxDelay)
	}
}

// Transaction is a decoded source transaction returned by Preview.
type Transaction struct {
	Xid        uint32
	FinalLSN   string
	EndLSN     string
	Implicit   bool
	Statements []txbuf.Statement
}

// Preview fetches and decodes one batch without replaying or acknowledging
// it. The catalog is updated by the Relation messages it sees.
func (w *Worker) Preview(ctx context.Context) ([]Transaction, error) {
	batch, err := w.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if _, err := w.apply(batch); err != nil {
		w.buffers.Discard()
		return nil, err
	}

	var out []Transaction
	for _, buf := range w.buffers.DrainReady() {
		out = append(out, Transaction{
			Xid:        buf.Origin.Xid,
			FinalLSN:   buf.Origin.FinalLSN.String(),
			EndLSN:     buf.EndLSN.String(),
			Implicit:   buf.Implicit(),
			Statements: buf.Statements,
		})
	}
	return out, nil
}

func (w *Worker) publish(ctx context.Context, state string, cycleErr error, res CycleResult, failures int) {
	w.totals.State = state
	w.totals.LastCycleAt = time.Now()
	w.totals.ConsecutiveFailures = failures
	w.totals.Relations = w.catalog.Len()
	if state != models.StateStopped {
		w.totals.Cycles++
	}
	if res.Acked != 0 {
		w.totals.LastAckLSN = res.Acked.String()
	}
	if res.Replay.Checkpoint != 0 {
		w.totals.Checkpoint = res.Replay.Checkpoint.String()
	}
	w.totals.LastError = ""
	if cycleErr != nil {
		w.totals.LastError = cycleErr.Error()
	}

	snapshot := w.totals
	w.status.Store(&snapshot)
	rels := w.catalog.Snapshot()
	w.relations.Store(&rels)

	if w.reporter == nil {
		return
	}
	if err := w.reporter.Report(context.WithoutCancel(ctx), snapshot); err != nil {
		w.log.WithError(err).Warn("Failed to report status")
	}
}

func (w *Worker) notify(ctx context.Context, res CycleResult) {
	if w.reporter == nil {
		return
	}
	notice := models.ReplayNotice{
		Slot:         w.config.Slot,
		AckLSN:       res.Acked.String(),
		Transactions: res.Replay.Buffers,
		Statements:   res.Replay.Statements,
		DDL:          res.Replay.DDL,
	}
	if err := w.reporter.Notify(ctx, notice); err != nil {
		w.log.WithError(err).Warn("Failed to publish replay notice")
	}
}
