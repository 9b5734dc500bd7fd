package repl

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
)

// StreamSource consumes the walsender protocol and hands out complete
// transactions. Delivered messages are retained until acknowledged so a
// failed cycle sees them again on the next Fetch.
type StreamSource struct {
	config  Config
	conn    *pgconn.PgConn
	log     *logrus.Entry
	lastMsg atomic.Int64

	// flushed is the acknowledged position reported to the server.
	flushed             pglogrepl.LSN
	nextStandbyDeadline time.Time

	// retained holds delivered, unacknowledged messages; pending holds the
	// partial transaction read past the last commit.
	retained []Message
	pending  []Message
}

func newStreamSource(cfg Config, log *logrus.Entry) *StreamSource {
	return &StreamSource{
		config: cfg,
		log:    log.WithField("source", string(ModeStream)),
	}
}

// TimeSinceLastMsg reports how long ago the server last sent anything.
func (r *StreamSource) TimeSinceLastMsg() time.Duration {
	lastTime := r.lastMsg.Load()
	return time.Since(time.UnixMilli(lastTime))
}

// Close closes the replication connection.
func (r *StreamSource) Close() error {
	if r.conn != nil {
		return r.conn.Close(context.Background())
	}
	return nil
}

// Fetch returns the retained batch if there is one, otherwise reads messages
// until BatchSize is reached at a commit boundary or the standby deadline
// passes.
func (r *StreamSource) Fetch(ctx context.Context) (Batch, error) {
	if r.conn == nil {
		if err := r.start(ctx); err != nil {
			return Batch{}, err
		}
	}
	if len(r.retained) > 0 {
		return newBatch(r.retained), nil
	}

	if err := r.receive(ctx); err != nil {
		return Batch{}, err
	}

	complete, tail := splitComplete(r.pending)
	r.retained = complete
	r.pending = append([]Message(nil), tail...)
	return newBatch(r.retained), nil
}

// Ack drops retained messages up to lsn and reports it as the flush position.
func (r *StreamSource) Ack(ctx context.Context, lsn pglogrepl.LSN) error {
	r.retained = dropAcked(r.retained, lsn)
	if lsn <= r.flushed {
		return nil
	}
	r.flushed = lsn
	return r.sendStandbyStatus(ctx)
}

func (r *StreamSource) start(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, r.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	r.conn = conn

	if err := r.createReplicationSlot(ctx); err != nil {
		r.reset()
		return fmt.Errorf("create replication slot: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, r.conn)
	if err != nil {
		r.reset()
		return fmt.Errorf("identify system: %w", err)
	}

	// Zero resumes from the slot's confirmed position so unacknowledged
	// changes from a previous run are delivered again.
	if err := r.startReplication(ctx, 0); err != nil {
		r.reset()
		return fmt.Errorf("start replication: %w", err)
	}

	r.nextStandbyDeadline = time.Now().Add(r.config.StandbyMessageTimeout)
	r.log.WithFields(logrus.Fields{
		"slot":     r.config.SlotName,
		"system":   sysident.SystemID,
		"timeline": sysident.Timeline,
		"xlogpos":  sysident.XLogPos.String(),
	}).Info("Replication stream started")
	return nil
}

// reset drops the connection and everything not yet acknowledged; the
// server resends from the flush position after a reconnect.
func (r *StreamSource) reset() {
	if r.conn != nil {
		r.conn.Close(context.Background())
	}
	r.conn = nil
	r.retained = nil
	r.pending = nil
}

func (r *StreamSource) createReplicationSlot(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(
		ctx,
		r.conn,
		r.config.SlotName,
		"pgoutput",
		pglogrepl.CreateReplicationSlotOptions{
			Temporary: r.config.TemporarySlot,
		},
	)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return err
	}
	return nil
}

func (r *StreamSource) startReplication(ctx context.Context, startPos pglogrepl.LSN) error {
	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", r.config.PublicationName),
	}

	return pglogrepl.StartReplication(
		ctx,
		r.conn,
		r.config.SlotName,
		startPos,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArgs,
		},
	)
}

func (r *StreamSource) sendStandbyStatus(ctx context.Context) error {
	if r.conn == nil {
		return nil
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: r.flushed,
		WALFlushPosition: r.flushed,
		WALApplyPosition: r.flushed,
	})
	if err != nil {
		r.reset()
		return fmt.Errorf("send standby status: %w", err)
	}
	r.nextStandbyDeadline = time.Now().Add(r.config.StandbyMessageTimeout)
	return nil
}

func (r *StreamSource) receive(ctx context.Context) error {
	fetchDeadline := time.Now().Add(r.config.StandbyMessageTimeout)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if len(r.pending) >= r.config.BatchSize && hasCommit(r.pending) {
			return nil
		}
		if time.Now().After(fetchDeadline) {
			return nil
		}

		if time.Now().After(r.nextStandbyDeadline) {
			if err := r.sendStandbyStatus(ctx); err != nil {
				return err
			}
		}

		deadline := r.nextStandbyDeadline
		if fetchDeadline.Before(deadline) {
			deadline = fetchDeadline
		}
		msgCtx, cancel := context.WithDeadline(ctx, deadline)
		rawMsg, err := r.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) || ctx.Err() != nil {
				continue
			}
			r.reset()
			return fmt.Errorf("receive message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			r.reset()
			return fmt.Errorf("postgres error: %s", errMsg.Message)
		}
		r.lastMsg.Store(time.Now().UnixMilli())

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			// Nothing in flight: everything up to the server's end was filtered
			// out by the publication and can be confirmed.
			if len(r.pending) == 0 && len(r.retained) == 0 && pkm.ServerWALEnd > r.flushed {
				r.flushed = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				r.nextStandbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			r.pending = append(r.pending, Message{
				LSN:  xld.WALStart,
				Data: append([]byte(nil), xld.WALData...),
			})
		}
	}
}

// splitComplete cuts msgs after the last Commit message. The head holds only
// whole transactions; the tail is an unfinished one.
func splitComplete(msgs []Message) (complete, tail []Message) {
	cut := 0
	for i, m := range msgs {
		if isCommit(m) {
			cut = i + 1
		}
	}
	return msgs[:cut], msgs[cut:]
}

func hasCommit(msgs []Message) bool {
	for _, m := range msgs {
		if isCommit(m) {
			return true
		}
	}
	return false
}

func isCommit(m Message) bool {
	return len(m.Data) > 0 && m.Data[0] == byte(pglogrepl.MessageTypeCommit)
}

// dropAcked removes the acknowledged prefix: everything through the last
// message at exactly lsn, or else the leading run at or below it.
func dropAcked(msgs []Message, lsn pglogrepl.LSN) []Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].LSN == lsn {
			return msgs[i+1:]
		}
	}
	i := 0
	for i < len(msgs) && msgs[i].LSN <= lsn {
		i++
	}
	return msgs[i:]
}
