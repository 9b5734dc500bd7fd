package repl

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Message is one raw pgoutput message and the WAL position it was read at.
type Message struct {
	LSN  pglogrepl.LSN
	Data []byte
}

// Batch is the result of one Fetch. Messages are in commit order.
type Batch struct {
	Messages []Message
	// End is the position of the last message, or zero for an empty batch.
	End pglogrepl.LSN
}

// Empty reports whether the batch carries no messages.
func (b Batch) Empty() bool {
	return len(b.Messages) == 0
}

func newBatch(msgs []Message) Batch {
	b := Batch{Messages: msgs}
	if len(msgs) > 0 {
		b.End = msgs[len(msgs)-1].LSN
	}
	return b
}

// Source delivers pgoutput messages. Messages that have not been acknowledged
// are delivered again by a later Fetch.
type Source interface {
	Fetch(ctx context.Context) (Batch, error)
	Ack(ctx context.Context, lsn pglogrepl.LSN) error
}

// NewSource builds the source selected by cfg.Mode. The pool is only used in
// slot mode; stream mode opens its own replication connection.
func NewSource(cfg Config, pool *pgxpool.Pool, log *logrus.Entry) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	switch cfg.Mode {
	case ModeStream:
		return newStreamSource(cfg, log), nil
	default:
		if pool == nil {
			return nil, fmt.Errorf("slot source requires a connection pool")
		}
		return newSlotSource(cfg, pool, log), nil
	}
}
