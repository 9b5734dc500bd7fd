package repl

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const (
	peekChangesSQL = `SELECT lsn::text, data FROM pg_logical_slot_peek_binary_changes($1, NULL, $2, 'proto_version', '1', 'publication_names', $3)`
	advanceSlotSQL = `SELECT pg_replication_slot_advance($1, $2::pg_lsn)`
	slotExistsSQL  = `SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`
	createSlotSQL  = `SELECT pg_create_logical_replication_slot($1, 'pgoutput')`
)

// SlotSource peeks a logical replication slot over a regular connection and
// advances it on acknowledgment. Peeked changes stay in the slot until acked.
type SlotSource struct {
	config Config
	pool   *pgxpool.Pool
	log    *logrus.Entry
	acked  pglogrepl.LSN
}

func newSlotSource(cfg Config, pool *pgxpool.Pool, log *logrus.Entry) *SlotSource {
	return &SlotSource{
		config: cfg,
		pool:   pool,
		log:    log.WithField("source", string(ModeSlot)),
	}
}

// EnsureSlot creates the pgoutput slot if it does not exist yet.
func (s *SlotSource) EnsureSlot(ctx context.Context) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, slotExistsSQL, s.config.SlotName).Scan(&exists); err != nil {
		return fmt.Errorf("check replication slot: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := s.pool.Exec(ctx, createSlotSQL, s.config.SlotName); err != nil {
		return fmt.Errorf("create replication slot %s: %w", s.config.SlotName, err)
	}
	s.log.WithField("slot", s.config.SlotName).Info("Created replication slot")
	return nil
}

// Fetch peeks up to BatchSize changes. When the slot is empty it waits
// PollInterval (or until ctx is done) and returns an empty batch.
func (s *SlotSource) Fetch(ctx context.Context) (Batch, error) {
	rows, err := s.pool.Query(ctx, peekChangesSQL, s.config.SlotName, s.config.BatchSize, s.config.PublicationName)
	if err != nil {
		return Batch{}, fmt.Errorf("peek slot %s: %w", s.config.SlotName, err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var lsnText string
		var data []byte
		if err := row.Scan(&lsnText, &data); err != nil {
			return Message{}, err
		}
		lsn, err := pglogrepl.ParseLSN(lsnText)
		if err != nil {
			return Message{}, fmt.Errorf("parse lsn %q: %w", lsnText, err)
		}
		return Message{LSN: lsn, Data: data}, nil
	})
	if err != nil {
		return Batch{}, fmt.Errorf("read slot changes: %w", err)
	}

	if len(msgs) == 0 {
		timer := time.NewTimer(s.config.PollInterval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return newBatch(msgs), nil
}

// Ack advances the slot's confirmed position to lsn.
func (s *SlotSource) Ack(ctx context.Context, lsn pglogrepl.LSN) error {
	if lsn == 0 || lsn <= s.acked {
		return nil
	}
	if _, err := s.pool.Exec(ctx, advanceSlotSQL, s.config.SlotName, lsn.String()); err != nil {
		return fmt.Errorf("advance slot %s to %s: %w", s.config.SlotName, lsn, err)
	}
	s.acked = lsn
	return nil
}
