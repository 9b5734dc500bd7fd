package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"row-to-column/models"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	HealthKey     = "health:row-to-column"
	ReplayChannel = "row_to_column_replay"

	statusPrefix = "status"
)

var ErrNoHeartbeat = errors.New("missing health data")

// Heartbeat is the content of the health hash.
type Heartbeat struct {
	LastHeartbeat int64
	LastLSN       string
	State         string
}

// StatusStore publishes worker status to Redis.
type StatusStore struct {
	client  redis.UniversalClient
	status  *Snapshots[models.WorkerStatus]
	channel string
}

func NewStatusStore(client redis.UniversalClient) *StatusStore {
	return &StatusStore{
		client:  client,
		status:  NewSnapshots[models.WorkerStatus](client, statusPrefix),
		channel: ReplayChannel,
	}
}

// Report refreshes the heartbeat hash and the cached status snapshot.
func (s *StatusStore) Report(ctx context.Context, status models.WorkerStatus) error {
	pipe := s.client.TxPipeline()
	if err := s.status.Put(ctx, pipe, status.Slot, status, 0); err != nil {
		return err
	}
	pipe.HSet(ctx, HealthKey,
		"last_heartbeat", status.LastCycleAt.Unix(),
		"last_lsn", status.LastAckLSN,
		"state", status.State,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("report status: %w", err)
	}
	return nil
}

// Notify publishes a replay notice on the replay channel.
func (s *StatusStore) Notify(ctx context.Context, notice models.ReplayNotice) error {
	data, err := msgpack.Marshal(notice)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

// Status returns the last snapshot reported for slot.
func (s *StatusStore) Status(ctx context.Context, slot string) (models.WorkerStatus, error) {
	return s.status.Load(ctx, slot)
}

// Heartbeat reads the health hash.
func (s *StatusStore) Heartbeat(ctx context.Context) (Heartbeat, error) {
	values, err := s.client.HGetAll(ctx, HealthKey).Result()
	if err != nil {
		return Heartbeat{}, err
	}
	if len(values) == 0 {
		return Heartbeat{}, ErrNoHeartbeat
	}
	raw, ok := values["last_heartbeat"]
	if !ok || raw == "" {
		return Heartbeat{}, fmt.Errorf("missing field %q", "last_heartbeat")
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("invalid last_heartbeat value %q", raw)
	}
	return Heartbeat{
		LastHeartbeat: ts,
		LastLSN:       values["last_lsn"],
		State:         values["state"],
	}, nil
}

// Age returns how long ago the heartbeat was written.
func (h Heartbeat) Age(now time.Time) time.Duration {
	return time.Duration(now.Unix()-h.LastHeartbeat) * time.Second
}
