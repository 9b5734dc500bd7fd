package models

import "time"

// Worker states reported in WorkerStatus.State.
const (
	StateStarting = "starting"
	StateIdle     = "idle"
	StateRunning  = "running"
	StateFailing  = "failing"
	StateStopped  = "stopped"
)

// WorkerStatus is the snapshot published after every poll cycle.
// Cache key: status:{slot}
type WorkerStatus struct {
	Slot                 string    `json:"slot" msgpack:"slot"`
	State                string    `json:"state" msgpack:"state"`
	LastCycleAt          time.Time `json:"last_cycle_at" msgpack:"last_cycle_at"`
	LastAckLSN           string    `json:"last_ack_lsn,omitempty" msgpack:"last_ack_lsn,omitempty"`
	Checkpoint           string    `json:"checkpoint,omitempty" msgpack:"checkpoint,omitempty"`
	Cycles               uint64    `json:"cycles" msgpack:"cycles"`
	Messages             uint64    `json:"messages" msgpack:"messages"`
	TransactionsReplayed uint64    `json:"transactions_replayed" msgpack:"transactions_replayed"`
	TransactionsSkipped  uint64    `json:"transactions_skipped" msgpack:"transactions_skipped"`
	StatementsReplayed   uint64    `json:"statements_replayed" msgpack:"statements_replayed"`
	DDLReplayed          uint64    `json:"ddl_replayed" msgpack:"ddl_replayed"`
	DecodeErrors         uint64    `json:"decode_errors" msgpack:"decode_errors"`
	Discarded            uint64    `json:"discarded" msgpack:"discarded"`
	ConsecutiveFailures  int       `json:"consecutive_failures" msgpack:"consecutive_failures"`
	LastError            string    `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	Relations            int       `json:"relations" msgpack:"relations"`
}

// ColumnInfo is one column of a cached relation.
type ColumnInfo struct {
	Name    string `json:"name"`
	TypeOID uint32 `json:"type_oid"`
	Key     bool   `json:"key,omitempty"`
}

// RelationInfo describes a relation known to the worker's catalog.
type RelationInfo struct {
	ID        uint32       `json:"id"`
	Namespace string       `json:"namespace"`
	Name      string       `json:"name"`
	Kind      string       `json:"kind"`
	Twin      string       `json:"twin,omitempty"`
	Columns   []ColumnInfo `json:"columns"`
}

// ReplayNotice is published on the replay channel after each replayed cycle.
type ReplayNotice struct {
	Slot         string `json:"slot" msgpack:"slot"`
	AckLSN       string `json:"ack_lsn" msgpack:"ack_lsn"`
	Transactions int    `json:"transactions" msgpack:"transactions"`
	Statements   int    `json:"statements" msgpack:"statements"`
	DDL          int    `json:"ddl" msgpack:"ddl"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Component   string `json:"component,omitempty"`
	LastCycleAt string `json:"last_cycle_at,omitempty"`
	Age         string `json:"age,omitempty"`
	Error       string `json:"error,omitempty"`
}
