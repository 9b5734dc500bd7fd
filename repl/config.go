package repl

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how changes are pulled from the source database.
type Mode string

const (
	// ModeSlot peeks a logical slot over a regular connection.
	ModeSlot Mode = "slot"
	// ModeStream consumes the walsender protocol over a replication connection.
	ModeStream Mode = "stream"
)

// Config holds the configuration for a change-stream Source
type Config struct {
	// ConnectionString is the PostgreSQL connection string. For ModeStream it
	// must include the replication=database parameter
	ConnectionString string

	// Mode defaults to ModeSlot
	Mode Mode

	// SlotName is the name of the logical replication slot
	// If empty, defaults to "row_to_column"
	SlotName string

	// PublicationName is the publication passed to pgoutput
	// If empty, defaults to "row_to_column"
	PublicationName string

	// BatchSize caps the number of messages returned by one Fetch
	// Defaults to 1000
	BatchSize int

	// PollInterval is how long an empty slot poll waits before returning
	// Defaults to 1 second
	PollInterval time.Duration

	// StandbyMessageTimeout is how often the streaming source reports its
	// position and how long one Fetch gathers messages. Defaults to 10 seconds
	StandbyMessageTimeout time.Duration

	// TemporarySlot creates the streaming slot as temporary
	TemporarySlot bool
}

// Validate checks the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return errors.New("ConnectionString is required")
	}
	switch c.Mode {
	case "", ModeSlot, ModeStream:
	default:
		return fmt.Errorf("unknown source mode %q", c.Mode)
	}
	if c.BatchSize < 0 {
		return errors.New("BatchSize must not be negative")
	}
	return nil
}

// applyDefaults sets default values for optional configuration fields
func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSlot
	}
	if c.SlotName == "" {
		c.SlotName = "row_to_column"
	}
	if c.PublicationName == "" {
		c.PublicationName = "row_to_column"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.StandbyMessageTimeout == 0 {
		c.StandbyMessageTimeout = 10 * time.Second
	}
}
