package engine

import (
	"os"
	"strings"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task/codec"
	"taskd/internal/task/registry"
	"taskd/internal/task/retry"
	logx "taskd/pkg/logx"
)

// Config controls the scheduler core of one node.
type Config struct {
	// NodeName prefixes lease tokens. Defaults to the host name.
	NodeName string

	ThreadCount       int
	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	// LeaseMultiplier sets the lease length as HeartbeatInterval * LeaseMultiplier.
	LeaseMultiplier int

	ShutdownMaxWait time.Duration
	// UnresolvedTimeout is the age after which rows of unknown tasks are deleted.
	UnresolvedTimeout time.Duration

	DefaultRetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.NodeName) == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			c.NodeName = h
		} else {
			c.NodeName = "taskd"
		}
	}
	if c.ThreadCount <= 0 {
		c.ThreadCount = 10
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	if c.LeaseMultiplier <= 0 {
		c.LeaseMultiplier = 4
	}
	if c.ShutdownMaxWait <= 0 {
		c.ShutdownMaxWait = 30 * time.Minute
	}
	if c.UnresolvedTimeout <= 0 {
		c.UnresolvedTimeout = 14 * 24 * time.Hour
	}
	if c.DefaultRetryInterval <= 0 {
		c.DefaultRetryInterval = retry.DefaultInterval
	}
	return c
}

// Lease returns the lease length granted per claim.
func (c Config) Lease() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.LeaseMultiplier)
}

// Deps are the collaborators of the scheduler core.
type Deps struct {
	Store    storage.Store
	Registry *registry.Registry
	Codec    codec.Codec
	// Submitter is handed to jobbing logic for fan-out.
	Submitter registry.Submitter
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Event types published on the bus.
const (
	EventStarted     = "task.started"
	EventCompleted   = "task.completed"
	EventIncomplete  = "task.incomplete"
	EventRetry       = "task.retry"
	EventAborted     = "task.aborted"
	EventRemoved     = "task.removed"
	EventRescheduled = "task.rescheduled"
	EventLeaseLost   = "task.lease_lost"
)

// TaskEvent is the Data of every lifecycle event.
type TaskEvent struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Kind          string        `json:"kind"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	FailureCount  int           `json:"failure_count"`
	RepeatCount   int           `json:"repeat_count"`
	Duration      time.Duration `json:"duration,omitempty"`
	NextRunAt     time.Time     `json:"next_run_at,omitempty"`
	HandOff       string        `json:"hand_off,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Stats are the core counters of this node since Start.
type Stats struct {
	Running   bool   `json:"running"`
	Node      string `json:"node"`
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
	Leased    int    `json:"leased"`
	Claimed   uint64 `json:"claimed"`
	Finished  uint64 `json:"finished"`
	Failed    uint64 `json:"failed"`
	Aborted   uint64 `json:"aborted"`
	LeaseLost uint64 `json:"lease_lost"`
}
