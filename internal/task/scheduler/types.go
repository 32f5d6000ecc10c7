package scheduler

import (
	"errors"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task/codec"
	"taskd/internal/task/engine"
	"taskd/internal/task/retry"
	"taskd/internal/task/schedule"
	logx "taskd/pkg/logx"
)

var (
	ErrMissingSchedule = errors.New("recurring task has no schedule")
	ErrUnknownTask     = errors.New("unknown jobbing task")
	ErrPayloadType     = errors.New("payload type does not match task definition")
	ErrInvalidConfig   = errors.New("invalid task configuration")
	ErrStopped         = engine.ErrStopped
)

// Config controls a Scheduler.
type Config struct {
	Engine engine.Config

	// Location resolves time_of_day and cron frequencies. nil means time.Local.
	Location *time.Location

	// Tasks overrides definition defaults by task name.
	Tasks map[string]TaskConfig

	// SubmitOnly validates and accepts submissions without running the core
	// or touching recurring rows. Nodes with the scheduler disabled use it.
	SubmitOnly bool

	Codec codec.Codec
	Bus   eventbus.Bus
	Log   logx.Logger
}

// TaskConfig is the per-task section of the configuration. Zero fields keep
// the definition's defaults.
type TaskConfig struct {
	Frequency    schedule.Frequency
	OnFailure    *retry.Policy
	OnIncomplete *retry.Policy
}
