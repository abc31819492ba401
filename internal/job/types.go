package job

import "time"

// Status is the explicit lifecycle state of a job. States only move
// forward; a terminal state never changes.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// GenOptions are the generation parameters carried by a job.
type GenOptions struct {
	Preprocess  string
	Still       bool
	UseEnhancer bool
}

// Job is one avatar generation request tracked in the ledger.
type Job struct {
	Token      string
	Status     Status
	Options    GenOptions
	ImagePath  string
	AudioPath  string
	OutputPath string
	ErrorKind  string
	ErrorMsg   string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Options configures a Manager.
type Options struct {
	MaxConcurrentJobs int
	QueueDepth        int
}

const (
	defaultMaxConcurrent = 1
	defaultQueueDepth    = 8
	defaultPreprocess    = "crop"
)

// Error kinds the manager adds on top of the runner's classification.
const (
	KindInterrupted = "interrupted"
	KindCanceled    = "canceled"
	KindInternal    = "internal"
)
