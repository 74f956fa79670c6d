package writer

import "errors"

// AsyncWriterStats provides statistics about async writer operations.
type AsyncWriterStats struct {
	// QueueDepth is the current number of jobs waiting in the queue
	QueueDepth int `json:"queue_depth"`

	// InFlight counts jobs queued or running
	InFlight int64 `json:"in_flight"`

	// DroppedWrites is the total number of jobs dropped due to backpressure
	DroppedWrites int64 `json:"dropped_writes"`

	// TotalWrites is the total number of jobs accepted
	TotalWrites int64 `json:"total_writes"`

	// FailedWrites is the total number of jobs whose fetch or store write failed
	FailedWrites int64 `json:"failed_writes"`
}

// Errors returned by async writer operations.
var (
	// ErrQueueFull is returned when the job queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("writer: queue full, write dropped")

	// ErrWriterClosed is returned when submitting to a closed writer
	ErrWriterClosed = errors.New("writer: writer is closed")

	// ErrFlushTimeout is returned when Flush() times out waiting for jobs to finish
	ErrFlushTimeout = errors.New("writer: flush timeout exceeded")

	// ErrInvalidJob is returned when a job has no Fetch function
	ErrInvalidJob = errors.New("writer: job has no fetch function")
)
