// Package job implements the FIFO generation queue: the record store, the
// work queue, the single worker that drives computations, retention of
// finished records and the submit/status service in front of them.
package job

import (
	"sdqueue/internal/compute"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Lifecycle states. A record only moves forward:
// queued -> processing -> done | error.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Record is the stored state of one transaction key.
type Record struct {
	Key          string
	Status       Status
	Steps        []compute.Step
	Final        []byte
	Seed         *int64
	Error        string
	Callback     *Callback
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	CompletedSeq uint64 // order of finalization, assigned by the worker
}

// clone returns a deep copy; snapshots never alias worker-owned slices.
func (r *Record) clone() Record {
	c := *r
	if r.Steps != nil {
		c.Steps = make([]compute.Step, len(r.Steps))
		copy(c.Steps, r.Steps)
	}
	if r.Final != nil {
		c.Final = append([]byte(nil), r.Final...)
	}
	if r.Seed != nil {
		seed := *r.Seed
		c.Seed = &seed
	}
	if r.Callback != nil {
		cb := *r.Callback
		cb.Events = append([]string(nil), r.Callback.Events...)
		c.Callback = &cb
	}
	return c
}

// Descriptor is the unit of work handed from Submit to the worker.
type Descriptor struct {
	Key   string
	Input string
	Seed  int64
}

// Callback represents callback configuration for a job
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// SubmitRequest is a request to generate output for a transaction key.
type SubmitRequest struct {
	Key      string    `json:"transaction_key"`
	Input    string    `json:"prompt"`
	Callback *Callback `json:"callback,omitempty"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	Key    string `json:"transaction_key"`
	Status Status `json:"status"`
}

// StatusResponse is the client-facing snapshot of a job. Final is encoded as
// base64 and is null until the job is done.
type StatusResponse struct {
	Status Status         `json:"status"`
	Steps  []compute.Step `json:"steps"`
	Final  []byte         `json:"final"`
	Seed   *int64         `json:"seed"`
	Error  string         `json:"error,omitempty"`
}

func newStatusResponse(r Record) *StatusResponse {
	steps := r.Steps
	if steps == nil {
		steps = []compute.Step{}
	}
	return &StatusResponse{
		Status: r.Status,
		Steps:  steps,
		Final:  r.Final,
		Seed:   r.Seed,
		Error:  r.Error,
	}
}

// Counts summarises the store by status.
type Counts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Error      int `json:"error"`
}

// Total returns the number of records.
func (c Counts) Total() int {
	return c.Queued + c.Processing + c.Done + c.Error
}
