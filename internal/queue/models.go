package queue

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses. succeeded, failed and upload_failed are terminal.
const (
	StatusPending      = "pending"
	StatusRunning      = "running"
	StatusRetrying     = "retrying"
	StatusSucceeded    = "succeeded"
	StatusFailed       = "failed"
	StatusUploadFailed = "upload_failed"
)

// Backend kinds a job can be routed to.
const (
	BackendTranscoder = "transcoder"
	BackendEditor     = "editor"
	BackendUpscaler   = "upscaler"
)

// DefaultPriority is the midpoint of the 1-10 priority range; lower runs sooner.
const DefaultPriority = 5

// Job is one video through one backend, optionally followed by an upload.
type Job struct {
	ID           string          `json:"id"`
	SourceFile   string          `json:"source_file"`
	Backend      string          `json:"backend"`
	Params       json.RawMessage `json:"params,omitempty"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	StartedAt    time.Time       `json:"started_at,omitzero"`
	FinishedAt   time.Time       `json:"finished_at,omitzero"`
	NextAttempt  time.Time       `json:"next_attempt_at,omitzero"`
}

// Terminal reports whether the job can no longer transition.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusSucceeded, StatusFailed, StatusUploadFailed:
		return true
	}
	return false
}

// Counts summarises the queue by status.
type Counts struct {
	Pending      int `json:"pending"`
	Running      int `json:"running"`
	Retrying     int `json:"retrying"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	UploadFailed int `json:"upload_failed"`
}

// ValidBackend reports whether kind names a known backend.
func ValidBackend(kind string) bool {
	switch kind {
	case BackendTranscoder, BackendEditor, BackendUpscaler:
		return true
	}
	return false
}

func NewID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
