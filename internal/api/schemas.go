package api

import (
	"encoding/json"
	"time"

	"github.com/lperanavan/videoediting/internal/environment"
	"github.com/lperanavan/videoediting/internal/queue"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State       string               `json:"state"`
	ActiveSlots int                  `json:"active_slots"`
	Counts      queue.Counts         `json:"counts"`
	Environment *EnvironmentResponse `json:"environment,omitempty"`
}

type EnvironmentResponse struct {
	Virtualized       bool     `json:"virtualized"`
	MaxConcurrent     int      `json:"max_concurrent"`
	LatencyMs         int64    `json:"latency_ms"`
	Acceleration      []string `json:"acceleration,omitempty"`
	TimeoutMultiplier float64  `json:"timeout_multiplier"`
	DetectedAt        string   `json:"detected_at"`
}

type SubmitJobRequest struct {
	SourceFile string `json:"source_file"`
	Backend    string `json:"backend"`
	Priority   int    `json:"priority,omitempty"`
	// Params is passed through to the backend adapter unparsed; values may
	// be strings or numbers (quality, scale).
	Params json.RawMessage `json:"params,omitempty"`
}

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

type JobResponse struct {
	ID           string `json:"id"`
	SourceFile   string `json:"source_file"`
	Backend      string `json:"backend"`
	Status       string `json:"status"`
	Priority     int    `json:"priority"`
	Attempts     int    `json:"attempts"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	EnqueuedAt   string `json:"enqueued_at"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *queue.Job) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		SourceFile:   j.SourceFile,
		Backend:      j.Backend,
		Status:       j.Status,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		ArtifactPath: j.ArtifactPath,
		LastError:    j.LastError,
		EnqueuedAt:   j.EnqueuedAt.Format(time.RFC3339),
	}
	if !j.StartedAt.IsZero() {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if !j.FinishedAt.IsZero() {
		resp.FinishedAt = j.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func ProfileToResponse(p *environment.Profile) *EnvironmentResponse {
	if p == nil {
		return nil
	}
	return &EnvironmentResponse{
		Virtualized:       p.Virtualized,
		MaxConcurrent:     p.MaxConcurrent,
		LatencyMs:         p.Latency.Milliseconds(),
		Acceleration:      p.Acceleration,
		TimeoutMultiplier: p.TimeoutMultiplier,
		DetectedAt:        p.DetectedAt.Format(time.RFC3339),
	}
}
