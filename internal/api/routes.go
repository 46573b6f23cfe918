package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lperanavan/videoediting/internal/queue"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Get("/status", statusHandler(cfg))
	r.Post("/jobs", submitJobHandler(cfg))
	r.Get("/jobs", listJobsHandler(cfg))
	r.Get("/jobs/{id}", getJobHandler(cfg))
	r.Post("/pause", pauseHandler(cfg))
	r.Post("/resume", resumeHandler(cfg))

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := cfg.Store.Counts(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read queue counts", "INTERNAL_ERROR")
			return
		}

		state := "idle"
		active := 0
		if cfg.Dispatcher != nil {
			if cfg.Dispatcher.IsPaused() {
				state = "paused"
			}
			active = cfg.Dispatcher.ActiveSlots()
			if active > 0 && state == "idle" {
				state = "processing"
			}
		}

		resp := StatusResponse{
			State:       state,
			ActiveSlots: active,
			Counts:      counts,
		}
		if cfg.Environment != nil {
			resp.Environment = ProfileToResponse(cfg.Environment.Current())
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func submitJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.SourceFile == "" {
			WriteError(w, http.StatusBadRequest, "source_file is required", "BAD_REQUEST")
			return
		}
		if !queue.ValidBackend(req.Backend) {
			WriteError(w, http.StatusBadRequest, "unknown backend: "+req.Backend, "BAD_REQUEST")
			return
		}
		if req.Priority != 0 && (req.Priority < 1 || req.Priority > 10) {
			WriteError(w, http.StatusBadRequest, "priority must be between 1 and 10", "BAD_REQUEST")
			return
		}
		if _, err := os.Stat(req.SourceFile); err != nil {
			WriteError(w, http.StatusBadRequest, "source file not accessible: "+req.SourceFile, "BAD_REQUEST")
			return
		}

		if len(req.Params) > 0 {
			trimmed := bytes.TrimSpace(req.Params)
			if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
				WriteError(w, http.StatusBadRequest, "params must be a JSON object", "BAD_REQUEST")
				return
			}
		}

		job := &queue.Job{
			SourceFile: req.SourceFile,
			Backend:    req.Backend,
			Priority:   req.Priority,
			Params:     req.Params,
		}
		if err := cfg.Store.Enqueue(r.Context(), job); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: job.ID})
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		jobs, err := cfg.Store.List(r.Context(), status, 100)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		job, err := cfg.Store.Get(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Dispatcher == nil {
			WriteError(w, http.StatusServiceUnavailable, "dispatcher not running", "UNAVAILABLE")
			return
		}
		cfg.Dispatcher.Pause()
		WriteJSON(w, http.StatusOK, map[string]string{"state": "paused"})
	}
}

func resumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Dispatcher == nil {
			WriteError(w, http.StatusServiceUnavailable, "dispatcher not running", "UNAVAILABLE")
			return
		}
		cfg.Dispatcher.Resume()
		WriteJSON(w, http.StatusOK, map[string]string{"state": "running"})
	}
}
