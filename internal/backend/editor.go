package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/lperanavan/videoediting/internal/queue"
)

// ErrEditorNotReady reports that the editor application has not finished
// starting. Distinct from a crash: the job is retryable, but deserves a
// longer backoff than ordinary transient failures.
var ErrEditorNotReady = errors.New("editor application not ready")

// editorPresets maps tape formats to the editor project presets used to
// clean them up.
var editorPresets = map[string]string{
	"VHS":      "VHS_Cleanup",
	"MINIDV":   "MiniDV_Enhance",
	"HI8":      "Hi8_Restore",
	"BETAMAX":  "Betamax_Enhance",
	"DIGITAL8": "Digital8_Process",
	"SUPER8":   "Super8_FilmLook",
}

const defaultEditorPreset = "VHS_Cleanup"

// Editor drives a stateful desktop editing application through its local
// automation bridge. The bridge owns the interop session with the
// application; this adapter owns the wire boundary and failure
// classification, including telling "not started yet" apart from "crashed".
type Editor struct {
	baseURL    string
	outDir     string
	httpClient *http.Client
	detector   *TapeDetector
	logger     *slog.Logger
}

type editorRequest struct {
	SourceFile string `json:"source_file"`
	Preset     string `json:"preset"`
	OutputPath string `json:"output_path"`
}

type editorResponse struct {
	OutputPath string `json:"output_path"`
	DurationMS int64  `json:"duration_ms"`
	AppState   string `json:"app_state,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewEditor(baseURL, outDir string, detector *TapeDetector, logger *slog.Logger) *Editor {
	return &Editor{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		outDir:  outDir,
		// Per-request deadlines come from the submit context; no client
		// timeout on top so long exports are not cut short.
		httpClient: &http.Client{},
		detector:   detector,
		logger:     logger,
	}
}

func (e *Editor) Kind() string {
	return queue.BackendEditor
}

func (e *Editor) Submit(ctx context.Context, job *queue.Job) (Result, error) {
	start := time.Now()

	params, err := decodeParams(job.Params)
	if err != nil {
		return Result{}, NewError(ClassFatalInput, "editor", err)
	}

	preset := params.Preset
	if preset == "" && params.TapeType == "" && e.detector != nil {
		params.TapeType = e.detector.Detect(ctx, job.SourceFile)
	}
	if preset == "" {
		preset = editorPresets[strings.ToUpper(params.TapeType)]
	}
	if preset == "" {
		preset = defaultEditorPreset
	}

	reqBody, err := json.Marshal(editorRequest{
		SourceFile: job.SourceFile,
		Preset:     preset,
		OutputPath: filepath.Join(e.outDir, job.ID+"_edited.mp4"),
	})
	if err != nil {
		return Result{}, NewError(ClassFatalInput, "editor", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/process", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, NewError(ClassFatalBackend, "editor", err)
	}
	req.Header.Set("Content-Type", "application/json")

	e.logger.Debug("submitting to editor bridge", "job_id", job.ID, "preset", preset)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, NewError(ClassTransient, "editor", ctx.Err())
		}
		// No bridge listening yet: the application stack is still coming up.
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return Result{}, NewError(ClassTransient, "editor",
				fmt.Errorf("%w: %v", ErrEditorNotReady, err))
		}
		return Result{}, NewError(ClassFatalBackend, "editor", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er editorResponse
	_ = json.Unmarshal(body, &er)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		elapsed := time.Since(start)
		e.logger.Info("editor processing complete", "job_id", job.ID,
			"duration_ms", elapsed.Milliseconds())
		return Result{ArtifactPath: er.OutputPath, Duration: elapsed}, nil

	case resp.StatusCode == http.StatusServiceUnavailable:
		// Bridge is up but the application is still launching or busy
		// loading a project.
		return Result{}, NewError(ClassTransient, "editor",
			fmt.Errorf("%w: %s", ErrEditorNotReady, er.Error))

	case resp.StatusCode == http.StatusUnprocessableEntity:
		return Result{}, NewError(ClassFatalInput, "editor",
			fmt.Errorf("editor rejected input: %s", er.Error))

	case resp.StatusCode == http.StatusBadGateway || er.AppState == "crashed":
		return Result{}, NewError(ClassFatalBackend, "editor",
			fmt.Errorf("editor application crashed: %s", er.Error))

	default:
		return Result{}, NewError(ClassTransient, "editor",
			fmt.Errorf("editor bridge HTTP %d: %s", resp.StatusCode, truncate(string(body), 256)))
	}
}

// Restart asks the bridge to relaunch the editor application. Called by the
// dispatcher before the single fatal-backend retry.
func (e *Editor) Restart(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/restart", nil)
	if err != nil {
		return err
	}

	e.logger.Info("restarting editor application")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("editor restart request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("editor restart HTTP %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	return nil
}
