package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lperanavan/videoediting/internal/queue"
)

// upscalerModels maps tape formats to the enhancement model and strengths
// that suit their artifacts. Heavily degraded analog formats get aggressive
// denoising; film transfer keeps its grain.
var upscalerModels = map[string]upscalerModel{
	"VHS":      {Name: "artemis", NoiseReduction: 0.8, Sharpen: 0.6},
	"MINIDV":   {Name: "iris", NoiseReduction: 0.3, Sharpen: 0.4},
	"HI8":      {Name: "artemis", NoiseReduction: 0.6, Sharpen: 0.5},
	"BETAMAX":  {Name: "artemis", NoiseReduction: 0.7, Sharpen: 0.5},
	"DIGITAL8": {Name: "iris", NoiseReduction: 0.3, Sharpen: 0.3},
	"SUPER8":   {Name: "gaia", NoiseReduction: 0.5, Sharpen: 0.6, PreserveGrain: true},
}

type upscalerModel struct {
	Name           string
	NoiseReduction float64
	Sharpen        float64
	PreserveGrain  bool
}

// Upscaler drives a long-running AI enhancement tool. Jobs here are
// expensive to abandon, so cancellation is cooperative: the tool gets an
// interrupt and a grace period to checkpoint before it is killed.
type Upscaler struct {
	binary   string
	outDir   string
	detector *TapeDetector
	logger   *slog.Logger
}

const upscalerGracePeriod = 30 * time.Second

func NewUpscaler(binary, outDir string, detector *TapeDetector, logger *slog.Logger) (*Upscaler, error) {
	resolved, err := resolveBinary(binary, "topaz-cli")
	if err != nil {
		return nil, fmt.Errorf("cannot locate upscaler: %w", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create output dir: %w", err)
	}
	return &Upscaler{binary: resolved, outDir: outDir, detector: detector, logger: logger}, nil
}

func (u *Upscaler) Kind() string {
	return queue.BackendUpscaler
}

func (u *Upscaler) Submit(ctx context.Context, job *queue.Job) (Result, error) {
	start := time.Now()

	params, err := decodeParams(job.Params)
	if err != nil {
		return Result{}, NewError(ClassFatalInput, "upscale", err)
	}
	if _, err := os.Stat(job.SourceFile); err != nil {
		return Result{}, NewError(ClassFatalInput, "upscale", fmt.Errorf("source missing: %w", err))
	}
	if params.TapeType == "" && u.detector != nil {
		params.TapeType = u.detector.Detect(ctx, job.SourceFile)
	}

	model, ok := upscalerModels[strings.ToUpper(params.TapeType)]
	if !ok {
		model = upscalerModels["VHS"]
	}
	if params.Model != "" {
		model.Name = params.Model
	}
	scale := params.Scale
	if scale == 0 {
		scale = 2.0
	}

	outPath := filepath.Join(u.outDir, job.ID+"_enhanced.mp4")
	args := []string{
		"--input", job.SourceFile,
		"--output", outPath,
		"--model", model.Name,
		"--noise-reduction", fmt.Sprintf("%.2f", model.NoiseReduction),
		"--sharpen", fmt.Sprintf("%.2f", model.Sharpen),
		"--scale", fmt.Sprintf("%.1f", scale),
	}
	if model.PreserveGrain {
		args = append(args, "--preserve-grain")
	}

	cmd := exec.CommandContext(ctx, u.binary, args...)
	stderr := newLimitedWriter()
	cmd.Stderr = stderr
	cmd.Stdout = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = upscalerGracePeriod

	u.logger.Info("starting upscale", "job_id", job.ID, "model", model.Name, "scale", scale)

	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return Result{}, NewError(ClassTransient, "upscale",
				fmt.Errorf("cancelled after %s: %w", elapsed.Round(time.Second), ctx.Err()))
		}
		tail := strings.ToLower(stderr.String())
		if strings.Contains(tail, "unsupported") || strings.Contains(tail, "corrupt") ||
			strings.Contains(tail, "cannot read input") {
			return Result{}, NewError(ClassFatalInput, "upscale",
				fmt.Errorf("%w: %s", err, truncate(stderr.String(), 512)))
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, NewError(ClassFatalBackend, "upscale", err)
		}
		return Result{}, NewError(ClassTransient, "upscale",
			fmt.Errorf("%w: %s", err, truncate(stderr.String(), 512)))
	}

	if _, err := os.Stat(outPath); err != nil {
		return Result{}, NewError(ClassFatalBackend, "upscale",
			fmt.Errorf("upscaler exited cleanly but produced no output: %w", err))
	}

	u.logger.Info("upscale complete", "job_id", job.ID, "duration_ms", elapsed.Milliseconds())
	return Result{ArtifactPath: outPath, Duration: elapsed}, nil
}
