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

	"github.com/lperanavan/videoediting/internal/environment"
	"github.com/lperanavan/videoediting/internal/queue"
)

// fatalInputSignatures in transcoder diagnostics mean the source itself is
// bad; retrying cannot help.
var fatalInputSignatures = []string{
	"invalid data found when processing input",
	"moov atom not found",
	"could not find codec parameters",
	"unsupported codec",
	"invalid argument",
	"unknown format",
	"end of file",
}

// transientSignatures point at the machine or network, not the input.
var transientSignatures = []string{
	"connection timed out",
	"connection refused",
	"input/output error",
	"resource temporarily unavailable",
	"device or resource busy",
}

// Transcoder runs an external encoder (ffmpeg) per job. Hardware
// acceleration and tape-type cleanup filters are derived from the current
// environment profile and job params at submit time.
type Transcoder struct {
	binary   string
	outDir   string
	profile  func() *environment.Profile
	detector *TapeDetector
	logger   *slog.Logger
}

func NewTranscoder(binary, outDir string, profile func() *environment.Profile, detector *TapeDetector, logger *slog.Logger) (*Transcoder, error) {
	resolved, err := resolveBinary(binary, "ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("cannot locate transcoder: %w", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create output dir: %w", err)
	}
	return &Transcoder{binary: resolved, outDir: outDir, profile: profile, detector: detector, logger: logger}, nil
}

func (t *Transcoder) Kind() string {
	return queue.BackendTranscoder
}

func (t *Transcoder) Submit(ctx context.Context, job *queue.Job) (Result, error) {
	start := time.Now()

	params, err := decodeParams(job.Params)
	if err != nil {
		return Result{}, NewError(ClassFatalInput, "transcode", err)
	}
	if _, err := os.Stat(job.SourceFile); err != nil {
		return Result{}, NewError(ClassFatalInput, "transcode", fmt.Errorf("source missing: %w", err))
	}
	if params.TapeType == "" && t.detector != nil {
		params.TapeType = t.detector.Detect(ctx, job.SourceFile)
	}

	outPath := filepath.Join(t.outDir, job.ID+"_processed.mp4")
	args := t.buildArgs(job.SourceFile, outPath, params)

	cmd := exec.CommandContext(ctx, t.binary, args...)
	stderr := newLimitedWriter()
	cmd.Stderr = stderr
	cmd.Stdout = stderr

	t.logger.Debug("starting transcode", "job_id", job.ID, "args", args)

	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		// The context firing means the process was killed on timeout or
		// shutdown; report transient so the policy can reschedule.
		if ctx.Err() != nil {
			return Result{}, NewError(ClassTransient, "transcode",
				fmt.Errorf("terminated after %s: %w", elapsed.Round(time.Second), ctx.Err()))
		}
		tail := stderr.String()
		var exitErr *exec.ExitError
		class := classifyTranscoderOutput(tail, errors.As(err, &exitErr))
		return Result{}, NewError(class, "transcode",
			fmt.Errorf("%w: %s", err, truncate(tail, 512)))
	}

	if _, err := os.Stat(outPath); err != nil {
		return Result{}, NewError(ClassFatalBackend, "transcode",
			fmt.Errorf("encoder exited cleanly but produced no output: %w", err))
	}

	t.logger.Info("transcode complete", "job_id", job.ID, "duration_ms", elapsed.Milliseconds())
	return Result{ArtifactPath: outPath, Duration: elapsed}, nil
}

// buildArgs assembles the encoder invocation: hardware decode/encode when
// the profile detected a path, software x264 otherwise, and cleanup filters
// appropriate to the tape format being digitized.
func (t *Transcoder) buildArgs(input, output string, p Params) []string {
	prof := t.profile()
	args := []string{"-hide_banner", "-y"}

	switch prof.PreferredAccel() {
	case environment.AccelNVENC:
		args = append(args, "-hwaccel", "nvdec", "-i", input, "-c:v", "h264_nvenc", "-preset", "medium")
	case environment.AccelAMF:
		args = append(args, "-hwaccel", "dxva2", "-i", input, "-c:v", "h264_amf")
	case environment.AccelQuickSync:
		args = append(args, "-hwaccel", "qsv", "-i", input, "-c:v", "h264_qsv")
	default:
		args = append(args, "-i", input, "-c:v", "libx264", "-preset", "medium")
	}

	if filters := tapeFilters(p.TapeType); len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	quality := p.Quality
	if quality == 0 {
		quality = 18
	}
	args = append(args, "-crf", fmt.Sprint(quality), "-c:a", "aac", "-b:a", "192k")

	if prof.Virtualized {
		// Leave headroom for the streaming session on shared cloud hosts.
		args = append(args, "-threads", "4")
	}

	return append(args, output)
}

// tapeFilters maps analog tape formats to their cleanup filter chains.
// Interlaced formats get deinterlacing; VHS additionally gets denoising.
func tapeFilters(tapeType string) []string {
	var filters []string
	switch strings.ToUpper(tapeType) {
	case "VHS":
		filters = append(filters, "yadif=0:0:0", "hqdn3d=4:3:6:4.5")
	case "BETAMAX", "HI8":
		filters = append(filters, "yadif=0:0:0")
	}
	return filters
}

// classifyTranscoderOutput maps an encoder failure to a class. exited is
// whether the process ran and returned a nonzero status; false means the
// binary could not be started at all.
func classifyTranscoderOutput(stderrTail string, exited bool) Class {
	lower := strings.ToLower(stderrTail)
	for _, sig := range fatalInputSignatures {
		if strings.Contains(lower, sig) {
			return ClassFatalInput
		}
	}
	for _, sig := range transientSignatures {
		if strings.Contains(lower, sig) {
			return ClassTransient
		}
	}
	if !exited {
		return ClassFatalBackend
	}
	return ClassTransient
}

// resolveBinary finds the tool on PATH, preferring an explicit configured
// path when given.
func resolveBinary(preferred, fallback string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured binary %q not found", preferred)
	}
	return exec.LookPath(fallback)
}
