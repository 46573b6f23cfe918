package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// filenameTapePatterns are tried in order against the lowercased source
// filename. Digital8 and Super8 come before the Hi8/8mm pattern so "8" in
// their names is not claimed by it.
var filenameTapePatterns = []struct {
	re       *regexp.Regexp
	tapeType string
}{
	{regexp.MustCompile(`vhs|vcr`), "VHS"},
	{regexp.MustCompile(`digital.?8|\bd8\b`), "DIGITAL8"},
	{regexp.MustCompile(`super.?8|\bs8\b`), "SUPER8"},
	{regexp.MustCompile(`minidv|mini.?dv|\bdv\b`), "MINIDV"},
	{regexp.MustCompile(`hi.?8|8mm`), "HI8"},
	{regexp.MustCompile(`beta(max)?`), "BETAMAX"},
}

// mediaInfo is the slice of probe output the classifier looks at.
type mediaInfo struct {
	Width      int
	Height     int
	FrameRate  float64
	Interlaced bool
	Codec      string
}

// TapeDetector infers the original tape format of a capture when the
// operator did not label it. Filename keywords win when present; otherwise
// stream metadata decides, and ambiguous captures fall back to VHS, the
// most common format in the archive.
type TapeDetector struct {
	logger *slog.Logger

	// probe is swapped in tests.
	probe func(ctx context.Context, path string) (*mediaInfo, error)
}

func NewTapeDetector(probeBinary string, logger *slog.Logger) *TapeDetector {
	d := &TapeDetector{logger: logger}

	resolved, err := resolveBinary(probeBinary, "ffprobe")
	if err != nil {
		// Filename heuristics still work without the probe tool.
		logger.Warn("media probe tool unavailable, tape detection limited to filenames", "error", err)
		return d
	}
	d.probe = func(ctx context.Context, path string) (*mediaInfo, error) {
		return probeMedia(ctx, resolved, path)
	}
	return d
}

// Detect returns the canonical tape type for a source file. Never fails:
// every degradation path lands on the VHS default.
func (d *TapeDetector) Detect(ctx context.Context, path string) string {
	if tt := matchFilenameTape(path); tt != "" {
		d.logger.Debug("tape type from filename", "path", path, "tape_type", tt)
		return tt
	}

	if d.probe != nil {
		info, err := d.probe(ctx, path)
		if err != nil {
			d.logger.Warn("media probe failed, assuming VHS", "path", path, "error", err)
			return "VHS"
		}
		tt := classifyMedia(info)
		d.logger.Debug("tape type from metadata", "path", path, "tape_type", tt,
			"codec", info.Codec, "frame_rate", info.FrameRate, "interlaced", info.Interlaced)
		return tt
	}

	return "VHS"
}

func matchFilenameTape(path string) string {
	name := strings.ToLower(filepath.Base(path))
	for _, p := range filenameTapePatterns {
		if p.re.MatchString(name) {
			return p.tapeType
		}
	}
	return ""
}

// classifyMedia maps stream characteristics to a format. DV codec streams
// are MiniDV captures; progressive footage at film rates is a Super 8
// transfer; interlaced standard definition is indistinguishable from VHS
// by metadata alone and takes the default.
func classifyMedia(m *mediaInfo) string {
	switch {
	case strings.Contains(m.Codec, "dvvideo"):
		return "MINIDV"
	case !m.Interlaced && m.FrameRate > 0 && m.FrameRate <= 24:
		return "SUPER8"
	default:
		return "VHS"
	}
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		FieldOrder string `json:"field_order"`
	} `json:"streams"`
}

func probeMedia(ctx context.Context, binary, path string) (*mediaInfo, error) {
	cmd := exec.CommandContext(ctx, binary,
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, err
	}

	for _, s := range po.Streams {
		if s.CodecType != "video" {
			continue
		}
		return &mediaInfo{
			Width:      s.Width,
			Height:     s.Height,
			FrameRate:  parseFrameRate(s.RFrameRate),
			Interlaced: s.FieldOrder != "" && s.FieldOrder != "progressive",
			Codec:      s.CodecName,
		}, nil
	}
	return &mediaInfo{}, nil
}

// parseFrameRate handles ffprobe's rational form ("30000/1001").
func parseFrameRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		f, _ := strconv.ParseFloat(r, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
