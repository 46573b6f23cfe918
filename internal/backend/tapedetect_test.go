package backend

import (
	"context"
	"errors"
	"testing"
)

func TestMatchFilenameTape(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/captures/family_vhs_1992.avi", "VHS"},
		{"/captures/VCR-dump-03.mov", "VHS"},
		{"/captures/wedding_minidv.avi", "MINIDV"},
		{"/captures/mini-dv-tape2.avi", "MINIDV"},
		{"/captures/hi8_vacation.avi", "HI8"},
		{"/captures/8mm_reel.avi", "HI8"},
		{"/captures/betamax_news.avi", "BETAMAX"},
		{"/captures/digital8_trip.avi", "DIGITAL8"},
		{"/captures/super8_film_scan.mov", "SUPER8"},
		{"/captures/capture_0042.avi", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := matchFilenameTape(tt.path); got != tt.want {
				t.Errorf("matchFilenameTape(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestClassifyMedia(t *testing.T) {
	tests := []struct {
		name string
		info mediaInfo
		want string
	}{
		{"dv codec", mediaInfo{Codec: "dvvideo", Width: 720, Height: 480, Interlaced: true}, "MINIDV"},
		{"film rate progressive", mediaInfo{Codec: "h264", FrameRate: 18.0}, "SUPER8"},
		{"24fps progressive", mediaInfo{Codec: "h264", FrameRate: 24.0}, "SUPER8"},
		{"interlaced sd", mediaInfo{Codec: "h264", Width: 720, Height: 480, FrameRate: 29.97, Interlaced: true}, "VHS"},
		{"nothing to go on", mediaInfo{}, "VHS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyMedia(&tt.info); got != tt.want {
				t.Errorf("classifyMedia(%+v) = %q, want %q", tt.info, got, tt.want)
			}
		})
	}
}

func TestDetectFilenameWinsOverProbe(t *testing.T) {
	d := &TapeDetector{
		logger: testLogger(),
		probe: func(ctx context.Context, path string) (*mediaInfo, error) {
			t.Error("probe should not run when the filename is conclusive")
			return nil, nil
		},
	}

	if got := d.Detect(context.Background(), "/in/hi8_tape.avi"); got != "HI8" {
		t.Errorf("Detect() = %q, want HI8", got)
	}
}

func TestDetectFallsBackToProbe(t *testing.T) {
	d := &TapeDetector{
		logger: testLogger(),
		probe: func(ctx context.Context, path string) (*mediaInfo, error) {
			return &mediaInfo{Codec: "dvvideo", Interlaced: true}, nil
		},
	}

	if got := d.Detect(context.Background(), "/in/capture_0042.avi"); got != "MINIDV" {
		t.Errorf("Detect() = %q, want MINIDV", got)
	}
}

func TestDetectProbeFailureDefaultsVHS(t *testing.T) {
	d := &TapeDetector{
		logger: testLogger(),
		probe: func(ctx context.Context, path string) (*mediaInfo, error) {
			return nil, errors.New("ffprobe exploded")
		},
	}

	if got := d.Detect(context.Background(), "/in/capture_0042.avi"); got != "VHS" {
		t.Errorf("Detect() = %q, want VHS", got)
	}
}

func TestDetectWithoutProbeDefaultsVHS(t *testing.T) {
	d := &TapeDetector{logger: testLogger()}

	if got := d.Detect(context.Background(), "/in/capture_0042.avi"); got != "VHS" {
		t.Errorf("Detect() = %q, want VHS", got)
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30000/1001", 29.97002997002997},
		{"25/1", 25},
		{"24.0", 24},
		{"bogus", 0},
		{"1/0", 0},
	}

	for _, tt := range tests {
		if got := parseFrameRate(tt.in); got != tt.want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
