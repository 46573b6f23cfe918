package environment

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// virtualizationSignatures are matched against platform identity strings.
// "shadow" and "parsec" cover cloud-PC streaming hosts; the rest are
// ordinary hypervisors.
var virtualizationSignatures = []string{
	"shadow", "blade", "parsec",
	"qemu", "kvm", "vmware", "virtualbox", "hyper-v", "virtual machine", "xen",
}

func probeVirtualization(ctx context.Context) (bool, error) {
	switch runtime.GOOS {
	case "linux":
		return probeVirtualizationLinux(ctx)
	case "windows":
		return probeVirtualizationWindows(ctx)
	default:
		return false, nil
	}
}

func probeVirtualizationLinux(ctx context.Context) (bool, error) {
	// systemd-detect-virt gives a definitive answer where available.
	out, err := exec.CommandContext(ctx, "systemd-detect-virt").Output()
	if err == nil {
		return strings.TrimSpace(string(out)) != "none", nil
	}

	var identity strings.Builder
	for _, f := range []string{
		"/sys/class/dmi/id/product_name",
		"/sys/class/dmi/id/sys_vendor",
	} {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		identity.WriteString(strings.ToLower(string(data)))
		identity.WriteByte('\n')
	}
	if identity.Len() == 0 {
		return false, fmt.Errorf("no virtualization signal source available")
	}
	return matchesSignature(identity.String()), nil
}

func probeVirtualizationWindows(ctx context.Context) (bool, error) {
	out, err := exec.CommandContext(ctx, "wmic", "computersystem", "get", "manufacturer,model").Output()
	if err != nil {
		return false, fmt.Errorf("wmic query failed: %w", err)
	}
	return matchesSignature(strings.ToLower(string(out))), nil
}

func matchesSignature(identity string) bool {
	for _, sig := range virtualizationSignatures {
		if strings.Contains(identity, sig) {
			return true
		}
	}
	return false
}

// probeLatency measures TCP connect round trips to the endpoint and returns
// the median, which shrugs off a single slow handshake.
func probeLatency(ctx context.Context, endpoint string, samples int) (time.Duration, error) {
	if endpoint == "" {
		return 0, fmt.Errorf("no probe endpoint configured")
	}

	dialer := &net.Dialer{Timeout: 2 * time.Second}
	results := make([]time.Duration, 0, samples)

	for i := 0; i < samples; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			continue
		}
		results = append(results, time.Since(start))
		conn.Close()
	}

	if len(results) == 0 {
		return 0, fmt.Errorf("all %d latency samples to %s failed", samples, endpoint)
	}
	return median(results), nil
}

// probeAcceleration enumerates usable hardware encode paths. nvidia-smi is
// authoritative for NVENC; the remaining paths are read from the transcoder's
// own encoder listing so only encoders the tool can drive are reported.
func probeAcceleration(ctx context.Context) ([]string, error) {
	var paths []string

	if err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Run(); err == nil {
		paths = append(paths, AccelNVENC)
	}

	out, err := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil {
		if len(paths) > 0 {
			return paths, nil
		}
		return nil, fmt.Errorf("cannot enumerate encoders: %w", err)
	}

	listing := string(out)
	if !contains(paths, AccelNVENC) && strings.Contains(listing, "h264_nvenc") {
		paths = append(paths, AccelNVENC)
	}
	if strings.Contains(listing, "h264_amf") {
		paths = append(paths, AccelAMF)
	}
	if strings.Contains(listing, "h264_qsv") {
		paths = append(paths, AccelQuickSync)
	}
	return paths, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
