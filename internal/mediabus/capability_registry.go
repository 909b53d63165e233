package mediabus

import (
	"context"
	"sync"

	"github.com/jmylchreest/mediabusd/internal/ffmpeg"
)

// CapabilityRegistry is a pure table mapping a codec and direction to an
// ordered list of hardware-preferred codec implementations, probed once at
// process start and reused by every Bus (spec.md §4.9/§5 "Global state").
//
// Grounded on the teacher's internal/daemon/encoder_selection.go priority
// walk (vaapi > nvenc/cuda > qsv > videotoolbox > d3d11va) mirrored here for both
// encode and decode direction, backed by internal/ffmpeg/hwaccel.go's
// one-time `ffmpeg -hwaccels` probe.
type CapabilityRegistry struct {
	mu       sync.RWMutex
	probed   bool
	hwaccels []ffmpeg.HWAccelInfo
}

// priorityOrder is the hardware accelerator preference walk, most to least
// preferred, independent of platform: unavailable accelerators are simply
// absent from the probe result and skipped.
var priorityOrder = []ffmpeg.HWAccelType{
	ffmpeg.HWAccelVAAPI,
	ffmpeg.HWAccelNVENC,
	ffmpeg.HWAccelQSV,
	ffmpeg.HWAccelVideoToolbox,
	ffmpeg.HWAccelD3D11VA,
}

// hwVideoDecoders maps a software codec name to its known hardware decoder
// names per accelerator, e.g. "h264" + vaapi -> "h264_vaapi".
var hwVideoDecoders = map[string]map[ffmpeg.HWAccelType]string{
	"h264": {
		ffmpeg.HWAccelVAAPI:        "h264_vaapi",
		ffmpeg.HWAccelNVENC:        "h264_cuvid",
		ffmpeg.HWAccelQSV:          "h264_qsv",
		ffmpeg.HWAccelVideoToolbox: "h264",
	},
	"h265": {
		ffmpeg.HWAccelVAAPI:        "hevc_vaapi",
		ffmpeg.HWAccelNVENC:        "hevc_cuvid",
		ffmpeg.HWAccelQSV:          "hevc_qsv",
		ffmpeg.HWAccelVideoToolbox: "hevc",
	},
}

// hwVideoEncoders maps a software encoder name to its hardware equivalent
// per accelerator, e.g. "libx264" + vaapi -> "h264_vaapi".
var hwVideoEncoders = map[string]map[ffmpeg.HWAccelType]string{
	"libx264": {
		ffmpeg.HWAccelVAAPI:        "h264_vaapi",
		ffmpeg.HWAccelNVENC:        "h264_nvenc",
		ffmpeg.HWAccelQSV:          "h264_qsv",
		ffmpeg.HWAccelVideoToolbox: "h264_videotoolbox",
	},
	"libx265": {
		ffmpeg.HWAccelVAAPI:        "hevc_vaapi",
		ffmpeg.HWAccelNVENC:        "hevc_nvenc",
		ffmpeg.HWAccelQSV:          "hevc_qsv",
		ffmpeg.HWAccelVideoToolbox: "hevc_videotoolbox",
	},
}

// NewCapabilityRegistry returns an unprobed registry; call Probe once before
// first use.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{}
}

// Probe runs the one-time `ffmpeg -hwaccels` detection. Safe to call more
// than once; subsequent calls are no-ops.
func (r *CapabilityRegistry) Probe(ctx context.Context, ffmpegPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probed {
		return nil
	}
	accels, err := ffmpeg.NewHWAccelDetector(ffmpegPath).Detect(ctx)
	if err != nil {
		// A failed probe is not fatal: fall back to software-only, matching
		// the teacher's hwaccel.go behaviour when no accelerator is present.
		r.probed = true
		return nil
	}
	r.hwaccels = accels
	r.probed = true
	return nil
}

// Accels returns a snapshot of every accelerator type this registry probed,
// available or not. Used for diagnostics (`mediabusd detect`); selection
// logic should use HWDecodersFor/HWEncodersFor instead.
func (r *CapabilityRegistry) Accels() []ffmpeg.HWAccelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ffmpeg.HWAccelInfo, len(r.hwaccels))
	copy(out, r.hwaccels)
	return out
}

func (r *CapabilityRegistry) available(t ffmpeg.HWAccelType) *ffmpeg.HWAccelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.hwaccels {
		if r.hwaccels[i].Type == t && r.hwaccels[i].Available {
			return &r.hwaccels[i]
		}
	}
	return nil
}

// HWDecodersFor returns the ordered list of hardware decoder names to try
// for codecID, most preferred first. The software decoder is never included
// here; the Decoder Task appends it as the final fallback itself.
func (r *CapabilityRegistry) HWDecodersFor(codecID string) []string {
	byAccel, ok := hwVideoDecoders[codecID]
	if !ok {
		return nil
	}
	var out []string
	for _, accel := range priorityOrder {
		name, ok := byAccel[accel]
		if !ok {
			continue
		}
		if info := r.available(accel); info != nil {
			out = append(out, name)
		}
	}
	return out
}

// HWEncodersFor returns the ordered list of hardware encoder names to try
// in place of softwareEncoder (e.g. "libx264"), most preferred first.
func (r *CapabilityRegistry) HWEncodersFor(softwareEncoder string) []string {
	byAccel, ok := hwVideoEncoders[softwareEncoder]
	if !ok {
		return nil
	}
	var out []string
	for _, accel := range priorityOrder {
		name, ok := byAccel[accel]
		if !ok {
			continue
		}
		if info := r.available(accel); info != nil && containsEncoder(info.Encoders, name) {
			out = append(out, name)
		}
	}
	return out
}

func containsEncoder(haystack []string, name string) bool {
	for _, h := range haystack {
		if h == name {
			return true
		}
	}
	return false
}

// PreferredInputFormat returns the pixel format a hardware encoder wants on
// its input, given the source's pixel format. NVENC and friends want NV12
// for 8-bit 4:2:0 sources; anything else passes through unchanged.
func PreferredInputFormat(encoderName, sourceFormat string) string {
	switch {
	case hasSuffixAny(encoderName, "_nvenc", "_vaapi", "_qsv"):
		if isYUV420Family(sourceFormat) {
			return "nv12"
		}
		return sourceFormat
	default:
		return sourceFormat
	}
}

func hasSuffixAny(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if len(s) >= len(suf) && s[len(s)-len(suf):] == suf {
			return true
		}
	}
	return false
}

func isYUV420Family(format string) bool {
	switch format {
	case "yuv420p", "yuvj420p", "nv12":
		return true
	default:
		return false
	}
}
