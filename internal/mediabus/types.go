// Package mediabus implements the media bus: a controller that ingests one
// audio/video source, fans its packets out to independently configured
// outputs, and inserts a per-output decode/transcode pipeline for each
// output that sets encode options. Source and output codecs are not
// compared.
package mediabus

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// StreamKind distinguishes video from audio elementary streams.
type StreamKind string

const (
	StreamVideo StreamKind = "video"
	StreamAudio StreamKind = "audio"
)

// InputKind selects the demuxer input variant.
type InputKind string

const (
	InputNet    InputKind = "net"
	InputFile   InputKind = "file"
	InputDevice InputKind = "device"
)

// DeviceKind enumerates capture primitives for InputDevice.
type DeviceKind string

const (
	DeviceV4L2    DeviceKind = "v4l2"
	DeviceX11Grab DeviceKind = "x11grab"
	DeviceDShow   DeviceKind = "dshow"
	DeviceGDIGrab DeviceKind = "gdigrab"
	DeviceLavfi   DeviceKind = "lavfi"
)

// InputConfig describes where the Bus reads its source from.
//
// It is a tagged struct rather than an interface: only the field matching
// Kind is populated, following the same enum-plus-struct shape the codec
// package uses for its own variants.
type InputConfig struct {
	Kind InputKind

	// Net: URL in rtsp/rtmp/http/https scheme.
	URL string

	// File: filesystem path.
	Path string

	// Device: capture primitive and its target (display/device name).
	Device       DeviceKind
	DeviceTarget string
}

// ContainerHint returns the FFmpeg -f demuxer name implied by this config.
func (c InputConfig) ContainerHint() string {
	switch c.Kind {
	case InputDevice:
		return string(c.Device)
	default:
		return "" // let FFmpeg auto-detect from URL/path
	}
}

// Source returns the single operand FFmpeg should treat as -i.
func (c InputConfig) Source() string {
	switch c.Kind {
	case InputNet:
		return c.URL
	case InputFile:
		return c.Path
	case InputDevice:
		return c.DeviceTarget
	default:
		return ""
	}
}

// Rational is a pts/dts time base, matching FFmpeg's AVRational convention
// (num/den seconds per tick).
type Rational struct {
	Num int32
	Den int32
}

// Seconds converts a tick count expressed in this time base to seconds.
func (r Rational) Seconds(ticks int64) float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(ticks) * float64(r.Num) / float64(r.Den)
}

// Rescale converts ticks from this time base into another.
func (r Rational) Rescale(ticks int64, to Rational) int64 {
	if r == to || r.Den == 0 || to.Num == 0 {
		return ticks
	}
	// ticks * (r.Num/r.Den) * (to.Den/to.Num)
	num := ticks * int64(r.Num) * int64(to.Den)
	den := int64(r.Den) * int64(to.Num)
	if den == 0 {
		return ticks
	}
	return num / den
}

// parseRational parses an FFmpeg-style "num/den" rational such as
// ffprobe's r_frame_rate ("25/1", "30000/1001"). Used only for best-effort
// frame rate probing; a malformed or missing string is not an error, just
// an unusable hint.
func parseRational(s string) (Rational, bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Rational{}, false
	}
	num, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 32)
	den, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 32)
	if err1 != nil || err2 != nil || den == 0 {
		return Rational{}, false
	}
	return Rational{Num: int32(num), Den: int32(den)}, true
}

// CodecParams carries the codec-specific side data (extradata, dimensions,
// sample layout) needed to decode or repackage a stream.
type CodecParams struct {
	// Extradata holds SPS/PPS (H.264) or VPS/SPS/PPS (H.265) as
	// length-prefixed NAL units. The MPEG-TS input reader does not fill it,
	// so it is empty for the streams it opens.
	Extradata []byte

	Width, Height int
	SampleRate    int
	ChannelLayout string
	SampleFormat  string

	// FrameRate is populated best-effort for video streams via an ffprobe
	// pre-scan of the input source (spec.md §4.5's GOP-size default needs a
	// real frame rate, not a fabricated one). Zero when probing was
	// unavailable, skipped (device inputs), or failed.
	FrameRate Rational
}

// ElementaryStream describes one audio or video track of the open input.
// Immutable for the life of the input.
type ElementaryStream struct {
	Index       int
	Kind        StreamKind
	CodecID     string
	TimeBase    Rational
	CodecParams CodecParams
}

// RawPacket is a compressed access unit as produced by the demuxer or an
// encoder, timestamped in its stream's source time base.
type RawPacket struct {
	StreamIndex int
	PTS, DTS    int64
	Duration    int64
	Keyframe    bool
	Payload     []byte
}

// Frame is a decoded picture or audio sample buffer, timestamped in the
// decoder's output time base.
type Frame struct {
	StreamIndex int
	PTS         int64
	Kind        StreamKind

	// Video
	Width, Height int
	PixelFormat   string

	// Audio
	SampleRate    int
	ChannelLayout string
	SampleFormat  string
	NumSamples    int

	Payload []byte
}

// EncodePreset is FFmpeg's x264/x265-style speed/quality tradeoff knob.
type EncodePreset string

const (
	PresetUltrafast EncodePreset = "ultrafast"
	PresetSuperfast EncodePreset = "superfast"
	PresetVeryfast  EncodePreset = "veryfast"
	PresetFast      EncodePreset = "fast"
	PresetMedium    EncodePreset = "medium"
)

// EncodeOpts configures re-encoding for an output. A nil *EncodeOpts on
// OutputSpec means stream-copy (RawFrame outputs excepted, which always
// decode); no codec compatibility check switches such an output to an
// encoder.
type EncodeOpts struct {
	Preset          EncodePreset
	BitrateBPS      int
	GOPSize         int // 0 => default to 2x frame rate
	PixelFormatHint string
}

// DestKind selects the OutputSpec.Dest variant.
type DestKind string

const (
	DestMuxFile    DestKind = "mux_file"
	DestMuxNetwork DestKind = "mux_network"
	DestRawPacket  DestKind = "raw_packet"
	DestRawFrame   DestKind = "raw_frame"
)

// OutputDest is a tagged struct naming where an output's bytes go.
type OutputDest struct {
	Kind DestKind

	// MuxFile / MuxNetwork
	Path   string
	URL    string
	Format string // container format; inferred from extension if empty

	// RawPacketSink / RawFrameSink: the channel the consumer reads from is
	// returned by AddOutput, not stored here.
}

// AVKind selects which elementary stream kinds an output wants.
type AVKind string

const (
	AVVideo AVKind = "video"
	AVAudio AVKind = "audio"
	AVBoth  AVKind = "both"
)

// OutputSpec is the caller-supplied description of one sink.
type OutputSpec struct {
	ID     string
	AVKind AVKind
	Dest   OutputDest
	Encode *EncodeOpts // nil => stream copy
}

// StreamDescriptor is returned from AddOutput describing the stream(s) the
// output will actually produce (post encode-selection), so callers can
// build their own muxer headers or playlists if they own the Writer.
type StreamDescriptor struct {
	StreamIndex int
	Kind        StreamKind
	CodecID     string
	TimeBase    Rational
}

// Subscription is a weak handle identifying a consumer on a Packet or Frame
// Bus. Dropping it (Unsubscribe) unblocks the publisher from waiting on that
// consumer and is wait-free for the publisher.
type Subscription struct {
	id uuid.UUID
}

func newSubscription() Subscription {
	return Subscription{id: uuid.New()}
}
