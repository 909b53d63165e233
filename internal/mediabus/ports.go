package mediabus

import (
	"context"
	"errors"
	"io"
)

// ErrEOS is returned by a PacketSource, Decoder, or Encoder to signal a
// clean end of stream; it is not logged as an error.
var ErrEOS = errors.New("mediabus: end of stream")

// PacketSource is the Input Reader's view of a demuxer: something that
// yields RawPackets in source time base until it is exhausted or the
// caller closes it. The production implementation (ffmpegPacketSource,
// input_reader.go) spawns FFmpeg and demuxes its MPEG-TS stdout with
// mediacommon; tests substitute a synthetic source, matching the seam the
// teacher uses to unit-test relay components without a real binary.
type PacketSource interface {
	Streams() []ElementaryStream
	Next(ctx context.Context) (RawPacket, error)
	Close() error
}

// Decoder turns RawPackets in source time base into Frames in decoder
// output time base for one elementary stream.
type Decoder interface {
	Decode(ctx context.Context, pkt RawPacket) ([]Frame, error)
	Flush(ctx context.Context) ([]Frame, error)
	Close() error
	// Name reports which concrete decoder was selected (e.g. "h264_vaapi"
	// or "h264" for software), surfaced in telemetry.
	Name() string
}

// Encoder turns Frames into RawPackets for one output stream.
type Encoder interface {
	Encode(ctx context.Context, f Frame) ([]RawPacket, error)
	Flush(ctx context.Context) ([]RawPacket, error)
	Close() error
	Name() string
	OutputTimeBase() Rational
	OutputCodecID() string
}

// Writer is the Output Writer abstraction of spec.md §4.8: a sink that
// accepts RawPackets (container muxer / RawPacket sink) or Frames (RawFrame
// sink), flushed and closed exactly once at task teardown.
type Writer interface {
	WritePacket(ctx context.Context, pkt RawPacket, desc StreamDescriptor) error
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

func isEOS(err error) bool {
	return errors.Is(err, ErrEOS) || errors.Is(err, io.EOF)
}
