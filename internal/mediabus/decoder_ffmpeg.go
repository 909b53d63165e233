package mediabus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/jmylchreest/mediabusd/internal/ffmpeg"
)

// ffmpegDecoder is the production Decoder (spec.md §4.4): a long-lived
// FFmpeg child process fed Annex-B access units on stdin and producing raw
// yuv420p video frames (one fixed-size frame per output chunk) or raw PCM
// audio on stdout. Hardware/software selection happens once, at
// construction, via CapabilityRegistry — matching the teacher's pattern of
// driving FFmpeg as a long-running subprocess
// (internal/relay/ffmpeg_transcoder.go) rather than linking libavcodec
// directly.
type ffmpegDecoder struct {
	logger *slog.Logger
	name   string
	stream ElementaryStream

	cmd    *ffmpeg.Command
	stdin  io.WriteCloser
	stdout *bufio.Reader

	frameSize int // bytes per decoded video frame; 0 for audio (variable-size reads)

	// ptsQueue/lastPTS carry real source timestamps from Decode's input
	// packets through to drainAvailable's output frames for video: FFmpeg's
	// rawvideo pipe gives no PTS of its own, so the only source of truth is
	// the PTS already stamped on the RawPacket the Packet Bus handed us.
	ptsQueue []int64
	lastPTS  int64

	// Audio PTS is derived from a running sample count rather than queued
	// per-packet, since one input packet rarely lines up with one PCM read:
	// basePTS anchors the first packet's timestamp, and every later frame's
	// PTS is basePTS plus samplesEmitted converted to ticks.
	audioBasePTS        int64
	audioHaveBase       bool
	audioSamplesEmitted int64
}

// audioChannels returns the channel count to assume for PCM framing and
// resampling, falling back to stereo when the demuxer didn't report a
// channel count (true of every audio codec here except AAC).
func audioChannels(stream ElementaryStream) int {
	if stream.CodecParams.ChannelLayout != "" {
		if n, err := strconv.Atoi(stream.CodecParams.ChannelLayout); err == nil && n > 0 {
			return n
		}
	}
	return 2
}

// newFFmpegDecoder tries hardware decoder candidates in CapabilityRegistry
// priority order, then falls back to FFmpeg's own software default, per
// spec.md §4.4's "hardware-then-software, one-shot at construction" rule.
func newFFmpegDecoder(
	ctx context.Context,
	newBuilder func() *ffmpeg.CommandBuilder,
	registry *CapabilityRegistry,
	stream ElementaryStream,
	logger *slog.Logger,
) (*ffmpegDecoder, error) {
	candidates := append(registry.HWDecodersFor(stream.CodecID), "")

	var lastErr error
	for _, name := range candidates {
		d, err := startFFmpegDecoder(ctx, newBuilder(), name, stream, logger)
		if err == nil {
			return d, nil
		}
		lastErr = err
		logger.Debug("decoder candidate failed, falling back", slog.String("decoder", name), slog.String("error", err.Error()))
	}
	return nil, &ClassifiedError{Kind: KindDecoderInit, Cause: fmt.Errorf("no usable decoder for %s: %w", stream.CodecID, lastErr)}
}

// startFFmpegDecoder launches one FFmpeg candidate. An empty decoderName
// lets FFmpeg pick its built-in software decoder for the stream's codec.
func startFFmpegDecoder(ctx context.Context, builder *ffmpeg.CommandBuilder, decoderName string, stream ElementaryStream, logger *slog.Logger) (*ffmpegDecoder, error) {
	frameSize := 0
	b := builder.
		InputArgs("-f", codecDemuxerName(stream.CodecID)).
		Input("pipe:0")
	if decoderName != "" {
		b = b.InputArgs("-c:v", decoderName)
	}

	if stream.Kind == StreamVideo {
		if stream.CodecParams.Width > 0 && stream.CodecParams.Height > 0 {
			frameSize = stream.CodecParams.Width * stream.CodecParams.Height * 3 / 2
		}
		b = b.OutputArgs("-f", "rawvideo", "-pix_fmt", "yuv420p")
	} else {
		b = b.OutputArgs("-f", "s16le", "-ar", fmt.Sprintf("%d", stream.CodecParams.SampleRate))
	}
	cmd := b.Output("pipe:1").Build()

	stdin, stdout, err := cmd.StartDuplex(ctx)
	if err != nil {
		return nil, err
	}

	name := decoderName
	if name == "" {
		name = stream.CodecID
	}
	return &ffmpegDecoder{
		logger:    logger,
		name:      name,
		stream:    stream,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReaderSize(stdout, 1<<20),
		frameSize: frameSize,
	}, nil
}

func codecDemuxerName(codecID string) string {
	switch codecID {
	case "h265", "hevc":
		return "hevc"
	default:
		return "h264"
	}
}

func (d *ffmpegDecoder) Decode(ctx context.Context, pkt RawPacket) ([]Frame, error) {
	if d.stream.Kind == StreamVideo {
		d.ptsQueue = append(d.ptsQueue, pkt.PTS)
	} else if !d.audioHaveBase {
		d.audioBasePTS = pkt.PTS
		d.audioHaveBase = true
	}
	if _, err := d.stdin.Write(pkt.Payload); err != nil {
		return nil, &ClassifiedError{Kind: KindDecodePacket, Cause: err}
	}
	return d.drainAvailable(), nil
}

// drainAvailable reads whole frames already buffered from FFmpeg's stdout
// without blocking for more data than is already resident.
func (d *ffmpegDecoder) drainAvailable() []Frame {
	if d.frameSize <= 0 {
		return d.drainAudio()
	}
	var out []Frame
	for d.stdout.Buffered() >= d.frameSize {
		buf := make([]byte, d.frameSize)
		if _, err := io.ReadFull(d.stdout, buf); err != nil {
			break
		}
		out = append(out, Frame{
			StreamIndex: d.stream.Index,
			Kind:        StreamVideo,
			PTS:         d.nextVideoPTS(),
			Width:       d.stream.CodecParams.Width,
			Height:      d.stream.CodecParams.Height,
			PixelFormat: "yuv420p",
			Payload:     buf,
		})
	}
	return out
}

// nextVideoPTS pops the oldest queued packet's PTS, matching FFmpeg's
// decode order for the common case of one output frame per submitted
// access unit. Once the queue runs dry (e.g. during Flush, after stdin has
// already closed) it repeats the last known PTS instead of fabricating one.
func (d *ffmpegDecoder) nextVideoPTS() int64 {
	if len(d.ptsQueue) > 0 {
		d.lastPTS = d.ptsQueue[0]
		d.ptsQueue = d.ptsQueue[1:]
	}
	return d.lastPTS
}

func (d *ffmpegDecoder) drainAudio() []Frame {
	n := d.stdout.Buffered()
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	read, _ := io.ReadFull(d.stdout, buf)
	if read == 0 {
		return nil
	}
	channels := audioChannels(d.stream)
	numSamples := read / (2 * channels)
	pts := d.audioPTS()
	d.audioSamplesEmitted += int64(numSamples)
	return []Frame{{
		StreamIndex:   d.stream.Index,
		Kind:          StreamAudio,
		PTS:           pts,
		SampleRate:    d.stream.CodecParams.SampleRate,
		ChannelLayout: d.stream.CodecParams.ChannelLayout,
		SampleFormat:  "s16",
		NumSamples:    numSamples,
		Payload:       buf[:read],
	}}
}

// audioPTS derives the current frame's timestamp from the running sample
// count rather than queuing one PTS per Decode call, since audio packets
// and decoded PCM reads rarely line up 1:1.
func (d *ffmpegDecoder) audioPTS() int64 {
	tb := d.stream.TimeBase
	if tb.Den == 0 || tb.Num == 0 || d.stream.CodecParams.SampleRate == 0 {
		return d.audioBasePTS
	}
	ticksPerSecond := int64(tb.Den) / int64(tb.Num)
	return d.audioBasePTS + (d.audioSamplesEmitted*ticksPerSecond)/int64(d.stream.CodecParams.SampleRate)
}

// Flush closes stdin (signalling FFmpeg to drain its internal buffers) and
// waits for the process to exit, returning any frames produced in between.
func (d *ffmpegDecoder) Flush(ctx context.Context) ([]Frame, error) {
	_ = d.stdin.Close()

	waitDone := make(chan error, 1)
	go func() { waitDone <- d.cmd.Wait() }()
	select {
	case <-waitDone:
	case <-ctx.Done():
	}

	var out []Frame
	for {
		more := d.drainAvailable()
		if len(more) == 0 {
			break
		}
		out = append(out, more...)
	}
	return out, nil
}

func (d *ffmpegDecoder) Close() error {
	if d.cmd == nil {
		return nil
	}
	return d.cmd.Kill()
}

func (d *ffmpegDecoder) Name() string { return d.name }
