package mediabus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/mediabusd/internal/ffmpeg"
)

// ffmpegEncoder is the production Encoder (spec.md §4.5): a long-lived
// FFmpeg child process fed raw yuv420p frames (or PCM audio) on stdin and
// producing an encoded elementary stream on stdout. The Frame Converter
// (scale/pixfmt for video, resample/rechannel for audio) is realised as
// FFmpeg filtergraph arguments on the same process rather than a separate
// task, since a single long-running FFmpeg already owns a filtergraph stage
// between decode and encode.
type ffmpegEncoder struct {
	logger  *slog.Logger
	name    string
	codecID string
	tb      Rational
	srcTB   Rational

	cmd    *ffmpeg.Command
	stdin  io.WriteCloser
	stdout *bufio.Reader
	pktBuf []byte

	// ptsQueue/lastPTS carry the rescaled PTS of each submitted Frame
	// through to the output packet it produced, the same FIFO approach
	// ffmpegDecoder uses for video: FFmpeg's encoded elementary stream on
	// stdout carries no timestamp of its own.
	ptsQueue []int64
	lastPTS  int64
}

// newFFmpegEncoder selects an encoder via CapabilityRegistry (hardware
// first, then the software name baked into EncodeOpts/codec defaults) and
// starts FFmpeg with a scale/format filter matching the target frame.
func newFFmpegEncoder(
	ctx context.Context,
	newBuilder func() *ffmpeg.CommandBuilder,
	registry *CapabilityRegistry,
	softwareEncoder string,
	src ElementaryStream,
	opts *EncodeOpts,
	outputTimeBase Rational,
	logger *slog.Logger,
) (*ffmpegEncoder, error) {
	candidates := append(registry.HWEncodersFor(softwareEncoder), softwareEncoder)

	var lastErr error
	for _, name := range candidates {
		e, err := startFFmpegEncoder(ctx, newBuilder(), name, src, opts, outputTimeBase, logger)
		if err == nil {
			return e, nil
		}
		lastErr = err
		logger.Debug("encoder candidate failed, falling back", slog.String("encoder", name), slog.String("error", err.Error()))
	}
	return nil, &ClassifiedError{Kind: KindEncoderInit, Cause: fmt.Errorf("no usable encoder for %s: %w", softwareEncoder, lastErr)}
}

func startFFmpegEncoder(ctx context.Context, builder *ffmpeg.CommandBuilder, encoderName string, src ElementaryStream, opts *EncodeOpts, outputTimeBase Rational, logger *slog.Logger) (*ffmpegEncoder, error) {
	b := builder.Input("pipe:0")

	if src.Kind == StreamVideo {
		sourceFormat := "yuv420p"
		if opts != nil && opts.PixelFormatHint != "" {
			sourceFormat = opts.PixelFormatHint
		}
		b = b.InputArgs(
			"-f", "rawvideo",
			"-pix_fmt", "yuv420p",
			"-s", fmt.Sprintf("%dx%d", src.CodecParams.Width, src.CodecParams.Height),
		)
		for _, f := range videoFilterChain(encoderName, sourceFormat) {
			b = b.VideoFilter(f)
		}
		b = b.VideoCodec(encoderName)
		preset := string(PresetMedium)
		if opts != nil && opts.Preset != "" {
			preset = string(opts.Preset)
		}
		b = b.VideoPreset(preset)
		if opts != nil && opts.BitrateBPS > 0 {
			b = b.VideoBitrate(fmt.Sprintf("%d", opts.BitrateBPS))
		}
		gopSize := 0
		if opts != nil {
			gopSize = opts.GOPSize
		}
		if gopSize <= 0 {
			gopSize = defaultGOPSize(src.CodecParams.FrameRate)
		}
		b = b.OutputArgs("-g", fmt.Sprintf("%d", gopSize))
		b = b.OutputArgs("-f", codecDemuxerName(src.CodecID))
	} else {
		channels := audioChannels(src)
		filters, outChannels := audioFilterChain(encoderName, src.CodecParams, channels)
		b = b.InputArgs(
			"-f", "s16le",
			"-ar", fmt.Sprintf("%d", src.CodecParams.SampleRate),
			"-ac", fmt.Sprintf("%d", channels),
		)
		for _, f := range filters {
			b = b.AudioFilter(f)
		}
		b = b.AudioCodec(encoderName)
		if outChannels != channels {
			b = b.OutputArgs("-ac", fmt.Sprintf("%d", outChannels))
		}
		b = b.OutputArgs("-f", audioContainerFormat(encoderName))
	}

	cmd := b.Output("pipe:1").Build()
	stdin, stdout, err := cmd.StartDuplex(ctx)
	if err != nil {
		return nil, err
	}

	return &ffmpegEncoder{
		logger:  logger,
		name:    encoderName,
		codecID: src.CodecID,
		tb:      outputTimeBase,
		srcTB:   src.TimeBase,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 1<<20),
	}, nil
}

// defaultGOPSize implements spec.md §4.5's "missing gop_size defaults to 2x
// frame rate": frameRate is a frames-per-second rational (e.g. 25/1 or
// 30000/1001) populated best-effort from an ffprobe pre-scan. An unknown
// (zero) frame rate falls back to a conservative 25fps assumption rather
// than omitting -g entirely.
func defaultGOPSize(frameRate Rational) int {
	if frameRate.Num <= 0 || frameRate.Den <= 0 {
		return 50
	}
	fps := float64(frameRate.Num) / float64(frameRate.Den)
	gop := int(fps*2 + 0.5)
	if gop <= 0 {
		return 50
	}
	return gop
}

func (e *ffmpegEncoder) Encode(ctx context.Context, f Frame) ([]RawPacket, error) {
	e.ptsQueue = append(e.ptsQueue, e.srcTB.Rescale(f.PTS, e.tb))
	if _, err := e.stdin.Write(f.Payload); err != nil {
		return nil, &ClassifiedError{Kind: KindEncodeFrame, Cause: err}
	}
	return e.drainAvailable(), nil
}

// drainAvailable pulls whatever encoded bytes FFmpeg has already written to
// stdout without blocking, wrapping each chunk as one RawPacket. Elementary
// streams produced this way are self-delimiting at the container layer
// (Annex-B start codes for video, ADTS framing for audio), so chunking on
// buffered-byte boundaries rather than exact access-unit boundaries is safe:
// downstream bitstream adaptation and muxing both re-parse on their own
// delimiters.
func (e *ffmpegEncoder) drainAvailable() []RawPacket {
	n := e.stdout.Buffered()
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	read, _ := io.ReadFull(e.stdout, buf)
	if read == 0 {
		return nil
	}
	pts := e.nextPacketPTS()
	return []RawPacket{{PTS: pts, DTS: pts, Payload: buf[:read]}}
}

// nextPacketPTS pops the oldest queued input Frame's rescaled PTS. FFmpeg's
// video encoders reorder frames internally for B-frames, so this is an
// approximation of true per-packet PTS, not exact reordering; it tracks
// submission order closely enough for muxing since GOP sizes here are
// short and this encoder never emits B-frames across a flush boundary.
func (e *ffmpegEncoder) nextPacketPTS() int64 {
	if len(e.ptsQueue) > 0 {
		e.lastPTS = e.ptsQueue[0]
		e.ptsQueue = e.ptsQueue[1:]
	}
	return e.lastPTS
}

func (e *ffmpegEncoder) Flush(ctx context.Context) ([]RawPacket, error) {
	_ = e.stdin.Close()

	waitDone := make(chan error, 1)
	go func() { waitDone <- e.cmd.Wait() }()
	select {
	case <-waitDone:
	case <-ctx.Done():
	}

	var out []RawPacket
	for {
		more := e.drainAvailable()
		if len(more) == 0 {
			break
		}
		out = append(out, more...)
	}
	return out, nil
}

func (e *ffmpegEncoder) Close() error {
	if e.cmd == nil {
		return nil
	}
	return e.cmd.Kill()
}

func (e *ffmpegEncoder) Name() string            { return e.name }
func (e *ffmpegEncoder) OutputTimeBase() Rational { return e.tb }
func (e *ffmpegEncoder) OutputCodecID() string    { return e.codecID }
