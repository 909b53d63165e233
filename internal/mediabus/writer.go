package mediabus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/mediabusd/internal/config"
)

// containerMuxerWriter is the Container Muxer Writer of spec.md §4.8: an
// MPEG-TS muxer over a file or network sink, backed by mediacommon the same
// way the teacher's internal/relay/ts_muxer.go drives mpegts.Writer, but
// generalized to an arbitrary set of StreamDescriptors instead of a fixed
// video+audio pair, and with retry/disconnect classification for network
// destinations.
type containerMuxerWriter struct {
	logger *slog.Logger
	sink   io.WriteCloser
	retry  config.WriterRetryConfig
	isNet  bool

	muxer       *mpegts.Writer
	tracks      map[int]*mpegts.Track
	initialized bool
	headerSent  bool
}

func newContainerMuxerWriter(sink io.WriteCloser, isNet bool, retry config.WriterRetryConfig, logger *slog.Logger) *containerMuxerWriter {
	return &containerMuxerWriter{
		logger: logger,
		sink:   sink,
		retry:  retry,
		isNet:  isNet,
		tracks: make(map[int]*mpegts.Track),
	}
}

// addTrack must be called once per stream the output carries, before the
// first WritePacket, so Initialize() sees the complete PMT.
func (w *containerMuxerWriter) addTrack(desc StreamDescriptor) {
	var c mpegts.Codec
	switch desc.Kind {
	case StreamVideo:
		if desc.CodecID == "h265" || desc.CodecID == "hevc" {
			c = &mpegts.CodecH265{}
		} else {
			c = &mpegts.CodecH264{}
		}
	default:
		c = audioCodecFor(desc.CodecID)
	}
	pid := uint16(0x100 + desc.StreamIndex)
	w.tracks[desc.StreamIndex] = &mpegts.Track{PID: pid, Codec: c}
}

func audioCodecFor(codecID string) mpegts.Codec {
	switch codecID {
	case "ac3":
		return &mpegts.CodecAC3{SampleRate: 48000, ChannelCount: 2}
	case "eac3":
		return &mpegts.CodecEAC3{SampleRate: 48000, ChannelCount: 6}
	case "mp3":
		return &mpegts.CodecMPEG1Audio{}
	case "opus":
		return &mpegts.CodecOpus{ChannelCount: 2}
	default:
		return &mpegts.CodecMPEG4Audio{Config: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
		}}
	}
}

func (w *containerMuxerWriter) ensureInitialized() error {
	if w.initialized {
		return nil
	}
	tracks := make([]*mpegts.Track, 0, len(w.tracks))
	for _, t := range w.tracks {
		tracks = append(tracks, t)
	}
	w.muxer = &mpegts.Writer{W: w.sink, Tracks: tracks}
	if err := w.muxer.Initialize(); err != nil {
		return &ClassifiedError{Kind: KindWriterOpen, Cause: err}
	}
	w.initialized = true
	return nil
}

func (w *containerMuxerWriter) WritePacket(ctx context.Context, pkt RawPacket, desc StreamDescriptor) error {
	if err := w.ensureInitialized(); err != nil {
		return err
	}
	track, ok := w.tracks[desc.StreamIndex]
	if !ok {
		return fmt.Errorf("mediabus: no track registered for stream %d", desc.StreamIndex)
	}

	write := func() error {
		switch desc.Kind {
		case StreamVideo:
			au := toAccessUnit(pkt.Payload)
			if len(au) == 0 {
				return nil
			}
			if _, isH265 := track.Codec.(*mpegts.CodecH265); isH265 {
				return w.muxer.WriteH265(track, pkt.PTS, pkt.DTS, au)
			}
			return w.muxer.WriteH264(track, pkt.PTS, pkt.DTS, au)
		default:
			switch track.Codec.(type) {
			case *mpegts.CodecAC3:
				return w.muxer.WriteAC3(track, pkt.PTS, pkt.Payload)
			case *mpegts.CodecEAC3:
				return w.muxer.WriteEAC3(track, pkt.PTS, pkt.Payload)
			case *mpegts.CodecMPEG1Audio:
				return w.muxer.WriteMPEG1Audio(track, pkt.PTS, [][]byte{pkt.Payload})
			case *mpegts.CodecOpus:
				return w.muxer.WriteOpus(track, pkt.PTS, [][]byte{pkt.Payload})
			default:
				return w.muxer.WriteMPEG4Audio(track, pkt.PTS, [][]byte{pkt.Payload})
			}
		}
	}

	return w.writeWithRetry(ctx, write)
}

func (w *containerMuxerWriter) WriteFrame(ctx context.Context, f Frame) error {
	return errors.New("mediabus: container muxer writer does not accept raw frames")
}

// writeWithRetry classifies write failures per spec.md §4.8: a network
// sink's transient errors (timeouts, temporary resets) are retried with
// exponential backoff bounded by config.WriterRetryConfig; anything else, or
// exhausting retries, is a terminal WriterDisconnect that ends the output.
func (w *containerMuxerWriter) writeWithRetry(ctx context.Context, write func() error) error {
	if !w.isNet {
		if err := write(); err != nil {
			return &ClassifiedError{Kind: KindWriterWrite, Cause: err}
		}
		return nil
	}

	delay := w.retry.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := w.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxRetries := w.retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 8
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := write()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientNetError(err) {
			return &ClassifiedError{Kind: KindWriterDisconnect, Cause: err}
		}
		w.logger.Debug("transient writer error, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return &ClassifiedError{Kind: KindWriterDisconnect, Cause: lastErr}
}

func isTransientNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (w *containerMuxerWriter) Close() error {
	return w.sink.Close()
}

// toAccessUnit splits a packet payload into NAL units, accepting either
// Annex-B or AVCC framing — mirrors the teacher's dataToAccessUnit but
// drops the legacy raw-NAL fallback since every upstream packet here has
// already passed through the Bitstream Adapter or arrived from a real
// demuxer.
func toAccessUnit(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && (data[2] == 1 || (len(data) >= 4 && data[2] == 0 && data[3] == 1)) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err == nil {
			return au
		}
		return [][]byte{data}
	}
	var au h264.AVCC
	if err := au.Unmarshal(data); err == nil && len(au) > 0 {
		return au
	}
	return [][]byte{data}
}

// rawFrameWriter is the RawFrame Writer of spec.md §4.8: hands decoded
// frames to a caller-owned channel (returned from AddOutput). Backpressure
// is the Frame Bus's own lag policy, not a blocking send here — a full
// channel drops the frame and counts it, so a slow consumer never stalls
// the bus.
type rawFrameWriter struct {
	out     chan<- Frame
	dropped uint64
}

func newRawFrameWriter(out chan<- Frame) *rawFrameWriter {
	return &rawFrameWriter{out: out}
}

func (w *rawFrameWriter) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case w.out <- f:
		return nil
	default:
		w.dropped++
		return nil
	}
}

func (w *rawFrameWriter) WritePacket(ctx context.Context, pkt RawPacket, desc StreamDescriptor) error {
	return errors.New("mediabus: raw frame writer does not accept packets")
}

func (w *rawFrameWriter) Close() error {
	close(w.out)
	return nil
}

// rawPacketWriter is the RawPacket Writer of spec.md §4.8: used by
// RawPacketSink outputs (DestRawPacket), receiving packets after
// Bitstream Adapter normalisation to Annex-B.
type rawPacketWriter struct {
	out     chan<- RawPacket
	dropped uint64
}

func newRawPacketWriter(out chan<- RawPacket) *rawPacketWriter {
	return &rawPacketWriter{out: out}
}

func (w *rawPacketWriter) WritePacket(ctx context.Context, pkt RawPacket, desc StreamDescriptor) error {
	select {
	case w.out <- pkt:
		return nil
	default:
		w.dropped++
		return nil
	}
}

func (w *rawPacketWriter) WriteFrame(ctx context.Context, f Frame) error {
	return errors.New("mediabus: raw packet writer does not accept frames")
}

func (w *rawPacketWriter) Close() error {
	close(w.out)
	return nil
}
