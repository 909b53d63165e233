package mediabus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// decoderTask is the Decoder Task of spec.md §4.4: one per elementary
// stream, created on demand, consuming RawPackets from the stream's Packet
// Bus and publishing Frames to its Frame Bus.
//
// Grounded on the teacher's internal/relay/ffmpeg_transcoder.go (long-lived
// FFmpeg child process driven by goroutines pumping stdin/stdout
// concurrently) generalized behind the Decoder port so it can be replaced
// by a fake in tests.
type decoderTask struct {
	streamIndex int
	logger      *slog.Logger

	packetBus *broadcastBus[RawPacket]
	frameBus  *broadcastBus[Frame]
	sub       Subscription

	decoder Decoder

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	refcount     int
	fatalErr     error
	selectedName string

	// lagEvents counts Packet Bus resynchronisations (spec.md §6/§7): the
	// decoder is shared across every output that transcodes this stream, so
	// this is a stream-level counter rather than attributed to one output.
	lagEvents atomic.Uint64
}

// newDecoderTask spawns the Decoder Task goroutine. newDecoder is called
// once at construction (spec.md §4.4 "Selection is one-shot at decoder
// construction").
func newDecoderTask(
	ctx context.Context,
	stream ElementaryStream,
	packetBus *broadcastBus[RawPacket],
	frameBus *broadcastBus[Frame],
	newDecoder func(ElementaryStream) (Decoder, error),
	logger *slog.Logger,
) (*decoderTask, error) {
	dec, err := newDecoder(stream)
	if err != nil {
		return nil, &ClassifiedError{Kind: KindDecoderInit, Cause: err}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	d := &decoderTask{
		streamIndex:  stream.Index,
		logger:       logger,
		packetBus:    packetBus,
		frameBus:     frameBus,
		sub:          packetBus.Subscribe(),
		decoder:      dec,
		cancel:       cancel,
		done:         make(chan struct{}),
		selectedName: dec.Name(),
	}

	go d.run(taskCtx)
	return d, nil
}

func (d *decoderTask) run(ctx context.Context) {
	defer close(d.done)
	defer d.decoder.Close()
	defer d.packetBus.Unsubscribe(d.sub)

	for {
		pkt, _, err := d.packetBus.Recv(ctx, d.sub)
		if err != nil {
			if isLagged(err) {
				// Flush pending state and resume at the next keyframe
				// (spec.md §4.4 "Backpressure and lag").
				d.lagEvents.Add(1)
				d.logger.Warn("decoder subscriber lagged, resyncing at next keyframe", slog.Int("stream_index", d.streamIndex))
				if _, skipErr := d.packetBus.SkipToNextKeyframe(ctx, d.sub); skipErr != nil {
					d.finish(skipErr)
					return
				}
				continue
			}
			// ErrBufferClosed (clean EOS or cancellation) or ctx.Err().
			d.drainAndClose(ctx)
			return
		}

		frames, err := d.decoder.Decode(ctx, pkt)
		if err != nil {
			// Recoverable packet decode errors skip the packet; nothing else
			// distinguishes a fatal codec error here besides the decoder
			// itself choosing to return a wrapped ErrEOS-equivalent, which
			// production implementations signal via Close()+error from the
			// next Decode call. A conservative default: treat all per-packet
			// decode failures as recoverable, per spec.md §4.4.
			d.logger.Debug("decoder dropped packet", slog.Int("stream_index", d.streamIndex), slog.String("error", err.Error()))
			continue
		}
		for _, f := range frames {
			d.frameBus.Publish(f, false)
		}
	}
}

func (d *decoderTask) drainAndClose(ctx context.Context) {
	frames, err := d.decoder.Flush(ctx)
	if err != nil {
		d.logger.Debug("decoder flush error", slog.Int("stream_index", d.streamIndex), slog.String("error", err.Error()))
	}
	for _, f := range frames {
		d.frameBus.Publish(f, false)
	}
	d.finish(nil)
}

func (d *decoderTask) finish(cause error) {
	d.mu.Lock()
	d.fatalErr = cause
	d.mu.Unlock()
	d.frameBus.Close(cause)
}

// acquire/release implement the refcounted lifetime of spec.md §9: the
// decoder is spawned on the 0→1 transition and cancelled on 1→0.
func (d *decoderTask) acquire() {
	d.mu.Lock()
	d.refcount++
	d.mu.Unlock()
}

// release returns true if this was the last reference, in which case the
// caller should cancel the task.
func (d *decoderTask) release() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refcount--
	return d.refcount <= 0
}

func (d *decoderTask) stop() {
	d.cancel()
	<-d.done
}

// LagEvents reports the total Packet Bus resynchronisations since this
// decoder was constructed.
func (d *decoderTask) LagEvents() uint64 {
	return d.lagEvents.Load()
}

func isLagged(err error) bool {
	_, ok := err.(*LaggedError)
	return ok
}

// frameForwardTask serves a RawFrame Writer (spec.md §4.8): it subscribes
// directly to a stream's Frame Bus and hands every decoded Frame to the
// Writer, with no Encoder/Mux stage in between. It holds its own Decoder
// Task reference for its lifetime, same as an Encoder+Mux task does.
type frameForwardTask struct {
	streamIndex int
	outputID    string
	logger      *slog.Logger

	frameBus  *broadcastBus[Frame]
	sub       Subscription
	writer    Writer
	telemetry *outputTelemetry

	cancel context.CancelFunc
	done   chan struct{}
}

func newFrameForwardTask(ctx context.Context, stream ElementaryStream, frameBus *broadcastBus[Frame], writer Writer, outputID string, telemetry *outputTelemetry, logger *slog.Logger) *frameForwardTask {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &frameForwardTask{
		streamIndex: stream.Index,
		outputID:    outputID,
		logger:      logger,
		frameBus:    frameBus,
		sub:         frameBus.Subscribe(),
		writer:      writer,
		telemetry:   telemetry,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go t.run(taskCtx)
	return t
}

func (t *frameForwardTask) run(ctx context.Context) {
	defer close(t.done)
	defer t.frameBus.Unsubscribe(t.sub)

	for {
		f, _, err := t.frameBus.Recv(ctx, t.sub)
		if err != nil {
			if isLagged(err) {
				t.telemetry.recordLag()
				t.logger.Warn("frame-forward subscriber lagged",
					slog.String("output", t.outputID), slog.Int("stream_index", t.streamIndex))
				continue
			}
			return
		}
		if err := t.writer.WriteFrame(ctx, f); err != nil {
			t.logger.Debug("writer rejected frame", slog.Int("stream_index", t.streamIndex), slog.String("error", err.Error()))
			t.telemetry.recordError(KindWriterWrite, err)
			continue
		}
		t.telemetry.recordWrite(len(f.Payload))
	}
}

func (t *frameForwardTask) stop() {
	t.cancel()
	<-t.done
}
