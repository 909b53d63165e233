package mediabus

import (
	"context"
	"log/slog"
)

// encoderMuxTask is the Encoder+Mux Task of spec.md §4.5: subscribes to one
// stream's Frame Bus, runs each Frame through the encoder, rebases the
// resulting packets into the Writer's time base, and hands them to the
// Output Writer. If the Writer is a RawPacketSink, the packet is normalised
// through the Bitstream Adapter first.
type encoderMuxTask struct {
	streamIndex int
	outputID    string
	logger      *slog.Logger

	frameBus *broadcastBus[Frame]
	sub      Subscription

	encoder   Encoder
	writer    Writer
	desc      StreamDescriptor
	rebase    *rebaser
	adapter   BitstreamAdapter
	adaptOut  bool // true when the writer wants Annex-B RawPackets (RawPacketSink)
	telemetry *outputTelemetry

	cancel context.CancelFunc
	done   chan struct{}
}

func newEncoderMuxTask(
	ctx context.Context,
	stream ElementaryStream,
	frameBus *broadcastBus[Frame],
	encoder Encoder,
	writer Writer,
	desc StreamDescriptor,
	adaptToAnnexB bool,
	outputID string,
	telemetry *outputTelemetry,
	logger *slog.Logger,
) *encoderMuxTask {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &encoderMuxTask{
		streamIndex: stream.Index,
		outputID:    outputID,
		logger:      logger,
		frameBus:    frameBus,
		sub:         frameBus.Subscribe(),
		encoder:     encoder,
		writer:      writer,
		desc:        desc,
		rebase:      newRebaser(encoder.OutputTimeBase(), desc.TimeBase),
		adaptOut:    adaptToAnnexB,
		telemetry:   telemetry,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go t.run(taskCtx)
	return t
}

func (t *encoderMuxTask) run(ctx context.Context) {
	defer close(t.done)
	defer t.encoder.Close()
	defer t.frameBus.Unsubscribe(t.sub)

	for {
		f, _, err := t.frameBus.Recv(ctx, t.sub)
		if err != nil {
			if isLagged(err) {
				t.rebase.Reset(t.streamIndex)
				t.telemetry.recordLag()
				t.logger.Warn("encoder-mux subscriber lagged, resyncing",
					slog.String("output", t.outputID), slog.Int("stream_index", t.streamIndex))
				continue
			}
			t.drain(ctx)
			return
		}

		pkts, err := t.encoder.Encode(ctx, f)
		if err != nil {
			t.logger.Debug("encoder dropped frame", slog.Int("stream_index", t.streamIndex), slog.String("error", err.Error()))
			continue
		}
		t.emit(ctx, pkts)
	}
}

func (t *encoderMuxTask) drain(ctx context.Context) {
	pkts, err := t.encoder.Flush(ctx)
	if err != nil {
		t.logger.Debug("encoder flush error", slog.Int("stream_index", t.streamIndex), slog.String("error", err.Error()))
	}
	t.emit(ctx, pkts)
}

func (t *encoderMuxTask) emit(ctx context.Context, pkts []RawPacket) {
	for _, pkt := range pkts {
		pkt.StreamIndex = t.streamIndex
		rebased, ok := t.rebase.RebasePacket(pkt)
		if !ok {
			t.logger.Warn("dropping non-monotonic packet", slog.Int("stream_index", t.streamIndex))
			continue
		}

		if t.adaptOut && !t.adapter.IsAnnexB(rebased.Payload) {
			converted, err := t.adapter.AVCCToAnnexB(rebased, t.desc.CodecID, CodecParams{})
			if err != nil {
				t.logger.Debug("bitstream adapt failed", slog.String("error", err.Error()))
				continue
			}
			rebased = converted
		}

		if err := t.writer.WritePacket(ctx, rebased, t.desc); err != nil {
			t.logger.Debug("writer rejected packet", slog.Int("stream_index", t.streamIndex), slog.String("error", err.Error()))
			t.telemetry.recordError(KindWriterWrite, err)
			continue
		}
		t.telemetry.recordWrite(len(rebased.Payload))
	}
}

func (t *encoderMuxTask) stop() {
	t.cancel()
	<-t.done
}
