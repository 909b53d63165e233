package mediabus

import (
	"context"
	"log/slog"
)

// copyMuxTask is the Copy-Mux Task of spec.md §4.6: a stream-copy output
// subscribes directly to the Packet Bus, skipping the Decoder and Encoder
// entirely. It still runs packets through the Bitstream Adapter and the
// shared rebaser, and it enforces the same keyframe-first rule as a fresh
// video subscription: the first packet delivered to the Writer, and the
// first packet after any Lagged event, must be a keyframe.
type copyMuxTask struct {
	streamIndex int
	outputID    string
	logger      *slog.Logger

	packetBus *broadcastBus[RawPacket]
	sub       Subscription

	writer    Writer
	desc      StreamDescriptor
	rebase    *rebaser
	adapter   BitstreamAdapter
	adapt     bool // normalise to Annex-B for RawPacketSink outputs
	telemetry *outputTelemetry

	needKeyframe bool // true until the first keyframe has been seen

	cancel context.CancelFunc
	done   chan struct{}
}

func newCopyMuxTask(
	ctx context.Context,
	stream ElementaryStream,
	packetBus *broadcastBus[RawPacket],
	writer Writer,
	desc StreamDescriptor,
	adaptToAnnexB bool,
	outputID string,
	telemetry *outputTelemetry,
	logger *slog.Logger,
) *copyMuxTask {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &copyMuxTask{
		streamIndex:  stream.Index,
		outputID:     outputID,
		logger:       logger,
		packetBus:    packetBus,
		sub:          packetBus.Subscribe(),
		writer:       writer,
		desc:         desc,
		rebase:       newRebaser(stream.TimeBase, desc.TimeBase),
		adapt:        adaptToAnnexB,
		telemetry:    telemetry,
		needKeyframe: stream.Kind == StreamVideo,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go t.run(taskCtx)
	return t
}

// run does not close t.writer: an output's Writer may be shared across
// several per-stream tasks (e.g. one video and one audio Copy-Mux task
// feeding the same container), so only the output-level teardown in
// Bus.RemoveOutput/unwindOutput closes it, once.
func (t *copyMuxTask) run(ctx context.Context) {
	defer close(t.done)
	defer t.packetBus.Unsubscribe(t.sub)

	for {
		pkt, keyframe, err := t.packetBus.Recv(ctx, t.sub)
		if err != nil {
			if isLagged(err) {
				// Re-apply the keyframe gate after a lag, per spec.md §4.6.
				t.needKeyframe = true
				t.rebase.Reset(t.streamIndex)
				t.telemetry.recordLag()
				t.logger.Warn("copy-mux subscriber lagged, resyncing at next keyframe",
					slog.String("output", t.outputID), slog.Int("stream_index", t.streamIndex))
				continue
			}
			return
		}

		if t.needKeyframe {
			if !keyframe {
				continue
			}
			t.needKeyframe = false
		}

		if t.adapt && !t.adapter.IsAnnexB(pkt.Payload) {
			converted, err := t.adapter.AVCCToAnnexB(pkt, t.desc.CodecID, CodecParams{})
			if err != nil {
				t.logger.Debug("bitstream adapt failed", slog.Int("stream_index", t.streamIndex), slog.String("error", err.Error()))
				continue
			}
			pkt = converted
		}

		rebased, ok := t.rebase.RebasePacket(pkt)
		if !ok {
			t.logger.Warn("dropping non-monotonic packet", slog.Int("stream_index", t.streamIndex))
			continue
		}

		if err := t.writer.WritePacket(ctx, rebased, t.desc); err != nil {
			t.logger.Debug("writer rejected packet", slog.Int("stream_index", t.streamIndex), slog.String("error", err.Error()))
			t.telemetry.recordError(KindWriterWrite, err)
			continue
		}
		t.telemetry.recordWrite(len(rebased.Payload))
	}
}

func (t *copyMuxTask) stop() {
	t.cancel()
	<-t.done
}
