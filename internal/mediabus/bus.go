package mediabus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jmylchreest/mediabusd/internal/codec"
	"github.com/jmylchreest/mediabusd/internal/config"
	"github.com/jmylchreest/mediabusd/internal/ffmpeg"
)

// BusOptions configures a Bus's resource limits and collaborators. It is
// built from config.Config by the caller (typically cmd/mediabusd).
type BusOptions struct {
	PacketBusCapacity int
	FrameBusCapacity  int
	FFmpegPath        string
	// FFprobePath enables a best-effort frame rate pre-scan of net/file
	// inputs (spec.md §4.5's GOP-size default). Empty disables probing; a
	// missing or failing ffprobe is never fatal, matching BinaryDetector's
	// existing "ffprobe is optional" convention.
	FFprobePath string
	WriterRetry config.WriterRetryConfig
	Registry    *CapabilityRegistry
	Logger      *slog.Logger
}

// stoppable is satisfied by every per-stream task (copyMuxTask,
// encoderMuxTask): cancel and await exit.
type stoppable interface {
	stop()
}

// busDecoderEntry is the refcounted Decoder Task plus the Frame Bus it
// feeds, created lazily on the first transcoding output for a stream and
// torn down when the last one detaches (spec.md §9).
type busDecoderEntry struct {
	task     *decoderTask
	frameBus *broadcastBus[Frame]
}

// busInput holds the single active input's demuxer, per-stream Packet
// Buses, and the reader goroutine's lifecycle.
type busInput struct {
	cfg     InputConfig
	source  PacketSource
	streams []ElementaryStream

	packetBuses map[int]*broadcastBus[RawPacket]
	decoders    map[int]*busDecoderEntry

	readerCancel context.CancelFunc
	readerDone   chan struct{}
	reading      bool
	closing      bool
}

// busOutput tracks one registered output's tasks and writer so
// RemoveOutput can unwind it cleanly.
type busOutput struct {
	spec        OutputSpec
	writer      Writer
	tasks       []stoppable
	decoderRefs []int // stream indices this output holds a Decoder Task reference on
	telemetry   *outputTelemetry
}

// Bus is the Bus Controller of spec.md §4.1: the public entry point for one
// media source fanned out to independently configured sinks.
//
// Grounded on the teacher's internal/relay session/registry pattern (one
// mutex-guarded map of active consumers, explicit add/remove lifecycle)
// generalized from the teacher's fixed video+audio relay session into an
// arbitrary-stream-count, arbitrary-output-kind controller.
type Bus struct {
	name string
	opts BusOptions

	logger   *slog.Logger
	registry *CapabilityRegistry

	mu      sync.Mutex
	input   *busInput
	outputs map[string]*busOutput
}

// New creates an idle Bus with no input. Per spec.md §9, the Capability
// Registry is expected to have already been probed once, process-wide,
// before any Bus is constructed.
func New(name string, opts BusOptions) *Bus {
	if opts.PacketBusCapacity <= 0 {
		opts.PacketBusCapacity = 1024
	}
	if opts.FrameBusCapacity <= 0 {
		opts.FrameBusCapacity = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		name:     name,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("bus", name)),
		registry: opts.Registry,
		outputs:  make(map[string]*busOutput),
	}
}

func (b *Bus) newCommandBuilder() *ffmpeg.CommandBuilder {
	path := b.opts.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	return ffmpeg.NewCommandBuilder(path).HideBanner().LogLevel("error")
}

// probeFrameRate best-effort probes cfg for its video frame rate, used only
// to pick a GOP size default (spec.md §4.5) when an output doesn't set one.
// Device inputs are skipped (ffprobe would need device-specific flags this
// Bus doesn't have a format hint for); a missing FFprobePath, a probe
// timeout, a probe failure, or no video stream all return ok=false rather
// than propagate an error, matching BinaryDetector's ffprobe-is-optional
// convention.
func (b *Bus) probeFrameRate(ctx context.Context, cfg InputConfig) (Rational, bool) {
	if cfg.Kind == InputDevice || b.opts.FFprobePath == "" {
		return Rational{}, false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := ffmpeg.NewProber(b.opts.FFprobePath).WithTimeout(5 * time.Second).Probe(probeCtx, cfg.Source())
	if err != nil {
		b.logger.Debug("frame rate probe failed", slog.String("error", err.Error()))
		return Rational{}, false
	}
	vs := result.GetVideoStream()
	if vs == nil {
		return Rational{}, false
	}
	return parseRational(vs.RFrameRate)
}

// AddInput opens cfg as the Bus's single source. If beginReading is false,
// the caller must call BeginInputReading separately once its outputs are
// registered, so the first packets are never lost to a race between demux
// start and output construction (spec.md §4.1).
func (b *Bus) AddInput(ctx context.Context, cfg InputConfig, beginReading bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.input != nil {
		return ErrAlreadyHasInput
	}

	source, err := newFFmpegPacketSource(ctx, b.newCommandBuilder(), cfg, b.logger)
	if err != nil {
		return err
	}

	in := &busInput{
		cfg:         cfg,
		source:      source,
		streams:     source.Streams(),
		packetBuses: make(map[int]*broadcastBus[RawPacket]),
		decoders:    make(map[int]*busDecoderEntry),
	}
	if fr, ok := b.probeFrameRate(ctx, cfg); ok {
		for i := range in.streams {
			if in.streams[i].Kind == StreamVideo {
				in.streams[i].CodecParams.FrameRate = fr
			}
		}
	}
	for _, s := range in.streams {
		in.packetBuses[s.Index] = newBroadcastBus[RawPacket](b.opts.PacketBusCapacity)
	}
	b.input = in

	if beginReading {
		b.startReadingLocked(ctx)
	}
	return nil
}

// BeginInputReading starts the Input Reader task if it is not already
// running. Idempotent, per spec.md §4.1.
func (b *Bus) BeginInputReading() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.input == nil {
		return ErrNoInput
	}
	if b.input.reading {
		return nil
	}
	b.startReadingLocked(context.Background())
	return nil
}

func (b *Bus) startReadingLocked(ctx context.Context) {
	in := b.input
	readerCtx, cancel := context.WithCancel(ctx)
	in.readerCancel = cancel
	in.readerDone = make(chan struct{})
	in.reading = true
	go b.readLoop(readerCtx, in)
}

// readLoop is the Input Reader task of spec.md §4.2: it pulls packets from
// the demuxer and publishes each onto its stream's Packet Bus until EOS,
// cancellation, or a fatal source error, then closes every Packet Bus so
// downstream Decoder/Copy-Mux tasks observe EOS and unwind on their own.
func (b *Bus) readLoop(ctx context.Context, in *busInput) {
	defer close(in.readerDone)

	var closeCause error
	for {
		pkt, err := in.source.Next(ctx)
		if err != nil {
			if !isEOS(err) && ctx.Err() == nil {
				closeCause = err
				b.logger.Warn("input reader terminated with error", slog.String("error", err.Error()))
			}
			break
		}
		bus, ok := in.packetBuses[pkt.StreamIndex]
		if !ok {
			continue // unknown stream index; counted by the PacketSource itself
		}
		bus.Publish(pkt, pkt.Keyframe)
	}

	for _, bus := range in.packetBuses {
		bus.Close(closeCause)
	}
}

// RemoveInput cancels the Input Reader (if running), waits for it to exit,
// closes the demuxer, and clears the Bus back to an idle state. Per
// spec.md §5, this is treated identically to a cancellation from the
// perspective of every output: they observe EOS on their Packet/Frame Bus
// subscriptions and unwind themselves.
func (b *Bus) RemoveInput() error {
	b.mu.Lock()
	in := b.input
	if in == nil {
		b.mu.Unlock()
		return ErrNoInput
	}
	in.closing = true
	b.mu.Unlock()

	if in.reading {
		in.readerCancel()
		<-in.readerDone
	} else {
		for _, bus := range in.packetBuses {
			bus.Close(nil)
		}
	}
	_ = in.source.Close()

	b.mu.Lock()
	b.input = nil
	b.mu.Unlock()
	return nil
}

// AddOutput registers spec against the current input, spawning a Copy-Mux
// or Encoder+Mux task per matched stream. On any failure, everything
// already spawned for this call is unwound before returning, so a failed
// AddOutput never leaves partial state (spec.md §8's duplicate-id
// invariant generalises to every failure path).
//
// sink is non-nil only for DestRawFrame/DestRawPacket outputs, in which
// case it is a <-chan Frame or <-chan RawPacket respectively — the caller's
// handle on the output's own bytes (spec.md §6).
func (b *Bus) AddOutput(ctx context.Context, spec OutputSpec) (descs []StreamDescriptor, sink any, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.input == nil {
		return nil, nil, ErrNoInput
	}
	if b.input.closing {
		return nil, nil, ErrInputClosing
	}
	if _, exists := b.outputs[spec.ID]; exists {
		return nil, nil, ErrDuplicateID
	}

	matched := matchStreams(b.input.streams, spec.AVKind)
	if len(matched) == 0 {
		return nil, nil, ErrIncompatibleOutput
	}

	writer, sink, err := b.buildWriter(spec)
	if err != nil {
		return nil, nil, err
	}

	out := &busOutput{spec: spec, writer: writer, telemetry: newOutputTelemetry()}

	for _, stream := range matched {
		desc := outputDescriptorFor(stream, spec)
		descs = append(descs, desc)

		if cmw, ok := writer.(*containerMuxerWriter); ok {
			cmw.addTrack(desc)
		}

		if spec.Dest.Kind == DestRawFrame {
			// A RawFrame sink always wants decoded frames straight off the
			// Frame Bus; there is no Encoder/Mux stage to hang an encode
			// choice off, so spec.Encode is not consulted here.
			frameBus, _, acqErr := b.acquireDecoderLocked(ctx, stream)
			if acqErr != nil {
				b.unwindOutput(out)
				return nil, nil, acqErr
			}
			out.decoderRefs = append(out.decoderRefs, stream.Index)
			task := newFrameForwardTask(ctx, stream, frameBus, writer, spec.ID, out.telemetry, b.logger)
			out.tasks = append(out.tasks, task)
			continue
		}

		wantsTranscode := spec.Encode != nil
		if !wantsTranscode {
			task := newCopyMuxTask(ctx, stream, b.input.packetBuses[stream.Index], writer, desc, spec.Dest.Kind == DestRawPacket, spec.ID, out.telemetry, b.logger)
			out.tasks = append(out.tasks, task)
			continue
		}

		frameBus, _, acqErr := b.acquireDecoderLocked(ctx, stream)
		if acqErr != nil {
			b.unwindOutput(out)
			return nil, nil, acqErr
		}
		out.decoderRefs = append(out.decoderRefs, stream.Index)

		enc, encErr := b.newEncoderForStream(ctx, stream, spec.Encode, desc.TimeBase)
		if encErr != nil {
			b.releaseDecoderLocked(stream.Index)
			out.decoderRefs = out.decoderRefs[:len(out.decoderRefs)-1]
			b.unwindOutput(out)
			return nil, nil, encErr
		}

		task := newEncoderMuxTask(ctx, stream, frameBus, enc, writer, desc, spec.Dest.Kind == DestRawPacket, spec.ID, out.telemetry, b.logger)
		out.tasks = append(out.tasks, task)
	}

	b.outputs[spec.ID] = out
	return descs, sink, nil
}

func (b *Bus) unwindOutput(out *busOutput) {
	for _, t := range out.tasks {
		t.stop()
	}
	for _, idx := range out.decoderRefs {
		b.releaseDecoderLocked(idx)
	}
	_ = out.writer.Close()
}

// acquireDecoderLocked returns the shared Frame Bus for stream, creating
// the Decoder Task on the 0→1 refcount transition (spec.md §9).
func (b *Bus) acquireDecoderLocked(ctx context.Context, stream ElementaryStream) (*broadcastBus[Frame], *decoderTask, error) {
	if entry, ok := b.input.decoders[stream.Index]; ok {
		entry.task.acquire()
		return entry.frameBus, entry.task, nil
	}

	frameBus := newBroadcastBus[Frame](b.opts.FrameBusCapacity)
	newDecoder := func(s ElementaryStream) (Decoder, error) {
		return newFFmpegDecoder(ctx, b.newCommandBuilder, b.registry, s, b.logger)
	}
	task, err := newDecoderTask(ctx, stream, b.input.packetBuses[stream.Index], frameBus, newDecoder, b.logger)
	if err != nil {
		return nil, nil, err
	}
	task.acquire()
	b.input.decoders[stream.Index] = &busDecoderEntry{task: task, frameBus: frameBus}
	return frameBus, task, nil
}

// releaseDecoderLocked drops one reference to stream's Decoder Task,
// tearing it down on the 1→0 transition.
func (b *Bus) releaseDecoderLocked(streamIndex int) {
	entry, ok := b.input.decoders[streamIndex]
	if !ok {
		return
	}
	if entry.task.release() {
		entry.task.stop()
		delete(b.input.decoders, streamIndex)
	}
}

func (b *Bus) newEncoderForStream(ctx context.Context, stream ElementaryStream, opts *EncodeOpts, outputTB Rational) (Encoder, error) {
	var softwareName string
	if stream.Kind == StreamVideo {
		v, _ := codec.ParseVideo(stream.CodecID)
		softwareName = codec.GetVideoEncoder(v, codec.HWAccelNone)
	} else {
		a, _ := codec.ParseAudio(stream.CodecID)
		softwareName = codec.GetAudioEncoder(a)
	}
	return newFFmpegEncoder(ctx, b.newCommandBuilder, b.registry, softwareName, stream, opts, outputTB, b.logger)
}

// RemoveOutput cancels and awaits every task belonging to id, releases its
// Decoder Task references, and closes its Writer. Wait-free for the
// publisher: Packet/Frame Bus Unsubscribe never blocks on a slow consumer
// (spec.md §8).
func (b *Bus) RemoveOutput(id string) error {
	b.mu.Lock()
	out, ok := b.outputs[id]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownOutput
	}
	delete(b.outputs, id)
	for _, t := range out.tasks {
		t.stop()
	}
	for _, idx := range out.decoderRefs {
		b.releaseDecoderLocked(idx)
	}
	b.mu.Unlock()

	return out.writer.Close()
}

// ListOutputs returns the currently registered output ids.
func (b *Bus) ListOutputs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.outputs))
	for id := range b.outputs {
		ids = append(ids, id)
	}
	return ids
}

// BusStatus is the snapshot returned by Status (spec.md §6).
type BusStatus struct {
	HasInput    bool
	StreamCount int
	OutputCount int

	// UnsupportedCodecTracks and DroppedOverflowPackets surface the
	// counters behind spec.md §9's Open Question: packets for a track this
	// Bus can't map to an ElementaryStream are counted, never silently
	// dropped.
	UnsupportedCodecTracks uint64
	DroppedOverflowPackets uint64

	// DecoderLagEvents sums every active Decoder Task's Packet Bus
	// resynchronisation count (spec.md §6/§7); decoders are shared across
	// outputs so this is not broken out per output.
	DecoderLagEvents uint64

	// Outputs carries per-output telemetry (lag events, bytes written, last
	// classified error), one entry per currently registered output id.
	Outputs []OutputStatus
}

// Status reports a point-in-time snapshot of the Bus's shape.
func (b *Bus) Status() BusStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BusStatus{OutputCount: len(b.outputs)}
	if b.input != nil {
		st.HasInput = true
		st.StreamCount = len(b.input.streams)
		if src, ok := b.input.source.(*ffmpegPacketSource); ok {
			st.UnsupportedCodecTracks = src.UnsupportedCodecTrackCount()
			st.DroppedOverflowPackets = src.ChannelOverflowCount()
		}
		for _, entry := range b.input.decoders {
			st.DecoderLagEvents += entry.task.LagEvents()
		}
	}
	st.Outputs = make([]OutputStatus, 0, len(b.outputs))
	for id, out := range b.outputs {
		st.Outputs = append(st.Outputs, out.telemetry.snapshot(id))
	}
	return st
}

func matchStreams(streams []ElementaryStream, kind AVKind) []ElementaryStream {
	var out []ElementaryStream
	for _, s := range streams {
		switch kind {
		case AVVideo:
			if s.Kind == StreamVideo {
				out = append(out, s)
			}
		case AVAudio:
			if s.Kind == StreamAudio {
				out = append(out, s)
			}
		default:
			out = append(out, s)
		}
	}
	return out
}

func outputDescriptorFor(stream ElementaryStream, spec OutputSpec) StreamDescriptor {
	desc := StreamDescriptor{
		StreamIndex: stream.Index,
		Kind:        stream.Kind,
		CodecID:     stream.CodecID,
		TimeBase:    stream.TimeBase,
	}
	if spec.Encode != nil {
		// The encoder's own OutputTimeBase is authoritative once constructed;
		// this is only a placeholder until then for descriptor purposes.
		desc.TimeBase = Rational{Num: 1, Den: 90000}
		if stream.Kind == StreamVideo {
			desc.CodecID = "h264"
		} else {
			desc.CodecID = "aac"
		}
	}
	return desc
}

func (b *Bus) buildWriter(spec OutputSpec) (Writer, any, error) {
	switch spec.Dest.Kind {
	case DestMuxFile:
		f, err := os.Create(spec.Dest.Path)
		if err != nil {
			return nil, nil, &ClassifiedError{Kind: KindWriterOpen, Cause: err}
		}
		return newContainerMuxerWriter(f, false, b.opts.WriterRetry, b.logger), nil, nil
	case DestMuxNetwork:
		conn, err := dialOutput(spec.Dest.URL)
		if err != nil {
			return nil, nil, &ClassifiedError{Kind: KindWriterOpen, Cause: err}
		}
		return newContainerMuxerWriter(conn, true, b.opts.WriterRetry, b.logger), nil, nil
	case DestRawFrame:
		ch := make(chan Frame, 64)
		var recv (<-chan Frame) = ch
		return newRawFrameWriter(ch), recv, nil
	case DestRawPacket:
		ch := make(chan RawPacket, 64)
		var recv (<-chan RawPacket) = ch
		return newRawPacketWriter(ch), recv, nil
	default:
		return nil, nil, fmt.Errorf("mediabus: unknown output dest kind %q", spec.Dest.Kind)
	}
}

func dialOutput(url string) (io.WriteCloser, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.Dial("tcp", url)
}
