package mediabus

// rebaser centralises PTS/DTS conversion between a source time base and a
// target (Writer) time base, enforcing per-stream monotonicity. Per
// spec.md §9, timestamp rebasing is the single most bug-prone area in this
// system, so every Output Writer path — Copy-Mux and Encoder+Mux alike —
// goes through exactly this type rather than recomputing the conversion
// inline.
type rebaser struct {
	from, to Rational
	lastOut  map[int]int64 // last pts handed out, per stream index
	haveLast map[int]bool
}

func newRebaser(from, to Rational) *rebaser {
	return &rebaser{
		from:     from,
		to:       to,
		lastOut:  make(map[int]int64),
		haveLast: make(map[int]bool),
	}
}

// RebasePacket converts pkt's pts/dts from the source time base into the
// Writer's time base and enforces monotonic, non-decreasing pts per stream.
// ok is false when the converted pts would go backwards relative to the
// last packet handed to the Writer on this stream; the caller must drop
// the packet per spec.md §5 ("violations drop the offending packet").
func (r *rebaser) RebasePacket(pkt RawPacket) (out RawPacket, ok bool) {
	out = pkt
	out.PTS = r.from.Rescale(pkt.PTS, r.to)
	out.DTS = r.from.Rescale(pkt.DTS, r.to)

	last, seen := r.lastOut[pkt.StreamIndex]
	if seen && out.PTS < last {
		return RawPacket{}, false
	}
	r.lastOut[pkt.StreamIndex] = out.PTS
	r.haveLast[pkt.StreamIndex] = true
	return out, true
}

// Reset clears monotonicity tracking for a stream, used after a Lagged
// resync where the next delivered packet is expected to restart the
// sequence at a new keyframe.
func (r *rebaser) Reset(streamIndex int) {
	delete(r.lastOut, streamIndex)
	delete(r.haveLast, streamIndex)
}
