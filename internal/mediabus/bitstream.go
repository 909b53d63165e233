package mediabus

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// BitstreamAdapter converts H.264/H.265 packets between AVCC (length-
// prefixed NAL units, as found inside MP4/fMP4) and Annex-B (start-code
// prefixed, as required by MPEG-TS and most bare elementary-stream
// consumers).
//
// Grounded on the teacher's internal/relay/ts_demuxer.go and fmp4_adapter.go,
// which already lean on bluenviron/mediacommon's h264/h265 packages for
// exactly this conversion rather than hand-rolling NAL unit parsing.
type BitstreamAdapter struct{}

// IsAnnexB reports whether payload already begins with a start code
// (0x000001 or 0x00000001). The keyframe/SPS-PPS prepend logic in
// AVCCToAnnexB relies on this to stay idempotent.
func (BitstreamAdapter) IsAnnexB(payload []byte) bool {
	if len(payload) < 3 {
		return false
	}
	if payload[0] == 0x00 && payload[1] == 0x00 && payload[2] == 0x01 {
		return true
	}
	if len(payload) >= 4 && payload[0] == 0x00 && payload[1] == 0x00 &&
		payload[2] == 0x00 && payload[3] == 0x01 {
		return true
	}
	return false
}

// AVCCToAnnexB rewrites length-prefixed NALUs into start-code-prefixed
// NALUs. For keyframes it prepends SPS/PPS (H.264) or VPS/SPS/PPS (H.265)
// extracted from codecParams.Extradata, so a player joining mid-stream at
// this packet can still decode it.
//
// Idempotent: if payload is already Annex-B, it is returned unchanged.
func (a BitstreamAdapter) AVCCToAnnexB(pkt RawPacket, codecID string, codecParams CodecParams) (RawPacket, error) {
	if a.IsAnnexB(pkt.Payload) {
		return pkt, nil
	}

	var avcc h264.AVCC
	if err := avcc.Unmarshal(pkt.Payload); err != nil {
		return RawPacket{}, ErrBitstreamMalformed
	}

	nalus := [][]byte(avcc)
	if pkt.Keyframe {
		if extra, ok := parameterSetsFromExtradata(codecID, codecParams.Extradata); ok {
			nalus = append(extra, nalus...)
		}
	}

	out, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return RawPacket{}, ErrBitstreamMalformed
	}

	pkt.Payload = out
	return pkt, nil
}

// AnnexBToAVCC is the inverse of AVCCToAnnexB: it strips start codes and
// re-packages NALUs with length prefixes, dropping any SPS/PPS/VPS units
// (they belong in the container's extradata, not the access unit, once
// repackaged as AVCC).
func (a BitstreamAdapter) AnnexBToAVCC(pkt RawPacket, codecID string) (RawPacket, error) {
	if !a.IsAnnexB(pkt.Payload) {
		return pkt, nil
	}

	var annexB h264.AnnexB
	if err := annexB.Unmarshal(pkt.Payload); err != nil {
		return RawPacket{}, ErrBitstreamMalformed
	}

	nalus := stripParameterSets(codecID, [][]byte(annexB))

	out, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return RawPacket{}, ErrBitstreamMalformed
	}

	pkt.Payload = out
	return pkt, nil
}

// parameterSetsFromExtradata pulls the SPS/PPS (H.264) or VPS/SPS/PPS
// (H.265) NAL units out of AVCDecoderConfigurationRecord-style extradata,
// in annex-B-ready (no length prefix) form.
func parameterSetsFromExtradata(codecID string, extradata []byte) ([][]byte, bool) {
	if len(extradata) == 0 {
		return nil, false
	}

	// Extradata for both codecs is read as a plain sequence of
	// length-prefixed NAL units, without a decoder configuration record
	// header (see CodecParams.Extradata); here we only need to split it
	// back into individual units.
	var avcc h264.AVCC
	if err := avcc.Unmarshal(extradata); err != nil {
		return nil, false
	}

	var out [][]byte
	switch codecID {
	case "h265", "hevc":
		for _, nal := range avcc {
			if len(nal) < 2 {
				continue
			}
			t := h265.NALUType((nal[0] >> 1) & 0x3F)
			if t == h265.NALUType_VPS_NUT || t == h265.NALUType_SPS_NUT || t == h265.NALUType_PPS_NUT {
				out = append(out, nal)
			}
		}
	default: // h264
		for _, nal := range avcc {
			if len(nal) < 1 {
				continue
			}
			t := h264.NALUType(nal[0] & 0x1F)
			if t == h264.NALUTypeSPS || t == h264.NALUTypePPS {
				out = append(out, nal)
			}
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// stripParameterSets drops SPS/PPS/VPS NAL units, leaving only the VCL
// (and SEI/AUD) units that belong in an AVCC access unit.
func stripParameterSets(codecID string, nalus [][]byte) [][]byte {
	out := make([][]byte, 0, len(nalus))
	for _, nal := range nalus {
		if codecID == "h265" || codecID == "hevc" {
			if len(nal) >= 2 {
				t := h265.NALUType((nal[0] >> 1) & 0x3F)
				if t == h265.NALUType_VPS_NUT || t == h265.NALUType_SPS_NUT || t == h265.NALUType_PPS_NUT {
					continue
				}
			}
		} else if len(nal) >= 1 {
			t := h264.NALUType(nal[0] & 0x1F)
			if t == h264.NALUTypeSPS || t == h264.NALUTypePPS {
				continue
			}
		}
		out = append(out, nal)
	}
	return out
}

// IsKeyframe reports whether the access unit au contains a random-access
// (IDR/IRAP) NAL unit, dispatching on codecID.
func IsKeyframe(codecID string, au [][]byte) bool {
	if codecID == "h265" || codecID == "hevc" {
		return h265.IsRandomAccess(au)
	}
	return h264.IsRandomAccess(au)
}
